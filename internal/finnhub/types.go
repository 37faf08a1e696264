package finnhub

// Inbound event types.
const (
	EventTrade = "trade"
	EventPing  = "ping"
	EventError = "error"
)

// FeedEvent is one decoded inbound frame. Only trade events carry Data.
type FeedEvent struct {
	Type string  `json:"type"`
	Data []Trade `json:"data,omitempty"`
	Msg  string  `json:"msg,omitempty"`
}

// Trade is a single trade inside a trade event.
// Price and TimestampMs are pointers so a missing field can be told apart from zero.
type Trade struct {
	Symbol      string   `json:"s"`
	Price       *float64 `json:"p"`
	TimestampMs *int64   `json:"t"`
	Volume      float64  `json:"v"`
	Conditions  []string `json:"c,omitempty"`
}

// controlFrame is an outbound subscribe/unsubscribe request.
type controlFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)
