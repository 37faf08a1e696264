package finnhub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeFeed is a minimal upstream provider. It records every accepted
// connection and every control frame it receives.
type fakeFeed struct {
	server *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	tokens []string

	// reject makes the next N upgrade attempts fail with 503.
	reject atomic.Int32
	// keepAlive, when set, decides per connection index whether the server
	// sends a ping frame every 10ms.
	keepAlive func(idx int) bool

	frames    chan controlFrame
	connected chan *websocket.Conn
}

func newFakeFeed(t *testing.T) *fakeFeed {
	t.Helper()

	f := &fakeFeed{
		frames:    make(chan controlFrame, 100),
		connected: make(chan *websocket.Conn, 10),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.reject.Load() > 0 {
			f.reject.Add(-1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		f.mu.Lock()
		idx := len(f.conns)
		f.conns = append(f.conns, conn)
		f.tokens = append(f.tokens, r.URL.Query().Get("token"))
		keepAlive := f.keepAlive
		f.mu.Unlock()

		f.connected <- conn

		if keepAlive != nil && keepAlive(idx) {
			go func() {
				for {
					time.Sleep(10 * time.Millisecond)
					if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
						return
					}
				}
			}()
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame controlFrame
			if json.Unmarshal(msg, &frame) == nil {
				f.frames <- frame
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFeed) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeFeed) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFeed) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.connected:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func (f *fakeFeed) nextFrame(t *testing.T) controlFrame {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for control frame")
		return controlFrame{}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:                url,
		APIKey:             "test-key",
		HeartbeatInterval:  time.Hour,
		StaleAfter:         time.Hour,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  40 * time.Millisecond,
		HandshakeTimeout:   time.Second,
		WriteTimeout:       time.Second,
	}
}

func newTestConnector(t *testing.T, cfg Config) *Connector {
	t.Helper()
	c := NewConnector(cfg, nil)
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnector_SendsQueuedSubscriptionsOnOpen(t *testing.T) {
	feed := newFakeFeed(t)
	c := newTestConnector(t, testConfig(feed.url()))

	c.Subscribe("BINANCE:ETHUSDC", "BINANCE:BTCUSDT", "BINANCE:ETHUSDC")
	assert.False(t, c.IsConnected())

	require.NoError(t, c.Connect())
	feed.nextConn(t)

	assert.Equal(t, controlFrame{Type: "subscribe", Symbol: "BINANCE:ETHUSDC"}, feed.nextFrame(t))
	assert.Equal(t, controlFrame{Type: "subscribe", Symbol: "BINANCE:BTCUSDT"}, feed.nextFrame(t))

	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOpen, c.State())

	feed.mu.Lock()
	assert.Equal(t, []string{"test-key"}, feed.tokens)
	feed.mu.Unlock()
}

func TestConnector_ConnectIsNoopWhileOpen(t *testing.T) {
	feed := newFakeFeed(t)
	c := newTestConnector(t, testConfig(feed.url()))

	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())
	feed.nextConn(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Connect())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, feed.connCount())
}

func TestConnector_SubscribeWhileOpenSendsImmediately(t *testing.T) {
	feed := newFakeFeed(t)
	c := newTestConnector(t, testConfig(feed.url()))

	require.NoError(t, c.Connect())
	feed.nextConn(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	c.Subscribe("BINANCE:ETHBTC")
	assert.Equal(t, controlFrame{Type: "subscribe", Symbol: "BINANCE:ETHBTC"}, feed.nextFrame(t))

	c.Unsubscribe("BINANCE:ETHBTC")
	assert.Equal(t, controlFrame{Type: "unsubscribe", Symbol: "BINANCE:ETHBTC"}, feed.nextFrame(t))

	c.mu.Lock()
	assert.Empty(t, c.desired)
	c.mu.Unlock()
}

func TestConnector_DeliversDecodedEventsAndDropsGarbage(t *testing.T) {
	feed := newFakeFeed(t)
	c := newTestConnector(t, testConfig(feed.url()))

	events := make(chan FeedEvent, 10)
	c.OnMessage(func(ev FeedEvent) { events <- ev })

	require.NoError(t, c.Connect())
	server := feed.nextConn(t)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"trade","data":[{"s":"BINANCE:ETHUSDC","p":2500.5,"t":1710079200000,"v":0.1}]}`)))

	select {
	case ev := <-events:
		assert.Equal(t, EventTrade, ev.Type)
		require.Len(t, ev.Data, 1)
		assert.Equal(t, "BINANCE:ETHUSDC", ev.Data[0].Symbol)
		require.NotNil(t, ev.Data[0].Price)
		assert.InDelta(t, 2500.5, *ev.Data[0].Price, 1e-9)
		require.NotNil(t, ev.Data[0].TimestampMs)
		assert.Equal(t, int64(1710079200000), *ev.Data[0].TimestampMs)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for trade event")
	}

	assert.Empty(t, events, "undecodable frame must be dropped")
	assert.True(t, c.IsConnected(), "decode failure must not disconnect")
}

func TestConnector_HandlersAreLastWriterWins(t *testing.T) {
	feed := newFakeFeed(t)
	c := newTestConnector(t, testConfig(feed.url()))

	var first, second atomic.Int32
	c.OnMessage(func(FeedEvent) { first.Add(1) })
	c.OnMessage(func(FeedEvent) { second.Add(1) })

	var connects atomic.Int32
	c.OnConnect(func() { panic("replaced handler must not run") })
	c.OnConnect(func() { connects.Add(1) })

	require.NoError(t, c.Connect())
	server := feed.nextConn(t)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), connects.Load())
}

func TestConnector_HandlerPanicDoesNotKillConnection(t *testing.T) {
	feed := newFakeFeed(t)
	c := newTestConnector(t, testConfig(feed.url()))

	var calls atomic.Int32
	c.OnMessage(func(FeedEvent) {
		calls.Add(1)
		panic("boom")
	})

	require.NoError(t, c.Connect())
	server := feed.nextConn(t)
	for i := 0; i < 2; i++ {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	}

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestConnector_ResubscribesAfterReconnect(t *testing.T) {
	feed := newFakeFeed(t)
	c := newTestConnector(t, testConfig(feed.url()))

	var connects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })
	c.Subscribe("BINANCE:ETHUSDT")

	require.NoError(t, c.Connect())
	first := feed.nextConn(t)
	assert.Equal(t, "BINANCE:ETHUSDT", feed.nextFrame(t).Symbol)

	require.NoError(t, first.Close())

	feed.nextConn(t)
	assert.Equal(t, controlFrame{Type: "subscribe", Symbol: "BINANCE:ETHUSDT"}, feed.nextFrame(t))
	require.Eventually(t, func() bool { return connects.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestConnector_AttemptsResetOnOpen(t *testing.T) {
	feed := newFakeFeed(t)
	feed.reject.Store(2)

	c := newTestConnector(t, testConfig(feed.url()))
	require.NoError(t, c.Connect())

	feed.nextConn(t)
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 0, c.attempts)
	assert.Nil(t, c.timer)
}

func TestConnector_StaleConnectionForcesSingleReconnect(t *testing.T) {
	feed := newFakeFeed(t)
	// Only connections after the first keep talking.
	feed.keepAlive = func(idx int) bool { return idx > 0 }

	cfg := testConfig(feed.url())
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.StaleAfter = 50 * time.Millisecond
	c := newTestConnector(t, cfg)

	require.NoError(t, c.Connect())
	feed.nextConn(t)
	feed.nextConn(t)

	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 2, feed.connCount())
	assert.True(t, c.IsConnected())
}

func TestConnector_DuplicateDisconnectSchedulesOnce(t *testing.T) {
	feed := newFakeFeed(t)
	cfg := testConfig(feed.url())
	cfg.ReconnectBaseDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	c := newTestConnector(t, cfg)

	require.NoError(t, c.Connect())
	feed.nextConn(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	gen, conn := c.gen, c.conn
	c.mu.Unlock()

	// Error and close reactions for the same connection.
	c.handleDisconnect(gen, conn, nil)
	c.handleDisconnect(gen, conn, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 1, c.attempts)
	assert.NotNil(t, c.timer)
	assert.Equal(t, StateIdle, c.state)
}

func TestConnector_DisconnectIsTerminal(t *testing.T) {
	feed := newFakeFeed(t)
	c := NewConnector(testConfig(feed.url()), nil)

	require.NoError(t, c.Connect())
	feed.nextConn(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	c.Disconnect()
	c.Disconnect()

	assert.False(t, c.IsConnected())
	assert.Equal(t, StateIdle, c.State())
	assert.ErrorIs(t, c.Connect(), ErrConnectorClosed)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, feed.connCount(), "no reconnect after disconnect")
}

func TestConnector_DisconnectCancelsPendingReconnect(t *testing.T) {
	feed := newFakeFeed(t)
	feed.reject.Store(1000)

	cfg := testConfig(feed.url())
	cfg.ReconnectBaseDelay = 30 * time.Millisecond
	cfg.ReconnectMaxDelay = 30 * time.Millisecond
	c := NewConnector(cfg, nil)

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.timer != nil
	}, time.Second, time.Millisecond)

	c.Disconnect()

	c.mu.Lock()
	assert.Nil(t, c.timer)
	c.mu.Unlock()

	rejected := feed.reject.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, rejected, feed.reject.Load(), "no dial after disconnect")
	assert.Equal(t, 0, feed.connCount())
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{50, 60 * time.Second},
	}

	for _, tt := range tests {
		got := backoffDelay(tt.attempt, time.Second, 60*time.Second)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}

func TestConnector_Endpoint(t *testing.T) {
	c := NewConnector(Config{URL: "wss://ws.finnhub.io", APIKey: "abc"}, nil)
	defer c.Disconnect()
	assert.Equal(t, "wss://ws.finnhub.io?token=abc", c.endpoint())
}
