// Package finnhub maintains the upstream trade feed connection.
package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rate-stream/internal/logging"
	"rate-stream/internal/observability"
)

// ErrConnectorClosed is returned by Connect after Disconnect.
var ErrConnectorClosed = errors.New("finnhub: connector closed")

// State is the connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures connector behavior.
type Config struct {
	// URL is the provider endpoint without the token query parameter.
	URL string
	// APIKey is appended as ?token=.
	APIKey string
	// HeartbeatInterval is how often liveness is checked while open.
	HeartbeatInterval time.Duration
	// StaleAfter is the silence after which an open connection is force-closed.
	StaleAfter time.Duration
	// ReconnectBaseDelay is the delay of the first reconnect attempt.
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the reconnect delay.
	ReconnectMaxDelay time.Duration
	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single control frame write.
	WriteTimeout time.Duration
}

// DefaultConfig returns default connector configuration.
func DefaultConfig() Config {
	return Config{
		URL:                "wss://ws.finnhub.io",
		HeartbeatInterval:  30 * time.Second,
		StaleAfter:         60 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
	}
}

// MessageHandler receives every successfully decoded feed event.
type MessageHandler func(FeedEvent)

// ConnectHandler is invoked each time a connection opens.
type ConnectHandler func()

// Connector owns one upstream websocket connection. It reconnects with
// exponential backoff until Disconnect is called and re-issues the desired
// subscriptions on every open.
type Connector struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      uint64 // bumped per connect attempt; stale goroutines compare against it
	closed   bool
	attempts int
	timer    *time.Timer

	desired    []string
	desiredSet map[string]struct{}

	onMessage MessageHandler
	onConnect ConnectHandler

	hbStop chan struct{}
	hbDone chan struct{}

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu      sync.Mutex
	lastActivity atomic.Int64

	wg sync.WaitGroup
}

// NewConnector creates an idle connector. Call Connect to start it.
func NewConnector(cfg Config, logger *zap.Logger) *Connector {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		cfg:        cfg,
		logger:     logging.OrNop(logger).Named("finnhub"),
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		ctx:        ctx,
		cancel:     cancel,
		desiredSet: make(map[string]struct{}),
	}
}

// OnMessage sets the message handler, replacing any previous one.
func (c *Connector) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

// OnConnect sets the connect handler, replacing any previous one.
func (c *Connector) OnConnect(h ConnectHandler) {
	c.mu.Lock()
	c.onConnect = h
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a connection exists and is open.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.state == StateOpen
}

// Connect starts a connection attempt in the background. It is a no-op while
// connecting or open and returns ErrConnectorClosed after Disconnect.
func (c *Connector) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectorClosed
	}
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(gen)
	return nil
}

// Subscribe adds symbols to the desired set. Newly added symbols are sent
// immediately when open; otherwise they go out on the next open.
func (c *Connector) Subscribe(symbols ...string) {
	c.mu.Lock()
	var added []string
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := c.desiredSet[s]; ok {
			continue
		}
		c.desiredSet[s] = struct{}{}
		c.desired = append(c.desired, s)
		added = append(added, s)
	}
	conn := c.openConnLocked()
	c.mu.Unlock()

	if conn == nil {
		return
	}
	for _, s := range added {
		c.sendControl(conn, frameSubscribe, s)
	}
}

// Unsubscribe removes symbol from the desired set and sends an unsubscribe when open.
func (c *Connector) Unsubscribe(symbol string) {
	c.mu.Lock()
	if _, ok := c.desiredSet[symbol]; ok {
		delete(c.desiredSet, symbol)
		for i, s := range c.desired {
			if s == symbol {
				c.desired = append(c.desired[:i], c.desired[i+1:]...)
				break
			}
		}
	}
	conn := c.openConnLocked()
	c.mu.Unlock()

	if conn != nil {
		c.sendControl(conn, frameUnsubscribe, symbol)
	}
}

// Disconnect permanently stops the connector. The heartbeat and any pending
// reconnect timer are stopped before it returns.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosing
	c.gen++
	waitHeartbeat := c.stopHeartbeatLocked()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	waitHeartbeat()
	c.cancel()

	if conn != nil {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("write close frame", zap.Error(err))
		}
		if err := conn.Close(); err != nil {
			c.logger.Debug("close connection", zap.Error(err))
		}
	}

	c.wg.Wait()

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	observability.SetFeedConnected(false)
	c.logger.Info("disconnected")
}

// run dials and then reads until the connection ends.
func (c *Connector) run(gen uint64) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint(), nil)
	cancel()
	if err != nil {
		c.logger.Warn("connect failed", zap.Error(err))
		c.handleDisconnect(gen, nil, err)
		return
	}

	if !c.handleOpen(gen, conn) {
		_ = conn.Close()
		return
	}

	c.readLoop(gen, conn)
}

// handleOpen promotes a dialed connection to Open. Returns false when the
// attempt was superseded or the connector was closed meanwhile.
func (c *Connector) handleOpen(gen uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.lastActivity.Store(time.Now().UnixNano())
	c.startHeartbeatLocked(conn)
	onConnect := c.onConnect
	resubscribe := append([]string(nil), c.desired...)
	c.mu.Unlock()

	observability.SetFeedConnected(true)
	c.logger.Info("connected", zap.Int("subscriptions", len(resubscribe)))

	if onConnect != nil {
		c.safeCall("connect handler", onConnect)
	}
	for _, s := range resubscribe {
		c.sendControl(conn, frameSubscribe, s)
	}
	return true
}

func (c *Connector) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, conn, err)
			return
		}

		c.lastActivity.Store(time.Now().UnixNano())
		observability.RecordFeedMessage()

		var ev FeedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			observability.RecordDecodeFailure()
			c.logger.Debug("drop undecodable message", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}

		c.mu.Lock()
		h := c.onMessage
		c.mu.Unlock()
		if h != nil {
			c.safeCall("message handler", func() { h(ev) })
		}
	}
}

// handleDisconnect tears down the connection of attempt gen and schedules a reconnect.
func (c *Connector) handleDisconnect(gen uint64, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if gen != c.gen || (conn != nil && conn != c.conn) {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state == StateOpen
	waitHeartbeat := c.stopHeartbeatLocked()
	c.conn = nil
	c.state = StateIdle
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	waitHeartbeat()
	if conn != nil {
		_ = conn.Close()
	}
	if wasOpen {
		observability.SetFeedConnected(false)
		c.logger.Warn("connection lost", zap.Error(cause))
	}
}

// scheduleReconnectLocked arms the reconnect timer unless one is already pending.
func (c *Connector) scheduleReconnectLocked() {
	if c.closed || c.timer != nil {
		return
	}
	c.attempts++
	delay := backoffDelay(c.attempts, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
	observability.RecordReconnectScheduled()
	c.logger.Info("reconnect scheduled", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))

	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		if err := c.Connect(); err != nil {
			c.logger.Debug("reconnect skipped", zap.Error(err))
		}
	})
}

// backoffDelay returns min(base*2^(attempt-1), max) for attempt >= 1.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (c *Connector) startHeartbeatLocked(conn *websocket.Conn) {
	stop := make(chan struct{})
	done := make(chan struct{})
	c.hbStop, c.hbDone = stop, done
	go c.heartbeat(conn, stop, done)
}

// stopHeartbeatLocked signals the heartbeat to stop and returns a func that
// waits for it. The wait must happen without c.mu held.
func (c *Connector) stopHeartbeatLocked() func() {
	if c.hbStop == nil {
		return func() {}
	}
	close(c.hbStop)
	done := c.hbDone
	c.hbStop, c.hbDone = nil, nil
	return func() { <-done }
}

// heartbeat force-closes conn once nothing has been received for StaleAfter.
// The close makes the read loop take the normal reconnect path.
func (c *Connector) heartbeat(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle <= c.cfg.StaleAfter {
				continue
			}
			c.logger.Warn("connection stale, forcing close", zap.Duration("idle", idle))
			if err := conn.Close(); err != nil {
				c.logger.Debug("close stale connection", zap.Error(err))
			}
			return
		}
	}
}

func (c *Connector) openConnLocked() *websocket.Conn {
	if c.state != StateOpen {
		return nil
	}
	return c.conn
}

// sendControl writes one control frame. Failures are logged, never returned.
func (c *Connector) sendControl(conn *websocket.Conn, kind, symbol string) {
	payload, err := json.Marshal(controlFrame{Type: kind, Symbol: symbol})
	if err != nil {
		observability.RecordFeedSendFailure(kind)
		c.logger.Error("encode control frame", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.logger.Debug("set write deadline", zap.Error(err))
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		observability.RecordFeedSendFailure(kind)
		c.logger.Warn("send control frame failed",
			zap.String("type", kind), zap.String("symbol", symbol), zap.Error(err))
	}
}

// safeCall runs fn and logs instead of crashing when it panics.
func (c *Connector) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}

func (c *Connector) endpoint() string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	if c.cfg.APIKey != "" {
		q := u.Query()
		q.Set("token", c.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
