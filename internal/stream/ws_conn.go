package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rate-stream/internal/logging"
)

var (
	// ErrSessionClosed is returned by Send after the connection closed.
	ErrSessionClosed = errors.New("stream: session closed")
	// ErrSendBufferFull is returned by Send when the client is not keeping up.
	ErrSendBufferFull = errors.New("stream: send buffer full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// DefaultSendBuffer is the per-session outbound queue length.
	DefaultSendBuffer = 64
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest is the data of a client subscribe event.
type SubscribeRequest struct {
	Pairs []string `json:"pairs"`
}

// WSConn is a downstream websocket session. Outbound frames go through a
// bounded queue drained by WritePump so Send never blocks.
type WSConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewWSConn wraps conn. A non-positive buffer selects DefaultSendBuffer.
func NewWSConn(id string, conn *websocket.Conn, buffer int, logger *zap.Logger) *WSConn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &WSConn{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, buffer),
		logger: logging.OrNop(logger),
		done:   make(chan struct{}),
	}
}

// ID implements Conn.
func (c *WSConn) ID() string { return c.id }

// Disconnected implements Conn.
func (c *WSConn) Disconnected() bool { return c.closed.Load() }

// Send implements Conn.
func (c *WSConn) Send(event string, payload any) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event, err)
	}

	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close marks the session disconnected and closes the socket. Idempotent.
func (c *WSConn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}

// WritePump drains the send queue and pings the client until the session closes.
func (c *WSConn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.String("session", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump reads client events until the connection fails, passing every
// subscribe request to onSubscribe. Unknown events and malformed frames are ignored.
func (c *WSConn) ReadPump(onSubscribe func(pairs []string)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.String("session", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Debug("ignore malformed frame", zap.String("session", c.id), zap.Error(err))
			continue
		}
		if env.Event != EventSubscribe {
			continue
		}

		var req SubscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.logger.Debug("ignore malformed subscribe", zap.String("session", c.id), zap.Error(err))
			continue
		}
		onSubscribe(req.Pairs)
	}
}
