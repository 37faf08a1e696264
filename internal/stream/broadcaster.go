// Package stream fans rate updates out to downstream websocket sessions.
package stream

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rate-stream/internal/domain"
	"rate-stream/internal/logging"
	"rate-stream/internal/observability"
)

// Event names on the downstream wire.
const (
	EventRateUpdate = "rate_update"
	EventSubscribe  = "subscribe"
)

// Conn is a session's transport handle.
type Conn interface {
	ID() string
	// Send delivers one event without blocking.
	Send(event string, payload any) error
	// Disconnected reports whether the transport is closed for good.
	Disconnected() bool
}

type session struct {
	conn  Conn
	pairs map[string]struct{}
}

// Broadcaster owns the session registry and each session's subscribed pairs.
type Broadcaster struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		logger:   logging.OrNop(logger).Named("broadcaster"),
		sessions: make(map[string]*session),
	}
}

// RegisterSession adds conn with an empty subscription set. A malformed
// handle is logged and ignored.
func (b *Broadcaster) RegisterSession(conn Conn) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("register session", zap.Any("panic", r))
		}
	}()

	if conn == nil {
		b.logger.Warn("register session: nil connection")
		return
	}
	id := conn.ID()
	if id == "" {
		b.logger.Warn("register session: empty id")
		return
	}

	b.mu.Lock()
	b.sessions[id] = &session{conn: conn, pairs: make(map[string]struct{})}
	n := len(b.sessions)
	b.mu.Unlock()

	observability.SetSessions(n)
	b.logger.Debug("session registered", zap.String("session", id))
}

// RemoveSession deletes the session. Unknown ids are ignored.
func (b *Broadcaster) RemoveSession(id string) {
	b.mu.Lock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	n := len(b.sessions)
	b.mu.Unlock()

	if ok {
		observability.SetSessions(n)
		b.logger.Debug("session removed", zap.String("session", id))
	}
}

// UpdateSubscriptions replaces the session's pair set. Unknown ids are ignored.
func (b *Broadcaster) UpdateSubscriptions(id string, pairs []string) {
	set := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		set[p] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok {
		return
	}
	s.pairs = set
	b.logger.Debug("subscriptions updated", zap.String("session", id), zap.Strings("pairs", pairs))
}

// Subscriptions returns the session's subscribed pairs in no particular order.
func (b *Broadcaster) Subscriptions(id string) ([]string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.sessions[id]
	if !ok {
		return nil, false
	}
	pairs := make([]string, 0, len(s.pairs))
	for p := range s.pairs {
		pairs = append(pairs, p)
	}
	return pairs, true
}

// SessionCount returns the number of registered sessions.
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Publish delivers u to every session subscribed to u.Pair. Failures are
// isolated per session; a session whose transport is closed is removed.
// It always returns nil.
func (b *Broadcaster) Publish(_ context.Context, u domain.RateUpdate) error {
	b.mu.RLock()
	var targets []Conn
	for _, s := range b.sessions {
		if _, ok := s.pairs[u.Pair]; ok {
			targets = append(targets, s.conn)
		}
	}
	b.mu.RUnlock()

	for _, conn := range targets {
		err := b.deliver(conn, u)
		observability.RecordDelivery(u.Pair, err)
		if err == nil {
			continue
		}

		id := conn.ID()
		b.logger.Warn("delivery failed",
			zap.String("session", id), zap.String("pair", u.Pair), zap.Error(err))
		if conn.Disconnected() {
			b.removeConn(id, conn)
		}
	}
	return nil
}

func (b *Broadcaster) deliver(conn Conn, u domain.RateUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return conn.Send(EventRateUpdate, u)
}

// removeConn removes id only while it still belongs to conn.
func (b *Broadcaster) removeConn(id string, conn Conn) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok && s.conn == conn {
		delete(b.sessions, id)
	}
	n := len(b.sessions)
	b.mu.Unlock()

	if ok && s.conn == conn {
		observability.SetSessions(n)
		b.logger.Info("evicted disconnected session", zap.String("session", id))
	}
}
