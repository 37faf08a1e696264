package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rate-stream/internal/domain"
	"rate-stream/internal/finnhub"
	"rate-stream/internal/logging"
	"rate-stream/internal/observability"
)

// DefaultPublishTimeout bounds one publisher call.
const DefaultPublishTimeout = 2 * time.Second

// DefaultQueueSize bounds the pending updates of one queued publisher.
const DefaultQueueSize = 256

// Drop reasons reported to metrics.
const (
	dropNotTrade      = "not_trade"
	dropEmpty         = "empty"
	dropMissingFields = "missing_fields"
	dropUnknownSymbol = "unknown_symbol"
)

// Publisher receives every enriched rate update.
type Publisher interface {
	Publish(ctx context.Context, u domain.RateUpdate) error
}

// TickAggregator reduces a tick to the running hourly average.
type TickAggregator interface {
	Add(pair string, price float64, timestampMs int64) float64
}

// Feed is the part of the connector the router drives.
type Feed interface {
	OnMessage(h finnhub.MessageHandler)
	OnConnect(h finnhub.ConnectHandler)
	Subscribe(symbols ...string)
}

type namedPublisher struct {
	name  string
	pub   Publisher
	queue chan domain.RateUpdate // nil when called inline
}

// Router translates feed events into ticks, aggregates them and fans the
// resulting updates out to its publishers in registration order.
// Inline publishers run on the caller's goroutine and must not block.
// Queued publishers are drained by their own goroutine; when a queue is full
// the update is dropped for that publisher only.
type Router struct {
	agg            TickAggregator
	logger         *zap.Logger
	publishTimeout time.Duration
	publishers     []namedPublisher

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRouter creates a router feeding agg.
func NewRouter(agg TickAggregator, logger *zap.Logger) *Router {
	return &Router{
		agg:            agg,
		logger:         logging.OrNop(logger).Named("router"),
		publishTimeout: DefaultPublishTimeout,
	}
}

// AddPublisher appends an inline publisher. Must be called before Attach.
func (r *Router) AddPublisher(name string, p Publisher) {
	r.publishers = append(r.publishers, namedPublisher{name: name, pub: p})
}

// AddQueuedPublisher appends a publisher served from a bounded queue of size
// entries (DefaultQueueSize when size <= 0). Must be called before Attach.
func (r *Router) AddQueuedPublisher(name string, p Publisher, size int) {
	if size <= 0 {
		size = DefaultQueueSize
	}
	np := namedPublisher{name: name, pub: p, queue: make(chan domain.RateUpdate, size)}
	r.publishers = append(r.publishers, np)

	r.wg.Add(1)
	go r.drain(np)
}

// Close stops accepting queued work and waits until every queued publisher
// has drained its backlog or ctx is done. Inline publishers keep working.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, p := range r.publishers {
		if p.queue != nil {
			close(p.queue)
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain publisher queues: %w", ctx.Err())
	}
}

// Attach registers the router as the feed's message and connect handler.
func (r *Router) Attach(feed Feed) {
	feed.OnMessage(r.HandleEvent)
	feed.OnConnect(func() { r.HandleConnect(feed) })
}

// HandleConnect subscribes the feed to every tracked pair. Safe to repeat.
func (r *Router) HandleConnect(feed Feed) {
	symbols := domain.Symbols()
	r.logger.Info("subscribing to tracked pairs", zap.Strings("symbols", symbols))
	feed.Subscribe(symbols...)
}

// HandleEvent processes the first trade of a feed event. Non-trade events,
// empty batches and a malformed or unmapped first trade drop the whole event.
// It never panics.
func (r *Router) HandleEvent(ev finnhub.FeedEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handle feed event", zap.String("type", ev.Type), zap.Any("panic", rec))
		}
	}()

	if ev.Type != finnhub.EventTrade {
		observability.RecordTickDropped(dropNotTrade)
		return
	}
	if len(ev.Data) == 0 {
		observability.RecordTickDropped(dropEmpty)
		return
	}

	tick, ok := r.toTick(ev.Data[0])
	if !ok {
		return
	}
	r.process(tick)
}

func (r *Router) toTick(t finnhub.Trade) (domain.Tick, bool) {
	if t.Symbol == "" || t.Price == nil || t.TimestampMs == nil {
		observability.RecordTickDropped(dropMissingFields)
		return domain.Tick{}, false
	}

	pair, ok := domain.PairForSymbol(t.Symbol)
	if !ok {
		observability.RecordTickDropped(dropUnknownSymbol)
		r.logger.Debug("drop trade for unknown symbol", zap.String("symbol", t.Symbol))
		return domain.Tick{}, false
	}

	return domain.Tick{Pair: pair, Price: *t.Price, TimestampMs: *t.TimestampMs}, true
}

func (r *Router) process(tick domain.Tick) {
	observability.RecordTick(tick.Pair)

	avg := r.agg.Add(tick.Pair, tick.Price, tick.TimestampMs)
	update := domain.RateUpdate{
		Pair:        tick.Pair,
		Price:       tick.Price,
		HourlyAvg:   avg,
		TimestampMs: tick.TimestampMs,
	}

	start := time.Now()
	for _, p := range r.publishers {
		if p.queue != nil {
			r.enqueue(p, update)
			continue
		}
		r.publish(p, update)
	}
	observability.RecordPublish(time.Since(start).Seconds())
}

func (r *Router) enqueue(p namedPublisher, u domain.RateUpdate) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case p.queue <- u:
	default:
		observability.RecordPublisherFailure(p.name)
		r.logger.Warn("publisher queue full, dropping update",
			zap.String("publisher", p.name), zap.String("pair", u.Pair))
	}
}

func (r *Router) drain(p namedPublisher) {
	defer r.wg.Done()
	for u := range p.queue {
		r.publish(p, u)
	}
}

// publish calls one publisher, containing errors and panics.
func (r *Router) publish(p namedPublisher, u domain.RateUpdate) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.RecordPublisherFailure(p.name)
			r.logger.Error("publisher panicked", zap.String("publisher", p.name), zap.Any("panic", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
	defer cancel()

	if err := p.pub.Publish(ctx, u); err != nil {
		observability.RecordPublisherFailure(p.name)
		r.logger.Warn("publish failed",
			zap.String("publisher", p.name), zap.String("pair", u.Pair), zap.Error(err))
	}
}
