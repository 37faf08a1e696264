// Package rates reduces feed ticks into per-pair hourly running averages and
// routes the enriched updates to publishers.
package rates

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"rate-stream/internal/domain"
	"rate-stream/internal/logging"
	"rate-stream/internal/observability"
)

// DefaultFlushTimeout bounds a single background flush write.
const DefaultFlushTimeout = 10 * time.Second

// HourlyAverageSaver persists completed hour buckets. Save must upsert on (pair, hour).
type HourlyAverageSaver interface {
	Save(ctx context.Context, a *domain.HourlyAverage) (*domain.HourlyAverage, error)
}

type bucket struct {
	sum      float64
	count    int64
	flushing bool
}

func (b *bucket) average() float64 {
	return b.sum / float64(b.count)
}

// Aggregator keeps one running-average bucket per (pair, hour). The first tick
// of a new hour flushes the pair's previous bucket in the background; Add never
// waits for the write.
type Aggregator struct {
	store        HourlyAverageSaver
	logger       *zap.Logger
	flushTimeout time.Duration

	mu      sync.Mutex
	current map[string]domain.HourKey
	buckets map[domain.HourKey]*bucket

	wg sync.WaitGroup
}

// NewAggregator creates an aggregator flushing to store.
// A non-positive flushTimeout selects DefaultFlushTimeout.
func NewAggregator(store HourlyAverageSaver, flushTimeout time.Duration, logger *zap.Logger) *Aggregator {
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	return &Aggregator{
		store:        store,
		logger:       logging.OrNop(logger).Named("aggregator"),
		flushTimeout: flushTimeout,
		current:      make(map[string]domain.HourKey),
		buckets:      make(map[domain.HourKey]*bucket),
	}
}

// Add records a tick and returns the running average of the pair's current hour.
// It never fails: on an internal fault it returns the bucket's average if one
// exists, otherwise price.
func (a *Aggregator) Add(pair string, price float64, timestampMs int64) (avg float64) {
	if pair == "" || math.IsNaN(price) || math.IsInf(price, 0) {
		a.logger.Debug("ignore invalid tick", zap.String("pair", pair), zap.Float64("price", price))
		return price
	}

	key := domain.NewHourKey(pair, timestampMs)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("add tick failed", zap.Stringer("key", key), zap.Any("panic", r))
			avg = a.fallback(key, price)
		}
	}()

	return a.add(key, price)
}

func (a *Aggregator) add(key domain.HourKey, price float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.current[key.Pair]; ok && prev != key {
		a.flushPairLocked(key)
	}
	a.current[key.Pair] = key

	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{}
		a.buckets[key] = b
	}
	b.sum += price
	b.count++

	observability.SetActiveBuckets(len(a.buckets))
	return b.average()
}

func (a *Aggregator) fallback(key domain.HourKey, price float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buckets[key]; ok && b.count > 0 {
		return b.average()
	}
	return price
}

// flushPairLocked dispatches a flush for every idle bucket of key.Pair other
// than key itself. That is the hour just completed plus any bucket retained
// after an earlier failed write.
func (a *Aggregator) flushPairLocked(keep domain.HourKey) {
	for k, b := range a.buckets {
		if k.Pair != keep.Pair || k == keep || b.flushing {
			continue
		}
		b.flushing = true
		rec := &domain.HourlyAverage{
			Pair:      k.Pair,
			HourStart: k.HourStart,
			Average:   b.average(),
			Count:     b.count,
		}
		a.wg.Add(1)
		go a.flush(k, rec)
	}
}

func (a *Aggregator) flush(key domain.HourKey, rec *domain.HourlyAverage) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), a.flushTimeout)
	defer cancel()

	start := time.Now()
	err := a.save(ctx, rec)
	observability.RecordFlush(time.Since(start).Seconds(), err)

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[key]
	if !ok {
		return
	}
	b.flushing = false

	if err != nil {
		a.logger.Warn("flush failed, bucket retained",
			zap.Stringer("key", key), zap.Int64("count", rec.Count), zap.Error(err))
		return
	}

	// Ticks that arrived for this hour during the write keep the bucket alive.
	if b.count == rec.Count {
		delete(a.buckets, key)
		observability.SetActiveBuckets(len(a.buckets))
	}
	a.logger.Debug("flushed hour",
		zap.Stringer("key", key), zap.Float64("average", rec.Average), zap.Int64("count", rec.Count))
}

// save calls the store, converting a panic into an error.
func (a *Aggregator) save(ctx context.Context, rec *domain.HourlyAverage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("save hourly average: panic: %v", r)
		}
	}()
	_, err = a.store.Save(ctx, rec)
	return err
}

// Current returns the running average and tick count of the pair's active hour.
func (a *Aggregator) Current(pair string) (avg float64, count int64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.current[pair]
	if !ok {
		return 0, 0, false
	}
	b, ok := a.buckets[key]
	if !ok || b.count == 0 {
		return 0, 0, false
	}
	return b.average(), b.count, true
}

// Close waits for in-flight flushes and then synchronously flushes every
// bucket still in memory, including the active hours.
func (a *Aggregator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight flushes: %w", ctx.Err())
	}

	a.mu.Lock()
	pending := make(map[domain.HourKey]*domain.HourlyAverage, len(a.buckets))
	for k, b := range a.buckets {
		pending[k] = &domain.HourlyAverage{
			Pair:      k.Pair,
			HourStart: k.HourStart,
			Average:   b.average(),
			Count:     b.count,
		}
	}
	a.mu.Unlock()

	var errs []error
	for k, rec := range pending {
		start := time.Now()
		err := a.save(ctx, rec)
		observability.RecordFlush(time.Since(start).Seconds(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", k, err))
			continue
		}

		a.mu.Lock()
		if b, ok := a.buckets[k]; ok && b.count == rec.Count {
			delete(a.buckets, k)
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	observability.SetActiveBuckets(len(a.buckets))
	a.mu.Unlock()

	if len(errs) > 0 {
		a.logger.Error("final flush incomplete", zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}
