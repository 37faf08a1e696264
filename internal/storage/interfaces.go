package storage

import (
	"context"
	"time"

	"rate-stream/internal/domain"
)

// HourlyAverageStore provides access to hourly_averages storage.
type HourlyAverageStore interface {
	// Save upserts an hourly average keyed by (pair, hour_start).
	// Re-saving the same key overwrites average and count.
	// Returns the stored record.
	Save(ctx context.Context, a *domain.HourlyAverage) (*domain.HourlyAverage, error)

	// GetLatest retrieves the most recent hour for a pair. Returns ErrNotFound if none.
	GetLatest(ctx context.Context, pair string) (*domain.HourlyAverage, error)

	// FindByRange retrieves hours for a pair within [start, end] (inclusive), ordered by hour_start ASC.
	FindByRange(ctx context.Context, pair string, start, end time.Time) ([]*domain.HourlyAverage, error)
}

// LatestRateStore keeps the last broadcast rate update per pair.
type LatestRateStore interface {
	// Put replaces the stored update for u.Pair.
	Put(ctx context.Context, u domain.RateUpdate) error

	// Get retrieves the last update for a pair. Returns ErrNotFound if none.
	Get(ctx context.Context, pair string) (*domain.RateUpdate, error)
}

// ValidateHourlyAverage checks the fields every store requires and returns
// a copy with HourStart normalized to UTC and truncated to the hour.
func ValidateHourlyAverage(a *domain.HourlyAverage) (*domain.HourlyAverage, error) {
	if a == nil || a.Pair == "" || a.Count <= 0 || a.HourStart.IsZero() {
		return nil, ErrInvalidInput
	}
	out := *a
	out.HourStart = a.HourStart.UTC().Truncate(time.Hour)
	return &out, nil
}
