package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"rate-stream/internal/domain"
	"rate-stream/internal/storage"
)

// hourlyKey is the (pair, hour_start) identity of a record.
type hourlyKey struct {
	pair string
	hour int64 // hour start, Unix seconds
}

// HourlyAverageStore is an in-memory implementation of storage.HourlyAverageStore.
type HourlyAverageStore struct {
	mu   sync.RWMutex
	data map[hourlyKey]*domain.HourlyAverage
}

// NewHourlyAverageStore creates a new in-memory hourly average store.
func NewHourlyAverageStore() *HourlyAverageStore {
	return &HourlyAverageStore{
		data: make(map[hourlyKey]*domain.HourlyAverage),
	}
}

// Save upserts by (pair, hour_start).
func (s *HourlyAverageStore) Save(_ context.Context, a *domain.HourlyAverage) (*domain.HourlyAverage, error) {
	rec, err := storage.ValidateHourlyAverage(a)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[hourlyKey{rec.Pair, rec.HourStart.Unix()}] = rec

	out := *rec
	return &out, nil
}

// GetLatest retrieves the most recent hour for a pair.
func (s *HourlyAverageStore) GetLatest(_ context.Context, pair string) (*domain.HourlyAverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.HourlyAverage
	for k, a := range s.data {
		if k.pair != pair {
			continue
		}
		if latest == nil || a.HourStart.After(latest.HourStart) {
			latest = a
		}
	}

	if latest == nil {
		return nil, storage.ErrNotFound
	}

	out := *latest
	return &out, nil
}

// FindByRange retrieves hours for a pair within [start, end] (inclusive), ordered ASC.
func (s *HourlyAverageStore) FindByRange(_ context.Context, pair string, start, end time.Time) ([]*domain.HourlyAverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.HourlyAverage
	for k, a := range s.data {
		if k.pair != pair || a.HourStart.Before(start) || a.HourStart.After(end) {
			continue
		}
		recCopy := *a
		result = append(result, &recCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].HourStart.Before(result[j].HourStart)
	})

	return result, nil
}

// Len returns the number of stored records.
func (s *HourlyAverageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ storage.HourlyAverageStore = (*HourlyAverageStore)(nil)
