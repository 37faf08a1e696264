package memory

import (
	"context"
	"sync"

	"rate-stream/internal/domain"
	"rate-stream/internal/storage"
)

// LatestRateStore is an in-memory implementation of storage.LatestRateStore.
type LatestRateStore struct {
	mu   sync.RWMutex
	data map[string]domain.RateUpdate // keyed by pair
}

// NewLatestRateStore creates a new in-memory latest rate store.
func NewLatestRateStore() *LatestRateStore {
	return &LatestRateStore{
		data: make(map[string]domain.RateUpdate),
	}
}

// Put replaces the stored update for u.Pair.
func (s *LatestRateStore) Put(_ context.Context, u domain.RateUpdate) error {
	if u.Pair == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[u.Pair] = u
	return nil
}

// Get retrieves the last update for a pair.
func (s *LatestRateStore) Get(_ context.Context, pair string) (*domain.RateUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.data[pair]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

var _ storage.LatestRateStore = (*LatestRateStore)(nil)
