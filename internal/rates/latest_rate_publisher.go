package rates

import (
	"context"

	"rate-stream/internal/domain"
	"rate-stream/internal/storage"
)

// LatestRatePublisher records every update as the pair's latest rate.
type LatestRatePublisher struct {
	store storage.LatestRateStore
}

// NewLatestRatePublisher wraps store as a Publisher.
func NewLatestRatePublisher(store storage.LatestRateStore) *LatestRatePublisher {
	return &LatestRatePublisher{store: store}
}

// Publish implements Publisher.
func (p *LatestRatePublisher) Publish(ctx context.Context, u domain.RateUpdate) error {
	return p.store.Put(ctx, u)
}
