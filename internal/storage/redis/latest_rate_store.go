// Package redis stores the latest rate update per pair in Redis so that other
// processes (and restarts) can read the most recent price without the feed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"rate-stream/internal/domain"
	"rate-stream/internal/observability"
	"rate-stream/internal/storage"
)

const keyPrefix = "rate-stream:latest:"

// LatestRateStore implements storage.LatestRateStore on top of a Redis client.
type LatestRateStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewLatestRateStore creates a store. A zero ttl keeps keys forever.
func NewLatestRateStore(client goredis.UniversalClient, ttl time.Duration) *LatestRateStore {
	return &LatestRateStore{client: client, ttl: ttl}
}

// NewClient parses addr (host:port or redis:// URL) and pings the server.
func NewClient(ctx context.Context, addr string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(addr)
	if err != nil {
		opts = &goredis.Options{Addr: addr}
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var _ storage.LatestRateStore = (*LatestRateStore)(nil)

func key(pair string) string {
	return keyPrefix + pair
}

// Put overwrites the latest update for u.Pair.
func (s *LatestRateStore) Put(ctx context.Context, u domain.RateUpdate) (err error) {
	if u.Pair == "" {
		return fmt.Errorf("%w: empty pair", storage.ErrInvalidInput)
	}

	start := time.Now()
	defer func() {
		observability.RecordDBQuery("redis", "put_latest_rate", time.Since(start).Seconds(), err)
	}()

	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal rate update: %w", err)
	}

	if err = s.client.Set(ctx, key(u.Pair), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set latest rate: %w", err)
	}
	return nil
}

// Get returns the latest update for pair or storage.ErrNotFound.
func (s *LatestRateStore) Get(ctx context.Context, pair string) (out *domain.RateUpdate, err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, storage.ErrNotFound) {
			observability.RecordDBQuery("redis", "get_latest_rate", time.Since(start).Seconds(), nil)
			return
		}
		observability.RecordDBQuery("redis", "get_latest_rate", time.Since(start).Seconds(), err)
	}()

	payload, err := s.client.Get(ctx, key(pair)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest rate: %w", err)
	}

	var u domain.RateUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("unmarshal rate update: %w", err)
	}
	return &u, nil
}
