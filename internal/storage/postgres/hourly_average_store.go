package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rate-stream/internal/domain"
	"rate-stream/internal/observability"
	"rate-stream/internal/storage"
)

// HourlyAverageStore is a PostgreSQL implementation of storage.HourlyAverageStore.
// Backed by hourly_averages with PRIMARY KEY (pair, hour_start).
type HourlyAverageStore struct {
	pool *Pool
}

// NewHourlyAverageStore creates a new PostgreSQL hourly average store.
func NewHourlyAverageStore(pool *Pool) *HourlyAverageStore {
	return &HourlyAverageStore{pool: pool}
}

// Compile-time interface check.
var _ storage.HourlyAverageStore = (*HourlyAverageStore)(nil)

// Save upserts by (pair, hour_start) and returns the stored row.
func (s *HourlyAverageStore) Save(ctx context.Context, a *domain.HourlyAverage) (out *domain.HourlyAverage, err error) {
	rec, err := storage.ValidateHourlyAverage(a)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		observability.RecordDBQuery("postgres", "save_hourly_average", time.Since(start).Seconds(), err)
	}()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO hourly_averages (pair, hour_start, average, count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (pair, hour_start) DO UPDATE
		SET average = EXCLUDED.average,
		    count = EXCLUDED.count,
		    updated_at = NOW()
		RETURNING pair, hour_start, average, count
	`, rec.Pair, rec.HourStart, rec.Average, rec.Count)

	saved, err := scanHourlyAverage(row)
	if err != nil {
		return nil, fmt.Errorf("upsert hourly average: %w", err)
	}
	return saved, nil
}

// GetLatest retrieves the most recent hour for a pair.
func (s *HourlyAverageStore) GetLatest(ctx context.Context, pair string) (out *domain.HourlyAverage, err error) {
	start := time.Now()
	defer func() {
		observability.RecordDBQuery("postgres", "get_latest_hourly_average", time.Since(start).Seconds(), err)
	}()

	row := s.pool.QueryRow(ctx, `
		SELECT pair, hour_start, average, count
		FROM hourly_averages
		WHERE pair = $1
		ORDER BY hour_start DESC
		LIMIT 1
	`, pair)

	a, err := scanHourlyAverage(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query latest hourly average: %w", err)
	}
	return a, nil
}

// FindByRange retrieves hours for a pair within [start, end] (inclusive), ordered ASC.
func (s *HourlyAverageStore) FindByRange(ctx context.Context, pair string, from, to time.Time) (out []*domain.HourlyAverage, err error) {
	start := time.Now()
	defer func() {
		observability.RecordDBQuery("postgres", "find_hourly_averages", time.Since(start).Seconds(), err)
	}()

	rows, err := s.pool.Query(ctx, `
		SELECT pair, hour_start, average, count
		FROM hourly_averages
		WHERE pair = $1 AND hour_start >= $2 AND hour_start <= $3
		ORDER BY hour_start ASC
	`, pair, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query hourly averages by range: %w", err)
	}
	defer rows.Close()

	var result []*domain.HourlyAverage
	for rows.Next() {
		a, err := scanHourlyAverage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hourly average row: %w", err)
		}
		result = append(result, a)
	}

	return result, rows.Err()
}

func scanHourlyAverage(row pgx.Row) (*domain.HourlyAverage, error) {
	var a domain.HourlyAverage
	if err := row.Scan(&a.Pair, &a.HourStart, &a.Average, &a.Count); err != nil {
		return nil, err
	}
	a.HourStart = a.HourStart.UTC()
	return &a, nil
}
