package clickhouse

import (
	"context"
	"fmt"
	"time"

	"rate-stream/internal/domain"
	"rate-stream/internal/observability"
	"rate-stream/internal/storage"
)

// HourlyAverageStore implements storage.HourlyAverageStore using ClickHouse.
// The table is a ReplacingMergeTree keyed by (pair, hour_start); every read uses
// FINAL so the newest version of a re-saved hour wins.
type HourlyAverageStore struct {
	conn *Conn
	now  func() time.Time
}

// NewHourlyAverageStore creates a new HourlyAverageStore.
func NewHourlyAverageStore(conn *Conn) *HourlyAverageStore {
	return &HourlyAverageStore{conn: conn, now: time.Now}
}

// Compile-time interface check.
var _ storage.HourlyAverageStore = (*HourlyAverageStore)(nil)

// Save inserts a new version of (pair, hour_start).
func (s *HourlyAverageStore) Save(ctx context.Context, a *domain.HourlyAverage) (out *domain.HourlyAverage, err error) {
	rec, err := storage.ValidateHourlyAverage(a)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "save_hourly_average", time.Since(start).Seconds(), err)
	}()

	err = s.conn.Exec(ctx, `
		INSERT INTO hourly_averages (pair, hour_start, average, count, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Pair, rec.HourStart, rec.Average, uint64(rec.Count), s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert hourly average: %w", err)
	}

	return rec, nil
}

// GetLatest retrieves the most recent hour for a pair.
func (s *HourlyAverageStore) GetLatest(ctx context.Context, pair string) (out *domain.HourlyAverage, err error) {
	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "get_latest_hourly_average", time.Since(start).Seconds(), err)
	}()

	rows, err := s.conn.Query(ctx, `
		SELECT pair, hour_start, average, count
		FROM hourly_averages FINAL
		WHERE pair = ?
		ORDER BY hour_start DESC
		LIMIT 1
	`, pair)
	if err != nil {
		return nil, fmt.Errorf("query latest hourly average: %w", err)
	}
	defer rows.Close()

	result, err := scanHourlyAverages(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, storage.ErrNotFound
	}
	return result[0], nil
}

// FindByRange retrieves hours for a pair within [start, end] (inclusive), ordered ASC.
func (s *HourlyAverageStore) FindByRange(ctx context.Context, pair string, from, to time.Time) (out []*domain.HourlyAverage, err error) {
	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "find_hourly_averages", time.Since(start).Seconds(), err)
	}()

	rows, err := s.conn.Query(ctx, `
		SELECT pair, hour_start, average, count
		FROM hourly_averages FINAL
		WHERE pair = ? AND hour_start >= ? AND hour_start <= ?
		ORDER BY hour_start ASC
	`, pair, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query hourly averages by range: %w", err)
	}
	defer rows.Close()

	return scanHourlyAverages(rows)
}

// Rows interface for scanning
type chRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanHourlyAverages scans multiple rows.
func scanHourlyAverages(rows chRows) ([]*domain.HourlyAverage, error) {
	var result []*domain.HourlyAverage

	for rows.Next() {
		var a domain.HourlyAverage
		var count uint64

		if err := rows.Scan(&a.Pair, &a.HourStart, &a.Average, &count); err != nil {
			return nil, fmt.Errorf("scan hourly average row: %w", err)
		}

		a.HourStart = a.HourStart.UTC()
		a.Count = int64(count)
		result = append(result, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hourly average rows: %w", err)
	}

	return result, nil
}
