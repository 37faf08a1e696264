package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"rate-stream/internal/domain"
	"rate-stream/internal/storage"
)

var hour0 = time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)

func TestHourlyAverageStore_SaveAndGetLatest(t *testing.T) {
	store := NewHourlyAverageStore()
	ctx := context.Background()

	for i, avg := range []float64{2500, 2510, 2490} {
		_, err := store.Save(ctx, &domain.HourlyAverage{
			Pair:      "ETH/USDC",
			HourStart: hour0.Add(time.Duration(i) * time.Hour),
			Average:   avg,
			Count:     int64(i + 1),
		})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	got, err := store.GetLatest(ctx, "ETH/USDC")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}

	if !got.HourStart.Equal(hour0.Add(2 * time.Hour)) {
		t.Errorf("HourStart mismatch: got %v", got.HourStart)
	}
	if got.Average != 2490 || got.Count != 3 {
		t.Errorf("record mismatch: got avg=%f count=%d", got.Average, got.Count)
	}
}

func TestHourlyAverageStore_SaveUpserts(t *testing.T) {
	store := NewHourlyAverageStore()
	ctx := context.Background()

	rec := &domain.HourlyAverage{Pair: "ETH/USDC", HourStart: hour0, Average: 2500, Count: 3}
	if _, err := store.Save(ctx, rec); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	rec2 := &domain.HourlyAverage{Pair: "ETH/USDC", HourStart: hour0, Average: 2600, Count: 5}
	saved, err := store.Save(ctx, rec2)
	if err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	if saved.Average != 2600 {
		t.Errorf("returned record not updated: %f", saved.Average)
	}

	if store.Len() != 1 {
		t.Fatalf("expected 1 record after upsert, got %d", store.Len())
	}

	got, err := store.GetLatest(ctx, "ETH/USDC")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if got.Average != 2600 || got.Count != 5 {
		t.Errorf("upsert did not overwrite: avg=%f count=%d", got.Average, got.Count)
	}
}

func TestHourlyAverageStore_NormalizesHourStart(t *testing.T) {
	store := NewHourlyAverageStore()
	ctx := context.Background()

	loc := time.FixedZone("UTC+2", 2*60*60)
	saved, err := store.Save(ctx, &domain.HourlyAverage{
		Pair:      "BTC/USDT",
		HourStart: hour0.In(loc).Add(17 * time.Minute),
		Average:   50000,
		Count:     1,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if !saved.HourStart.Equal(hour0) || saved.HourStart.Location() != time.UTC {
		t.Errorf("HourStart not normalized: %v", saved.HourStart)
	}
}

func TestHourlyAverageStore_NotFound(t *testing.T) {
	store := NewHourlyAverageStore()

	_, err := store.GetLatest(context.Background(), "ETH/USDC")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestHourlyAverageStore_InvalidInput(t *testing.T) {
	store := NewHourlyAverageStore()
	ctx := context.Background()

	cases := []*domain.HourlyAverage{
		nil,
		{HourStart: hour0, Average: 1, Count: 1},
		{Pair: "ETH/USDC", Average: 1, Count: 1},
		{Pair: "ETH/USDC", HourStart: hour0, Average: 1, Count: 0},
	}

	for i, c := range cases {
		if _, err := store.Save(ctx, c); !errors.Is(err, storage.ErrInvalidInput) {
			t.Errorf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestHourlyAverageStore_FindByRange(t *testing.T) {
	store := NewHourlyAverageStore()
	ctx := context.Background()

	// Insert out of order, two pairs.
	for _, h := range []int{3, 0, 2, 1, 4} {
		for _, pair := range []string{"ETH/USDC", "BTC/USDT"} {
			_, err := store.Save(ctx, &domain.HourlyAverage{
				Pair:      pair,
				HourStart: hour0.Add(time.Duration(h) * time.Hour),
				Average:   float64(h),
				Count:     1,
			})
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
		}
	}

	got, err := store.FindByRange(ctx, "ETH/USDC", hour0.Add(time.Hour), hour0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("FindByRange failed: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 records (inclusive range), got %d", len(got))
	}
	for i, rec := range got {
		if rec.Pair != "ETH/USDC" {
			t.Errorf("unexpected pair %s", rec.Pair)
		}
		if rec.Average != float64(i+1) {
			t.Errorf("order mismatch at %d: got %f", i, rec.Average)
		}
	}
}

func TestLatestRateStore_PutAndGet(t *testing.T) {
	store := NewLatestRateStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "ETH/USDC"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	first := domain.RateUpdate{Pair: "ETH/USDC", Price: 2500, HourlyAvg: 2500, TimestampMs: 1}
	second := domain.RateUpdate{Pair: "ETH/USDC", Price: 2510, HourlyAvg: 2505, TimestampMs: 2}

	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "ETH/USDC")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if *got != second {
		t.Errorf("expected %+v, got %+v", second, *got)
	}

	if err := store.Put(ctx, domain.RateUpdate{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}
