package domain

import (
	"fmt"
	"time"
)

// Tick is one observed trade price for a pair.
// Produced by translating a feed trade through the pair table.
type Tick struct {
	Pair        string  // normalized pair, e.g. ETH/USDC
	Price       float64 // trade price
	TimestampMs int64   // trade time, Unix milliseconds
}

// RateUpdate is the unit of broadcast: the live price plus the running
// average of the pair's current hour.
type RateUpdate struct {
	Pair        string  `json:"pair"`
	Price       float64 `json:"price"`
	HourlyAvg   float64 `json:"hourlyAvg"`
	TimestampMs int64   `json:"timestamp"`
}

// HourlyAverage is a completed hour bucket as persisted.
// Corresponds to hourly_averages table; unique on (pair, hour_start).
type HourlyAverage struct {
	Pair      string    // normalized pair
	HourStart time.Time // UTC, truncated to the hour
	Average   float64   // arithmetic mean of all tick prices in the hour
	Count     int64     // number of ticks aggregated
}

// HourKey identifies one pair's bucket for one hour.
type HourKey struct {
	Pair      string
	HourStart time.Time
}

// NewHourKey builds the bucket key for a tick at timestampMs.
func NewHourKey(pair string, timestampMs int64) HourKey {
	return HourKey{Pair: pair, HourStart: HourStart(timestampMs)}
}

// String renders the key as pair|ISO8601 for logging.
func (k HourKey) String() string {
	return fmt.Sprintf("%s|%s", k.Pair, k.HourStart.Format("2006-01-02T15:04:05.000Z07:00"))
}

// HourStart truncates a Unix millisecond timestamp to the start of its hour in UTC.
func HourStart(timestampMs int64) time.Time {
	return time.UnixMilli(timestampMs).UTC().Truncate(time.Hour)
}
