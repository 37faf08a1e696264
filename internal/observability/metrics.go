// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Feed metrics
	FeedMessagesReceived prometheus.Counter
	FeedDecodeFailures   prometheus.Counter
	FeedReconnects       prometheus.Counter
	FeedConnected        prometheus.Gauge
	FeedSendFailures     *prometheus.CounterVec

	// Aggregation metrics
	TicksProcessed *prometheus.CounterVec
	TicksDropped   *prometheus.CounterVec
	Flushes        *prometheus.CounterVec
	ActiveBuckets  prometheus.Gauge
	FlushLatency   prometheus.Histogram

	// Broadcast metrics
	Sessions          prometheus.Gauge
	Deliveries        *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	PublishLatency    prometheus.Histogram
	PublisherFailures *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rate_stream"
	}

	return &Metrics{
		// Feed metrics
		FeedMessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_received_total",
			Help:      "Total number of upstream feed messages received",
		}),
		FeedDecodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "decode_failures_total",
			Help:      "Total number of upstream messages dropped as undecodable",
		}),
		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of reconnect attempts scheduled",
		}),
		FeedConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connected",
			Help:      "1 while the upstream feed connection is open",
		}),
		FeedSendFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "send_failures_total",
			Help:      "Total number of failed control frame sends by frame type",
		}, []string{"type"}),

		// Aggregation metrics
		TicksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rates",
			Name:      "ticks_processed_total",
			Help:      "Total number of ticks aggregated by pair",
		}, []string{"pair"}),
		TicksDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rates",
			Name:      "ticks_dropped_total",
			Help:      "Total number of feed events dropped by reason",
		}, []string{"reason"}),
		Flushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rates",
			Name:      "flushes_total",
			Help:      "Total number of hour bucket flushes by status",
		}, []string{"status"}),
		ActiveBuckets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rates",
			Name:      "active_buckets",
			Help:      "Current number of hour buckets held in memory",
		}),
		FlushLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rates",
			Name:      "flush_latency_seconds",
			Help:      "Hourly average persistence latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Broadcast metrics
		Sessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions",
			Help:      "Current number of registered downstream sessions",
		}),
		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "deliveries_total",
			Help:      "Total number of rate updates handed to sessions by pair",
		}, []string{"pair"}),
		DeliveryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "delivery_failures_total",
			Help:      "Total number of failed session deliveries by pair",
		}, []string{"pair"}),
		PublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "publish_latency_seconds",
			Help:      "Time to fan a rate update out to all publishers in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		PublisherFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "publisher_failures_total",
			Help:      "Total number of rate update publisher failures by publisher",
		}, []string{"publisher"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordFeedMessage increments the feed messages counter.
func RecordFeedMessage() {
	DefaultMetrics.FeedMessagesReceived.Inc()
}

// RecordDecodeFailure increments the decode failure counter.
func RecordDecodeFailure() {
	DefaultMetrics.FeedDecodeFailures.Inc()
}

// RecordReconnectScheduled increments the reconnect counter.
func RecordReconnectScheduled() {
	DefaultMetrics.FeedReconnects.Inc()
}

// SetFeedConnected updates the feed connection gauge.
func SetFeedConnected(connected bool) {
	if connected {
		DefaultMetrics.FeedConnected.Set(1)
		return
	}
	DefaultMetrics.FeedConnected.Set(0)
}

// RecordFeedSendFailure records a failed subscribe/unsubscribe frame.
func RecordFeedSendFailure(frameType string) {
	DefaultMetrics.FeedSendFailures.WithLabelValues(frameType).Inc()
}

// RecordTick increments the processed tick counter for a pair.
func RecordTick(pair string) {
	DefaultMetrics.TicksProcessed.WithLabelValues(pair).Inc()
}

// RecordTickDropped records a dropped feed event.
func RecordTickDropped(reason string) {
	DefaultMetrics.TicksDropped.WithLabelValues(reason).Inc()
}

// RecordFlush records a flush outcome and its latency.
func RecordFlush(seconds float64, err error) {
	DefaultMetrics.FlushLatency.Observe(seconds)
	if err != nil {
		DefaultMetrics.Flushes.WithLabelValues("error").Inc()
		return
	}
	DefaultMetrics.Flushes.WithLabelValues("ok").Inc()
}

// SetActiveBuckets updates the in-memory bucket gauge.
func SetActiveBuckets(n int) {
	DefaultMetrics.ActiveBuckets.Set(float64(n))
}

// SetSessions updates the session gauge.
func SetSessions(n int) {
	DefaultMetrics.Sessions.Set(float64(n))
}

// RecordDelivery records a session delivery attempt.
func RecordDelivery(pair string, err error) {
	if err != nil {
		DefaultMetrics.DeliveryFailures.WithLabelValues(pair).Inc()
		return
	}
	DefaultMetrics.Deliveries.WithLabelValues(pair).Inc()
}

// RecordPublish records the fan-out latency of one rate update.
func RecordPublish(seconds float64) {
	DefaultMetrics.PublishLatency.Observe(seconds)
}

// RecordPublisherFailure records a failing publisher.
func RecordPublisherFailure(publisher string) {
	DefaultMetrics.PublisherFailures.WithLabelValues(publisher).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
