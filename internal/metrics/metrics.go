package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every Prometheus collector the engine exports.
// Constructed once in main and passed explicitly; no package-level
// default registry mutation beyond promauto's.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsRejected *prometheus.CounterVec

	UpstreamCalls     *prometheus.CounterVec
	UpstreamRetries   prometheus.Counter
	UpstreamDropped   *prometheus.CounterVec
	BreakerState      prometheus.Gauge
	BucketWaitSeconds prometheus.Histogram
	QueueDepth        *prometheus.GaugeVec

	GuardAborts    *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	StreamBatches  prometheus.Counter

	TransfersIngested prometheus.Counter
	PatternsDetected  *prometheus.CounterVec
}

// New registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_engine_requests_total",
			Help: "API requests by endpoint and status class.",
		}, []string{"endpoint", "status"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graph_engine_request_duration_seconds",
			Help:    "API request latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RequestsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_engine_requests_rejected_total",
			Help: "Requests rejected before doing work, by reason (rate_limited, invalid, too_complex).",
		}, []string{"reason"}),

		UpstreamCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_engine_upstream_calls_total",
			Help: "Upstream indexer calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		UpstreamRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "graph_engine_upstream_retries_total",
			Help: "Upstream call retry attempts.",
		}),
		UpstreamDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_engine_upstream_dropped_total",
			Help: "Queued upstream requests dropped under backpressure, by priority.",
		}, []string{"priority"}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "graph_engine_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open.",
		}),
		BucketWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "graph_engine_bucket_wait_seconds",
			Help:    "Time spent waiting on the upstream token bucket.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graph_engine_upstream_queue_depth",
			Help: "Pending upstream requests by priority class.",
		}, []string{"priority"}),

		GuardAborts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_engine_guard_aborts_total",
			Help: "Recursive-query guard aborts by cause (timeout, rows, memory, concurrent).",
		}, []string{"cause"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "graph_engine_stream_sessions_active",
			Help: "Currently open streaming sessions.",
		}),
		StreamBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "graph_engine_stream_batches_total",
			Help: "Expansion batches pushed over streaming sessions.",
		}),

		TransfersIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "graph_engine_transfers_ingested_total",
			Help: "Transfers persisted by the collector.",
		}),
		PatternsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_engine_patterns_detected_total",
			Help: "Behavioral patterns detected by type.",
		}, []string{"type"}),
	}
}
