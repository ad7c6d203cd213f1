// Package metrics provides application-level Prometheus collectors.
// Collectors register with the default registry and are served on /metrics
// by the serve command.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source API collectors.
var (
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_api_requests_total",
		Help: "Source API requests by resource and HTTP status.",
	}, []string{"resource", "status"})

	APIRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_api_retries_total",
		Help: "Source API requests retried after a retryable failure.",
	}, []string{"resource"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphsync_api_request_duration_seconds",
		Help:    "Source API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graphsync_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})

	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"name", "from", "to"})
)

// Sync pipeline collectors.
var (
	RecordsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_records_upserted_total",
		Help: "Records written to the graph by entity type.",
	}, []string{"entity"})

	RecordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_records_skipped_total",
		Help: "Records skipped because they could not be transformed.",
	}, []string{"entity"})

	EdgesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_edges_created_total",
		Help: "Relationships created by relationship type.",
	}, []string{"relationship"})

	MetricNodesUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_metric_nodes_updated_total",
		Help: "Nodes whose metric properties were recomputed.",
	}, []string{"metric"})

	SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_sync_failures_total",
		Help: "Component failures recorded in sync reports.",
	}, []string{"component", "kind"})

	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_sync_runs_total",
		Help: "Completed sync runs by mode and outcome.",
	}, []string{"mode", "outcome"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphsync_sync_duration_seconds",
		Help:    "Wall-clock duration of sync runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"mode"})

	SyncRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graphsync_sync_running",
		Help: "1 while a sync run is in progress.",
	})
)

// Migration collectors.
var (
	MigrationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_migrations_total",
		Help: "Migrations applied or reverted.",
	}, []string{"direction"})
)

// Handler returns the Prometheus scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
