// Package telemetry provides logging setup and Prometheus metrics for FileVault.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<FV_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Storage adapter operation latency and error counters, by backend type
//   - Quota rejections and group allocation overruns
//   - Adapter cache hit/miss counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/files/:id) rather
// than the raw request URL. Storage metrics are labelled by backend type, never by
// backend id or storage key.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filevault/filevault/internal/safego"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Error rate (%):        sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Storage adapter metrics, recorded by the timeout decorator that wraps every adapter.
//
// StorageOperationDuration labels: {backend_type, op} where op is one of
// upload, download, delete, url, exists.
//
// StorageOperationErrorsTotal labels: {backend_type, op, kind}; kind is the
// apperrors.Kind of the returned error (not_found, io, not_implemented, ...).
//
// Example PromQL queries:
//   - Slow backends:  histogram_quantile(0.95, sum by (backend_type, le) (rate(storage_operation_duration_seconds_bucket[5m])))
//   - Alert on IO:    increase(storage_operation_errors_total{kind="io"}[10m]) > 5
var (
	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Latency of storage adapter operations, by backend type and operation.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend_type", "op"},
	)

	StorageOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operation_errors_total",
			Help: "Total number of failed storage adapter operations, by backend type, operation, and error kind.",
		},
		[]string{"backend_type", "op", "kind"},
	)

	UploadedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_uploaded_bytes_total",
			Help: "Total bytes accepted by storage adapters, by backend type.",
		},
		[]string{"backend_type"},
	)
)

// Quota metrics.
//
// QuotaRejectionsTotal labels: {tier} where tier is "backend" or "user".
// GroupAllocationExceededTotal counts uploads that pushed a group past its
// advisory allocation on a backend; the upload itself is not rejected.
var (
	QuotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Total number of uploads rejected by a quota check, by tier.",
		},
		[]string{"tier"},
	)

	GroupAllocationExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "group_allocation_exceeded_total",
			Help: "Total number of uploads that left a group above its advisory backend allocation.",
		},
	)
)

// Adapter cache metrics, recorded by the backend registry.
var (
	AdapterCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_adapter_cache_hits_total",
			Help: "Number of backend resolutions served from the adapter cache.",
		},
	)

	AdapterCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_adapter_cache_misses_total",
			Help: "Number of backend resolutions that had to construct a new adapter.",
		},
	)
)

// DBOpenConnections tracks open connections held by the sql.DB pool. It is sampled
// every 30 seconds by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every interval until ctx is
// cancelled or the database stops answering pings.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	})
}
