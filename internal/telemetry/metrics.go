// Package telemetry provides application-level observability for recipegate.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<RGT_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not part of the Gin router, so it never
// competes with (or leaks into) the public API surface.
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /v1/recipes/:id)
// rather than the raw request URL, so user-supplied path segments like recipe
// ids cannot create unbounded label cardinality. Payment metrics carry no
// per-recipe or per-buyer labels for the same reason.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// Gating lifecycle metrics.
//
// RecipesCreatedTotal counts successful gated-content creations, with the
// "backfill" label distinguishing fresh content from legacy-marker recovery.
//
// InvoicesIssuedTotal counts invoices minted through payment requests; the
// already-paid short circuit does not increment it, so the ratio against
// SecretsReleasedTotal approximates payment conversion.
//
// Example PromQL queries:
//   - Conversion (%):  sum(rate(secrets_released_total[1h])) / sum(rate(invoices_issued_total[1h])) * 100
//   - Backfill share:  sum(rate(recipes_created_total{backfill="true"}[24h]))
var (
	RecipesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recipes_created_total",
			Help: "Total number of gated recipes created, by whether the creation was a backfill.",
		},
		[]string{"backfill"},
	)

	InvoicesIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "invoices_issued_total",
			Help: "Total number of payment invoices issued on behalf of buyers.",
		},
	)

	SecretsReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "secrets_released_total",
			Help: "Total number of content secrets released after verified settlement.",
		},
	)
)

// Failure metrics. Both are strong alert candidates:
// PaymentVerificationFailuresTotal spiking suggests forged proofs or an
// issuer disagreement; any increase of ContentDecryptFailuresTotal means a
// paying customer received nothing and a stored record is damaged.
//
// Example alert expressions:
//   - increase(content_decrypt_failures_total[5m]) > 0
//   - rate(payment_verification_failures_total[15m]) > 1
var (
	PaymentVerificationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_verification_failures_total",
			Help: "Total number of settlement proofs rejected during secret fetch.",
		},
	)

	ContentDecryptFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "content_decrypt_failures_total",
			Help: "Total number of access checks that failed to decrypt stored content for a confirmed purchaser.",
		},
	)
)

// DBOpenConnections tracks the sql.DB pool when the postgres store backend is
// active. Sampled every 30 seconds by StartDBStatsCollector rather than
// per-request to avoid sql.DB.Stats() overhead.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits when the database becomes unreachable, which happens
// naturally at shutdown once db.Close() runs.
//
// Call this once, after the postgres store backend connects.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
