// Package telemetry provides application-level observability for the license server.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<CV_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router and
// is therefore absent from the public API surface.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - License validation counters by outcome and latency histogram
//   - Webhook delivery counters and latency histogram
//   - Hardware binding seat-admission counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/licenses/:id)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as license IDs or keys.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening:
//
//	import _ "github.com/codevault/codevault/internal/telemetry"
//
// Or import it directly and use an exported var:
//
//	telemetry.ValidationsTotal.WithLabelValues(result).Inc()
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
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/licenses/:id/bindings),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
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

// Validation protocol metrics — recorded by the validation engine for every
// /license/validate request, including rejected ones.
//
// ValidationsTotal is a CounterVec with label {result}; result is one of
// valid, invalid, revoked, expired, hwid_mismatch.
//
// Example PromQL queries:
//   - Validation rate by outcome:  sum by (result) (rate(license_validations_total[5m]))
//   - Rejection ratio:             1 - sum(rate(license_validations_total{result="valid"}[5m])) / sum(rate(license_validations_total[5m]))
//
// ValidationDuration is a Histogram of end-to-end validation pipeline latency
// (lookup, seat admission, audit log write) using the default buckets.
var (
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_validations_total",
			Help: "Total number of license validation requests, by outcome.",
		},
		[]string{"result"},
	)

	ValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "license_validation_duration_seconds",
			Help:    "Duration of a single license validation pipeline run.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Webhook delivery metrics — recorded by the event dispatcher per attempt.
//
// WebhookDeliveriesTotal is a CounterVec with label {success} ("true"/"false").
// There is no retry loop, so each increment corresponds to exactly one
// webhook_deliveries row.
//
// Example PromQL queries:
//   - Delivery failure rate:  rate(webhook_deliveries_total{success="false"}[15m])
//   - Alert expression:       increase(webhook_deliveries_total{success="false"}[30m]) > 10
//
// WebhookDeliveryDuration is a Histogram of subscriber POST round-trip time;
// the upper buckets matter because deliveries are capped by a 10 s client timeout.
var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts, by success.",
		},
		[]string{"success"},
	)

	WebhookDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Round-trip time of a single webhook delivery attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

// HWIDBindingsTotal is a CounterVec with label {outcome} incremented by the
// hardware binding manager on every seat-admission decision: "bound" for a new
// seat, "refreshed" for a returning machine, "rejected" when the seat cap is full.
//
// Example PromQL queries:
//   - New seats per hour:      increase(hwid_bindings_total{outcome="bound"}[1h])
//   - Seat-cap pressure:       rate(hwid_bindings_total{outcome="rejected"}[1h])
var HWIDBindingsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hwid_bindings_total",
		Help: "Total number of hardware binding admission decisions, by outcome.",
	},
	[]string{"outcome"},
)

// WrapperGenerationsTotal is a CounterVec with labels {target, mode} incremented
// once per generated client wrapper (target: python|nodejs; mode: fixed|generic|demo).
var WrapperGenerationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wrapper_generations_total",
		Help: "Total number of client wrappers generated, by target language and key mode.",
	},
	[]string{"target", "mode"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <CV_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
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
