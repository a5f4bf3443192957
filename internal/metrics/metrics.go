// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Apply outcomes used as the "outcome" label.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks current active connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections",
		},
	)

	// ApplyTotal counts limiter apply calls by limiter, kind and outcome.
	ApplyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgequota_apply_total",
			Help: "Total number of limiter apply calls",
		},
		[]string{"limiter", "kind", "outcome"},
	)

	// ApplyDuration measures how long apply calls take, including backend
	// round-trips and smoothing delays.
	ApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgequota_apply_duration_seconds",
			Help:    "Limiter apply duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"limiter", "kind"},
	)

	// BufferedCalls tracks calls currently waiting in smoothing buffers.
	BufferedCalls = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgequota_buffered_calls",
			Help: "Number of spike-arrest calls waiting in smoothing buffers",
		},
		[]string{"limiter"},
	)

	// SweptBuckets counts expired buckets removed by local backend sweeps.
	SweptBuckets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgequota_swept_buckets_total",
			Help: "Total number of expired local buckets removed by sweeps",
		},
	)

	// RateLimitedTotal counts HTTP requests rejected by the rate limit middleware.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total number of rate-limited requests",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric.
func RecordRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordApply records the outcome and latency of a limiter apply call.
func RecordApply(limiter, kind, outcome string, duration time.Duration) {
	ApplyTotal.WithLabelValues(limiter, kind, outcome).Inc()
	ApplyDuration.WithLabelValues(limiter, kind).Observe(duration.Seconds())
}

// RecordBuffered adjusts the number of buffered calls for a limiter.
func RecordBuffered(limiter string, delta int) {
	BufferedCalls.WithLabelValues(limiter).Add(float64(delta))
}

// RecordSwept records buckets removed by a sweep.
func RecordSwept(n int) {
	if n > 0 {
		SweptBuckets.Add(float64(n))
	}
}

// RecordRateLimited records a rate-limited request.
func RecordRateLimited() {
	RateLimitedTotal.Inc()
}
