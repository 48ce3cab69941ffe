// Package metrics exposes the Prometheus collectors shared by the gateway
// and the enclave. Each process registers the same collector set against
// its own registry instance and serves it on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the custodian-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "key_custodian",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "key_custodian",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "key_custodian",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	signatures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "key_custodian",
			Subsystem: "signing",
			Name:      "signatures_total",
			Help:      "Total number of signing operations.",
		},
		[]string{"sig_type", "outcome"},
	)

	signDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "key_custodian",
			Subsystem: "signing",
			Name:      "sign_duration_seconds",
			Help:      "Duration of signing operations including the enclave round trip.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"sig_type"},
	)

	ticketsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "key_custodian",
			Subsystem: "signing",
			Name:      "tickets_issued_total",
			Help:      "Total number of sign tickets issued.",
		},
	)

	restores = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "key_custodian",
			Subsystem: "enclave",
			Name:      "restores_total",
			Help:      "Total number of transparent key restore attempts.",
		},
		[]string{"outcome"},
	)

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "key_custodian",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
		[]string{"bucket"},
	)

	challengeResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "key_custodian",
			Subsystem: "auth",
			Name:      "challenge_resolutions_total",
			Help:      "Total number of challenge resolution attempts.",
		},
		[]string{"outcome"},
	)

	janitorPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "key_custodian",
			Subsystem: "janitor",
			Name:      "purged_total",
			Help:      "Total number of expired records dropped by the janitor.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		signatures,
		signDuration,
		ticketsIssued,
		restores,
		rateLimited,
		challengeResolutions,
		janitorPurged,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncInFlight marks one request as started.
func IncInFlight() { httpInFlight.Inc() }

// DecInFlight marks one request as finished.
func DecInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSignature records one signing operation.
func RecordSignature(sigType, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	signatures.WithLabelValues(sigType, outcome).Inc()
	signDuration.WithLabelValues(sigType).Observe(duration.Seconds())
}

// RecordTicketIssued counts one issued sign ticket.
func RecordTicketIssued() { ticketsIssued.Inc() }

// RecordRestore counts one transparent restore attempt.
func RecordRestore(outcome string) { restores.WithLabelValues(outcome).Inc() }

// RecordRateLimited counts one request rejected by the named limiter bucket.
func RecordRateLimited(bucket string) { rateLimited.WithLabelValues(bucket).Inc() }

// RecordChallengeResolution counts one challenge resolution attempt.
func RecordChallengeResolution(outcome string) {
	challengeResolutions.WithLabelValues(outcome).Inc()
}

// RecordJanitorPurged counts records dropped by one janitor sweep.
func RecordJanitorPurged(kind string, n int) {
	if n > 0 {
		janitorPurged.WithLabelValues(kind).Add(float64(n))
	}
}
