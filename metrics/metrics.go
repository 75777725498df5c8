// Package metrics provides Prometheus metrics for the signature service.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Nil until Init runs, so every Record function is a no-op in tests
	// and tools that never register a registry.
	requestsTotal        atomic.Pointer[prometheus.CounterVec]
	requestDuration      atomic.Pointer[prometheus.HistogramVec]
	tokensIssuedTotal    atomic.Pointer[prometheus.CounterVec]
	classificationsTotal atomic.Pointer[prometheus.CounterVec]
	rateLimitTotal       atomic.Pointer[prometheus.CounterVec]
	auditFailuresTotal   atomic.Pointer[prometheus.Counter]
)

const (
	namespace = "sign_access"

	RateLimitAllowed  = "allowed"
	RateLimitRejected = "rejected"
	RateLimitFailOpen = "fail_open"
	RateLimitFailShut = "fail_closed"
)

// Init registers all collectors with reg. Call once at startup.
func Init(reg prometheus.Registerer) error {
	requestsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled",
		},
		[]string{"method", "path", "status"},
	)
	if err := reg.Register(requestsVec); err != nil {
		return fmt.Errorf("failed to register requestsTotal: %w", err)
	}

	durationVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	if err := reg.Register(durationVec); err != nil {
		return fmt.Errorf("failed to register requestDuration: %w", err)
	}

	issuedVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "issued_total",
			Help:      "Tokens issued by token type",
		},
		[]string{"type"},
	)
	if err := reg.Register(issuedVec); err != nil {
		return fmt.Errorf("failed to register tokensIssued: %w", err)
	}

	classifiedVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "classifications_total",
			Help:      "Presented tokens by token type and classification",
		},
		[]string{"type", "result"},
	)
	if err := reg.Register(classifiedVec); err != nil {
		return fmt.Errorf("failed to register classifications: %w", err)
	}

	rateVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rate_limit",
			Name:      "decisions_total",
			Help:      "Rate limiter decisions by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
	if err := reg.Register(rateVec); err != nil {
		return fmt.Errorf("failed to register rateLimit: %w", err)
	}

	auditFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Audit events that could not be stored",
	})
	if err := reg.Register(auditFailures); err != nil {
		return fmt.Errorf("failed to register auditFailures: %w", err)
	}

	requestsTotal.Store(requestsVec)
	requestDuration.Store(durationVec)
	tokensIssuedTotal.Store(issuedVec)
	classificationsTotal.Store(classifiedVec)
	rateLimitTotal.Store(rateVec)
	auditFailuresTotal.Store(&auditFailures)
	return nil
}

func RecordRequest(method, path, status string, durationSeconds float64) {
	if counter := requestsTotal.Load(); counter != nil {
		counter.WithLabelValues(method, path, status).Inc()
	}
	if histogram := requestDuration.Load(); histogram != nil {
		histogram.WithLabelValues(method, path, status).Observe(durationSeconds)
	}
}

func RecordIssued(tokenType string) {
	if counter := tokensIssuedTotal.Load(); counter != nil {
		counter.WithLabelValues(tokenType).Inc()
	}
}

func RecordClassification(tokenType, result string) {
	if counter := classificationsTotal.Load(); counter != nil {
		counter.WithLabelValues(tokenType, result).Inc()
	}
}

// RecordRateLimit counts one limiter decision; outcome is one of the
// RateLimit* constants.
func RecordRateLimit(endpoint, outcome string) {
	if counter := rateLimitTotal.Load(); counter != nil {
		counter.WithLabelValues(endpoint, outcome).Inc()
	}
}

func RecordAuditFailure() {
	if counter := auditFailuresTotal.Load(); counter != nil {
		(*counter).Inc()
	}
}

// Handler serves the metrics of reg in text format.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// GetMetricsText renders reg in text format. Handy in tests.
func GetMetricsText(reg prometheus.Gatherer) (string, error) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	body, err := io.ReadAll(w.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metrics output: %w", err)
	}
	return string(body), nil
}
