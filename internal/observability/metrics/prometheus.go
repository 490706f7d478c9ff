// Package metrics provides Prometheus metrics for the course engine.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	registry *prometheus.Registry

	Transitions          *prometheus.CounterVec
	Rejections           *prometheus.CounterVec
	RefillRequests       *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	OutboxPublishedTotal *prometheus.CounterVec
	OutboxFailuresTotal  *prometheus.CounterVec
	OutboxPendingEntries prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_transitions_total",
			Help: "Lifecycle transitions applied, by event type",
		}, []string{"event_type"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_transitions_rejected_total",
			Help: "Lifecycle transitions rejected, by operation and reason",
		}, []string{"operation", "reason"}),
		RefillRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmacy_refill_requests_total",
			Help: "Pharmacy refill requests handled, by outcome",
		}, []string{"outcome"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		OutboxPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published, by event type",
		}, []string{"event_type"}),
		OutboxFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Outbox publish failures, by event type",
		}, []string{"event_type"}),
		OutboxPendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Transitions,
		m.Rejections,
		m.RefillRequests,
		m.HTTPDuration,
		m.OutboxPublishedTotal,
		m.OutboxFailuresTotal,
		m.OutboxPendingEntries,
		m.CircuitBreakerState,
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TransitionApplied implements prescription.Observer
func (m *Metrics) TransitionApplied(t prescription.EventType) {
	m.Transitions.WithLabelValues(string(t)).Inc()
}

// TransitionRejected implements prescription.Observer
func (m *Metrics) TransitionRejected(op string, err error) {
	m.Rejections.WithLabelValues(op, Reason(err)).Inc()
}

// OutboxPublished implements postgres.OutboxObserver
func (m *Metrics) OutboxPublished(eventType string) {
	m.OutboxPublishedTotal.WithLabelValues(eventType).Inc()
}

// OutboxFailed implements postgres.OutboxObserver
func (m *Metrics) OutboxFailed(eventType string) {
	m.OutboxFailuresTotal.WithLabelValues(eventType).Inc()
}

// OutboxPending implements postgres.OutboxObserver
func (m *Metrics) OutboxPending(n int64) {
	m.OutboxPendingEntries.Set(float64(n))
}

// RefillHandled counts a pharmacy refill request by outcome
func (m *Metrics) RefillHandled(outcome string) {
	m.RefillRequests.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one request
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// BreakerStateChanged records a circuit breaker transition
func (m *Metrics) BreakerStateChanged(name string, to circuitbreaker.State) {
	v := 0.0
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Reason maps a domain error to a low-cardinality label
func Reason(err error) string {
	switch {
	case errors.Is(err, prescription.ErrNotFound):
		return "not_found"
	case errors.Is(err, prescription.ErrRefillExhausted):
		return "refill_exhausted"
	case errors.Is(err, prescription.ErrAlreadyDiscontinued):
		return "already_discontinued"
	case errors.Is(err, prescription.ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, prescription.ErrInvalidSchedule),
		errors.Is(err, prescription.ErrInvalidRefills),
		errors.Is(err, prescription.ErrUnknownCategory):
		return "invalid"
	case errors.Is(err, prescription.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
