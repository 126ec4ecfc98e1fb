package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "creditline"

// Outcome labels for ledger mutations
const (
	OutcomeAccepted  = "accepted"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

// Metrics holds the Prometheus collectors of the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ledgerMutations   *prometheus.CounterVec
	ledgerAttempts    prometheus.Histogram
	statusTransitions *prometheus.CounterVec
	eventFailures     *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	sweepLoans        *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry together
// with the Go and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ledgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "mutations_total",
			Help:      "Ledger mutations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ledgerAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "attempts",
			Help:      "Optimistic attempts needed per committed mutation.",
			Buckets:   []float64{1, 2, 3, 4, 5, 10, 20},
		}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loan",
			Name:      "status_transitions_total",
			Help:      "Loan status transitions.",
		}, []string{"from", "to"}),
		eventFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Ledger events that could not be delivered to a sink.",
		}, []string{"sink"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of delinquency sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepLoans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "loans_total",
			Help:      "Loans visited by delinquency sweeps by result.",
		}, []string{"result"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ledgerMutations,
		m.ledgerAttempts,
		m.statusTransitions,
		m.eventFailures,
		m.sweepDuration,
		m.sweepLoans,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveMutation records the outcome of a ledger mutation
func (m *Metrics) ObserveMutation(kind, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.ledgerMutations.WithLabelValues(kind, outcome).Inc()
	if outcome == OutcomeAccepted && attempts > 0 {
		m.ledgerAttempts.Observe(float64(attempts))
	}
}

// ObserveTransition records a status change
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

// ObservePublishFailure records an undelivered event
func (m *Metrics) ObservePublishFailure(sink string) {
	if m == nil {
		return
	}
	m.eventFailures.WithLabelValues(sink).Inc()
}

// ObserveSweep records one sweep run
func (m *Metrics) ObserveSweep(elapsed time.Duration, transitioned, unchanged, failed int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
	m.sweepLoans.WithLabelValues("transitioned").Add(float64(transitioned))
	m.sweepLoans.WithLabelValues("unchanged").Add(float64(unchanged))
	m.sweepLoans.WithLabelValues("failed").Add(float64(failed))
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}
