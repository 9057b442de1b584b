// v0
// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sighting outcomes used as label values.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeDropped   = "dropped"
	OutcomeQuiescent = "quiescent"
)

// Metrics groups the collectors exported by one pipeline instance. All
// methods are safe on a nil receiver so tests can skip instrumentation.
type Metrics struct {
	registry      *prometheus.Registry
	sightings     *prometheus.CounterVec
	elections     prometheus.Counter
	ballotSize    prometheus.Histogram
	evictions     prometheus.Counter
	activeAnchors prometheus.Gauge
	estimates     *prometheus.CounterVec
	residual      prometheus.Histogram
	iterations    prometheus.Histogram
	nonConverged  prometheus.Counter
	publishErrors *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	cbState       *prometheus.GaugeVec
}

// New registers collectors on a private registry. Process and Go runtime
// collectors are included so /metrics is useful on its own.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sightings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagfusion_sightings_total",
			Help: "Sightings processed by outcome.",
		}, []string{"outcome"}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagfusion_elections_total",
			Help: "Collection periods closed.",
		}),
		ballotSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagfusion_ballot_candidates",
			Help:    "Receivers competing per tag in a closed ballot.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagfusion_evictions_total",
			Help: "Active anchor entries removed for staleness.",
		}),
		activeAnchors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tagfusion_active_anchor_entries",
			Help: "Active (tag, anchor) distance entries after the last tick.",
		}),
		estimates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagfusion_estimates_total",
			Help: "Position estimates emitted by method.",
		}, []string{"method"}),
		residual: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagfusion_solver_residual_meters",
			Help:    "RMS range residual of fitted estimates.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagfusion_solver_iterations",
			Help:    "Solver iterations per fitted estimate.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		nonConverged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagfusion_solver_nonconverged_total",
			Help: "Fits returned without meeting convergence tolerance.",
		}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagfusion_publish_errors_total",
			Help: "Failed deliveries per sink.",
		}, []string{"sink"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagfusion_alerts_total",
			Help: "Tag alerts raised by type.",
		}, []string{"type"}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tagfusion_cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sightings,
		m.elections,
		m.ballotSize,
		m.evictions,
		m.activeAnchors,
		m.estimates,
		m.residual,
		m.iterations,
		m.nonConverged,
		m.publishErrors,
		m.alerts,
		m.cbState,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Sighting(outcome string) {
	if m == nil {
		return
	}
	m.sightings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Election(candidates []int) {
	if m == nil {
		return
	}
	m.elections.Inc()
	for _, c := range candidates {
		m.ballotSize.Observe(float64(c))
	}
}

func (m *Metrics) Evicted(n int, remaining int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
	m.activeAnchors.Set(float64(remaining))
}

// Estimate records a solver outcome. fitted is false for single-anchor
// estimates, which carry no residual.
func (m *Metrics) Estimate(method string, fitted bool, residual float64, iterations int, converged bool) {
	if m == nil {
		return
	}
	m.estimates.WithLabelValues(method).Inc()
	if !fitted {
		return
	}
	m.residual.Observe(residual)
	m.iterations.Observe(float64(iterations))
	if !converged {
		m.nonConverged.Inc()
	}
}

func (m *Metrics) PublishError(sink string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) Alert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

// SetBreakerState mirrors a circuit breaker state (0 closed, 1 half, 2 open).
func (m *Metrics) SetBreakerState(target string, state int) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(float64(state))
}
