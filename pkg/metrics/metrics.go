// Package metrics exposes Prometheus instrumentation for the
// orchestrator's lifecycle transitions and worker activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects orchestrator counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	launches         *prometheus.CounterVec
	results          *prometheus.CounterVec
	duplicateResults prometheus.Counter
	lateResults      *prometheus.CounterVec
}

// New creates and registers the orchestrator metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadtestoor_test_transitions_total",
				Help: "Total lifecycle transitions by resulting status",
			},
			[]string{"status"},
		),

		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadtestoor_worker_launches_total",
				Help: "Total worker launch attempts by outcome",
			},
			[]string{"outcome"},
		),

		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadtestoor_results_total",
				Help: "Total accepted worker results by success flag",
			},
			[]string{"success"},
		),

		duplicateResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loadtestoor_duplicate_results_total",
				Help: "Total completion reports ignored as duplicates",
			},
		),

		lateResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadtestoor_late_results_total",
				Help: "Total completion reports arriving after a terminal state, by disposition",
			},
			[]string{"disposition"},
		),
	}

	m.registry.MustRegister(
		m.transitions,
		m.launches,
		m.results,
		m.duplicateResults,
		m.lateResults,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Transition records a lifecycle transition into the given status.
func (m *Metrics) Transition(status string) {
	m.transitions.WithLabelValues(status).Inc()
}

// Launch records a worker launch attempt outcome ("ok" or "error").
func (m *Metrics) Launch(outcome string) {
	m.launches.WithLabelValues(outcome).Inc()
}

// Result records an accepted worker result.
func (m *Metrics) Result(success bool) {
	if success {
		m.results.WithLabelValues("true").Inc()
	} else {
		m.results.WithLabelValues("false").Inc()
	}
}

// DuplicateResult records an ignored duplicate completion report.
func (m *Metrics) DuplicateResult() {
	m.duplicateResults.Inc()
}

// LateResult records a completion report that arrived after a terminal
// state ("accepted" after stop, "dropped" after completed/failed).
func (m *Metrics) LateResult(disposition string) {
	m.lateResults.WithLabelValues(disposition).Inc()
}
