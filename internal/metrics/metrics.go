// Package metrics exposes Prometheus instruments for optimization runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smbo"

// Evaluation outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePanic   = "panic"
)

// Metrics holds the run instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	evaluations        *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	fitDuration        prometheus.Histogram
	fitFailures        prometheus.Counter
	proposalDuration   prometheus.Histogram
	bestValue          *prometheus.GaugeVec
	activeRuns         prometheus.Gauge
	runs               *prometheus.CounterVec
}

// New registers the instruments with reg. Passing nil uses a fresh private
// registry, which keeps tests independent of the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objective_evaluations_total",
			Help:      "Objective function calls by controller phase and outcome.",
		}, []string{"phase", "outcome"}),
		evaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "objective_evaluation_seconds",
			Help:      "Wall time of objective function calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"phase"}),
		fitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "surrogate_fit_seconds",
			Help:      "Wall time of Gaussian process fits including the hyperparameter search.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		fitFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "surrogate_fit_failures_total",
			Help:      "Surrogate fits that failed after every jitter increase.",
		}),
		proposalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proposal_seconds",
			Help:      "Wall time of acquisition maximization.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		bestValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_value",
			Help:      "Best objective value observed by a run.",
		}, []string{"run_id"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Optimization runs currently executing.",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished optimization runs by final status.",
		}, []string{"status"}),
	}
}

// ObserveEvaluation records one objective call.
func (m *Metrics) ObserveEvaluation(phase, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(phase, outcome).Inc()
	m.evaluationDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveFit records a surrogate fit.
func (m *Metrics) ObserveFit(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.fitDuration.Observe(d.Seconds())
	if err != nil {
		m.fitFailures.Inc()
	}
}

// ObserveProposal records an acquisition maximization.
func (m *Metrics) ObserveProposal(d time.Duration) {
	if m == nil {
		return
	}
	m.proposalDuration.Observe(d.Seconds())
}

// SetBest publishes the best value of a run.
func (m *Metrics) SetBest(runID string, v float64) {
	if m == nil {
		return
	}
	m.bestValue.WithLabelValues(runID).Set(v)
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished marks a run as finished with status.
func (m *Metrics) RunFinished(runID, status string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(status).Inc()
	m.bestValue.DeleteLabelValues(runID)
}
