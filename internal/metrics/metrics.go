// Package metrics exposes Prometheus collectors for forecasting activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Simulations       *prometheus.CounterVec
	SimulationSeconds prometheus.Histogram
	CacheLookups      *prometheus.CounterVec
	ProviderCalls     *prometheus.CounterVec
	Scenarios         *prometheus.CounterVec
	BatchJobs         *prometheus.CounterVec
	BatchTargets      *prometheus.CounterVec
	ConfidenceUpdates prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Simulations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_simulations_total",
				Help: "Monte Carlo simulations run, by target type",
			},
			[]string{"target_type"},
		),
		SimulationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "forecast_simulation_seconds",
			Help:    "Wall time of one simulation",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_cache_lookups_total",
				Help: "Prediction store lookups, by outcome (hit, miss, refresh, shared, stale, error)",
			},
			[]string{"outcome"},
		),
		ProviderCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_provider_calls_total",
				Help: "Work-item provider calls, by operation and result",
			},
			[]string{"operation", "result"},
		),
		Scenarios: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_scenarios_total",
				Help: "Scenario evaluations, by scenario name",
			},
			[]string{"scenario"},
		),
		BatchJobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_batch_jobs_total",
				Help: "Background batch jobs, by final status",
			},
			[]string{"status"},
		),
		BatchTargets: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_batch_targets_total",
				Help: "Targets processed by batch jobs, by result",
			},
			[]string{"result"},
		),
		ConfidenceUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "forecast_commitment_confidence_updates_total",
			Help: "Commitment confidence refreshes triggered by new predictions",
		}),
	}
}

// ObserveLookup records a prediction store outcome.
func (m *Metrics) ObserveLookup(outcome string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// ObserveSimulation records one simulation run.
func (m *Metrics) ObserveSimulation(targetType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Simulations.WithLabelValues(targetType).Inc()
	m.SimulationSeconds.Observe(elapsed.Seconds())
}

// ObserveProvider records a work-item provider call.
func (m *Metrics) ObserveProvider(operation string, err error) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(operation, result(err)).Inc()
}

// ObserveScenario records a scenario evaluation.
func (m *Metrics) ObserveScenario(name string) {
	if m == nil {
		return
	}
	m.Scenarios.WithLabelValues(name).Inc()
}

// ObserveBatchJob records a finished batch job.
func (m *Metrics) ObserveBatchJob(status string) {
	if m == nil {
		return
	}
	m.BatchJobs.WithLabelValues(status).Inc()
}

// ObserveBatchTarget records one target processed by a batch job.
func (m *Metrics) ObserveBatchTarget(err error) {
	if m == nil {
		return
	}
	m.BatchTargets.WithLabelValues(result(err)).Inc()
}

// ObserveConfidenceUpdate records a commitment confidence refresh.
func (m *Metrics) ObserveConfidenceUpdate() {
	if m == nil {
		return
	}
	m.ConfidenceUpdates.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
