// Package metrics exposes the transform engine's Prometheus collectors,
// mirroring the registry-plus-vectors pattern used across the platform's
// services.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the engine's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	modelRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataplatform",
			Subsystem: "transform",
			Name:      "model_runs_total",
			Help:      "Total number of model materialization attempts by outcome.",
		},
		[]string{"full_name", "outcome"},
	)

	modelDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dataplatform",
			Subsystem: "transform",
			Name:      "model_duration_seconds",
			Help:      "Duration of model materialization.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"full_name", "materialized_as"},
	)

	tierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dataplatform",
			Subsystem: "transform",
			Name:      "tier_duration_seconds",
			Help:      "Duration of one DAG tier's parallel execution.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"tier"},
	)

	assertionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataplatform",
			Subsystem: "quality",
			Name:      "assertion_outcomes_total",
			Help:      "Total number of assertion evaluations by pass/fail.",
		},
		[]string{"model", "passed"},
	)

	contractOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataplatform",
			Subsystem: "quality",
			Name:      "contract_outcomes_total",
			Help:      "Total number of contract evaluations by pass/fail and severity.",
		},
		[]string{"contract", "severity", "passed"},
	)

	schedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataplatform",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks evaluated.",
		},
		[]string{"dispatched"},
	)

	streamRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataplatform",
			Subsystem: "orchestrator",
			Name:      "stream_runs_total",
			Help:      "Total number of stream runs by terminal status.",
		},
		[]string{"stream", "status"},
	)
)

func init() {
	Registry.MustRegister(
		modelRuns,
		modelDuration,
		tierDuration,
		assertionOutcomes,
		contractOutcomes,
		schedulerTicks,
		streamRuns,
	)
}

// ObserveModelRun records a single model materialization outcome.
func ObserveModelRun(fullName, outcome, materializedAs string, seconds float64) {
	modelRuns.WithLabelValues(fullName, outcome).Inc()
	if outcome == "built" {
		modelDuration.WithLabelValues(fullName, materializedAs).Observe(seconds)
	}
}

// ObserveTier records the wall-clock duration of one DAG tier.
func ObserveTier(tier int, seconds float64) {
	tierDuration.WithLabelValues(strconv.Itoa(tier)).Observe(seconds)
}

// ObserveAssertion records an inline or contract assertion outcome.
func ObserveAssertion(model string, passed bool) {
	assertionOutcomes.WithLabelValues(model, boolLabel(passed)).Inc()
}

// ObserveContract records a standalone contract outcome.
func ObserveContract(contract, severity string, passed bool) {
	contractOutcomes.WithLabelValues(contract, severity, boolLabel(passed)).Inc()
}

// ObserveSchedulerTick records one scheduler evaluation.
func ObserveSchedulerTick(dispatched bool) {
	schedulerTicks.WithLabelValues(boolLabel(dispatched)).Inc()
}

// ObserveStreamRun records a completed orchestrator stream run.
func ObserveStreamRun(stream, status string) {
	streamRuns.WithLabelValues(stream, status).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
