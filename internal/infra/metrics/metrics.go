// Package metrics provides Prometheus metrics for the weight controller.
// Counters, gauges and histograms for iterations, weights, shares, dispatcher
// signals, queue occupancy and worker health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gridshare"

// ─── Control Loop ───────────────────────────────────────────────────────────

// Iterations counts control loop iterations by outcome.
var Iterations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "iterations_total",
	Help:      "Control loop iterations by outcome.",
}, []string{"outcome"})

// IterationDuration tracks how long one iteration takes end to end.
var IterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "iteration_duration_seconds",
	Help:      "Duration of one control loop iteration.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
})

// ─── Weights & Shares ───────────────────────────────────────────────────────

// Weight tracks the dispatch weight last written per class.
var Weight = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "weight",
	Help:      "Current dispatch weight per workload class.",
}, []string{"class"})

// CreditShare tracks the realized plus expected credit share per class.
var CreditShare = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "credit_share",
	Help:      "Realized plus expected credit share per workload class.",
}, []string{"class"})

// QueueShare tracks the fraction of occupied dispatcher slots per class.
var QueueShare = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "queue_share",
	Help:      "Fraction of occupied dispatcher queue slots per workload class.",
}, []string{"class"})

// IntegralError tracks the PID integral term per class.
var IntegralError = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "integral_error",
	Help:      "Accumulated PID integral error per workload class.",
}, []string{"class"})

// Frozen counts iterations where a class's weight was held, by reason.
var Frozen = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "frozen_total",
	Help:      "Iterations where a class's weight was frozen, by reason.",
}, []string{"class", "reason"})

// ─── Actuation ──────────────────────────────────────────────────────────────

// MaxRelativeChange tracks the largest relative weight change of the last decision.
var MaxRelativeChange = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "max_relative_change",
	Help:      "Largest relative weight change of the last actuation decision.",
})

// Signals counts dispatcher signals by kind and result (ok, error).
var Signals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "dispatcher_signals_total",
	Help:      "Dispatcher signals issued, by signal and result.",
}, []string{"signal", "result"})

// WeightWrites counts weight store writes by result (ok, error).
var WeightWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "weight_writes_total",
	Help:      "Weight store writes by result.",
}, []string{"result"})

// ─── Health ─────────────────────────────────────────────────────────────────

// WorkerStatus tracks worker process checks (1=running, 0=not running).
var WorkerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "worker_status",
	Help:      "Worker process check result per process (1=running, 0=not running).",
}, []string{"worker"})

// WorkerRestarts tracks worker start attempts.
var WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "worker_restarts_total",
	Help:      "Total worker start attempts per process.",
}, []string{"worker"})

// ─── Telemetry ──────────────────────────────────────────────────────────────

// SamplesRecorded counts baseline samples written by the telemetry sampler.
var SamplesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "samples_recorded_total",
	Help:      "Baseline samples recorded by the telemetry sampler.",
})

// Result maps an error to the "ok"/"error" label used by result counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
