// Package metrics provides Prometheus metrics for workflow automation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autopilot"

var (
	// StepsTotal counts finished steps.
	// Labels: status (PASSED, FAILED, SKIPPED, AWAITING_USER)
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "steps_total",
			Help:      "Total number of executed steps by final status",
		},
		[]string{"status"},
	)

	// StepDuration tracks how long step execution takes.
	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "step_duration_seconds",
			Help:      "Duration of step execution in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Decisions counts routing decisions after each step.
	// Labels: action (continue, recommend, escalate, pause, fail, complete)
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "decisions_total",
			Help:      "Total number of post-step routing decisions",
		},
		[]string{"action"},
	)

	// Confidence records computed confidence scores.
	Confidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "confidence",
			Name:      "score",
			Help:      "Distribution of computed confidence scores",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
	)

	// Escalations counts escalations by level.
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "total",
			Help:      "Total number of escalations by level",
		},
		[]string{"level"},
	)

	// TimeoutsFired counts fired timeouts.
	// Labels: level (workflow, nested, agent)
	TimeoutsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeout",
			Name:      "fired_total",
			Help:      "Total number of fired timeouts by level",
		},
		[]string{"level"},
	)

	// Recoveries counts recovery outcomes.
	// Labels: strategy, result (recovered, exhausted)
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "total",
			Help:      "Total number of recovery runs by final strategy and result",
		},
		[]string{"strategy", "result"},
	)

	// Stalls counts detected stalls.
	// Labels: action (collaborate, hard_fail)
	Stalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stall",
			Name:      "detected_total",
			Help:      "Total number of detected stalls by resulting action",
		},
		[]string{"action"},
	)

	// MenuSelections counts menu selections.
	// Labels: source (auto, manual, escalated)
	MenuSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "menu",
			Name:      "selections_total",
			Help:      "Total number of menu selections by source",
		},
		[]string{"source"},
	)

	// ParallelBatches counts parallel validation batches by mode.
	ParallelBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parallel",
			Name:      "batches_total",
			Help:      "Total number of parallel validation batches by resulting mode",
		},
		[]string{"mode"},
	)

	// PatternStoreDegraded is 1 while the pattern store is degraded.
	PatternStoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "patternstore",
			Name:      "degraded",
			Help:      "Current pattern store status (1=degraded, 0=healthy)",
		},
	)

	// PatternWritesPending tracks queued pattern writes.
	PatternWritesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "patternstore",
			Name:      "pending_writes",
			Help:      "Number of pattern writes waiting for the store to recover",
		},
	)
)

// SetPatternStore updates the pattern store gauges.
func SetPatternStore(degraded bool, pending int) {
	if degraded {
		PatternStoreDegraded.Set(1)
	} else {
		PatternStoreDegraded.Set(0)
	}
	PatternWritesPending.Set(float64(pending))
}
