// Package escalation implements the threshold gate that decides, from raw
// quality metrics, whether a step needs an advanced review or a
// collaborative session before confidence scoring is even considered.
package escalation

import (
	"fmt"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// Thresholds configure the gate. A metric must strictly exceed (or for
// compliance, fall strictly below) its threshold to escalate.
type Thresholds struct {
	MaxBlockingErrors int
	MaxMajorIssues    int
	MinCompliance     float64
}

// DefaultThresholds returns 3 blocking errors, 5 major issues, and 70% compliance.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxBlockingErrors: 3,
		MaxMajorIssues:    5,
		MinCompliance:     70,
	}
}

// Metric names reported in decisions.
const (
	MetricBlockingErrors = "blocking_errors"
	MetricMajorIssues    = "major_issues"
	MetricCompliance     = "compliance_score"
)

// Decision is the gate output.
type Decision struct {
	Level  workflow.EscalationLevel `json:"level"`
	Reason string                   `json:"reason,omitempty"`
	Metric string                   `json:"metric,omitempty"`
}

// Escalates reports whether the decision overrides confidence routing.
func (d Decision) Escalates() bool {
	return d.Level != "" && d.Level != workflow.EscalationNone
}

// Err converts an escalating decision into an EscalationError.
func (d Decision) Err() error {
	if !d.Escalates() {
		return nil
	}
	return &workflow.EscalationError{Level: d.Level, Reason: d.Reason}
}

// ThresholdGate evaluates quality metrics. It performs no I/O.
type ThresholdGate struct {
	t Thresholds
}

// NewThresholdGate creates a gate with the given thresholds.
func NewThresholdGate(t Thresholds) *ThresholdGate {
	return &ThresholdGate{t: t}
}

// Name returns the gate identifier.
func (g *ThresholdGate) Name() string { return "quality-threshold" }

// Evaluate applies the rules in order; the first match wins.
func (g *ThresholdGate) Evaluate(m workflow.QualityMetrics) Decision {
	switch {
	case m.BlockingErrors > g.t.MaxBlockingErrors:
		return Decision{
			Level:  workflow.EscalationCollaborative,
			Reason: fmt.Sprintf("High blocking error count: %d", m.BlockingErrors),
			Metric: MetricBlockingErrors,
		}
	case m.MajorIssues > g.t.MaxMajorIssues:
		return Decision{
			Level:  workflow.EscalationCollaborative,
			Reason: fmt.Sprintf("High major issue count: %d", m.MajorIssues),
			Metric: MetricMajorIssues,
		}
	case m.ComplianceScore < g.t.MinCompliance:
		return Decision{
			Level:  workflow.EscalationAdvancedReview,
			Reason: fmt.Sprintf("Low compliance score: %s%%", formatScore(m.ComplianceScore)),
			Metric: MetricCompliance,
		}
	}
	return Decision{Level: workflow.EscalationNone}
}

func formatScore(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}
