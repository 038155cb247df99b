package escalation

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

func TestThresholdGate_Evaluate(t *testing.T) {
	gate := NewThresholdGate(DefaultThresholds())

	tests := []struct {
		name   string
		in     workflow.QualityMetrics
		level  workflow.EscalationLevel
		reason string
		metric string
	}{
		{"four blocking errors", workflow.QualityMetrics{BlockingErrors: 4, ComplianceScore: 100},
			workflow.EscalationCollaborative, "High blocking error count: 4", MetricBlockingErrors},
		{"six major issues", workflow.QualityMetrics{BlockingErrors: 3, MajorIssues: 6, ComplianceScore: 100},
			workflow.EscalationCollaborative, "High major issue count: 6", MetricMajorIssues},
		{"low compliance", workflow.QualityMetrics{ComplianceScore: 65},
			workflow.EscalationAdvancedReview, "Low compliance score: 65%", MetricCompliance},
		{"fractional compliance", workflow.QualityMetrics{ComplianceScore: 69.5},
			workflow.EscalationAdvancedReview, "Low compliance score: 69.5%", MetricCompliance},
		{"blocking wins over compliance", workflow.QualityMetrics{BlockingErrors: 9, MajorIssues: 9, ComplianceScore: 10},
			workflow.EscalationCollaborative, "High blocking error count: 9", MetricBlockingErrors},
		{"boundaries never escalate", workflow.QualityMetrics{BlockingErrors: 3, MajorIssues: 5, ComplianceScore: 70},
			workflow.EscalationNone, "", ""},
		{"clean", workflow.PerfectQuality, workflow.EscalationNone, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gate.Evaluate(tt.in)
			assert.Equal(t, tt.level, got.Level)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.metric, got.Metric)
		})
	}
}

func TestDecision_Err(t *testing.T) {
	assert.NoError(t, Decision{Level: workflow.EscalationNone}.Err())

	err := Decision{Level: workflow.EscalationAdvancedReview, Reason: "Low compliance score: 10%"}.Err()
	assert.ErrorIs(t, err, workflow.ErrEscalationRequired)
	assert.Contains(t, err.Error(), "Low compliance score")
}

func TestProperty_GateWithinBoundsNeverEscalates(t *testing.T) {
	gate := NewThresholdGate(DefaultThresholds())
	properties := gopter.NewProperties(nil)

	properties.Property("metrics at or inside thresholds pass", prop.ForAll(
		func(blocking, major int, compliance float64) bool {
			d := gate.Evaluate(workflow.QualityMetrics{BlockingErrors: blocking, MajorIssues: major, ComplianceScore: compliance})
			return !d.Escalates()
		},
		gen.IntRange(0, 3), gen.IntRange(0, 5), gen.Float64Range(70, 100),
	))

	properties.Property("blocking errors above three always collaborate", prop.ForAll(
		func(blocking int, compliance float64) bool {
			d := gate.Evaluate(workflow.QualityMetrics{BlockingErrors: blocking, ComplianceScore: compliance})
			return d.Level == workflow.EscalationCollaborative
		},
		gen.IntRange(4, 1000), gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}
