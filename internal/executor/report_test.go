package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

func TestParseReport(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		ok      bool
		text    string
		verdict workflow.Verdict
	}{
		{
			name:   "plain output",
			output: "building...\ndone\n",
			ok:     false,
			text:   "building...\ndone\n",
		},
		{
			name:    "report after text",
			output:  "building...\n{\"verdict\":\"pass\"}\n",
			ok:      true,
			text:    "building...",
			verdict: workflow.VerdictPass,
		},
		{
			name:    "report only",
			output:  `{"verdict":"CONCERNS"}`,
			ok:      true,
			text:    "",
			verdict: workflow.VerdictConcerns,
		},
		{
			name:   "invalid json",
			output: "text\n{not json",
			ok:     false,
			text:   "text\n{not json",
		},
		{
			name:    "unknown verdict",
			output:  `{"verdict":"MAYBE"}`,
			ok:      true,
			verdict: workflow.VerdictNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, rep, ok := ParseReport(tt.output)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.text, text)
			assert.Equal(t, tt.verdict, rep.Verdict)
		})
	}
}

func TestParseReport_Fields(t *testing.T) {
	out := "lint done\n" + `{"blocking_errors":2,"major_issues":1,"issues":["a","  ","b"],` +
		`"errors":["boom"],"artifacts":["dist/app"],"evidence":{"memory_match":72.5,"resource_tier":"x"},` +
		`"missing_config":"API_TOKEN","transient":true}`

	_, rep, ok := ParseReport(out)
	require.True(t, ok)

	assert.True(t, rep.HasMetrics)
	assert.Equal(t, 2, rep.Metrics.BlockingErrors)
	assert.Equal(t, 1, rep.Metrics.MajorIssues)
	assert.Equal(t, 100.0, rep.Metrics.ComplianceScore, "absent compliance defaults to perfect")
	assert.Equal(t, []string{"a", "b"}, rep.Issues)
	assert.Equal(t, []string{"boom"}, rep.Errors)
	assert.Equal(t, []string{"dist/app"}, rep.Artifacts)
	require.NotNil(t, rep.Evidence.MemoryMatch)
	assert.Equal(t, 72.5, *rep.Evidence.MemoryMatch)
	assert.Nil(t, rep.Evidence.ResourceTier, "non-numeric evidence is ignored")
	assert.Nil(t, rep.Evidence.ReviewerAgreement)
	assert.Equal(t, "API_TOKEN", rep.MissingConfig)
	assert.True(t, rep.Transient)
}

func TestParseReport_NoMetrics(t *testing.T) {
	_, rep, ok := ParseReport(`{"issues":["x"]}`)
	require.True(t, ok)
	assert.False(t, rep.HasMetrics)
	assert.Equal(t, workflow.QualityMetrics{}, rep.Metrics)
}
