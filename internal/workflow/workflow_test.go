package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func threeSteps() []Step {
	return []Step{{ID: "plan"}, {ID: "build"}, {ID: "review"}}
}

func TestNewInstance(t *testing.T) {
	in, err := NewInstance("wf-1", "demo", 2, threeSteps(), t0)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, in.Status)
	assert.Len(t, in.Results, 3)
	for _, r := range in.Results {
		assert.Equal(t, StepPending, r.Status)
	}

	step, ok := in.CurrentStep()
	require.True(t, ok)
	assert.Equal(t, "plan", step.ID)
}

func TestNewInstance_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		tier  Tier
		steps []Step
	}{
		{"missing id", "", 0, threeSteps()},
		{"tier too high", "x", 5, threeSteps()},
		{"negative tier", "x", -1, threeSteps()},
		{"empty step id", "x", 0, []Step{{ID: ""}}},
		{"duplicate step", "x", 0, []Step{{ID: "a"}, {ID: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInstance(tt.id, "n", tt.tier, tt.steps, t0)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestInstance_AdvanceAndRewind(t *testing.T) {
	in, err := NewInstance("wf", "demo", 0, threeSteps(), t0)
	require.NoError(t, err)

	require.NoError(t, in.Record(StepResult{StepID: "plan", Status: StepPassed, Artifacts: []string{"plan.md"}}, t0))
	require.NoError(t, in.Advance(t0))
	require.NoError(t, in.Record(StepResult{StepID: "build", Status: StepPassed, Artifacts: []string{"bin/app"}}, t0))
	require.NoError(t, in.Advance(t0))
	require.NoError(t, in.Advance(t0))
	assert.True(t, in.Done())
	assert.ErrorIs(t, in.Advance(t0), ErrNoActiveStep)

	archived, err := in.Rewind("plan", t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"bin/app"}, archived)
	assert.Equal(t, 0, in.Current)
	assert.Equal(t, StepPassed, in.Results[0].Status)
	assert.Equal(t, StepRolledBack, in.Results[1].Status)
	assert.Equal(t, StepRolledBack, in.Results[2].Status)
	assert.Empty(t, in.Results[1].Artifacts)

	_, err = in.Rewind("nope", t0)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestInstance_CloneIsDeep(t *testing.T) {
	in, err := NewInstance("wf", "demo", 0, threeSteps(), t0)
	require.NoError(t, err)
	require.NoError(t, in.Record(StepResult{StepID: "plan", Issues: []string{"a"}}, t0))

	cp := in.Clone()
	cp.Results[0].Issues[0] = "changed"
	cp.Steps[0].ID = "other"

	assert.Equal(t, "a", in.Results[0].Issues[0])
	assert.Equal(t, "plan", in.Steps[0].ID)
}

func TestInstance_InputHash(t *testing.T) {
	in, err := NewInstance("wf", "demo", 0, threeSteps(), t0)
	require.NoError(t, err)

	h1, err := in.InputHash(1)
	require.NoError(t, err)
	h2, err := in.InputHash(1)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	require.NoError(t, in.Record(StepResult{StepID: "plan", Output: "different"}, t0))
	h3, err := in.InputHash(1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "upstream output changes the hash")

	_, err = in.InputHash(9)
	assert.ErrorIs(t, err, ErrNoActiveStep)
}

func TestStepResult_Finalize(t *testing.T) {
	issues := []string{"x"}
	r := StepResult{StepID: "s", Issues: issues}.Finalize(t0)
	issues[0] = "mutated"

	assert.True(t, r.Finalized())
	assert.Equal(t, "x", r.Issues[0])
	assert.Equal(t, t0, r.Finalize(t0.Add(time.Hour)).FinalizedAt)
}

func TestVerdictScore(t *testing.T) {
	s, ok := VerdictPass.Score()
	assert.True(t, ok)
	assert.Equal(t, 100.0, s)
	_, ok = VerdictNone.Score()
	assert.False(t, ok)
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(`
name: release
tier: 3
steps:
  - id: lint
    command: make lint
    timeout: 30s
  - id: deploy
    oversight: required
    destructive: true
    checks:
      - name: unit
        command: make test
`))
	require.NoError(t, err)
	assert.Equal(t, "release", def.Name)
	assert.Equal(t, Tier(3), def.Tier)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, 30*time.Second, def.Steps[0].Timeout)
	assert.Equal(t, OversightNone, def.Steps[0].Oversight)
	assert.Equal(t, OversightRequired, def.Steps[1].Oversight)
	assert.Len(t, def.Steps[1].Checks, 1)

	in, err := def.Instantiate("run-1", t0)
	require.NoError(t, err)
	assert.Equal(t, Tier(3), in.Tier)
}

func TestParseDefinition_Rejects(t *testing.T) {
	tests := map[string]string{
		"no name":         "steps: [{id: a}]",
		"no steps":        "name: x",
		"bad tier":        "name: x\ntier: 9\nsteps: [{id: a}]",
		"bad oversight":   "name: x\nsteps: [{id: a, oversight: maybe}]",
		"unknown field":   "name: x\nbogus: 1\nsteps: [{id: a}]",
		"too many checks": "name: x\nsteps: [{id: a, checks: [{name: a},{name: b},{name: c},{name: d},{name: e},{name: f},{name: g}]}]",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &TimeoutError{Level: LevelNested, OperationID: "op", ParentID: "wf", Elapsed: 301 * time.Second, Limit: 300 * time.Second}
	assert.ErrorIs(t, err, ErrTimeoutFired)
	assert.Contains(t, err.Error(), "parent wf")

	err = &RecoveryExhaustedError{
		StepID: "s", Classification: ClassUnknown, Cause: ErrUnclassifiedFailure,
		Report: []StrategyOutcome{{Strategy: "pattern_store", Reason: "no match"}},
	}
	assert.ErrorIs(t, err, ErrEscalationRequired)
	assert.ErrorIs(t, err, ErrUnclassifiedFailure)
	assert.Contains(t, err.Error(), "pattern_store: no match")

	err = &RollbackUnavailableError{Requested: "s1", Reason: RollbackPruned, Nearest: "s2"}
	assert.ErrorIs(t, err, ErrRollbackUnavailable)

	var de *DegradedError
	err = &DegradedError{Succeeded: 0, Total: 6}
	require.True(t, errors.As(err, &de))
	assert.False(t, de.Partial())
	assert.Contains(t, err.Error(), "total")

	assert.ErrorIs(t, &StallError{Hash: "abc", Hard: true}, ErrStallDetected)
	assert.ErrorIs(t, &EscalationError{Level: EscalationCollaborative}, ErrEscalationRequired)
}
