package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/autopilot/internal/audit"
	"github.com/fyrsmithlabs/autopilot/internal/checkpoint"
	"github.com/fyrsmithlabs/autopilot/internal/confidence"
	"github.com/fyrsmithlabs/autopilot/internal/human"
	"github.com/fyrsmithlabs/autopilot/internal/menu"
	"github.com/fyrsmithlabs/autopilot/internal/parallel"
	"github.com/fyrsmithlabs/autopilot/internal/party"
	"github.com/fyrsmithlabs/autopilot/internal/recovery"
	"github.com/fyrsmithlabs/autopilot/internal/timeout"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// execFunc adapts a function to StepExecutor.
type execFunc func(ctx context.Context, req ExecRequest) (workflow.StepResult, error)

func (f execFunc) Execute(ctx context.Context, req ExecRequest) (workflow.StepResult, error) {
	return f(ctx, req)
}

// mockExecutor is a mock implementation of StepExecutor.
type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, req ExecRequest) (workflow.StepResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(workflow.StepResult), args.Error(1)
}

// checkFunc adapts a function to CheckRunner.
type checkFunc func(ctx context.Context, step workflow.Step, check workflow.Check, hints []parallel.Result) parallel.Result

func (f checkFunc) RunCheck(ctx context.Context, step workflow.Step, check workflow.Check, hints []parallel.Result) parallel.Result {
	return f(ctx, step, check, hints)
}

func confident() workflow.StepResult {
	return workflow.StepResult{
		Status:   workflow.StepPassed,
		Verdict:  workflow.VerdictPass,
		Output:   "PASS: 12 tests",
		Evidence: workflow.Evidence{ReviewerAgreement: confidence.Value(90)},
	}
}

func alwaysConfident() execFunc {
	return func(context.Context, ExecRequest) (workflow.StepResult, error) {
		return confident(), nil
	}
}

func makeSteps(n int) []workflow.Step {
	steps := make([]workflow.Step, n)
	for i := range steps {
		steps[i] = workflow.Step{ID: fmt.Sprintf("s%d", i+1), Oversight: workflow.OversightNone}
	}
	return steps
}

func newInstance(t *testing.T, tier workflow.Tier, steps ...workflow.Step) *workflow.Instance {
	t.Helper()
	inst, err := workflow.NewInstance("wf-1", "test-flow", tier, steps, time.Now())
	require.NoError(t, err)
	return inst
}

func noSleep(context.Context, time.Duration) error { return nil }

func newController(t *testing.T, inst *workflow.Instance, deps Deps, cfg Config) *Controller {
	t.Helper()
	if deps.Checkpoints == nil {
		svc, err := checkpoint.NewService(nil, nil, zap.NewNop())
		require.NoError(t, err)
		deps.Checkpoints = svc
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.New(recovery.DefaultConfig(), zap.NewNop(), recovery.WithSleep(noSleep))
	}
	c, err := New(inst, deps, cfg, zap.NewNop())
	require.NoError(t, err)
	return c
}

func advance(t *testing.T, c *Controller) NextAction {
	t.Helper()
	na, err := c.Advance(context.Background())
	require.NoError(t, err)
	return na
}

func TestNew_Validation(t *testing.T) {
	inst := newInstance(t, 0, makeSteps(1)...)
	svc, err := checkpoint.NewService(nil, nil, nil)
	require.NoError(t, err)

	_, err = New(nil, Deps{Executor: alwaysConfident(), Checkpoints: svc}, Config{}, nil)
	assert.Error(t, err)
	_, err = New(inst, Deps{Checkpoints: svc}, Config{}, nil)
	assert.Error(t, err)
	_, err = New(inst, Deps{Executor: alwaysConfident()}, Config{}, nil)
	assert.Error(t, err)
	_, err = New(inst, Deps{Executor: alwaysConfident(), Checkpoints: svc}, Config{AutoContinue: 60, Recommend: 70}, nil)
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateRunning, true},
		{StateRunning, StateValidating, true},
		{StateValidating, StateRecovering, true},
		{StateRecovering, StateValidating, true},
		{StateRunning, StateAwaitingUser, true},
		{StateAwaitingUser, StateRunning, true},
		{StateRunning, StateCompleting, true},
		{StateCompleting, StateCompleted, true},
		{StatePending, StateCompleted, false},
		{StateRecovering, StateCompleting, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateRunning, false},
		{StateCancelled, StatePending, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}

	// Every non-terminal state can reach a terminal one.
	for from := range transitions {
		assert.True(t, CanTransition(from, StateFailed), "%s cannot fail", from)
		assert.True(t, CanTransition(from, StateCancelled), "%s cannot be cancelled", from)
	}
}

func TestController_RunCompletes(t *testing.T) {
	inst := newInstance(t, 1, makeSteps(3)...)
	c := newController(t, inst, Deps{Executor: alwaysConfident()}, Config{})

	var progress []Progress
	c.OnProgress(func(p Progress) { progress = append(progress, p) })

	res := c.Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, workflow.StatusCompleted, res.Status)
	require.Len(t, res.Steps, 3)
	for _, s := range res.Steps {
		assert.Equal(t, workflow.StepPassed, s.Status)
		assert.True(t, s.Finalized())
		assert.NotEmpty(t, s.InputHash)
	}
	require.NotEmpty(t, res.Decisions)
	assert.Equal(t, ActionComplete, res.Decisions[len(res.Decisions)-1].Action)
	assert.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1].Percentage)

	na, err := c.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionComplete, na.Action, "terminal state is sticky")
}

func TestController_ExecRequest(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.MatchedBy(func(req ExecRequest) bool {
		return req.WorkflowID == "wf-1" && req.Step.ID == "s1" && req.Attempt == 0 && req.MenuChoice == ""
	})).Return(confident(), nil).Once()

	c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{Executor: exec}, Config{})
	na := advance(t, c)
	assert.Equal(t, ActionContinue, na.Action)
	exec.AssertExpectations(t)

	list := c.deps.Checkpoints.List(context.Background())
	require.Len(t, list, 1)
	assert.Equal(t, checkpoint.KindStep, list[0].Kind)
	assert.Equal(t, "s1", list[0].StepID)
	assert.True(t, list[0].CanRollback)
}

func TestController_TierBatching(t *testing.T) {
	tests := []struct {
		tier        workflow.Tier
		checkpoints []int
	}{
		{tier: 0, checkpoints: nil},
		{tier: 1, checkpoints: nil},
		{tier: 2, checkpoints: []int{4}},
		{tier: 3, checkpoints: []int{2, 5}},
		{tier: 4, checkpoints: []int{0, 1, 2, 3, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("tier_%d", tt.tier), func(t *testing.T) {
			c := newController(t, newInstance(t, tt.tier, makeSteps(6)...), Deps{Executor: alwaysConfident()}, Config{})

			var got []int
			for i := 0; i < 6; i++ {
				na := advance(t, c)
				require.Equal(t, ActionContinue, na.Action)
				if na.Checkpoint {
					got = append(got, i)
				}
			}
			assert.Equal(t, tt.checkpoints, got)
			assert.Equal(t, ActionComplete, advance(t, c).Action)
		})
	}
}

func TestController_ConfidenceRouting(t *testing.T) {
	tests := []struct {
		name        string
		result      workflow.StepResult
		action      Action
		recommended string
	}{
		{
			name:   "two agreeing signals continue",
			result: confident(),
			action: ActionContinue,
		},
		{
			name:        "single signal is capped into the recommend band",
			result:      workflow.StepResult{Status: workflow.StepPassed, Verdict: workflow.VerdictPass},
			action:      ActionRecommend,
			recommended: human.ChoiceYes,
		},
		{
			name:   "no signals pause without a recommendation",
			result: workflow.StepResult{Status: workflow.StepPassed},
			action: ActionPause,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) { return tt.result, nil })
			c := newController(t, newInstance(t, 0, makeSteps(2)...), Deps{Executor: exec}, Config{})

			na := advance(t, c)
			assert.Equal(t, tt.action, na.Action)
			assert.Equal(t, tt.recommended, na.Recommended)
			require.NotNil(t, na.Confidence)

			if tt.action.NeedsDecision() {
				assert.Equal(t, StateAwaitingUser, c.State())
				again, err := c.Advance(context.Background())
				assert.ErrorIs(t, err, ErrAwaitingDecision)
				assert.Equal(t, na.Action, again.Action)

				r, ok := c.Instance().Result("s1")
				require.True(t, ok)
				assert.Equal(t, workflow.StepAwaitingUser, r.Status)
			}
		})
	}
}

func TestController_OversightRequiredPauses(t *testing.T) {
	steps := makeSteps(2)
	steps[0].Oversight = workflow.OversightRequired
	c := newController(t, newInstance(t, 0, steps...), Deps{Executor: alwaysConfident()}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionPause, na.Action)
	assert.Contains(t, na.Reason, "oversight")
	require.NotNil(t, na.Confidence)
	assert.GreaterOrEqual(t, na.Confidence.Value, 80.0)

	na, err := c.Resolve(context.Background(), Decision{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, na.Action)

	r, _ := c.Instance().Result("s1")
	assert.Equal(t, workflow.StepPassed, r.Status)

	assert.Equal(t, ActionContinue, advance(t, c).Action)
	assert.Equal(t, ActionComplete, advance(t, c).Action)

	_, err = c.Resolve(context.Background(), Decision{Approve: true})
	assert.ErrorIs(t, err, ErrNoPendingDecision)
}

func TestController_GateEscalationBypassesConfidence(t *testing.T) {
	t.Run("low compliance goes to advanced review", func(t *testing.T) {
		exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
			r := confident()
			r.Metrics = workflow.QualityMetrics{ComplianceScore: 60}
			return r, nil
		})
		c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{Executor: exec}, Config{})

		na := advance(t, c)
		assert.Equal(t, ActionEscalate, na.Action)
		assert.Equal(t, workflow.EscalationAdvancedReview, na.Escalation)
		assert.Equal(t, "Low compliance score: 60%", na.Reason)
		assert.Nil(t, na.Confidence)
		assert.ErrorIs(t, na.Err, workflow.ErrEscalationRequired)
	})

	blocking := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
		r := confident()
		r.Metrics = workflow.QualityMetrics{BlockingErrors: 4, ComplianceScore: 100}
		return r, nil
	})

	t.Run("blocking errors without participants escalate", func(t *testing.T) {
		c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{Executor: blocking}, Config{})
		na := advance(t, c)
		assert.Equal(t, ActionEscalate, na.Action)
		assert.Equal(t, workflow.EscalationCollaborative, na.Escalation)
	})

	t.Run("approving session lets the step continue", func(t *testing.T) {
		voter := party.FuncParticipant{
			ParticipantName: "reviewer",
			Fn: func(_ context.Context, topic string, _ []party.Message) (party.Message, error) {
				return party.Message{Text: "acceptable for now.\nvote: approve\n*exit*"}, nil
			},
		}
		c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{
			Executor:     blocking,
			Participants: []party.Participant{voter},
		}, Config{})

		na := advance(t, c)
		assert.Equal(t, ActionContinue, na.Action)
		require.NotNil(t, na.Confidence)
		assert.GreaterOrEqual(t, na.Confidence.Value, 80.0)
	})
}

func TestController_ReplaySkipsCompletedStep(t *testing.T) {
	inst := newInstance(t, 0, makeSteps(2)...)
	hash, err := inst.InputHash(0)
	require.NoError(t, err)
	inst.Results[0] = workflow.StepResult{
		StepID:      "s1",
		Status:      workflow.StepPassed,
		InputHash:   hash,
		FinalizedAt: time.Now(),
	}

	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.MatchedBy(func(req ExecRequest) bool { return req.Step.ID == "s2" })).
		Return(confident(), nil).Once()
	c := newController(t, inst, Deps{Executor: exec}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionContinue, na.Action)
	assert.Equal(t, "already completed with identical inputs", na.Reason)
	assert.Empty(t, c.deps.Checkpoints.List(context.Background()), "replay must not checkpoint")

	r, _ := c.Instance().Result("s1")
	assert.Equal(t, hash, r.InputHash)

	assert.Equal(t, ActionContinue, advance(t, c).Action)
	assert.Equal(t, ActionComplete, advance(t, c).Action)
	exec.AssertExpectations(t)
	exec.AssertNumberOfCalls(t, "Execute", 1)
}

func TestController_StaleResultIsReExecuted(t *testing.T) {
	inst := newInstance(t, 0, makeSteps(1)...)
	inst.Results[0] = workflow.StepResult{
		StepID:      "s1",
		Status:      workflow.StepPassed,
		InputHash:   "stale",
		FinalizedAt: time.Now(),
	}

	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.Anything).Return(confident(), nil).Once()
	c := newController(t, inst, Deps{Executor: exec}, Config{})

	advance(t, c)
	exec.AssertExpectations(t)
}

func TestController_RecoveryExhaustedFails(t *testing.T) {
	exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
		return workflow.StepResult{Output: "panic: nil map"}, errors.New("segfault in parser")
	})
	c := newController(t, newInstance(t, 0, makeSteps(2)...), Deps{Executor: exec}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionFail, na.Action)
	assert.Equal(t, StateFailed, c.State())

	var exhausted *workflow.RecoveryExhaustedError
	require.ErrorAs(t, na.Err, &exhausted)
	assert.ErrorIs(t, na.Err, workflow.ErrEscalationRequired)
	assert.Equal(t, workflow.ClassUnknown, exhausted.Classification)
	require.Len(t, exhausted.Report, 3)
	for _, o := range exhausted.Report {
		assert.NotEmpty(t, o.Reason, o.Strategy)
	}

	res := c.Result()
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Equal(t, workflow.StepFailed, res.Steps[0].Status)
	assert.True(t, res.Steps[0].RecoveryAttempted)
	assert.Equal(t, workflow.StepPending, res.Steps[1].Status)

	assert.Equal(t, ActionFail, advance(t, c).Action)
}

func TestController_TransientFailureRecovers(t *testing.T) {
	var calls int
	exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
		calls++
		if calls == 1 {
			return workflow.StepResult{}, errors.New("dial tcp: connection refused")
		}
		return confident(), nil
	})
	c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{Executor: exec}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionContinue, na.Action)
	assert.Equal(t, 2, calls)

	r, _ := c.Instance().Result("s1")
	assert.Equal(t, workflow.StepPassed, r.Status)
	assert.True(t, r.RecoveryAttempted)

	var kinds []checkpoint.Kind
	for _, cp := range c.deps.Checkpoints.List(context.Background()) {
		kinds = append(kinds, cp.Kind)
	}
	assert.Equal(t, []checkpoint.Kind{checkpoint.KindStep, checkpoint.KindRecovery}, kinds)

	log := c.Result().RecoveryLog
	require.Len(t, log, 1)
	assert.Equal(t, string(recovery.StrategyTransientRetry), log[0].Strategy)
	assert.True(t, log[0].Succeeded)
}

func TestController_MissingConfigSuppliedByHuman(t *testing.T) {
	exec := execFunc(func(_ context.Context, req ExecRequest) (workflow.StepResult, error) {
		for _, kv := range req.Env {
			if kv == "AUTOPILOT_TEST_TOKEN_X=s3cret" {
				return confident(), nil
			}
		}
		return workflow.StepResult{}, &recovery.MissingConfigError{Key: "AUTOPILOT_TEST_TOKEN_X"}
	})
	ch := human.NewScripted(human.Response{Value: "s3cret"})
	timed := human.NewTimed(ch, human.DefaultTimeouts(), nil)
	rec := recovery.New(recovery.DefaultConfig(), nil, recovery.WithSleep(noSleep), recovery.WithPrompter(timed))

	c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{Executor: exec, Recovery: rec}, Config{})
	na := advance(t, c)
	assert.Equal(t, ActionContinue, na.Action)
	require.Len(t, ch.Asked(), 1)
	assert.Equal(t, human.KindInput, ch.Asked()[0].Kind)
}

func TestController_StallEscalatesThenHardFails(t *testing.T) {
	exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
		return workflow.StepResult{Issues: []string{"lint: unused variable x"}}, errors.New("connection reset by peer")
	})
	c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{Executor: exec}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionEscalate, na.Action)
	assert.Equal(t, workflow.EscalationCollaborative, na.Escalation)
	assert.Contains(t, na.Reason, "identical issue set")

	na, err := c.Resolve(context.Background(), Decision{})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, na.Action)

	na = advance(t, c)
	assert.Equal(t, ActionFail, na.Action)
	var stallErr *workflow.StallError
	require.ErrorAs(t, na.Err, &stallErr)
	assert.True(t, stallErr.Hard)
	assert.Equal(t, StateFailed, c.State())
}

func TestController_WorkflowTimeoutPreservesCheckpoint(t *testing.T) {
	exec := execFunc(func(ctx context.Context, _ ExecRequest) (workflow.StepResult, error) {
		<-ctx.Done()
		return workflow.StepResult{}, ctx.Err()
	})
	cfg := Config{Timeouts: timeout.Config{Workflow: 50 * time.Millisecond, Nested: time.Second, Agent: 5 * time.Second}}

	var buf syncBuffer
	c := newController(t, newInstance(t, 0, makeSteps(2)...), Deps{
		Executor: exec,
		Audit:    audit.NewWithWriter(zapcore.AddSync(&buf)),
	}, cfg)

	res := c.Run(context.Background())
	assert.Equal(t, StateFailed, res.State)
	require.ErrorIs(t, res.Err, workflow.ErrTimeoutFired)
	var te *workflow.TimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, workflow.LevelWorkflow, te.Level)

	var preserved *checkpoint.Checkpoint
	for _, cp := range c.deps.Checkpoints.List(context.Background()) {
		if cp.Kind == checkpoint.KindTimeout {
			preserved = cp
		}
	}
	require.NotNil(t, preserved, "timeout checkpoint missing")
	require.NotNil(t, preserved.Timeout)
	assert.Equal(t, workflow.LevelWorkflow, preserved.Timeout.Level)
	assert.Equal(t, "s1", preserved.StepID)
	assert.Contains(t, buf.String(), `"event":"timeout"`)
}

func TestController_AgentTimeoutIsRecovered(t *testing.T) {
	var calls atomic.Int32
	exec := execFunc(func(ctx context.Context, _ ExecRequest) (workflow.StepResult, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return workflow.StepResult{}, ctx.Err()
		}
		return confident(), nil
	})
	steps := makeSteps(1)
	steps[0].Timeout = 20 * time.Millisecond
	c := newController(t, newInstance(t, 0, steps...), Deps{Executor: exec}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionContinue, na.Action)
	assert.Equal(t, int32(2), calls.Load())
}

func TestController_MenuAutoSelect(t *testing.T) {
	var choices []string
	exec := execFunc(func(_ context.Context, req ExecRequest) (workflow.StepResult, error) {
		choices = append(choices, req.MenuChoice)
		if req.MenuChoice == "" {
			return workflow.StepResult{Output: "Done.\n[A] Advanced [P] Party [C] Continue"}, nil
		}
		return confident(), nil
	})
	steps := makeSteps(1)
	steps[0].ExpectedOption = "C"
	c := newController(t, newInstance(t, 0, steps...), Deps{Executor: exec}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionContinue, na.Action)
	assert.Equal(t, []string{"", "C"}, choices)

	hist := c.MenuHistory()
	require.Len(t, hist, 1)
	assert.Equal(t, "C", hist[0].Option)
}

func TestController_MenuNeedsHuman(t *testing.T) {
	var choices []string
	exec := execFunc(func(_ context.Context, req ExecRequest) (workflow.StepResult, error) {
		choices = append(choices, req.MenuChoice)
		if req.MenuChoice == "" {
			return workflow.StepResult{Output: "[A] Alpha [B] Beta [C] Gamma"}, nil
		}
		return confident(), nil
	})
	c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{Executor: exec}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionRecommend, na.Action)
	assert.Equal(t, "A", na.Recommended)
	require.NotNil(t, na.Menu)
	assert.Len(t, na.Menu.Options, 3)

	_, err := c.Resolve(context.Background(), Decision{Choice: "Z"})
	assert.Error(t, err, "unknown option")

	_, err = c.Resolve(context.Background(), Decision{Choice: "b"})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, advance(t, c).Action)
	assert.Equal(t, []string{"", "B"}, choices)

	hist := c.MenuHistory()
	require.NotEmpty(t, hist)
	assert.Equal(t, "B", hist[len(hist)-1].Option)
}

func TestController_RepeatingMenuEscalates(t *testing.T) {
	calls := 0
	exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
		calls++
		return workflow.StepResult{Output: "Done.\n[A] Advanced [P] Party [C] Continue"}, nil
	})
	steps := makeSteps(1)
	steps[0].ExpectedOption = "C"
	c := newController(t, newInstance(t, 0, steps...), Deps{Executor: exec}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionEscalate, na.Action)
	assert.Equal(t, workflow.EscalationAdvancedReview, na.Escalation)
	assert.Contains(t, na.Reason, "without finishing")
	assert.Equal(t, menu.MaxHops+1, calls)
}

func TestController_LoopGuard(t *testing.T) {
	exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
		return workflow.StepResult{Status: workflow.StepPassed}, nil
	})
	c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{Executor: exec}, Config{})

	var last NextAction
	for i := 0; i < 10 && !c.State().IsTerminal(); i++ {
		na := advance(t, c)
		require.Equal(t, ActionPause, na.Action)
		var err error
		last, err = c.Resolve(context.Background(), Decision{})
		require.NoError(t, err)
	}
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, ActionFail, last.Action)
	assert.ErrorIs(t, c.Result().Err, ErrLoopDetected)
}

func TestController_Rollback(t *testing.T) {
	steps := makeSteps(3)
	steps[2].Oversight = workflow.OversightRequired
	exec := execFunc(func(_ context.Context, req ExecRequest) (workflow.StepResult, error) {
		r := confident()
		r.Artifacts = []string{req.Step.ID + ".out"}
		return r, nil
	})
	c := newController(t, newInstance(t, 0, steps...), Deps{Executor: exec}, Config{})

	advance(t, c)
	advance(t, c)
	require.Equal(t, ActionPause, advance(t, c).Action)

	na, err := c.Resolve(context.Background(), Decision{RollbackTo: "s2"})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, na.Action)
	assert.Equal(t, StateRunning, c.State())

	inst := c.Instance()
	assert.Equal(t, 1, inst.Current)
	assert.Equal(t, workflow.StepPassed, inst.Results[0].Status)
	assert.Equal(t, workflow.StepRolledBack, inst.Results[2].Status)

	_, err = c.Rollback(context.Background(), "nope")
	var unavailable *workflow.RollbackUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, workflow.RollbackMissing, unavailable.Reason)
}

func TestController_ParallelChecksMerge(t *testing.T) {
	steps := makeSteps(1)
	steps[0].Checks = []workflow.Check{{Name: "lint"}, {Name: "unit"}}

	var mu sync.Mutex
	ran := map[string]bool{}
	checker := checkFunc(func(_ context.Context, _ workflow.Step, chk workflow.Check, _ []parallel.Result) parallel.Result {
		mu.Lock()
		ran[chk.Name] = true
		mu.Unlock()
		if chk.Name == "lint" {
			return parallel.Result{Verdict: workflow.VerdictConcerns, Issues: []string{"long line"}}
		}
		return parallel.Result{Verdict: workflow.VerdictPass}
	})
	c := newController(t, newInstance(t, 0, steps...), Deps{Executor: alwaysConfident(), Checker: checker}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionRecommend, na.Action)
	assert.Equal(t, map[string]bool{"lint": true, "unit": true}, ran)

	r, _ := c.Instance().Result("s1")
	assert.Equal(t, workflow.VerdictConcerns, r.Verdict)
	assert.Equal(t, []string{"long line"}, r.Issues)
	assert.Equal(t, 100.0, r.Metrics.ComplianceScore)
}

func TestController_FailingChecksEscalateAfterRetryAll(t *testing.T) {
	steps := makeSteps(1)
	steps[0].Checks = []workflow.Check{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"}, {Name: "f"}}
	checker := checkFunc(func(_ context.Context, _ workflow.Step, chk workflow.Check, _ []parallel.Result) parallel.Result {
		if chk.Name == "a" || chk.Name == "b" {
			return parallel.Result{Verdict: workflow.VerdictPass}
		}
		return parallel.Result{Verdict: workflow.VerdictFail, Issues: []string{chk.Name + " broke"}}
	})
	c := newController(t, newInstance(t, 0, steps...), Deps{Executor: alwaysConfident(), Checker: checker}, Config{})

	na := advance(t, c)
	assert.Equal(t, ActionEscalate, na.Action)
	assert.Equal(t, workflow.EscalationAdvancedReview, na.Escalation)
}

func TestController_UnattendedRun(t *testing.T) {
	t.Run("recommendations are accepted", func(t *testing.T) {
		exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
			return workflow.StepResult{Status: workflow.StepPassed, Verdict: workflow.VerdictPass}, nil
		})
		res := newController(t, newInstance(t, 0, makeSteps(2)...), Deps{Executor: exec}, Config{}).Run(context.Background())
		assert.Equal(t, StateCompleted, res.State)
	})

	t.Run("a pause fails the run", func(t *testing.T) {
		exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
			return workflow.StepResult{Status: workflow.StepPassed}, nil
		})
		res := newController(t, newInstance(t, 0, makeSteps(2)...), Deps{Executor: exec}, Config{}).Run(context.Background())
		assert.Equal(t, StateFailed, res.State)
		assert.ErrorIs(t, res.Err, workflow.ErrEscalationRequired)
	})
}

func TestController_HumanDecisions(t *testing.T) {
	lowConfidence := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
		return workflow.StepResult{Status: workflow.StepPassed}, nil
	})

	t.Run("approval completes", func(t *testing.T) {
		ch := human.NewScripted(human.Response{Choice: human.ChoiceYes}, human.Response{Choice: human.ChoiceYes})
		c := newController(t, newInstance(t, 0, makeSteps(2)...), Deps{Executor: lowConfidence, Human: ch}, Config{})

		res := c.Run(context.Background())
		assert.Equal(t, StateCompleted, res.State)
		require.Len(t, ch.Asked(), 2)
		assert.Equal(t, human.KindConfirm, ch.Asked()[0].Kind)
	})

	t.Run("abort cancels", func(t *testing.T) {
		ch := human.NewScripted(human.Response{Choice: human.ChoiceAbort})
		c := newController(t, newInstance(t, 0, makeSteps(2)...), Deps{Executor: lowConfidence, Human: ch}, Config{})

		res := c.Run(context.Background())
		assert.Equal(t, StateCancelled, res.State)
		assert.Equal(t, workflow.StatusCancelled, res.Status)
	})

	t.Run("unanswered prompt aborts", func(t *testing.T) {
		timed := human.NewTimed(human.NewScripted(), human.Timeouts{Confirm: 20 * time.Millisecond}, nil)
		c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{Executor: lowConfidence, Human: timed}, Config{})

		res := c.Run(context.Background())
		assert.Equal(t, StateCancelled, res.State)
		assert.Contains(t, res.Reason, "aborted")
	})

	t.Run("destructive steps ask twice", func(t *testing.T) {
		steps := makeSteps(1)
		steps[0].Destructive = true
		ch := human.NewScripted(human.Response{Choice: human.ChoiceYes}, human.Response{Choice: human.ChoiceYes})
		timed := human.NewTimed(ch, human.DefaultTimeouts(), nil)
		c := newController(t, newInstance(t, 0, steps...), Deps{Executor: lowConfidence, Human: timed}, Config{})

		res := c.Run(context.Background())
		assert.Equal(t, StateCompleted, res.State)
		require.Len(t, ch.Asked(), 2)
		assert.True(t, strings.HasPrefix(ch.Asked()[1].Title, "Confirm again: "))
	})

	t.Run("declined batch checkpoint stops the run", func(t *testing.T) {
		ch := human.NewScripted(human.Response{Choice: human.ChoiceNo})
		c := newController(t, newInstance(t, 4, makeSteps(2)...), Deps{Executor: alwaysConfident(), Human: ch}, Config{})

		res := c.Run(context.Background())
		assert.Equal(t, StateCancelled, res.State)
		assert.Equal(t, workflow.StepPassed, res.Steps[0].Status)
		assert.Equal(t, workflow.StepPending, res.Steps[1].Status)
	})
}

func TestController_AuditTrail(t *testing.T) {
	var buf syncBuffer
	exec := execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
		r := confident()
		r.Metrics = workflow.QualityMetrics{MajorIssues: 6, ComplianceScore: 90}
		return r, nil
	})
	c := newController(t, newInstance(t, 0, makeSteps(1)...), Deps{
		Executor: exec,
		Audit:    audit.NewWithWriter(zapcore.AddSync(&buf)),
	}, Config{})

	advance(t, c)
	_, err := c.Resolve(context.Background(), Decision{Abort: true, Note: "not today"})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"event":"escalation"`)
	assert.Contains(t, out, "High major issue count: 6")
	assert.Contains(t, out, `"event":"decision"`)
	assert.Contains(t, out, "not today")
	assert.Equal(t, StateCancelled, c.State())
}

func TestController_Snapshot(t *testing.T) {
	c := newController(t, newInstance(t, 2, makeSteps(2)...), Deps{Executor: execFunc(func(context.Context, ExecRequest) (workflow.StepResult, error) {
		return workflow.StepResult{Status: workflow.StepPassed}, nil
	})}, Config{})

	s := c.Snapshot()
	assert.Equal(t, StatePending, s.State)
	assert.Equal(t, "s1", s.CurrentStep)
	assert.Nil(t, s.Pending)

	advance(t, c)
	s = c.Snapshot()
	assert.Equal(t, StateAwaitingUser, s.State)
	require.NotNil(t, s.Pending)
	assert.Equal(t, ActionPause, s.Pending.Action)
	assert.Equal(t, workflow.Tier(2), s.Tier)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
