package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/parallel"
	"github.com/fyrsmithlabs/autopilot/internal/patternstore"
	"github.com/fyrsmithlabs/autopilot/internal/recovery"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

func newTestShell(t *testing.T) *Shell {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewShell(Config{Dir: t.TempDir()}, zap.NewNop())
}

func execStep(t *testing.T, s *Shell, command string, mutate ...func(*orchestrator.ExecRequest)) (workflow.StepResult, error) {
	t.Helper()
	req := orchestrator.ExecRequest{
		WorkflowID: "wf-1",
		Step:       workflow.Step{ID: "build", Command: command},
		Attempt:    1,
	}
	for _, m := range mutate {
		m(&req)
	}
	return s.Execute(context.Background(), req)
}

func TestShell_Execute(t *testing.T) {
	s := newTestShell(t)

	t.Run("success", func(t *testing.T) {
		res, err := execStep(t, s, "echo hello")
		require.NoError(t, err)
		assert.Equal(t, workflow.StepPassed, res.Status)
		assert.Equal(t, "hello\n", res.Output)
		assert.Equal(t, "build", res.StepID)
	})

	t.Run("empty command passes", func(t *testing.T) {
		res, err := execStep(t, s, "  ")
		require.NoError(t, err)
		assert.Equal(t, workflow.StepPassed, res.Status)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		res, err := execStep(t, s, "echo compiling; echo 'undefined: foo' >&2; exit 3")
		require.NoError(t, err, "plain failures are reported through the result")
		assert.Equal(t, workflow.StepFailed, res.Status)
		assert.Equal(t, []string{"undefined: foo"}, res.Errors)
	})

	t.Run("report metrics", func(t *testing.T) {
		res, err := execStep(t, s, `echo done; echo '{"verdict":"CONCERNS","major_issues":2,"compliance_score":88,"issues":["style"]}'`)
		require.NoError(t, err)
		assert.Equal(t, workflow.StepPassed, res.Status)
		assert.Equal(t, workflow.VerdictConcerns, res.Verdict)
		assert.Equal(t, workflow.QualityMetrics{MajorIssues: 2, ComplianceScore: 88}, res.Metrics)
		assert.Equal(t, []string{"style"}, res.Issues)
		assert.Equal(t, "done", res.Output)
	})

	t.Run("missing config", func(t *testing.T) {
		_, err := execStep(t, s, `echo '{"missing_config":"DEPLOY_TOKEN"}'; exit 1`)
		var mc *recovery.MissingConfigError
		require.ErrorAs(t, err, &mc)
		assert.Equal(t, "DEPLOY_TOKEN", mc.Key)
		assert.Equal(t, workflow.ClassMissingConfig, recovery.Classify(err))
	})

	t.Run("transient", func(t *testing.T) {
		_, err := execStep(t, s, `echo 'upstream busy'; echo '{"transient":true}'; exit 1`)
		require.ErrorIs(t, err, workflow.ErrTransientFailure)
		assert.Contains(t, err.Error(), "upstream busy")
	})
}

func TestShell_ExecuteEnvironment(t *testing.T) {
	s := newTestShell(t)

	res, err := execStep(t, s, `echo "$AUTOPILOT_WORKFLOW_ID $AUTOPILOT_STEP_ID $AUTOPILOT_ATTEMPT $API_KEY"`,
		func(r *orchestrator.ExecRequest) {
			r.Attempt = 2
			r.Env = []string{"API_KEY=from-overlay"}
		})
	require.NoError(t, err)
	assert.Equal(t, "wf-1 build 2 from-overlay\n", res.Output)
}

func TestShell_ExecuteMenuChoice(t *testing.T) {
	s := newTestShell(t)

	res, err := execStep(t, s, `read answer; echo "picked $answer via $AUTOPILOT_MENU_CHOICE"`,
		func(r *orchestrator.ExecRequest) { r.MenuChoice = "2" })
	require.NoError(t, err)
	assert.Equal(t, "picked 2 via 2\n", res.Output)
}

func TestShell_ExecuteCancelled(t *testing.T) {
	s := newTestShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := s.Execute(ctx, orchestrator.ExecRequest{
		WorkflowID: "wf-1",
		Step:       workflow.Step{ID: "slow", Command: "sleep 5"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, workflow.StepFailed, res.Status)
}

func TestShell_RunCheck(t *testing.T) {
	s := newTestShell(t)
	step := workflow.Step{ID: "test"}

	tests := []struct {
		name    string
		command string
		verdict workflow.Verdict
		issues  []string
	}{
		{name: "exit zero passes", command: "true", verdict: workflow.VerdictPass},
		{name: "exit non-zero fails", command: "echo 'FAIL: TestFoo'; exit 1", verdict: workflow.VerdictFail, issues: []string{"FAIL: TestFoo"}},
		{name: "report verdict", command: `echo '{"verdict":"CONCERNS","issues":["slow test"]}'`, verdict: workflow.VerdictConcerns, issues: []string{"slow test"}},
		{name: "no command", command: "", verdict: workflow.VerdictPass},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := s.RunCheck(context.Background(), step, workflow.Check{Name: "unit", Command: tt.command}, nil)
			assert.Equal(t, "unit", r.Name)
			assert.Equal(t, tt.verdict, r.Verdict)
			assert.Equal(t, tt.issues, r.Issues)
			assert.NoError(t, r.Err)
		})
	}
}

func TestShell_RunCheckHints(t *testing.T) {
	s := newTestShell(t)

	hints := []parallel.Result{
		{Name: "lint", Issues: []string{"unused import"}},
		{Name: "unit", Error: "timed out"},
	}
	r := s.RunCheck(context.Background(), workflow.Step{ID: "test"},
		workflow.Check{Name: "retry", Command: `printf '%s' "$AUTOPILOT_HINTS"`}, hints)
	assert.Equal(t, "lint: unused import\nunit: timed out", r.Output)
}

func TestShell_ApplyFix(t *testing.T) {
	s := newTestShell(t)
	marker := filepath.Join(s.cfg.Dir, "fixed")

	err := s.ApplyFix(context.Background(), "build", patternstore.Pattern{ID: "p1", Fix: "touch fixed"})
	require.NoError(t, err)
	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr)

	err = s.ApplyFix(context.Background(), "build", patternstore.Pattern{ID: "p2", Fix: "echo 'cannot fix'; exit 1"})
	require.Error(t, err)
	assert.Equal(t, "cannot fix", err.Error())

	err = s.ApplyFix(context.Background(), "build", patternstore.Pattern{ID: "p3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fix command")
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 8}
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("ghijkl"))
	assert.Equal(t, "efghijkl", b.String())

	s := NewShell(Config{MaxOutput: 4}, nil)
	assert.Equal(t, 4, s.cfg.MaxOutput)
	assert.Equal(t, "sh", s.cfg.Shell)
}
