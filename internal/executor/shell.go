// Package executor runs workflow steps, validation checks and remembered
// fixes as shell commands.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/parallel"
	"github.com/fyrsmithlabs/autopilot/internal/patternstore"
	"github.com/fyrsmithlabs/autopilot/internal/recovery"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/executor"

// Environment variables set for every command.
const (
	EnvWorkflowID = "AUTOPILOT_WORKFLOW_ID"
	EnvStepID     = "AUTOPILOT_STEP_ID"
	EnvAttempt    = "AUTOPILOT_ATTEMPT"
	EnvMenuChoice = "AUTOPILOT_MENU_CHOICE"
	EnvCheck      = "AUTOPILOT_CHECK"
	EnvHints      = "AUTOPILOT_HINTS"
	EnvPatternID  = "AUTOPILOT_PATTERN_ID"
)

// DefaultMaxOutput is the number of trailing output bytes kept per command.
const DefaultMaxOutput = 1 << 20

// Config configures the shell executor.
type Config struct {
	// Dir is the working directory. Empty means the process directory.
	Dir string
	// Shell is the interpreter invoked with -c (default "sh").
	Shell string
	// Env is appended to the process environment.
	Env []string
	// MaxOutput bounds the captured output; the tail is kept.
	MaxOutput int
}

// Shell implements orchestrator.StepExecutor, orchestrator.CheckRunner and
// recovery.FixApplier.
type Shell struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

var (
	_ orchestrator.StepExecutor = (*Shell)(nil)
	_ orchestrator.CheckRunner  = (*Shell)(nil)
	_ recovery.FixApplier       = (*Shell)(nil)
)

// NewShell creates a shell executor.
func NewShell(cfg Config, logger *zap.Logger) *Shell {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shell{cfg: cfg, logger: logger, tracer: otel.Tracer(instrumentationName)}
}

// cmdResult is the outcome of one command.
type cmdResult struct {
	output   string
	exitCode int
	duration time.Duration
	// err is set when the command could not run or was interrupted.
	err error
}

func (r cmdResult) failed() bool { return r.err != nil || r.exitCode != 0 }

// Execute runs the step command. A menu choice from a previous run is
// written to stdin. A step without a command passes.
func (s *Shell) Execute(ctx context.Context, req orchestrator.ExecRequest) (workflow.StepResult, error) {
	ctx = logging.WithWorkflowID(ctx, req.WorkflowID)
	ctx = logging.WithStepID(ctx, req.Step.ID)
	ctx, span := s.tracer.Start(ctx, "Shell.Execute", trace.WithAttributes(
		attribute.String("step_id", req.Step.ID),
		attribute.Int("attempt", req.Attempt),
	))
	defer span.End()

	res := workflow.StepResult{StepID: req.Step.ID}
	if strings.TrimSpace(req.Step.Command) == "" {
		res.Status = workflow.StepPassed
		return res, nil
	}

	env := []string{
		EnvWorkflowID + "=" + req.WorkflowID,
		EnvStepID + "=" + req.Step.ID,
		EnvAttempt + "=" + strconv.Itoa(req.Attempt),
	}
	var stdin string
	if req.MenuChoice != "" {
		env = append(env, EnvMenuChoice+"="+req.MenuChoice)
		stdin = req.MenuChoice + "\n"
	}
	env = append(env, req.Env...)

	r := s.run(ctx, req.Step.Command, env, stdin)
	res.Duration = r.duration

	text, rep, hasReport := ParseReport(r.output)
	res.Output = text
	if hasReport {
		res.Verdict = rep.Verdict
		res.Issues = rep.Issues
		res.Errors = rep.Errors
		res.Artifacts = rep.Artifacts
		res.Evidence = rep.Evidence
		if rep.HasMetrics {
			res.Metrics = rep.Metrics
		}
	}

	if r.err != nil {
		res.Status = workflow.StepFailed
		span.RecordError(r.err)
		span.SetStatus(codes.Error, "command did not complete")
		return res, r.err
	}
	if !r.failed() {
		res.Status = workflow.StepPassed
		return res, nil
	}

	res.Status = workflow.StepFailed
	msg := failureMessage(text, r.exitCode)
	if len(res.Errors) == 0 {
		res.Errors = []string{msg}
	}
	span.SetStatus(codes.Error, msg)
	logging.FromContext(ctx, s.logger).Debug("step command failed",
		zap.Int("exit_code", r.exitCode),
		zap.String("error", msg))

	switch {
	case rep.MissingConfig != "":
		return res, &recovery.MissingConfigError{Key: rep.MissingConfig}
	case rep.Transient:
		return res, fmt.Errorf("%w: %s", workflow.ErrTransientFailure, msg)
	}
	return res, nil
}

// RunCheck runs one validation check. The issues of earlier results are
// passed in AUTOPILOT_HINTS, one per line.
func (s *Shell) RunCheck(ctx context.Context, step workflow.Step, check workflow.Check, hints []parallel.Result) parallel.Result {
	ctx = logging.WithStepID(ctx, step.ID)
	ctx, span := s.tracer.Start(ctx, "Shell.RunCheck", trace.WithAttributes(
		attribute.String("step_id", step.ID),
		attribute.String("check", check.Name),
	))
	defer span.End()

	out := parallel.Result{Name: check.Name}
	if strings.TrimSpace(check.Command) == "" {
		out.Verdict = workflow.VerdictPass
		return out
	}

	env := []string{EnvStepID + "=" + step.ID, EnvCheck + "=" + check.Name}
	if h := hintLines(hints); h != "" {
		env = append(env, EnvHints+"="+h)
	}

	r := s.run(ctx, check.Command, env, "")
	text, rep, hasReport := ParseReport(r.output)
	out.Output = text
	out.Duration = r.duration
	if hasReport {
		out.Verdict = rep.Verdict
		out.Issues = rep.Issues
		if rep.HasMetrics {
			out.Metrics = rep.Metrics
		}
	}

	switch {
	case r.err != nil:
		out.Err = r.err
		span.RecordError(r.err)
		span.SetStatus(codes.Error, "check did not complete")
	case r.exitCode != 0:
		out.Verdict = workflow.VerdictFail
		if len(out.Issues) == 0 {
			out.Issues = []string{failureMessage(text, r.exitCode)}
		}
		span.SetStatus(codes.Error, "check failed")
	case out.Verdict == workflow.VerdictNone:
		out.Verdict = workflow.VerdictPass
	}
	return out
}

// ApplyFix runs the fix command of a remembered pattern.
func (s *Shell) ApplyFix(ctx context.Context, stepID string, p patternstore.Pattern) error {
	ctx = logging.WithStepID(ctx, stepID)
	ctx, span := s.tracer.Start(ctx, "Shell.ApplyFix", trace.WithAttributes(
		attribute.String("step_id", stepID),
		attribute.String("pattern_id", p.ID),
	))
	defer span.End()

	if strings.TrimSpace(p.Fix) == "" {
		return fmt.Errorf("pattern %s has no fix command", p.ID)
	}
	r := s.run(ctx, p.Fix, []string{EnvStepID + "=" + stepID, EnvPatternID + "=" + p.ID}, "")
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, "fix did not complete")
		return r.err
	}
	if r.exitCode != 0 {
		err := errors.New(failureMessage(r.output, r.exitCode))
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logging.FromContext(ctx, s.logger).Info("applied remembered fix", zap.String("pattern_id", p.ID))
	return nil
}

func (s *Shell) run(ctx context.Context, command string, env []string, stdin string) cmdResult {
	start := time.Now()
	cmd := exec.CommandContext(ctx, s.cfg.Shell, "-c", command)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(append(os.Environ(), s.cfg.Env...), env...)
	cmd.WaitDelay = 2 * time.Second
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	out := &tailBuffer{max: s.cfg.MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	r := cmdResult{output: out.String(), duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		r.err = context.Cause(ctx)
	case errors.As(err, &exitErr):
		r.exitCode = exitErr.ExitCode()
	default:
		r.err = fmt.Errorf("run %s: %w", s.cfg.Shell, err)
	}
	return r
}

func failureMessage(output string, code int) string {
	if line := lastLine(output); line != "" {
		return line
	}
	return fmt.Sprintf("exit status %d", code)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func hintLines(hints []parallel.Result) string {
	var lines []string
	for _, h := range hints {
		for _, issue := range h.Issues {
			lines = append(lines, h.Name+": "+issue)
		}
		if h.Error != "" {
			lines = append(lines, h.Name+": "+h.Error)
		}
	}
	return strings.Join(lines, "\n")
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
