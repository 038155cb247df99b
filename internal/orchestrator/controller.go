package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/audit"
	"github.com/fyrsmithlabs/autopilot/internal/checkpoint"
	"github.com/fyrsmithlabs/autopilot/internal/confidence"
	"github.com/fyrsmithlabs/autopilot/internal/escalation"
	"github.com/fyrsmithlabs/autopilot/internal/human"
	"github.com/fyrsmithlabs/autopilot/internal/menu"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/parallel"
	"github.com/fyrsmithlabs/autopilot/internal/party"
	"github.com/fyrsmithlabs/autopilot/internal/recovery"
	"github.com/fyrsmithlabs/autopilot/internal/stall"
	"github.com/fyrsmithlabs/autopilot/internal/timeout"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/orchestrator"

// Config configures the controller.
type Config struct {
	// AutoContinue is the confidence at or above which a step continues
	// without asking.
	AutoContinue float64
	// Recommend is the lower bound of the recommend band.
	Recommend float64
	// LoopLimit is how often a state may be re-entered without progress
	// before the workflow fails.
	LoopLimit int
	Timeouts  timeout.Config
	// Batches maps a tier to the number of auto-continues between surfaced
	// checkpoints. Zero or absent means unbounded.
	Batches   map[workflow.Tier]int
	MaxRounds int
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		AutoContinue: 80,
		Recommend:    50,
		LoopLimit:    5,
		Timeouts:     timeout.DefaultConfig(),
		Batches:      map[workflow.Tier]int{0: 0, 1: 0, 2: 5, 3: 3, 4: 1},
		MaxRounds:    party.DefaultMaxRounds,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AutoContinue <= 0 {
		c.AutoContinue = d.AutoContinue
	}
	if c.Recommend <= 0 {
		c.Recommend = d.Recommend
	}
	if c.LoopLimit <= 0 {
		c.LoopLimit = d.LoopLimit
	}
	if c.Timeouts.Workflow <= 0 {
		c.Timeouts.Workflow = d.Timeouts.Workflow
	}
	if c.Timeouts.Nested <= 0 {
		c.Timeouts.Nested = d.Timeouts.Nested
	}
	if c.Timeouts.Agent <= 0 {
		c.Timeouts.Agent = d.Timeouts.Agent
	}
	if c.Batches == nil {
		c.Batches = d.Batches
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	return c
}

// Deps are the components the controller drives. Executor and Checkpoints
// are required; everything else has a default.
type Deps struct {
	Executor    StepExecutor
	Checker     CheckRunner
	Checkpoints checkpoint.Service

	Confidence *confidence.Calculator
	Gates      []Gate
	Menu       *menu.Navigator
	Stall      *stall.Detector
	Recovery   *recovery.Orchestrator
	Parallel   *parallel.Coordinator

	// Human answers decisions. Nil runs unattended: recommendations are
	// accepted and anything else fails the workflow.
	Human        human.Channel
	Participants []party.Participant
	Audit        *audit.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// pendingDecision is a NextAction waiting for Resolve together with the
// result it is about.
type pendingDecision struct {
	action NextAction
	step   workflow.Step
	result workflow.StepResult
}

// Controller drives one workflow instance through its steps. Advance and
// Resolve must be called from a single goroutine; State and Snapshot are
// safe from any goroutine.
type Controller struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	timeouts *timeout.Manager
	now      func() time.Time

	stepCounter     metric.Int64Counter
	decisionCounter metric.Int64Counter

	mu           sync.RWMutex
	inst         *workflow.Instance
	state        State
	pending      *pendingDecision
	attempts     map[string]int
	choices      map[string]string
	collab       map[string]float64
	visits       map[State]int
	sinceSurface int
	decisions    []NextAction
	startedAt    time.Time
	finishedAt   time.Time
	reason       string
	err          error
	progress     ProgressCallback
}

// New creates a controller for inst.
func New(inst *workflow.Instance, deps Deps, cfg Config, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if inst == nil {
		return nil, errors.New("workflow instance is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("step executor is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if err := cfg.Timeouts.Validate(); err != nil {
		return nil, err
	}
	if cfg.Recommend >= cfg.AutoContinue {
		return nil, fmt.Errorf("recommend threshold %.0f must be below auto-continue %.0f", cfg.Recommend, cfg.AutoContinue)
	}
	logger = logger.With(zap.String("workflow_id", inst.ID))

	if deps.Confidence == nil {
		deps.Confidence = confidence.NewCalculator(logger)
	}
	if deps.Gates == nil {
		deps.Gates = []Gate{NewQualityGate(escalation.DefaultThresholds()), NewVerificationGate()}
	}
	if deps.Menu == nil {
		deps.Menu = menu.NewNavigator(inst.Name, logger)
	}
	if deps.Stall == nil {
		deps.Stall = stall.NewDetector(logger)
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.New(recovery.DefaultConfig(), logger)
	}
	if deps.Parallel == nil {
		deps.Parallel = parallel.NewCoordinator(parallel.DefaultConfig(), logger)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop()
	}

	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		now:      time.Now,
		inst:     inst,
		state:    StatePending,
		attempts: make(map[string]int),
		choices:  make(map[string]string),
		collab:   make(map[string]float64),
		visits:   make(map[State]int),
	}
	for _, o := range opts {
		o(c)
	}
	switch inst.Status {
	case workflow.StatusCompleted:
		c.state = StateCompleted
	case workflow.StatusFailed:
		c.state = StateFailed
	case workflow.StatusCancelled:
		c.state = StateCancelled
	}

	c.timeouts = timeout.NewManager(cfg.Timeouts, logger, timeout.WithPreserver(c))
	c.timeouts.OnFire(c.onTimeout)
	c.initMetrics()
	return c, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (c *Controller) initMetrics() {
	var err error

	c.stepCounter, err = c.meter.Int64Counter(
		"autopilot.controller.steps_total",
		metric.WithDescription("Total number of step executions"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		c.logger.Warn("failed to create step counter", zap.Error(err))
	}

	c.decisionCounter, err = c.meter.Int64Counter(
		"autopilot.controller.decisions_total",
		metric.WithDescription("Total number of routing decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		c.logger.Warn("failed to create decision counter", zap.Error(err))
	}
}

// OnProgress registers a progress callback.
func (c *Controller) OnProgress(cb ProgressCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = cb
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Instance returns a copy of the workflow instance.
func (c *Controller) Instance() *workflow.Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inst.Clone()
}

// Timeouts returns the controller's timeout manager.
func (c *Controller) Timeouts() *timeout.Manager { return c.timeouts }

// MenuHistory returns the recorded menu selections, oldest first.
func (c *Controller) MenuHistory() []menu.Entry { return c.deps.Menu.History() }

// Snapshot returns a point-in-time view of the workflow.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		WorkflowID: c.inst.ID,
		Name:       c.inst.Name,
		Tier:       c.inst.Tier,
		State:      c.state,
		Steps:      c.inst.Clone().Results,
		StartedAt:  c.startedAt,
		Elapsed:    c.elapsedLocked(),
	}
	if step, ok := c.inst.CurrentStep(); ok {
		s.CurrentStep = step.ID
	}
	if c.pending != nil {
		na := c.pending.action
		s.Pending = &na
	}
	return s
}

// Result returns the AutomationResult as of now.
func (c *Controller) Result() AutomationResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return AutomationResult{
		WorkflowID:  c.inst.ID,
		Name:        c.inst.Name,
		Status:      c.inst.Status,
		State:       c.state,
		Steps:       c.inst.Clone().Results,
		RecoveryLog: c.deps.Recovery.Log(),
		Decisions:   append([]NextAction(nil), c.decisions...),
		Elapsed:     c.elapsedLocked(),
		Reason:      c.reason,
		Err:         c.err,
	}
}

func (c *Controller) elapsedLocked() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	if !c.finishedAt.IsZero() {
		return c.finishedAt.Sub(c.startedAt)
	}
	return c.now().Sub(c.startedAt)
}

// Advance executes the current step and returns what happens next. While
// a decision is pending it returns that decision with ErrAwaitingDecision.
// Once the workflow is terminal it keeps returning the terminal action.
func (c *Controller) Advance(ctx context.Context) (NextAction, error) {
	c.mu.Lock()
	if c.state.IsTerminal() {
		na := c.terminalActionLocked()
		c.mu.Unlock()
		return na, nil
	}
	if c.pending != nil {
		na := c.pending.action
		c.mu.Unlock()
		return na, ErrAwaitingDecision
	}
	if c.startedAt.IsZero() {
		c.startedAt = c.now()
	}
	if c.inst.Done() {
		na := c.completeLocked()
		c.mu.Unlock()
		return c.emit(na), nil
	}

	step, _ := c.inst.CurrentStep()
	idx := c.inst.Current
	hash, err := c.inst.InputHash(idx)
	if err != nil {
		na := c.failLocked(step.ID, nil, fmt.Errorf("hash inputs of %s: %w", step.ID, err))
		c.mu.Unlock()
		return c.emit(na), nil
	}
	if prev := c.inst.Results[idx]; prev.Status == workflow.StepPassed && prev.Finalized() && prev.InputHash == hash {
		na := c.replayLocked(step)
		c.mu.Unlock()
		return c.emit(na), nil
	}
	if err := c.transitionLocked(StateRunning); err != nil {
		na := c.terminalActionLocked()
		c.mu.Unlock()
		return c.emit(na), nil
	}
	snapshot := c.inst.Clone()
	attempt := c.attempts[step.ID]
	c.attempts[step.ID] = attempt + 1
	choice := c.choices[step.ID]
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "Controller.Advance", trace.WithAttributes(
		attribute.String("workflow_id", snapshot.ID),
		attribute.String("step_id", step.ID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	c.progressf(step.ID, "running step %s", step.ID)
	if _, err := c.deps.Checkpoints.Save(ctx, &checkpoint.SaveRequest{
		StepID:      step.ID,
		Kind:        checkpoint.KindStep,
		Instance:    snapshot,
		InputHash:   hash,
		CanRollback: true,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint failed")
		return c.fail(step.ID, nil, fmt.Errorf("checkpoint before %s: %w", step.ID, err)), nil
	}

	na := c.runStep(ctx, step, hash, attempt, choice)
	span.SetAttributes(attribute.String("action", string(na.Action)))
	if na.Err != nil {
		span.RecordError(na.Err)
	}
	if c.stepCounter != nil {
		c.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(na.Action))))
	}
	return c.emit(na), nil
}

// Resolve answers the pending decision.
func (c *Controller) Resolve(ctx context.Context, d Decision) (NextAction, error) {
	c.mu.Lock()
	p := c.pending
	if p == nil {
		c.mu.Unlock()
		return NextAction{}, ErrNoPendingDecision
	}
	var opt *menu.Option
	if p.action.Menu != nil && !d.Abort && d.RollbackTo == "" {
		for i := range p.action.Menu.Options {
			if menuKeyMatches(p.action.Menu.Options[i], d.Choice) {
				opt = &p.action.Menu.Options[i]
				break
			}
		}
		if opt == nil {
			c.mu.Unlock()
			return p.action, fmt.Errorf("menu %s has no option %q", p.action.Menu.ID, d.Choice)
		}
	}
	c.pending = nil
	wfID := c.inst.ID
	c.mu.Unlock()

	c.deps.Audit.Record(audit.KindDecision, wfID, p.step.ID, decisionLabel(d), d.Note)

	switch {
	case d.Abort:
		return c.emit(c.cancel(p.step.ID, "aborted by user")), nil

	case d.RollbackTo != "":
		na, err := c.Rollback(ctx, d.RollbackTo)
		if err != nil {
			c.mu.Lock()
			c.pending = p
			c.mu.Unlock()
			return p.action, err
		}
		return na, nil

	case opt != nil:
		c.deps.Menu.RecordManual(p.action.Menu.ID, *opt, 100)
		metrics.MenuSelections.WithLabelValues(string(menu.SourceManual)).Inc()
		c.deps.Audit.Record(audit.KindMenu, wfID, p.step.ID, opt.Key, "selected by user",
			zap.String("menu_id", p.action.Menu.ID))

		c.mu.Lock()
		c.choices[p.step.ID] = opt.Key
		err := c.transitionLocked(StateRunning)
		c.mu.Unlock()
		if err != nil {
			return c.emit(c.terminalAction()), nil
		}
		return c.emit(NextAction{
			Action: ActionContinue,
			StepID: p.step.ID,
			Reason: fmt.Sprintf("menu option %s selected", opt.Key),
		}), nil

	case d.Approve:
		c.mu.Lock()
		c.sinceSurface = 0
		na := c.commitLocked(p.step, p.result, "approved by user")
		c.mu.Unlock()
		return c.emit(na), nil

	default:
		c.mu.Lock()
		err := c.transitionLocked(StateRunning)
		c.mu.Unlock()
		if err != nil {
			return c.emit(c.terminalAction()), nil
		}
		return c.emit(NextAction{
			Action: ActionContinue,
			StepID: p.step.ID,
			Reason: "rejected by user; step will run again",
		}), nil
	}
}

// Rollback restores the newest checkpoint taken before stepID ran. Steps
// after it are marked rolled back and their artifacts archived.
func (c *Controller) Rollback(ctx context.Context, stepID string) (NextAction, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.Rollback", trace.WithAttributes(attribute.String("step_id", stepID)))
	defer span.End()

	c.mu.RLock()
	if c.state.IsTerminal() {
		c.mu.RUnlock()
		return NextAction{}, fmt.Errorf("%w: workflow is %s", workflow.ErrInvalidTransition, c.state)
	}
	current := c.inst.Clone()
	c.mu.RUnlock()

	rb, err := c.deps.Checkpoints.Rollback(ctx, stepID, current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		return NextAction{}, err
	}

	c.mu.Lock()
	c.inst = rb.Instance
	c.pending = nil
	c.sinceSurface = 0
	for _, id := range append([]string{stepID}, rb.RolledBack...) {
		delete(c.attempts, id)
		delete(c.choices, id)
		delete(c.collab, id)
	}
	if err := c.transitionLocked(StateRunning); err != nil {
		c.mu.Unlock()
		return c.emit(c.terminalAction()), nil
	}
	c.resetVisitsLocked()
	wfID := c.inst.ID
	c.mu.Unlock()

	for _, id := range append([]string{stepID}, rb.RolledBack...) {
		c.deps.Stall.Reset(id)
	}
	c.deps.Menu.Reset()
	c.deps.Audit.Record(audit.KindRollback, wfID, stepID, "rollback", "restored checkpoint "+rb.Checkpoint.ID,
		zap.Strings("rolled_back", rb.RolledBack),
		zap.Strings("archived", rb.Archived))
	c.logger.Info("rolled back",
		zap.String("step_id", stepID),
		zap.String("checkpoint_id", rb.Checkpoint.ID),
		zap.Strings("rolled_back", rb.RolledBack))

	return c.emit(NextAction{
		Action: ActionContinue,
		StepID: stepID,
		Reason: "rolled back to checkpoint " + rb.Checkpoint.ID,
	}), nil
}

// PreserveTimeout implements timeout.Preserver. It saves a timeout
// checkpoint of the live instance so the run can be resumed.
func (c *Controller) PreserveTimeout(ctx context.Context, ts workflow.TimeoutState) error {
	c.mu.RLock()
	snap := c.inst.Clone()
	stepID := ts.OperationID
	if step, ok := c.inst.CurrentStep(); ok {
		stepID = step.ID
	}
	hash, _ := c.inst.InputHash(c.inst.Current)
	c.mu.RUnlock()

	_, err := c.deps.Checkpoints.Save(ctx, &checkpoint.SaveRequest{
		StepID:      stepID,
		Kind:        checkpoint.KindTimeout,
		Instance:    snap,
		InputHash:   hash,
		Timeout:     &ts,
		CanRollback: true,
		Metadata:    map[string]string{"level": string(ts.Level), "operation_id": ts.OperationID},
	})
	return err
}

func (c *Controller) onTimeout(te *workflow.TimeoutError) {
	metrics.TimeoutsFired.WithLabelValues(string(te.Level)).Inc()
	c.deps.Audit.Timeout(c.workflowID(), te)
}

func (c *Controller) workflowID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inst.ID
}

// transitionLocked moves to the next state, enforcing the transition
// table and the loop guard. c.mu must be held.
func (c *Controller) transitionLocked(to State) error {
	if c.state.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", workflow.ErrInvalidTransition, c.state)
	}
	if !CanTransition(c.state, to) {
		return fmt.Errorf("%w: %s to %s", workflow.ErrInvalidTransition, c.state, to)
	}
	if !to.IsTerminal() {
		c.visits[to]++
		if revisits := c.visits[to] - 1; revisits >= c.cfg.LoopLimit {
			err := fmt.Errorf("%w: %s entered %d times", ErrLoopDetected, to, c.visits[to])
			c.logger.Error("loop guard tripped", zap.String("state", string(to)), zap.Int("visits", c.visits[to]))
			c.setTerminalLocked(StateFailed, err.Error(), err)
			return err
		}
	}
	c.state = to
	c.inst.Status = to.WorkflowStatus()
	c.inst.UpdatedAt = c.now()
	return nil
}

func (c *Controller) resetVisitsLocked() {
	clear(c.visits)
	c.visits[c.state] = 1
}

func (c *Controller) setTerminalLocked(to State, reason string, err error) {
	c.state = to
	c.inst.Status = to.WorkflowStatus()
	c.inst.UpdatedAt = c.now()
	c.pending = nil
	c.reason = reason
	c.err = err
	c.finishedAt = c.now()
}

func (c *Controller) terminalAction() NextAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminalActionLocked()
}

func (c *Controller) terminalActionLocked() NextAction {
	if c.state == StateCompleted {
		return NextAction{Action: ActionComplete, Reason: "workflow completed"}
	}
	return NextAction{Action: ActionFail, Reason: c.reason, Err: c.err}
}

func (c *Controller) completeLocked() NextAction {
	if err := c.transitionLocked(StateCompleting); err != nil {
		return c.terminalActionLocked()
	}
	c.setTerminalLocked(StateCompleted, "all steps completed", nil)
	c.logger.Info("workflow completed",
		zap.Int("steps", len(c.inst.Steps)),
		zap.Duration("elapsed", c.elapsedLocked()))
	return NextAction{Action: ActionComplete, Reason: "all steps completed"}
}

// replayLocked skips a step whose sealed result matches its inputs.
func (c *Controller) replayLocked(step workflow.Step) NextAction {
	if err := c.transitionLocked(StateRunning); err != nil {
		return c.terminalActionLocked()
	}
	_ = c.inst.Advance(c.now())
	c.resetVisitsLocked()
	c.logger.Info("step replay skipped", zap.String("step_id", step.ID))
	return NextAction{Action: ActionContinue, StepID: step.ID, Reason: "already completed with identical inputs"}
}

// commitLocked seals a passed result and moves the cursor on.
func (c *Controller) commitLocked(step workflow.Step, res workflow.StepResult, reason string) NextAction {
	if c.state != StateRunning {
		if err := c.transitionLocked(StateRunning); err != nil {
			return c.terminalActionLocked()
		}
	}
	now := c.now()
	res.StepID = step.ID
	res.Status = workflow.StepPassed
	res = res.Finalize(now)
	if err := c.inst.Record(res, now); err != nil {
		return c.failLocked(step.ID, nil, err)
	}
	_ = c.inst.Advance(now)
	c.resetVisitsLocked()
	delete(c.attempts, step.ID)
	delete(c.choices, step.ID)

	metrics.StepsTotal.WithLabelValues(string(workflow.StepPassed)).Inc()
	metrics.StepDuration.Observe(res.Duration.Seconds())
	c.logger.Info("step completed", zap.String("step_id", step.ID), zap.String("reason", reason))
	return NextAction{Action: ActionContinue, StepID: step.ID, Reason: reason}
}

// awaitLocked parks the workflow on a decision.
func (c *Controller) awaitLocked(step workflow.Step, res workflow.StepResult, na NextAction) NextAction {
	if err := c.transitionLocked(StateAwaitingUser); err != nil {
		return c.terminalActionLocked()
	}
	res.StepID = step.ID
	res.Status = workflow.StepAwaitingUser
	_ = c.inst.Record(res, c.now())
	c.pending = &pendingDecision{action: na, step: step, result: res}
	metrics.StepsTotal.WithLabelValues(string(workflow.StepAwaitingUser)).Inc()
	return na
}

func (c *Controller) failLocked(stepID string, res *workflow.StepResult, err error) NextAction {
	now := c.now()
	if res != nil {
		r := *res
		r.StepID = stepID
		r.Status = workflow.StepFailed
		if err != nil && len(r.Errors) == 0 {
			r.Errors = []string{err.Error()}
		}
		_ = c.inst.Record(r.Finalize(now), now)
		metrics.StepsTotal.WithLabelValues(string(workflow.StepFailed)).Inc()
	}
	if !c.state.IsTerminal() {
		c.setTerminalLocked(StateFailed, err.Error(), err)
		c.logger.Error("workflow failed", zap.String("step_id", stepID), zap.Error(err))
	}
	return NextAction{Action: ActionFail, StepID: stepID, Reason: c.reason, Err: c.err}
}

func (c *Controller) fail(stepID string, res *workflow.StepResult, err error) NextAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(stepID, res, err)
}

func (c *Controller) cancel(stepID, reason string) NextAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsTerminal() {
		c.setTerminalLocked(StateCancelled, reason, context.Canceled)
		c.logger.Warn("workflow cancelled", zap.String("step_id", stepID), zap.String("reason", reason))
	}
	return NextAction{Action: ActionFail, StepID: stepID, Reason: c.reason, Err: c.err}
}

// emit records the action and reports progress.
func (c *Controller) emit(na NextAction) NextAction {
	c.mu.Lock()
	c.decisions = append(c.decisions, na)
	cb := c.progress
	p := Progress{StepID: na.StepID, State: c.state, Message: string(na.Action) + ": " + na.Reason, Percentage: c.percentLocked()}
	c.mu.Unlock()

	metrics.Decisions.WithLabelValues(string(na.Action)).Inc()
	if c.decisionCounter != nil {
		c.decisionCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("action", string(na.Action))))
	}
	if cb != nil {
		cb(p)
	}
	return na
}

func (c *Controller) progressf(stepID, format string, args ...any) {
	c.mu.RLock()
	cb := c.progress
	p := Progress{StepID: stepID, State: c.state, Message: fmt.Sprintf(format, args...), Percentage: c.percentLocked()}
	c.mu.RUnlock()
	if cb != nil {
		cb(p)
	}
}

func (c *Controller) percentLocked() int {
	if len(c.inst.Steps) == 0 {
		return 100
	}
	return c.inst.Current * 100 / len(c.inst.Steps)
}

func decisionLabel(d Decision) string {
	switch {
	case d.Abort:
		return "abort"
	case d.RollbackTo != "":
		return "rollback:" + d.RollbackTo
	case d.Choice != "":
		return "choice:" + d.Choice
	case d.Approve:
		return "approve"
	default:
		return "reject"
	}
}

func menuKeyMatches(o menu.Option, choice string) bool {
	return choice != "" && (strings.EqualFold(o.Key, choice) || strings.EqualFold(o.Label, choice))
}
