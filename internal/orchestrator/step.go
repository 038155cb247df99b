package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

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
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// runStep executes one attempt of step and routes the result: menus,
// validation, gates, recovery, then confidence.
func (c *Controller) runStep(ctx context.Context, step workflow.Step, hash string, attempt int, choice string) NextAction {
	res, err := c.execute(ctx, step, hash, attempt, choice)
	if err == nil {
		var mo *menu.Outcome
		res, mo, err = c.navigateMenus(ctx, step, hash, attempt, res)
		if mo != nil {
			return c.awaitMenu(step, res, *mo)
		}
	}
	if err == nil {
		res, err = c.validate(ctx, step, res)
	}
	if ctx.Err() != nil {
		return c.fail(step.ID, &res, context.Cause(ctx))
	}
	if c.State().IsTerminal() {
		return c.terminalAction()
	}

	var escErr *workflow.EscalationError
	if errors.As(err, &escErr) {
		return c.escalate(step, res, escalation.Decision{Level: escErr.Level, Reason: escErr.Reason})
	}
	if na, stop := c.applyGates(ctx, step, res); stop {
		return na
	}

	if err != nil {
		res, err = c.recoverStep(ctx, step, hash, attempt, choice, res, err)
		if err != nil {
			return c.afterRecoveryFailed(ctx, step, res, err)
		}
		if na, stop := c.applyGates(ctx, step, res); stop {
			return na
		}
	}
	return c.route(step, res)
}

// execute runs the step under the agent timeout.
func (c *Controller) execute(ctx context.Context, step workflow.Step, hash string, attempt int, choice string) (workflow.StepResult, error) {
	req := ExecRequest{
		WorkflowID: c.workflowID(),
		Step:       step,
		Attempt:    attempt,
		MenuChoice: choice,
		Env:        c.deps.Recovery.Overlay().Environ(),
	}
	start := c.now()

	done := make(chan workflow.StepResult, 1)
	err := c.timeouts.RunWithLimit(ctx, workflow.LevelAgent, step.ID, step.Timeout, func(actx context.Context) error {
		r, err := c.deps.Executor.Execute(actx, req)
		done <- r
		return err
	})

	res := workflow.StepResult{Status: workflow.StepFailed}
	if !errors.Is(err, workflow.ErrTimeoutFired) && ctx.Err() == nil {
		select {
		case res = <-done:
		default:
		}
	}
	res.StepID = step.ID
	res.InputHash = hash
	if res.Duration == 0 {
		res.Duration = c.now().Sub(start)
	}
	if res.Metrics == (workflow.QualityMetrics{}) {
		res.Metrics = workflow.PerfectQuality
	}

	switch {
	case err != nil:
		res.Status = workflow.StepFailed
		res.Errors = append(res.Errors, err.Error())
		return res, err
	case res.Status == workflow.StepFailed || res.Verdict == workflow.VerdictFail:
		res.Status = workflow.StepFailed
		return res, resultErr(res)
	}
	if res.Status == "" || res.Status == workflow.StepPending || res.Status == workflow.StepRunning {
		res.Status = workflow.StepPassed
	}
	return res, nil
}

// navigateMenus auto-selects menus in the step output until none is left
// or one needs a person.
func (c *Controller) navigateMenus(ctx context.Context, step workflow.Step, hash string, attempt int, res workflow.StepResult) (workflow.StepResult, *menu.Outcome, error) {
	hint := menu.Hint{ExpectedOption: step.ExpectedOption, Phase: step.Phase}
	wfID := c.workflowID()
	for {
		out := c.deps.Menu.Handle(res.Output, hint)
		if !out.Detection.Detected {
			return res, nil, nil
		}
		if out.NeedsHuman() {
			return res, &out, nil
		}

		key := out.Selection.Option.Key
		metrics.MenuSelections.WithLabelValues(string(menu.SourceAuto)).Inc()
		c.deps.Audit.Record(audit.KindMenu, wfID, step.ID, key, out.Selection.Reason,
			zap.String("menu_id", out.Context.ID),
			zap.Float64("confidence", out.Selection.Confidence))

		var err error
		res, err = c.execute(ctx, step, hash, attempt, key)
		if err != nil {
			return res, nil, err
		}
	}
}

func (c *Controller) awaitMenu(step workflow.Step, res workflow.StepResult, out menu.Outcome) NextAction {
	na := NextAction{StepID: step.ID}
	switch {
	case out.Escalation != nil:
		metrics.MenuSelections.WithLabelValues(string(menu.SourceEscalated)).Inc()
		na.Action = ActionEscalate
		na.Escalation = workflow.EscalationAdvancedReview
		na.Reason = out.Escalation.Error()
		na.Menu = &MenuPrompt{ID: out.Escalation.Attempted.ID, Options: out.Detection.Options, Depth: out.Escalation.Attempted.Depth}
		metrics.Escalations.WithLabelValues(string(na.Escalation)).Inc()
		c.deps.Audit.Escalation(c.workflowID(), step.ID, na.Escalation, na.Reason)
	case out.Selection.Mode == menu.ModeRecommend:
		na.Action = ActionRecommend
		na.Reason = out.Selection.Reason
		na.Recommended = out.Selection.Option.Key
		na.Menu = &MenuPrompt{ID: out.Context.ID, Options: out.Selection.Options, Depth: out.Context.Depth}
	default:
		na.Action = ActionPause
		na.Reason = out.Selection.Reason
		na.Menu = &MenuPrompt{ID: out.Context.ID, Options: out.Selection.Options, Depth: out.Context.Depth}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitLocked(step, res, na)
}

// validate runs the step's checks in parallel under the nested timeout and
// merges the aggregate into res.
func (c *Controller) validate(ctx context.Context, step workflow.Step, res workflow.StepResult) (workflow.StepResult, error) {
	if len(step.Checks) == 0 || c.deps.Checker == nil {
		return res, nil
	}
	c.mu.Lock()
	err := c.transitionLocked(StateValidating)
	c.mu.Unlock()
	if err != nil {
		return res, err
	}
	c.progressf(step.ID, "validating step %s (%d checks)", step.ID, len(step.Checks))
	return c.runChecks(ctx, step, res)
}

func (c *Controller) runChecks(ctx context.Context, step workflow.Step, res workflow.StepResult) (workflow.StepResult, error) {
	if len(step.Checks) == 0 || c.deps.Checker == nil {
		return res, nil
	}
	tasks := make([]parallel.Task, 0, len(step.Checks))
	for _, chk := range step.Checks {
		tasks = append(tasks, parallel.Task{
			Name: chk.Name,
			Run: func(tctx context.Context, hints []parallel.Result) parallel.Result {
				r := c.deps.Checker.RunCheck(tctx, step, chk, hints)
				if r.Name == "" {
					r.Name = chk.Name
				}
				if r.Metrics == (workflow.QualityMetrics{}) {
					r.Metrics = workflow.PerfectQuality
				}
				return r
			},
		})
	}

	done := make(chan *parallel.Report, 1)
	err := c.timeouts.Run(ctx, workflow.LevelNested, step.ID+"/validate", func(vctx context.Context) error {
		rep, err := c.deps.Parallel.Validate(vctx, tasks)
		done <- rep
		return err
	})
	var report *parallel.Report
	if !errors.Is(err, workflow.ErrTimeoutFired) && ctx.Err() == nil {
		select {
		case report = <-done:
		default:
		}
	}
	if report == nil {
		if err == nil {
			err = errors.New("validation produced no report")
		}
		res.Status = workflow.StepFailed
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}

	metrics.ParallelBatches.WithLabelValues(string(report.Mode)).Inc()
	agg := report.Aggregate
	res.Verdict = worstVerdict(res.Verdict, agg.Verdict)
	res.Issues = append(res.Issues, agg.Issues...)
	res.Metrics.BlockingErrors += agg.Metrics.BlockingErrors
	res.Metrics.MajorIssues += agg.Metrics.MajorIssues
	res.Metrics.ComplianceScore = min(res.Metrics.ComplianceScore, agg.Metrics.ComplianceScore)

	if err == nil && report.Passed() {
		return res, nil
	}
	res.Status = workflow.StepFailed
	if err == nil {
		err = report.Err
	}
	if err == nil {
		err = checksErr(report.Results)
	}
	res.Errors = append(res.Errors, err.Error())
	return res, err
}

// applyGates runs the gate chain. A collaborative escalation first holds a
// session; when the participants approve, routing carries on.
func (c *Controller) applyGates(ctx context.Context, step workflow.Step, res workflow.StepResult) (NextAction, bool) {
	d, gate := gateChain(c.deps.Gates, res)
	if !d.Escalates() {
		return NextAction{}, false
	}
	c.logger.Warn("gate escalated",
		zap.String("step_id", step.ID),
		zap.String("gate", gate),
		zap.String("level", string(d.Level)),
		zap.String("reason", d.Reason))

	if d.Level == workflow.EscalationCollaborative && c.collaborate(ctx, step, res, d.Reason) {
		return NextAction{}, false
	}
	return c.escalate(step, res, d), true
}

func (c *Controller) escalate(step workflow.Step, res workflow.StepResult, d escalation.Decision) NextAction {
	metrics.Escalations.WithLabelValues(string(d.Level)).Inc()
	c.deps.Audit.Escalation(c.workflowID(), step.ID, d.Level, d.Reason)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitLocked(step, res, NextAction{
		Action:     ActionEscalate,
		StepID:     step.ID,
		Reason:     d.Reason,
		Escalation: d.Level,
		Err:        d.Err(),
	})
}

// collaborate holds a session on the step and reports whether the
// participants approved. Without participants nothing is approved.
func (c *Controller) collaborate(ctx context.Context, step workflow.Step, res workflow.StepResult, reason string) bool {
	if len(c.deps.Participants) == 0 {
		return false
	}
	sess, err := party.NewSession(c.deps.Participants, c.cfg.MaxRounds, c.logger)
	if err != nil {
		c.logger.Warn("collaborative session unavailable", zap.Error(err))
		return false
	}

	topic := fmt.Sprintf("Step %s needs a decision: %s", step.ID, reason)
	if len(res.Issues) > 0 {
		topic += "\nIssues:\n- " + strings.Join(res.Issues, "\n- ")
	}
	out, err := sess.Run(ctx, topic)
	if err != nil {
		c.logger.Warn("collaborative session failed", zap.String("step_id", step.ID), zap.Error(err))
		return false
	}

	c.mu.Lock()
	if score, ok := out.Score(); ok {
		c.collab[step.ID] = score
	}
	wfID := c.inst.ID
	c.mu.Unlock()

	c.deps.Audit.Record(audit.KindDecision, wfID, step.ID, "collaborative_session:"+string(out.Decision), reason,
		zap.Int("rounds", out.Rounds),
		zap.String("ended_by", out.EndedBy))
	return out.Decision == party.DecisionApproved
}

// recoverStep runs the recovery chain for a failed attempt. The retry
// re-executes and re-validates the step; a stall ends the chain.
func (c *Controller) recoverStep(ctx context.Context, step workflow.Step, hash string, attempt int, choice string, res workflow.StepResult, cause error) (workflow.StepResult, error) {
	c.mu.Lock()
	err := c.transitionLocked(StateRecovering)
	c.mu.Unlock()
	if err != nil {
		return res, err
	}
	c.progressf(step.ID, "recovering step %s", step.ID)

	if obs := c.deps.Stall.Observe(step.ID, attempt, failureIssues(res, cause)); escalatesStall(obs) {
		return res, obs.Err(step.ID)
	}

	latest := res
	retry := func(rctx context.Context) error {
		n := c.nextAttempt(step.ID)
		r, err := c.execute(rctx, step, hash, n, choice)
		if err == nil {
			r, err = c.runChecks(rctx, step, r)
		}
		latest = r
		if err == nil {
			return nil
		}
		if obs := c.deps.Stall.Observe(step.ID, n, failureIssues(r, err)); escalatesStall(obs) {
			return obs.Err(step.ID)
		}
		return err
	}

	wfID := c.workflowID()
	outcome := c.deps.Recovery.Recover(ctx, recovery.Request{
		StepID: step.ID,
		Err:    cause,
		Output: res.Output,
		Retry:  retry,
		Checkpoint: func(cctx context.Context, strategy string) error {
			return c.checkpointRecovery(cctx, step.ID, hash, strategy)
		},
	})
	for _, a := range outcome.Log {
		c.deps.Audit.Recovery(wfID, a)
	}
	result := "exhausted"
	if outcome.Recovered {
		result = "recovered"
	}
	metrics.Recoveries.WithLabelValues(string(outcome.Strategy), result).Inc()

	latest.RecoveryAttempted = true
	if outcome.Recovered {
		latest.Status = workflow.StepPassed
		return latest, nil
	}
	return latest, outcome.Err
}

func (c *Controller) afterRecoveryFailed(ctx context.Context, step workflow.Step, res workflow.StepResult, err error) NextAction {
	if c.State().IsTerminal() {
		return c.terminalAction()
	}
	var se *workflow.StallError
	if !errors.As(err, &se) {
		return c.fail(step.ID, &res, err)
	}
	if se.Hard {
		metrics.Stalls.WithLabelValues(string(stall.ActionHardFail)).Inc()
		return c.fail(step.ID, &res, err)
	}

	metrics.Stalls.WithLabelValues(string(stall.ActionCollaborate)).Inc()
	approved := c.collaborate(ctx, step, res, se.Error())
	c.deps.Stall.MarkCollaborativeFailed(step.ID, se.Hash)
	if !approved {
		return c.escalate(step, res, escalation.Decision{Level: workflow.EscalationCollaborative, Reason: se.Error()})
	}

	c.mu.Lock()
	terr := c.transitionLocked(StateRunning)
	c.mu.Unlock()
	if terr != nil {
		return c.terminalAction()
	}
	return NextAction{Action: ActionContinue, StepID: step.ID, Reason: "collaborative session approved another attempt"}
}

func (c *Controller) checkpointRecovery(ctx context.Context, stepID, hash, strategy string) error {
	c.mu.RLock()
	snap := c.inst.Clone()
	c.mu.RUnlock()
	_, err := c.deps.Checkpoints.Save(ctx, &checkpoint.SaveRequest{
		StepID:      stepID,
		Kind:        checkpoint.KindRecovery,
		Instance:    snap,
		InputHash:   hash,
		CanRollback: true,
		Metadata:    map[string]string{"strategy": strategy},
	})
	return err
}

// route applies confidence routing to a result that passed every gate.
func (c *Controller) route(step workflow.Step, res workflow.StepResult) NextAction {
	c.mu.RLock()
	collab, hasCollab := c.collab[step.ID]
	tier := c.inst.Tier
	c.mu.RUnlock()

	sig := confidence.Signals{
		Memory:        res.Evidence.MemoryMatch,
		Reviewer:      res.Evidence.ReviewerAgreement,
		Collaborative: res.Evidence.Collaborative,
		ResourceTier:  res.Evidence.ResourceTier,
	}
	if v, ok := res.Verdict.Score(); ok {
		sig.Verdict = confidence.Value(v)
	}
	if hasCollab {
		sig.Collaborative = confidence.Value(collab)
	}
	score := c.deps.Confidence.Compute(sig)
	metrics.Confidence.Observe(score.Value)
	reason := fmt.Sprintf("confidence %.0f (%s)", score.Value, score.Method)
	na := NextAction{StepID: step.ID, Reason: reason, Confidence: &score}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case step.Oversight == workflow.OversightRequired:
		na.Action = ActionPause
		na.Reason = "step requires human oversight; " + reason
		return c.awaitLocked(step, res, na)

	case score.Value >= c.cfg.AutoContinue:
		out := c.commitLocked(step, res, reason)
		if out.Action != ActionContinue {
			return out
		}
		out.Confidence = &score
		c.sinceSurface++
		if batch := c.cfg.Batches[tier]; batch > 0 && c.sinceSurface >= batch {
			out.Checkpoint = true
			c.sinceSurface = 0
		}
		return out

	case score.Value >= c.cfg.Recommend:
		na.Action = ActionRecommend
		na.Recommended = human.ChoiceYes
		return c.awaitLocked(step, res, na)

	default:
		na.Action = ActionPause
		return c.awaitLocked(step, res, na)
	}
}

func (c *Controller) nextAttempt(stepID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.attempts[stepID]
	c.attempts[stepID] = n + 1
	return n
}

func escalatesStall(o stall.Observation) bool {
	return o.Action == stall.ActionCollaborate || o.Action == stall.ActionHardFail
}

// failureIssues is the issue set hashed by the stall detector.
func failureIssues(res workflow.StepResult, err error) []string {
	issues := make([]string, 0, len(res.Issues)+len(res.Errors)+1)
	issues = append(issues, res.Issues...)
	issues = append(issues, res.Errors...)
	if len(issues) == 0 && err != nil {
		issues = append(issues, err.Error())
	}
	return issues
}

func resultErr(res workflow.StepResult) error {
	if len(res.Errors) > 0 {
		return errors.New(strings.Join(res.Errors, "; "))
	}
	return fmt.Errorf("%w: step %s failed", workflow.ErrUnclassifiedFailure, res.StepID)
}

func checksErr(results []parallel.Result) error {
	var failed []string
	for _, r := range results {
		if r.OK() {
			continue
		}
		msg := r.Name
		switch {
		case r.Error != "":
			msg += ": " + r.Error
		case len(r.Issues) > 0:
			msg += ": " + r.Issues[0]
		}
		failed = append(failed, msg)
	}
	return fmt.Errorf("validation failed: %s", strings.Join(failed, "; "))
}

var verdictRank = map[workflow.Verdict]int{
	workflow.VerdictNone:     0,
	workflow.VerdictPass:     1,
	workflow.VerdictConcerns: 2,
	workflow.VerdictFail:     3,
}

func worstVerdict(a, b workflow.Verdict) workflow.Verdict {
	if verdictRank[b] > verdictRank[a] {
		return b
	}
	return a
}
