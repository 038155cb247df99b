package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/human"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// ChoiceRollback asks for a rollback; the target step goes in
// Response.Value.
const ChoiceRollback = "rollback"

// Run drives the workflow to a terminal state under the workflow timeout.
// Decisions go to the human channel; without one the run is unattended.
// A workflow timeout fails the run after its state has been preserved in
// a timeout checkpoint, from which it can be resumed.
func (c *Controller) Run(ctx context.Context) AutomationResult {
	inst := c.Instance()
	ctx, span := c.tracer.Start(ctx, "Controller.Run", trace.WithAttributes(
		attribute.String("workflow_id", inst.ID),
		attribute.String("workflow", inst.Name),
		attribute.Int("tier", int(inst.Tier)),
	))
	defer span.End()

	c.logger.Info("workflow starting",
		zap.String("workflow", inst.Name),
		zap.Int("tier", int(inst.Tier)),
		zap.Int("steps", len(inst.Steps)),
		zap.Int("current", inst.Current))

	err := c.timeouts.Run(ctx, workflow.LevelWorkflow, inst.ID, c.loop)
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrTimeoutFired):
		c.fail(c.currentStepID(), nil, err)
	case errors.Is(err, context.Canceled):
		c.cancel(c.currentStepID(), "run cancelled")
	default:
		c.fail(c.currentStepID(), nil, err)
	}

	res := c.Result()
	span.SetAttributes(attribute.String("state", string(res.State)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Reason)
	}
	c.logger.Info("workflow finished",
		zap.String("state", string(res.State)),
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("decisions", len(res.Decisions)),
		zap.String("reason", res.Reason))
	return res
}

func (c *Controller) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		na, err := c.Advance(ctx)
		if err != nil && !errors.Is(err, ErrAwaitingDecision) {
			return err
		}

		switch {
		case na.Action == ActionComplete || na.Action == ActionFail:
			return nil

		case na.Action == ActionContinue && na.Checkpoint:
			if err := c.surfaceCheckpoint(ctx, na); err != nil {
				return err
			}

		case na.Action.NeedsDecision():
			d, ok, err := c.decide(ctx, na)
			if err != nil {
				return err
			}
			if !ok {
				c.fail(na.StepID, nil, &workflow.EscalationError{
					Level:  escalationLevel(na),
					Reason: "no human available: " + na.Reason,
				})
				return nil
			}
			if _, err := c.Resolve(ctx, d); err != nil {
				c.logger.Warn("decision rejected", zap.String("step_id", na.StepID), zap.Error(err))
				if errors.Is(err, ErrNoPendingDecision) {
					return err
				}
			}
		}
	}
}

// decide turns a pending action into a Decision. ok is false when there
// is nobody to ask and the action cannot be accepted unattended.
func (c *Controller) decide(ctx context.Context, na NextAction) (Decision, bool, error) {
	if c.deps.Human == nil {
		if na.Action != ActionRecommend {
			return Decision{}, false, nil
		}
		if na.Menu != nil {
			return Decision{Choice: na.Recommended, Note: "recommendation accepted unattended"}, true, nil
		}
		return Decision{Approve: true, Note: "recommendation accepted unattended"}, true, nil
	}

	p := c.prompt(na)
	resp, err := c.deps.Human.Ask(ctx, p)
	if err != nil {
		return Decision{}, false, err
	}
	return toDecision(na, resp), true, nil
}

func (c *Controller) prompt(na NextAction) human.Prompt {
	c.mu.RLock()
	var step workflow.Step
	if i := c.inst.IndexOf(na.StepID); i >= 0 {
		step = c.inst.Steps[i]
	}
	wfName := c.inst.Name
	c.mu.RUnlock()

	p := human.Prompt{
		ID:          fmt.Sprintf("%s/%s/%d", na.StepID, na.Action, len(c.Result().Decisions)),
		StepID:      na.StepID,
		Title:       fmt.Sprintf("%s: step %s needs a decision (%s)", wfName, na.StepID, na.Action),
		Body:        na.Reason,
		Recommended: na.Recommended,
		Reason:      na.Reason,
	}
	if na.Confidence != nil {
		p.Body = fmt.Sprintf("%s\nconfidence %.0f (%s)", na.Reason, na.Confidence.Value, na.Confidence.Tier)
	}

	switch {
	case na.Menu != nil:
		p.Kind = human.KindChoice
		for _, o := range na.Menu.Options {
			p.Options = append(p.Options, human.Option{Key: o.Key, Label: o.Label})
		}
	case step.Destructive:
		p.Kind = human.KindDestructive
		p.Double = true
	default:
		p.Kind = human.KindConfirm
	}
	return p
}

func toDecision(na NextAction, resp human.Response) Decision {
	switch {
	case resp.Aborted():
		note := "aborted"
		if resp.TimedOut {
			note = "timed out waiting for a decision"
		}
		return Decision{Abort: true, Note: note}
	case strings.EqualFold(resp.Choice, ChoiceRollback) && resp.Value != "":
		return Decision{RollbackTo: resp.Value, Note: resp.Value}
	case na.Menu != nil:
		return Decision{Choice: resp.Choice, Note: resp.Value}
	case resp.Approved():
		return Decision{Approve: true, Note: resp.Value}
	default:
		return Decision{Note: resp.Value}
	}
}

// surfaceCheckpoint shows a tier batch checkpoint to the human. Anything
// but an explicit yes stops the run.
func (c *Controller) surfaceCheckpoint(ctx context.Context, na NextAction) error {
	c.logger.Info("batch checkpoint reached", zap.String("step_id", na.StepID))
	if c.deps.Human == nil {
		return nil
	}
	resp, err := c.deps.Human.Ask(ctx, human.Prompt{
		ID:          na.StepID + "/checkpoint",
		Kind:        human.KindConfirm,
		StepID:      na.StepID,
		Title:       "Checkpoint after step " + na.StepID + ": continue?",
		Body:        na.Reason,
		Recommended: human.ChoiceYes,
	})
	if err != nil {
		return err
	}
	if !resp.Approved() {
		reason := "stopped at checkpoint"
		if resp.TimedOut {
			reason = "checkpoint confirmation timed out"
		}
		c.cancel(na.StepID, reason)
	}
	return nil
}

func (c *Controller) currentStepID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if step, ok := c.inst.CurrentStep(); ok {
		return step.ID
	}
	return ""
}

func escalationLevel(na NextAction) workflow.EscalationLevel {
	if na.Escalation != "" && na.Escalation != workflow.EscalationNone {
		return na.Escalation
	}
	return workflow.EscalationAdvancedReview
}
