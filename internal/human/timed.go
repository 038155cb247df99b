package human

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Timeouts per prompt kind.
type Timeouts struct {
	Confirm     time.Duration
	Destructive time.Duration
	// DoubleStep bounds each half of a double confirmation.
	DoubleStep time.Duration
	Choice     time.Duration
	Input      time.Duration
}

// DefaultTimeouts returns 5m confirm, 2m destructive, 1m per double step.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Confirm:     5 * time.Minute,
		Destructive: 2 * time.Minute,
		DoubleStep:  time.Minute,
		Choice:      5 * time.Minute,
		Input:       5 * time.Minute,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Confirm <= 0 {
		t.Confirm = d.Confirm
	}
	if t.Destructive <= 0 {
		t.Destructive = d.Destructive
	}
	if t.DoubleStep <= 0 {
		t.DoubleStep = d.DoubleStep
	}
	if t.Choice <= 0 {
		t.Choice = d.Choice
	}
	if t.Input <= 0 {
		t.Input = d.Input
	}
	return t
}

func (t Timeouts) forKind(k Kind) time.Duration {
	switch k {
	case KindDestructive:
		return t.Destructive
	case KindChoice:
		return t.Choice
	case KindInput:
		return t.Input
	default:
		return t.Confirm
	}
}

// Timed bounds every prompt of the wrapped channel.
type Timed struct {
	ch        Channel
	timeouts  Timeouts
	logger    *zap.Logger
	onTimeout func(Prompt, time.Duration)
}

// NewTimed wraps ch.
func NewTimed(ch Channel, timeouts Timeouts, logger *zap.Logger) *Timed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timed{ch: ch, timeouts: timeouts.withDefaults(), logger: logger}
}

// OnTimeout registers a hook called for every unanswered prompt.
func (t *Timed) OnTimeout(fn func(Prompt, time.Duration)) { t.onTimeout = fn }

// Ask delivers p. An unanswered prompt yields AbortResponse and no error.
// Destructive prompts with Double set are asked twice, each half bounded
// by the double-step timeout; both must be approved.
func (t *Timed) Ask(ctx context.Context, p Prompt) (Response, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Kind == KindDestructive && p.Double {
		return t.askDouble(ctx, p)
	}
	return t.ask(ctx, p, t.timeouts.forKind(p.Kind))
}

func (t *Timed) askDouble(ctx context.Context, p Prompt) (Response, error) {
	first, err := t.ask(ctx, p, t.timeouts.DoubleStep)
	if err != nil || first.Aborted() || !first.Approved() {
		return first, err
	}
	again := p
	again.Title = "Confirm again: " + p.Title
	return t.ask(ctx, again, t.timeouts.DoubleStep)
}

func (t *Timed) ask(ctx context.Context, p Prompt, limit time.Duration) (Response, error) {
	actx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	resp, err := t.ch.Ask(actx, p)
	if err == nil {
		return resp, nil
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		t.logger.Warn("prompt timed out, aborting",
			zap.String("prompt_id", p.ID),
			zap.String("kind", string(p.Kind)),
			zap.String("step_id", p.StepID),
			zap.Duration("timeout", limit),
		)
		if t.onTimeout != nil {
			t.onTimeout(p, limit)
		}
		return AbortResponse, nil
	}
	return Response{}, fmt.Errorf("ask %s: %w", p.Kind, err)
}

// Confirm asks a yes/no question.
func (t *Timed) Confirm(ctx context.Context, stepID, title, body string) (bool, error) {
	resp, err := t.Ask(ctx, Prompt{Kind: KindConfirm, StepID: stepID, Title: title, Body: body})
	if err != nil {
		return false, err
	}
	return resp.Approved(), nil
}

// ProvideValue asks for a configuration value. Timeouts and aborts are
// errors here because there is no safe default value.
func (t *Timed) ProvideValue(ctx context.Context, key, reason string) (string, error) {
	resp, err := t.Ask(ctx, Prompt{
		Kind:   KindInput,
		Title:  fmt.Sprintf("Value needed for %s", key),
		Reason: reason,
	})
	if err != nil {
		return "", err
	}
	if resp.TimedOut {
		return "", ErrTimedOut
	}
	if resp.Aborted() {
		return "", ErrAborted
	}
	return resp.Value, nil
}
