package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/patternstore"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/recovery"

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfigSources sets where missing configuration is looked for.
func WithConfigSources(src ...ConfigSource) Option {
	return func(o *Orchestrator) { o.sources = src }
}

// WithPrompter asks a human when no source has the value.
func WithPrompter(p Prompter) Option {
	return func(o *Orchestrator) { o.prompter = p }
}

// WithOverlay sets the overlay that receives located configuration.
func WithOverlay(ov *Overlay) Option {
	return func(o *Orchestrator) { o.overlay = ov }
}

// WithPatterns enables the pattern-fix strategy.
func WithPatterns(pm PatternMemory, fa FixApplier) Option {
	return func(o *Orchestrator) {
		o.patterns = pm
		o.applier = fa
	}
}

// WithCheckpointer sets the checkpoint hook run before mutating attempts.
func WithCheckpointer(c Checkpointer) Option {
	return func(o *Orchestrator) { o.checkpointer = c }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs the recovery chain for failed steps.
type Orchestrator struct {
	cfg          Config
	sources      []ConfigSource
	prompter     Prompter
	overlay      *Overlay
	patterns     PatternMemory
	applier      FixApplier
	checkpointer Checkpointer
	sleep        func(context.Context, time.Duration) error
	now          func() time.Time
	logger       *zap.Logger

	tracer           trace.Tracer
	recoveredCounter metric.Int64Counter
	exhaustedCounter metric.Int64Counter

	mu  sync.Mutex
	log []workflow.RecoveryAttempt
}

// New creates an orchestrator.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	if cfg.PatternLimit <= 0 {
		cfg.PatternLimit = def.PatternLimit
	}
	if cfg.MinPatternConfidence <= 0 {
		cfg.MinPatternConfidence = def.MinPatternConfidence
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:     cfg,
		sources: []ConfigSource{EnvSource{}},
		overlay: NewOverlay(),
		sleep:   sleepCtx,
		now:     time.Now,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.initMetrics()
	return o
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	o.recoveredCounter, err = meter.Int64Counter(
		"autopilot.recovery.recovered_total",
		metric.WithDescription("Step failures recovered automatically"),
	)
	if err != nil {
		o.logger.Warn("failed to create recovered counter", zap.Error(err))
	}
	o.exhaustedCounter, err = meter.Int64Counter(
		"autopilot.recovery.exhausted_total",
		metric.WithDescription("Step failures escalated after every strategy failed"),
	)
	if err != nil {
		o.logger.Warn("failed to create exhausted counter", zap.Error(err))
	}
}

// Overlay returns the configuration overlay.
func (o *Orchestrator) Overlay() *Overlay { return o.overlay }

// Log returns every recovery attempt made so far.
func (o *Orchestrator) Log() []workflow.RecoveryAttempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]workflow.RecoveryAttempt, len(o.log))
	copy(out, o.log)
	return out
}

// run tracks one Recover call.
type run struct {
	req      Request
	class    workflow.Classification
	attempts int
	log      []workflow.RecoveryAttempt
	report   []workflow.StrategyOutcome
	// stop is set when a retry reports a stall; the chain ends there.
	stop error
}

// Recover classifies req.Err and runs the strategies in order, stopping at
// the first success. A retry failing with workflow.ErrStallDetected ends
// the chain at once and the stall is returned in Outcome.Err.
func (o *Orchestrator) Recover(ctx context.Context, req Request) Outcome {
	ctx, span := o.tracer.Start(ctx, "Recovery.Recover")
	defer span.End()
	start := o.now()

	r := &run{req: req, class: Classify(req.Err)}
	span.SetAttributes(
		attribute.String("step_id", req.StepID),
		attribute.String("classification", string(r.class)),
	)
	o.logger.Info("starting recovery",
		zap.String("step_id", req.StepID),
		zap.String("classification", string(r.class)),
		zap.Error(req.Err),
	)

	strategies := []struct {
		name Strategy
		fn   func(context.Context, *run) (bool, string)
	}{
		{StrategyLocateConfig, o.locateConfig},
		{StrategyTransientRetry, o.retryTransient},
		{StrategyPatternFix, o.applyPattern},
	}
	for _, s := range strategies {
		before := r.attempts
		ok, reason := s.fn(ctx, r)
		if r.stop != nil {
			o.finish(r)
			o.logger.Info("recovery interrupted by stall",
				zap.String("step_id", req.StepID),
				zap.String("strategy", string(s.name)),
				zap.Error(r.stop),
			)
			return Outcome{
				Classification: r.class,
				Strategy:       s.name,
				Attempts:       r.attempts,
				Log:            r.log,
				Duration:       o.now().Sub(start),
				Err:            r.stop,
			}
		}
		if ok {
			o.finish(r)
			out := Outcome{
				Recovered:      true,
				Classification: r.class,
				Strategy:       s.name,
				Attempts:       r.attempts,
				Log:            r.log,
				Duration:       o.now().Sub(start),
			}
			o.logger.Info("recovery succeeded",
				zap.String("step_id", req.StepID),
				zap.String("method", string(s.name)),
				zap.Int("attempts", r.attempts),
			)
			if o.recoveredCounter != nil {
				o.recoveredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", string(s.name))))
			}
			return out
		}
		r.report = append(r.report, workflow.StrategyOutcome{
			Strategy: string(s.name),
			Attempts: r.attempts - before,
			Reason:   reason,
		})
	}

	o.finish(r)
	err := &workflow.RecoveryExhaustedError{
		StepID:         req.StepID,
		Classification: r.class,
		Cause:          req.Err,
		Report:         r.report,
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "recovery exhausted")
	o.logger.Warn("recovery exhausted, escalating",
		zap.String("step_id", req.StepID),
		zap.String("classification", string(r.class)),
		zap.Int("attempts", r.attempts),
		zap.Any("report", r.report),
	)
	if o.exhaustedCounter != nil {
		o.exhaustedCounter.Add(ctx, 1)
	}
	return Outcome{
		Classification: r.class,
		Strategy:       StrategyEscalate,
		Attempts:       r.attempts,
		Log:            r.log,
		Duration:       o.now().Sub(start),
		Err:            err,
	}
}

func (o *Orchestrator) finish(r *run) {
	o.mu.Lock()
	o.log = append(o.log, r.log...)
	o.mu.Unlock()
}

func (o *Orchestrator) record(r *run, s Strategy, ok bool, reason string) {
	r.attempts++
	r.log = append(r.log, workflow.RecoveryAttempt{
		StepID:         r.req.StepID,
		Classification: r.class,
		Strategy:       string(s),
		Attempt:        r.attempts,
		Succeeded:      ok,
		Reason:         reason,
		Timestamp:      o.now(),
	})
}

// attempt checkpoints, then retries the step.
func (o *Orchestrator) attempt(ctx context.Context, r *run, s Strategy, mutate func() error) error {
	var err error
	switch {
	case r.req.Checkpoint != nil:
		err = r.req.Checkpoint(ctx, string(s))
	case o.checkpointer != nil:
		err = o.checkpointer.CheckpointRecovery(ctx, r.req.StepID, string(s))
	}
	if err != nil {
		return fmt.Errorf("checkpoint before %s: %w", s, err)
	}
	if mutate != nil {
		if err := mutate(); err != nil {
			return err
		}
	}
	if r.req.Retry == nil {
		return errors.New("step cannot be retried")
	}
	err = r.req.Retry(ctx)
	if errors.Is(err, workflow.ErrStallDetected) {
		r.stop = err
	}
	return err
}

func (o *Orchestrator) locateConfig(ctx context.Context, r *run) (bool, string) {
	if r.class != workflow.ClassMissingConfig {
		return false, "not applicable to " + string(r.class)
	}
	key := MissingKey(r.req.Err)
	if key == "" {
		return false, "could not determine the missing configuration key"
	}

	value, from, err := o.lookup(ctx, key)
	if err != nil {
		return false, err.Error()
	}
	if value == "" {
		if o.prompter == nil {
			return false, fmt.Sprintf("%s not found in any source and no human channel", key)
		}
		value, err = o.prompter.ProvideValue(ctx, key, r.req.Err.Error())
		if err != nil {
			return false, fmt.Sprintf("prompt for %s: %v", key, err)
		}
		if value == "" {
			return false, fmt.Sprintf("no value provided for %s", key)
		}
		from = "human"
	}

	err = o.attempt(ctx, r, StrategyLocateConfig, func() error {
		o.overlay.Set(key, value)
		return nil
	})
	if err != nil {
		reason := fmt.Sprintf("retry with %s from %s failed: %v", key, from, err)
		o.record(r, StrategyLocateConfig, false, reason)
		return false, reason
	}
	o.record(r, StrategyLocateConfig, true, fmt.Sprintf("%s supplied from %s", key, from))
	return true, ""
}

func (o *Orchestrator) lookup(ctx context.Context, key string) (value, from string, err error) {
	var errs []error
	for _, src := range o.sources {
		v, ok, err := src.Lookup(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return v, fmt.Sprintf("%T", src), nil
		}
	}
	if len(errs) == len(o.sources) && len(errs) > 0 {
		return "", "", fmt.Errorf("lookup %s: %w", key, errors.Join(errs...))
	}
	return "", "", nil
}

func (o *Orchestrator) retryTransient(ctx context.Context, r *run) (bool, string) {
	if r.class != workflow.ClassTransientError {
		return false, "not applicable to " + string(r.class)
	}
	var last error
	for i, d := range o.cfg.Backoff {
		if err := o.sleep(ctx, d); err != nil {
			reason := fmt.Sprintf("interrupted before retry %d: %v", i+1, err)
			return false, reason
		}
		last = o.attempt(ctx, r, StrategyTransientRetry, nil)
		if last == nil {
			o.record(r, StrategyTransientRetry, true, fmt.Sprintf("retry %d after %s", i+1, d))
			return true, ""
		}
		o.record(r, StrategyTransientRetry, false, last.Error())
		if r.stop != nil {
			return false, last.Error()
		}
		o.logger.Debug("transient retry failed",
			zap.String("step_id", r.req.StepID),
			zap.Int("retry", i+1),
			zap.Duration("backoff", d),
			zap.Error(last),
		)
	}
	if last == nil {
		return false, "no retries configured"
	}
	return false, fmt.Sprintf("still failing after %d retries: %v", len(o.cfg.Backoff), last)
}

func (o *Orchestrator) applyPattern(ctx context.Context, r *run) (bool, string) {
	if o.patterns == nil || o.applier == nil {
		return false, "pattern store not configured"
	}
	text := r.req.Err.Error()
	if strings.TrimSpace(text) == "" {
		text = lastLine(r.req.Output)
	}
	sig := patternstore.Signature(text)

	res := o.patterns.Query(ctx, sig, o.cfg.PatternLimit)
	if res.Status == patternstore.StatusDegraded {
		return false, "pattern store degraded: " + res.Reason
	}
	if len(res.Matches) == 0 {
		return false, "no matching pattern"
	}
	if r.class == workflow.ClassUnknown {
		r.class = workflow.ClassKnownPattern
	}

	var reasons []string
	for _, m := range res.Matches {
		p := m.Pattern
		if p.Confidence < o.cfg.MinPatternConfidence {
			reasons = append(reasons, fmt.Sprintf("%s below confidence (%.2f)", p.ID, p.Confidence))
			continue
		}
		err := o.attempt(ctx, r, StrategyPatternFix, func() error {
			return o.applier.ApplyFix(ctx, r.req.StepID, p)
		})
		o.feedback(ctx, p, err == nil)
		if err == nil {
			o.record(r, StrategyPatternFix, true, "applied pattern "+p.ID)
			return true, ""
		}
		reason := fmt.Sprintf("pattern %s: %v", p.ID, err)
		o.record(r, StrategyPatternFix, false, reason)
		reasons = append(reasons, reason)
		if r.stop != nil {
			break
		}
	}
	return false, strings.Join(reasons, "; ")
}

func (o *Orchestrator) feedback(ctx context.Context, p patternstore.Pattern, success bool) {
	updated := patternstore.Feedback(p, success, o.now())
	status, err := o.patterns.Write(ctx, updated)
	if err != nil {
		o.logger.Warn("recording pattern feedback failed", zap.String("pattern_id", p.ID), zap.Error(err))
		return
	}
	if status == patternstore.StatusDegraded {
		o.logger.Debug("pattern feedback queued", zap.String("pattern_id", p.ID))
	}
}

// Learn stores a fix that resolved a failure so later runs can reuse it.
func (o *Orchestrator) Learn(ctx context.Context, failure error, category, fix string) (patternstore.Pattern, error) {
	if o.patterns == nil {
		return patternstore.Pattern{}, errors.New("pattern store not configured")
	}
	now := o.now()
	p := patternstore.Pattern{
		ID:           uuid.New().String(),
		Signature:    patternstore.Signature(failure.Error()),
		Category:     category,
		Fix:          fix,
		Confidence:   0.5,
		SuccessCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := o.patterns.Write(ctx, p); err != nil {
		return p, err
	}
	return p, nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
