package parallel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/parallel"

// ErrTooManyTasks is returned when more than MaxTasks are submitted.
var ErrTooManyTasks = errors.New("too many parallel validation tasks")

// ErrAggregationContention is returned when the aggregation window could not
// be entered.
var ErrAggregationContention = errors.New("aggregation window contention")

// Config configures the coordinator.
type Config struct {
	// Barrier is the ceiling on the parallel phase (default 120s).
	Barrier time.Duration
	// AggregationWindow bounds the wait for the aggregation lock (default 5s).
	AggregationWindow time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{Barrier: 120 * time.Second, AggregationWindow: 5 * time.Second}
}

// Coordinator runs validation batches.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	// sem guards last; it is held only while aggregating.
	sem  *semaphore.Weighted
	last *Report
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Barrier <= 0 {
		cfg.Barrier = def.Barrier
	}
	if cfg.AggregationWindow <= 0 {
		cfg.AggregationWindow = def.AggregationWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		sem:    semaphore.NewWeighted(1),
	}
}

// Validate runs tasks in parallel and applies the degradation policy:
//
//	all pass          proceed
//	up to a third fail retry the failed ones sequentially
//	one passes        retry the rest sequentially with it as context
//	none pass         run everything sequentially
//	otherwise         retry all; escalate if any still fail
func (c *Coordinator) Validate(ctx context.Context, tasks []Task) (*Report, error) {
	if len(tasks) > MaxTasks {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTasks, len(tasks), MaxTasks)
	}
	ctx, span := c.tracer.Start(ctx, "Parallel.Validate")
	defer span.End()

	total := len(tasks)
	report := &Report{Total: total, Mode: ModeParallel}
	if total == 0 {
		report.Aggregate = aggregate(nil)
		return report, c.store(ctx, report)
	}

	results := c.runParallel(ctx, tasks)
	succeeded := countOK(results)
	report.ParallelSucceeded = succeeded
	span.SetAttributes(attribute.Int("tasks", total), attribute.Int("succeeded", succeeded))

	if succeeded < total {
		report.Degraded = &workflow.DegradedError{
			Succeeded: succeeded,
			Total:     total,
			Reason:    failedNames(tasks, results),
		}
		c.logger.Warn("parallel validation degraded",
			zap.Int("succeeded", succeeded),
			zap.Int("total", total),
			zap.Error(report.Degraded),
		)
	}

	failures := total - succeeded
	switch {
	case failures == 0:
	case succeeded == 0:
		report.Mode = ModeSequentialFallback
		results = c.runSequential(ctx, tasks, results, nil, all)
	case succeeded == 1 && total > 1:
		report.Mode = ModeContextRetry
		results = c.runSequential(ctx, tasks, results, passed(results), failedOnly)
	case failures*3 <= total:
		report.Mode = ModeRetryFailed
		results = c.runSequential(ctx, tasks, results, nil, failedOnly)
	default:
		report.Mode = ModeRetryAll
		results = c.runSequential(ctx, tasks, results, nil, all)
		if countOK(results) < total {
			report.Err = &workflow.EscalationError{
				Level:  workflow.EscalationAdvancedReview,
				Reason: fmt.Sprintf("%d of %d checks still failing after retrying all", total-countOK(results), total),
			}
		}
	}

	report.Results = results
	report.Aggregate = aggregate(results)
	if err := c.store(ctx, report); err != nil {
		report.Err = errors.Join(report.Err, err)
		return report, err
	}
	return report, nil
}

// Last returns the most recent report.
func (c *Coordinator) Last(ctx context.Context) (*Report, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.last, nil
}

// runParallel starts one goroutine per task and waits for all of them.
// Each task gets its own context bounded by the barrier.
func (c *Coordinator) runParallel(ctx context.Context, tasks []Task) []Result {
	bctx, cancel := context.WithTimeout(ctx, c.cfg.Barrier)
	defer cancel()

	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			tctx, tcancel := context.WithCancel(bctx)
			defer tcancel()
			results[i] = runTask(tctx, t, nil)
		}(i, t)
	}
	wg.Wait()

	// Tasks that ignored the barrier deadline still count as failed.
	if bctx.Err() != nil {
		for i := range results {
			if results[i].OK() && results[i].Duration > c.cfg.Barrier {
				results[i].Err = fmt.Errorf("task %s exceeded barrier: %w", results[i].Name, bctx.Err())
				results[i].Error = results[i].Err.Error()
			}
		}
	}
	return results
}

type selector func(Result) bool

func all(Result) bool          { return true }
func failedOnly(r Result) bool { return !r.OK() }

func (c *Coordinator) runSequential(ctx context.Context, tasks []Task, prev, hints []Result, pick selector) []Result {
	out := make([]Result, len(prev))
	copy(out, prev)
	for i, t := range tasks {
		if !pick(prev[i]) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		r := runTask(ctx, t, hints)
		r.Attempts += prev[i].Attempts
		out[i] = r
	}
	return out
}

func runTask(ctx context.Context, t Task, hints []Result) (r Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r = Result{Err: fmt.Errorf("task %s panicked: %v", t.Name, p)}
		}
		r.Name = t.Name
		r.Duration = time.Since(start)
		r.Attempts++
		if r.Err != nil {
			r.Error = r.Err.Error()
		}
	}()
	if t.Run == nil {
		return Result{Err: errors.New("task has no run function")}
	}
	return t.Run(ctx, hints)
}

// store records the report inside the aggregation window. Contention gets
// exactly one retry.
func (c *Coordinator) store(ctx context.Context, r *Report) error {
	err := c.acquire(ctx)
	if err != nil {
		c.logger.Debug("aggregation window busy, retrying once", zap.Error(err))
		err = c.acquire(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAggregationContention, err)
	}
	defer c.sem.Release(1)
	c.last = r
	return nil
}

func (c *Coordinator) acquire(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AggregationWindow)
	defer cancel()
	return c.sem.Acquire(actx, 1)
}

func aggregate(results []Result) Aggregate {
	agg := Aggregate{Verdict: workflow.VerdictPass, Metrics: workflow.PerfectQuality}
	seen := make(map[string]bool)
	for _, r := range results {
		switch {
		case !r.OK():
			agg.Verdict = workflow.VerdictFail
		case r.Verdict == workflow.VerdictConcerns && agg.Verdict != workflow.VerdictFail:
			agg.Verdict = workflow.VerdictConcerns
		}
		agg.Metrics.BlockingErrors += r.Metrics.BlockingErrors
		agg.Metrics.MajorIssues += r.Metrics.MajorIssues
		if r.Metrics.ComplianceScore < agg.Metrics.ComplianceScore {
			agg.Metrics.ComplianceScore = r.Metrics.ComplianceScore
		}
		for _, issue := range r.Issues {
			if !seen[issue] {
				seen[issue] = true
				agg.Issues = append(agg.Issues, issue)
			}
		}
		if r.Err != nil && !seen[r.Error] {
			seen[r.Error] = true
			agg.Issues = append(agg.Issues, r.Error)
		}
	}
	sort.Strings(agg.Issues)
	return agg
}

func countOK(results []Result) int {
	n := 0
	for _, r := range results {
		if r.OK() {
			n++
		}
	}
	return n
}

func passed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.OK() {
			out = append(out, r)
		}
	}
	return out
}

func failedNames(tasks []Task, results []Result) string {
	var names []string
	for i, r := range results {
		if !r.OK() {
			names = append(names, tasks[i].Name)
		}
	}
	return fmt.Sprintf("failed: %v", names)
}
