// Package timeout enforces the three-level timeout hierarchy: a workflow
// budget, nested-operation budgets inside it, and agent-call budgets
// inside those. Each level terminates only its own scope and preserves a
// TimeoutState before tearing down.
package timeout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// Config holds the per-level limits.
type Config struct {
	Workflow time.Duration
	Nested   time.Duration
	Agent    time.Duration
}

// DefaultConfig returns 1800s / 300s / 60s.
func DefaultConfig() Config {
	return Config{
		Workflow: 1800 * time.Second,
		Nested:   300 * time.Second,
		Agent:    60 * time.Second,
	}
}

// Validate checks that every level has a positive limit.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{"workflow": c.Workflow, "nested": c.Nested, "agent": c.Agent} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	return nil
}

// Preserver saves the state of a timed operation before it is torn down.
type Preserver interface {
	PreserveTimeout(ctx context.Context, state workflow.TimeoutState) error
}

// Listener is notified of every fired timeout.
type Listener func(*workflow.TimeoutError)

// Manager runs operations under the hierarchy.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	preserver Preserver
	now       func() time.Time

	mu        sync.RWMutex
	active    map[string]workflow.TimeoutState
	listeners []Listener
}

// Option configures a Manager.
type Option func(*Manager)

// WithPreserver sets where fired timeouts are preserved.
func WithPreserver(p Preserver) Option {
	return func(m *Manager) { m.preserver = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		active: make(map[string]workflow.TimeoutState),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnFire registers a listener for fired timeouts. Parents use it to be
// notified when a nested operation times out.
func (m *Manager) OnFire(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Limit returns the configured limit for a level.
func (m *Manager) Limit(level workflow.TimeoutLevel) time.Duration {
	switch level {
	case workflow.LevelWorkflow:
		return m.cfg.Workflow
	case workflow.LevelNested:
		return m.cfg.Nested
	default:
		return m.cfg.Agent
	}
}

// Expired reports whether elapsed strictly exceeds limit.
func Expired(limit, elapsed time.Duration) bool {
	return elapsed > limit
}

// Run executes fn under the level's limit.
func (m *Manager) Run(ctx context.Context, level workflow.TimeoutLevel, opID string, fn func(context.Context) error) error {
	return m.RunWithLimit(ctx, level, opID, 0, fn)
}

// RunWithLimit is Run with a per-operation override; a non-positive
// override uses the level default.
//
// fn must honour ctx cancellation. When the deadline passes, RunWithLimit
// preserves the operation's state and returns a *workflow.TimeoutError
// without waiting further for fn. When an enclosing scope fires first its
// cause is returned instead.
func (m *Manager) RunWithLimit(ctx context.Context, level workflow.TimeoutLevel, opID string, override time.Duration, fn func(context.Context) error) error {
	limit := m.Limit(level)
	if override > 0 {
		limit = override
	}

	start := m.now()
	state := workflow.TimeoutState{
		Level:       level,
		OperationID: opID,
		ParentID:    OperationFrom(ctx),
		StartedAt:   start,
		Deadline:    start.Add(limit),
		Remaining:   limit,
	}
	cause := &workflow.TimeoutError{Level: level, OperationID: opID, ParentID: state.ParentID, Elapsed: limit, Limit: limit}
	begun := time.Now()
	runCtx, cancel := context.WithTimeoutCause(WithOperation(ctx, opID), limit, cause)
	defer cancel()

	m.track(state)
	defer m.untrack(opID)

	done := make(chan outcome, 1)
	go func() {
		err := fn(runCtx)
		done <- outcome{err: err, at: time.Now()}
	}()

	var (
		out      outcome
		finished bool
	)
	select {
	case out = <-done:
		finished = true
	case <-runCtx.Done():
		// fn may have finished just before the deadline.
		select {
		case out = <-done:
			finished = true
		default:
		}
	}

	if context.Cause(runCtx) != error(cause) {
		if finished {
			return out.err
		}
		return context.Cause(runCtx)
	}
	// This scope's own deadline passed. fn's result stands only if it was
	// produced in time; a return caused by the cancellation is a firing.
	if finished && !Expired(limit, out.at.Sub(begun)) {
		return out.err
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return m.fire(ctx, state, m.now().Sub(start), limit)
}

// outcome is fn's result and when it was produced.
type outcome struct {
	err error
	at  time.Time
}

func (m *Manager) fire(ctx context.Context, state workflow.TimeoutState, elapsed, limit time.Duration) error {
	state.Remaining = 0
	terr := &workflow.TimeoutError{
		Level:       state.Level,
		OperationID: state.OperationID,
		ParentID:    state.ParentID,
		Elapsed:     elapsed,
		Limit:       limit,
	}

	if m.preserver != nil {
		// The scope's own context is gone; preservation must still happen.
		pctx := context.WithoutCancel(ctx)
		if err := m.preserver.PreserveTimeout(pctx, state); err != nil {
			m.logger.Error("failed to preserve timeout state",
				zap.String("operation_id", state.OperationID),
				zap.Error(err))
		}
	}

	m.logger.Warn("timeout fired",
		zap.String("level", string(state.Level)),
		zap.String("operation_id", state.OperationID),
		zap.String("parent_id", state.ParentID),
		zap.Duration("elapsed", elapsed),
		zap.Duration("limit", limit))

	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(terr)
	}
	return terr
}

// Active returns the operations currently being timed, with their
// remaining time refreshed.
func (m *Manager) Active() []workflow.TimeoutState {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]workflow.TimeoutState, 0, len(m.active))
	for _, s := range m.active {
		s.Remaining = max(s.Deadline.Sub(now), 0)
		out = append(out, s)
	}
	return out
}

func (m *Manager) track(s workflow.TimeoutState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[s.OperationID] = s
}

func (m *Manager) untrack(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, opID)
}

type opKey struct{}

// WithOperation records opID as the enclosing operation of ctx.
func WithOperation(ctx context.Context, opID string) context.Context {
	return context.WithValue(ctx, opKey{}, opID)
}

// OperationFrom returns the enclosing operation id, if any.
func OperationFrom(ctx context.Context) string {
	id, _ := ctx.Value(opKey{}).(string)
	return id
}
