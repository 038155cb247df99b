package patternstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResilientConfig configures the degradation behaviour.
type ResilientConfig struct {
	// Attempts per call (default 3).
	Attempts int
	// AttemptTimeout bounds each attempt (default 100ms).
	AttemptTimeout time.Duration
	// QueuePath persists pending writes; empty keeps them in memory.
	QueuePath string
	// QueueCapacity bounds pending writes (default 100).
	QueueCapacity int
	// FlushRate limits replayed writes per second (default 50).
	FlushRate float64
	// FlushBatch is the most pending writes replayed per healthy call (default 10).
	FlushBatch int
}

// DefaultResilientConfig returns the defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Attempts:       3,
		AttemptTimeout: 100 * time.Millisecond,
		QueueCapacity:  DefaultQueueCapacity,
		FlushRate:      50,
		FlushBatch:     10,
	}
}

// Resilient wraps a Store so callers never block on an unhealthy backend.
type Resilient struct {
	backend Store
	cfg     ResilientConfig
	queue   *Queue
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	degraded bool
	flushMu  sync.Mutex
}

// NewResilient wraps backend.
func NewResilient(backend Store, cfg ResilientConfig, logger *zap.Logger) (*Resilient, error) {
	if backend == nil {
		return nil, errors.New("pattern store backend is required")
	}
	def := DefaultResilientConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.FlushRate <= 0 {
		cfg.FlushRate = def.FlushRate
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = def.FlushBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q, err := OpenQueue(cfg.QueuePath, cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}
	return &Resilient{
		backend: backend,
		cfg:     cfg,
		queue:   q,
		limiter: rate.NewLimiter(rate.Limit(cfg.FlushRate), cfg.FlushBatch),
		logger:  logger,
	}, nil
}

// Query asks the backend, degrading to an empty result when it does not
// answer within the attempt budget.
func (r *Resilient) Query(ctx context.Context, signature string, limit int) Result {
	var matches []Match
	err := r.try(ctx, func(actx context.Context) error {
		var err error
		matches, err = r.backend.Query(actx, signature, limit)
		return err
	})
	if err != nil {
		r.markDegraded(err)
		return Result{Status: StatusDegraded, Reason: err.Error()}
	}
	r.markHealthy(ctx)
	return Result{Matches: matches, Status: StatusOK}
}

// Write delivers p or queues it for later. The returned status says which
// happened; an error means the pattern could not even be queued.
func (r *Resilient) Write(ctx context.Context, p Pattern) (Status, error) {
	err := r.try(ctx, func(actx context.Context) error {
		return r.backend.Write(actx, p)
	})
	if err == nil {
		r.markHealthy(ctx)
		return StatusOK, nil
	}

	r.markDegraded(err)
	evicted, qerr := r.queue.Enqueue(p)
	if qerr != nil {
		return StatusDegraded, fmt.Errorf("queue pattern write: %w", qerr)
	}
	if evicted {
		r.logger.Warn("pattern write queue full, dropped oldest entry",
			zap.Int("capacity", r.cfg.QueueCapacity))
	}
	return StatusDegraded, nil
}

// Flush replays up to FlushBatch pending writes, stopping at the first
// failure. It returns the number delivered.
func (r *Resilient) Flush(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	sent := 0
	for sent < r.cfg.FlushBatch {
		p, ok := r.queue.Peek()
		if !ok {
			return sent, nil
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return sent, err
		}
		actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		err := r.backend.Write(actx, p)
		cancel()
		if err != nil {
			return sent, err
		}
		if err := r.queue.Pop(); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Pending returns the number of queued writes.
func (r *Resilient) Pending() int { return r.queue.Len() }

// Degraded reports whether the last call failed.
func (r *Resilient) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *Resilient) try(ctx context.Context, fn func(context.Context) error) error {
	var last error
	for i := 0; i < r.cfg.Attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		last = fn(actx)
		cancel()
		if last == nil {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, r.cfg.Attempts, last)
}

func (r *Resilient) markDegraded(err error) {
	r.mu.Lock()
	was := r.degraded
	r.degraded = true
	r.mu.Unlock()
	if !was {
		r.logger.Warn("pattern store degraded", zap.Error(err))
	}
}

func (r *Resilient) markHealthy(ctx context.Context) {
	r.mu.Lock()
	was := r.degraded
	r.degraded = false
	r.mu.Unlock()
	if was {
		r.logger.Info("pattern store reconnected", zap.Int("pending_writes", r.queue.Len()))
	}
	if r.queue.Len() == 0 {
		return
	}
	n, err := r.Flush(ctx)
	if err != nil {
		r.logger.Warn("flushing pattern write queue stopped", zap.Int("flushed", n), zap.Error(err))
		return
	}
	r.logger.Debug("flushed pattern writes", zap.Int("flushed", n), zap.Int("remaining", r.queue.Len()))
}
