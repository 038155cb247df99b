package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/ringbuf"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/checkpoint"

// ErrClosed is returned by a closed service.
var ErrClosed = errors.New("checkpoint service is closed")

// ErrNotFound is returned by Get for an unknown or pruned ID.
var ErrNotFound = errors.New("checkpoint not found")

// Service provides checkpoint management operations.
type Service interface {
	// Save creates a new checkpoint, pruning the oldest when full.
	Save(ctx context.Context, req *SaveRequest) (*Checkpoint, error)

	// Rollback restores the newest checkpoint for stepID. current is the
	// live instance whose later steps are rolled back.
	Rollback(ctx context.Context, stepID string, current *workflow.Instance) (*RollbackResult, error)

	// List returns the retained checkpoints, oldest first.
	List(ctx context.Context) []*Checkpoint

	// Get retrieves a checkpoint by ID.
	Get(ctx context.Context, id string) (*Checkpoint, error)

	// Latest returns the newest checkpoint.
	Latest(ctx context.Context) (*Checkpoint, bool)

	// Close closes the service.
	Close() error
}

// Config configures the checkpoint service.
type Config struct {
	// Capacity is the number of checkpoints retained (default: 10).
	Capacity int
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{Capacity: 10}
}

// service implements the Service interface.
type service struct {
	config *Config
	store  Store
	logger *zap.Logger
	now    func() time.Time

	// Telemetry
	tracer          trace.Tracer
	meter           metric.Meter
	saveCounter     metric.Int64Counter
	pruneCounter    metric.Int64Counter
	rollbackCounter metric.Int64Counter

	ring *ringbuf.Ring[*Checkpoint]

	mu     sync.RWMutex
	pruned map[string]bool
	closed bool
}

// NewService creates a checkpoint service. A nil store keeps checkpoints
// in memory only.
func NewService(cfg *Config, store Store, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("checkpoint capacity must be positive, got %d", cfg.Capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config: cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		ring:   ringbuf.New[*Checkpoint](cfg.Capacity),
		pruned: make(map[string]bool),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"autopilot.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.pruneCounter, err = s.meter.Int64Counter(
		"autopilot.checkpoint.prunes_total",
		metric.WithDescription("Total number of checkpoints pruned from the ring"),
		metric.WithUnit("{prune}"),
	)
	if err != nil {
		s.logger.Warn("failed to create prune counter", zap.Error(err))
	}

	s.rollbackCounter, err = s.meter.Int64Counter(
		"autopilot.checkpoint.rollbacks_total",
		metric.WithDescription("Total number of checkpoint rollbacks"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		s.logger.Warn("failed to create rollback counter", zap.Error(err))
	}
}

// Save creates a new checkpoint.
func (s *service) Save(ctx context.Context, req *SaveRequest) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	if req == nil || req.Instance == nil {
		return nil, errors.New("save request requires an instance")
	}
	span.SetAttributes(
		attribute.String("workflow_id", req.Instance.ID),
		attribute.String("step_id", req.StepID),
		attribute.String("kind", string(req.Kind)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	state, err := json.Marshal(req.Instance)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}

	kind := req.Kind
	if kind == "" {
		kind = KindStep
	}
	cp := &Checkpoint{
		ID:          uuid.New().String(),
		WorkflowID:  req.Instance.ID,
		StepID:      req.StepID,
		Kind:        kind,
		CreatedAt:   s.now(),
		State:       state,
		InputHash:   req.InputHash,
		Timeout:     req.Timeout,
		CanRollback: req.CanRollback,
		Metadata:    req.Metadata,
	}

	if s.store != nil {
		if err := s.store.Put(ctx, cp); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to persist checkpoint: %w", err)
		}
	}

	if old, evicted := s.ring.Push(cp); evicted {
		s.prune(ctx, old)
	}
	// A step saved again is available again.
	delete(s.pruned, cp.StepID)

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
		))
	}

	s.logger.Info("saved checkpoint",
		zap.String("id", cp.ID),
		zap.String("workflow_id", cp.WorkflowID),
		zap.String("step_id", cp.StepID),
		zap.String("kind", string(kind)),
	)

	span.SetAttributes(attribute.String("checkpoint_id", cp.ID))
	return cp, nil
}

// prune records an evicted checkpoint. Must be called with s.mu held.
func (s *service) prune(ctx context.Context, old *Checkpoint) {
	stillHeld := false
	for _, cp := range s.ring.Items() {
		if cp.StepID == old.StepID {
			stillHeld = true
			break
		}
	}
	if !stillHeld {
		s.pruned[old.StepID] = true
	}

	if s.store != nil {
		if err := s.store.Delete(ctx, old.ID); err != nil {
			s.logger.Warn("failed to delete pruned checkpoint", zap.String("id", old.ID), zap.Error(err))
		}
	}
	if s.pruneCounter != nil {
		s.pruneCounter.Add(ctx, 1)
	}
	s.logger.Debug("pruned checkpoint", zap.String("id", old.ID), zap.String("step_id", old.StepID))
}

// Rollback restores the newest rollback-eligible checkpoint for stepID.
func (s *service) Rollback(ctx context.Context, stepID string, current *workflow.Instance) (*RollbackResult, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.rollback")
	defer span.End()
	span.SetAttributes(attribute.String("step_id", stepID))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	items := s.ring.Items()
	var target *Checkpoint
	sawIneligible := false
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].StepID != stepID {
			continue
		}
		if items[i].CanRollback {
			target = items[i]
			break
		}
		sawIneligible = true
	}

	if target == nil {
		reason := workflow.RollbackMissing
		switch {
		case sawIneligible:
			reason = workflow.RollbackNotRollbackable
		case s.pruned[stepID]:
			reason = workflow.RollbackPruned
		}
		err := &workflow.RollbackUnavailableError{
			Requested: stepID,
			Reason:    reason,
			Nearest:   nearest(items, stepID, current),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("rollback unavailable",
			zap.String("step_id", stepID),
			zap.String("reason", string(reason)),
			zap.String("nearest", err.Nearest))
		return nil, err
	}

	restored, err := target.Instance()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	idx := restored.IndexOf(stepID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s not in snapshot", workflow.ErrUnknownStep, stepID)
	}

	var archived []string
	if current != nil {
		for i := idx; i < len(current.Results); i++ {
			archived = append(archived, current.Results[i].Artifacts...)
		}
	}
	if _, err := restored.Rewind(stepID, s.now()); err != nil {
		return nil, err
	}
	var rolledBack []string
	for i := idx + 1; i < len(restored.Steps); i++ {
		rolledBack = append(rolledBack, restored.Steps[i].ID)
	}

	if len(archived) > 0 && s.store != nil {
		if err := s.store.Archive(ctx, target.ID, archived); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to archive artifacts: %w", err)
		}
	}

	// Snapshots newer than the target describe a future that no longer exists.
	newer := false
	s.ring.Update(func(cp **Checkpoint) {
		if newer {
			c := **cp
			c.CanRollback = false
			*cp = &c
		}
		if (*cp).ID == target.ID {
			newer = true
		}
	})

	if s.rollbackCounter != nil {
		s.rollbackCounter.Add(ctx, 1)
	}
	s.logger.Info("rolled back to checkpoint",
		zap.String("id", target.ID),
		zap.String("step_id", stepID),
		zap.Int("rolled_back_steps", len(rolledBack)),
		zap.Int("archived_artifacts", len(archived)),
	)

	return &RollbackResult{
		Checkpoint: target,
		Instance:   restored,
		RolledBack: rolledBack,
		Archived:   archived,
	}, nil
}

// nearest picks the rollback-eligible checkpoint whose step is closest to
// the requested one in workflow order, preferring the earlier step on ties.
// Without ordering information it falls back to the oldest eligible one.
func nearest(items []*Checkpoint, stepID string, current *workflow.Instance) string {
	want := -1
	if current != nil {
		want = current.IndexOf(stepID)
	}

	best, bestDist, bestIdx := "", -1, -1
	for _, cp := range items {
		if !cp.CanRollback {
			continue
		}
		if want < 0 {
			return cp.StepID
		}
		idx := current.IndexOf(cp.StepID)
		if idx < 0 {
			continue
		}
		dist := idx - want
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist || (dist == bestDist && idx < bestIdx) {
			best, bestDist, bestIdx = cp.StepID, dist, idx
		}
	}
	return best
}

// List returns the retained checkpoints, oldest first.
func (s *service) List(ctx context.Context) []*Checkpoint {
	_, span := s.tracer.Start(ctx, "checkpoint.list")
	defer span.End()

	items := s.ring.Items()
	span.SetAttributes(attribute.Int("result_count", len(items)))
	return items
}

// Get retrieves a checkpoint by ID.
func (s *service) Get(ctx context.Context, id string) (*Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.get")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint_id", id))

	for _, cp := range s.ring.Items() {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Latest returns the newest checkpoint.
func (s *service) Latest(_ context.Context) (*Checkpoint, bool) {
	return s.ring.Last()
}

// Close closes the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}
