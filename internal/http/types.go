package http

import (
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/checkpoint"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status       string              `json:"status"`
	PatternStore *PatternStoreHealth `json:"pattern_store,omitempty"`
}

// PatternStoreHealth reports a degraded pattern store and its queue.
type PatternStoreHealth struct {
	Status        string `json:"status"`
	PendingWrites int    `json:"pending_writes"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status      string                `json:"status"`
	Version     string                `json:"version,omitempty"`
	Workflow    orchestrator.Snapshot `json:"workflow"`
	Checkpoints int                   `json:"checkpoints"`
}

// CheckpointSummary is a checkpoint without its serialized state.
type CheckpointSummary struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	StepID      string          `json:"step_id"`
	Kind        checkpoint.Kind `json:"kind"`
	CreatedAt   time.Time       `json:"timestamp"`
	CanRollback bool            `json:"can_rollback"`
}

func summarize(cp *checkpoint.Checkpoint) CheckpointSummary {
	return CheckpointSummary{
		ID:          cp.ID,
		WorkflowID:  cp.WorkflowID,
		StepID:      cp.StepID,
		Kind:        cp.Kind,
		CreatedAt:   cp.CreatedAt,
		CanRollback: cp.CanRollback,
	}
}
