package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// Kind says why a checkpoint was taken.
type Kind string

const (
	// KindStep is taken before a step transition.
	KindStep Kind = "step"
	// KindRecovery is taken before a state-mutating recovery attempt.
	KindRecovery Kind = "recovery"
	// KindTimeout preserves the state of a fired timeout.
	KindTimeout Kind = "timeout"
)

// Checkpoint is one saved snapshot. Its JSON form is the on-disk format.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`

	// WorkflowID is the instance the snapshot belongs to.
	WorkflowID string `json:"workflow_id"`

	// StepID is the step about to run when the snapshot was taken.
	StepID string `json:"step_id"`

	Kind Kind `json:"kind"`

	// CreatedAt is when this checkpoint was created.
	CreatedAt time.Time `json:"timestamp"`

	// State is the serialized workflow instance.
	State json.RawMessage `json:"state"`

	// InputHash identifies the step inputs at snapshot time.
	InputHash string `json:"input_hash,omitempty"`

	// Timeout is set for KindTimeout checkpoints.
	Timeout *workflow.TimeoutState `json:"timeout,omitempty"`

	// CanRollback reports whether the snapshot may be restored.
	CanRollback bool `json:"can_rollback"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Instance decodes the snapshot.
func (c *Checkpoint) Instance() (*workflow.Instance, error) {
	var in workflow.Instance
	if err := json.Unmarshal(c.State, &in); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", c.ID, err)
	}
	return &in, nil
}

// SaveRequest describes a checkpoint to take.
type SaveRequest struct {
	StepID      string
	Kind        Kind
	Instance    *workflow.Instance
	InputHash   string
	Timeout     *workflow.TimeoutState
	CanRollback bool
	Metadata    map[string]string
}

// RollbackResult is the restored state.
type RollbackResult struct {
	Checkpoint *Checkpoint
	Instance   *workflow.Instance
	// RolledBack lists the steps marked rolled back.
	RolledBack []string
	// Archived lists the artifacts moved out of the way.
	Archived []string
}
