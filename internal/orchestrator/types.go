package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/confidence"
	"github.com/fyrsmithlabs/autopilot/internal/menu"
	"github.com/fyrsmithlabs/autopilot/internal/parallel"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// ErrAwaitingDecision is returned by Advance while a decision is pending.
var ErrAwaitingDecision = errors.New("awaiting user decision")

// ErrNoPendingDecision is returned by Resolve when nothing is pending.
var ErrNoPendingDecision = errors.New("no decision pending")

// ErrLoopDetected is the cause of a FAILED state forced by the loop guard.
var ErrLoopDetected = errors.New("state revisited without progress")

// State is the controller state.
type State string

const (
	StatePending      State = "PENDING"
	StateRunning      State = "RUNNING"
	StateValidating   State = "VALIDATING"
	StateRecovering   State = "RECOVERING"
	StateAwaitingUser State = "AWAITING_USER"
	StateCompleting   State = "COMPLETING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// WorkflowStatus maps the controller state onto the instance status.
func (s State) WorkflowStatus() workflow.Status {
	switch s {
	case StatePending:
		return workflow.StatusPending
	case StateAwaitingUser:
		return workflow.StatusPaused
	case StateCompleted:
		return workflow.StatusCompleted
	case StateFailed:
		return workflow.StatusFailed
	case StateCancelled:
		return workflow.StatusCancelled
	default:
		return workflow.StatusRunning
	}
}

var transitions = map[State][]State{
	StatePending:      {StateRunning, StateCompleting, StateFailed, StateCancelled},
	StateRunning:      {StateRunning, StateValidating, StateRecovering, StateAwaitingUser, StateCompleting, StateFailed, StateCancelled},
	StateValidating:   {StateRunning, StateRecovering, StateAwaitingUser, StateCompleting, StateFailed, StateCancelled},
	StateRecovering:   {StateRunning, StateValidating, StateAwaitingUser, StateFailed, StateCancelled},
	StateAwaitingUser: {StateRunning, StateCompleting, StateFailed, StateCancelled},
	StateCompleting:   {StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether from → to is allowed. Any non-terminal
// state may fail or be cancelled.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Action tags the NextAction returned by Advance.
type Action string

const (
	ActionContinue  Action = "continue"
	ActionRecommend Action = "recommend"
	ActionEscalate  Action = "escalate"
	ActionPause     Action = "pause"
	ActionFail      Action = "fail"
	ActionComplete  Action = "complete"
)

// NeedsDecision reports whether the action waits for Resolve.
func (a Action) NeedsDecision() bool {
	return a == ActionRecommend || a == ActionEscalate || a == ActionPause
}

// NextAction is the controller's decision after a step.
type NextAction struct {
	Action     Action                   `json:"action"`
	StepID     string                   `json:"step_id,omitempty"`
	Reason     string                   `json:"reason"`
	Confidence *confidence.Score        `json:"confidence,omitempty"`
	Escalation workflow.EscalationLevel `json:"escalation,omitempty"`
	// Menu is set when the decision is a menu choice.
	Menu *MenuPrompt `json:"menu,omitempty"`
	// Recommended is the suggested answer for recommend actions.
	Recommended string `json:"recommended,omitempty"`
	// Checkpoint is set on a continue that closes a tier batch; the run
	// surfaces it to the human before going on.
	Checkpoint bool  `json:"checkpoint,omitempty"`
	Err        error `json:"-"`
}

// MenuPrompt is a detected menu waiting for a choice.
type MenuPrompt struct {
	ID      string        `json:"id"`
	Options []menu.Option `json:"options"`
	Depth   int           `json:"depth"`
}

// Decision resolves a pending NextAction.
type Decision struct {
	// Approve accepts the step result (recommend, pause, escalate).
	Approve bool
	// Choice answers a pending menu.
	Choice string
	// Abort cancels the workflow.
	Abort bool
	// RollbackTo restores the checkpoint of the named step.
	RollbackTo string
	// Note is recorded in the audit log.
	Note string
}

// ExecRequest is passed to the StepExecutor.
type ExecRequest struct {
	WorkflowID string
	Step       workflow.Step
	Attempt    int
	// MenuChoice answers a menu the step printed on a previous run.
	MenuChoice string
	// Env holds configuration supplied during recovery, as KEY=VALUE.
	Env []string
}

// StepExecutor runs one step.
type StepExecutor interface {
	Execute(ctx context.Context, req ExecRequest) (workflow.StepResult, error)
}

// CheckRunner runs one validation check of a step.
type CheckRunner interface {
	RunCheck(ctx context.Context, step workflow.Step, check workflow.Check, hints []parallel.Result) parallel.Result
}

// Progress reports controller progress.
type Progress struct {
	StepID     string `json:"step_id,omitempty"`
	State      State  `json:"state"`
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`
}

// ProgressCallback receives progress updates.
type ProgressCallback func(Progress)

// AutomationResult is the outcome of Run.
type AutomationResult struct {
	WorkflowID  string                     `json:"workflow_id"`
	Name        string                     `json:"name"`
	Status      workflow.Status            `json:"status"`
	State       State                      `json:"state"`
	Steps       []workflow.StepResult      `json:"steps"`
	RecoveryLog []workflow.RecoveryAttempt `json:"recovery_log"`
	Decisions   []NextAction               `json:"decisions"`
	Elapsed     time.Duration              `json:"elapsed"`
	Reason      string                     `json:"reason,omitempty"`
	Err         error                      `json:"-"`
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	WorkflowID  string                `json:"workflow_id"`
	Name        string                `json:"name"`
	Tier        workflow.Tier         `json:"tier"`
	State       State                 `json:"state"`
	CurrentStep string                `json:"current_step,omitempty"`
	Pending     *NextAction           `json:"pending,omitempty"`
	Steps       []workflow.StepResult `json:"steps"`
	StartedAt   time.Time             `json:"started_at"`
	Elapsed     time.Duration         `json:"elapsed"`
}
