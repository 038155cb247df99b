// Package workflow defines the data model shared by the orchestration
// components: workflow instances, steps, step results, recovery attempts,
// timeout state, and the error taxonomy.
package workflow

import (
	"time"
)

// Status is the lifecycle status of a workflow instance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the status of a single step result.
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepRunning      StepStatus = "RUNNING"
	StepPassed       StepStatus = "PASSED"
	StepFailed       StepStatus = "FAILED"
	StepSkipped      StepStatus = "SKIPPED"
	StepAwaitingUser StepStatus = "AWAITING_USER"
	StepRolledBack   StepStatus = "ROLLED_BACK"
)

// Oversight controls whether a step requires a human in the loop.
type Oversight string

const (
	OversightNone     Oversight = "none"
	OversightOptional Oversight = "optional"
	OversightRequired Oversight = "required"
)

// Tier is the workflow complexity tier, 0 (trivial) to 4 (critical).
type Tier int

// MaxTier is the highest supported tier.
const MaxTier Tier = 4

// Valid reports whether t is within 0..4.
func (t Tier) Valid() bool { return t >= 0 && t <= MaxTier }

// Verdict is the validation verdict attached to a step result.
type Verdict string

const (
	VerdictNone     Verdict = ""
	VerdictPass     Verdict = "PASS"
	VerdictConcerns Verdict = "CONCERNS"
	VerdictFail     Verdict = "FAIL"
)

// Score maps a verdict onto the 0-100 confidence scale.
// The second return value is false when no verdict is present.
func (v Verdict) Score() (float64, bool) {
	switch v {
	case VerdictPass:
		return 100, true
	case VerdictConcerns:
		return 60, true
	case VerdictFail:
		return 0, true
	default:
		return 0, false
	}
}

// Check is one independent validation check of a step.
type Check struct {
	Name    string `json:"name" yaml:"name" validate:"required"`
	Command string `json:"command,omitempty" yaml:"command"`
}

// Step is a single unit of work in a workflow.
type Step struct {
	ID             string        `json:"id" yaml:"id" validate:"required"`
	Name           string        `json:"name,omitempty" yaml:"name"`
	Phase          string        `json:"phase,omitempty" yaml:"phase"`
	Oversight      Oversight     `json:"oversight,omitempty" yaml:"oversight" validate:"omitempty,oneof=none optional required"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout" validate:"gte=0"`
	ValidationType string        `json:"validation_type,omitempty" yaml:"validation_type"`
	Command        string        `json:"command,omitempty" yaml:"command"`
	Checks         []Check       `json:"checks,omitempty" yaml:"checks" validate:"max=6,dive"`
	ExpectedOption string        `json:"expected_option,omitempty" yaml:"expected_option"`
	Destructive    bool          `json:"destructive,omitempty" yaml:"destructive"`
}

// QualityMetrics are the counts consumed by the threshold gate.
type QualityMetrics struct {
	BlockingErrors  int     `json:"blocking_errors"`
	MajorIssues     int     `json:"major_issues"`
	ComplianceScore float64 `json:"compliance_score"`
}

// PerfectQuality is the metric set reported when a step emits none.
var PerfectQuality = QualityMetrics{ComplianceScore: 100}

// Evidence carries optional confidence signals produced while executing a
// step. Nil means the signal is absent.
type Evidence struct {
	MemoryMatch       *float64 `json:"memory_match,omitempty"`
	ReviewerAgreement *float64 `json:"reviewer_agreement,omitempty"`
	Collaborative     *float64 `json:"collaborative,omitempty"`
	ResourceTier      *float64 `json:"resource_tier,omitempty"`
}

// StepResult is the outcome of executing one step.
type StepResult struct {
	StepID            string         `json:"step_id"`
	Status            StepStatus     `json:"status"`
	Verdict           Verdict        `json:"verdict,omitempty"`
	Output            string         `json:"output,omitempty"`
	Errors            []string       `json:"errors,omitempty"`
	Issues            []string       `json:"issues,omitempty"`
	Metrics           QualityMetrics `json:"metrics"`
	Evidence          Evidence       `json:"evidence"`
	Artifacts         []string       `json:"artifacts,omitempty"`
	InputHash         string         `json:"input_hash,omitempty"`
	Duration          time.Duration  `json:"duration"`
	RecoveryAttempted bool           `json:"recovery_attempted"`
	FinalizedAt       time.Time      `json:"finalized_at,omitzero"`
}

// Finalized reports whether the result has been sealed.
func (r StepResult) Finalized() bool { return !r.FinalizedAt.IsZero() }

// Finalize seals the result. Slices are copied so later changes by the
// producer cannot leak into the sealed value.
func (r StepResult) Finalize(now time.Time) StepResult {
	if r.Finalized() {
		return r
	}
	r.Errors = append([]string(nil), r.Errors...)
	r.Issues = append([]string(nil), r.Issues...)
	r.Artifacts = append([]string(nil), r.Artifacts...)
	r.FinalizedAt = now
	return r
}

// Classification is the recovery orchestrator's view of a failure.
type Classification string

const (
	ClassMissingConfig  Classification = "MissingConfig"
	ClassTransientError Classification = "TransientError"
	ClassKnownPattern   Classification = "KnownPattern"
	ClassUnknown        Classification = "Unknown"
)

// RecoveryAttempt records one strategy attempt during recovery.
type RecoveryAttempt struct {
	StepID         string         `json:"step_id"`
	Classification Classification `json:"classification"`
	Strategy       string         `json:"strategy"`
	Attempt        int            `json:"attempt"`
	Succeeded      bool           `json:"succeeded"`
	Reason         string         `json:"reason,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// TimeoutLevel is one level of the timeout hierarchy.
type TimeoutLevel string

const (
	LevelWorkflow TimeoutLevel = "workflow"
	LevelNested   TimeoutLevel = "nested"
	LevelAgent    TimeoutLevel = "agent"
)

// TimeoutState describes a timed operation.
type TimeoutState struct {
	Level       TimeoutLevel  `json:"level"`
	OperationID string        `json:"operation_id"`
	ParentID    string        `json:"parent_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Deadline    time.Time     `json:"deadline"`
	Remaining   time.Duration `json:"remaining"`
}

// EscalationLevel is the kind of human involvement requested.
type EscalationLevel string

const (
	EscalationNone           EscalationLevel = "none"
	EscalationAdvancedReview EscalationLevel = "advanced_review"
	EscalationCollaborative  EscalationLevel = "collaborative_session"
)
