package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Definition and instance errors.
var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrUnknownStep       = errors.New("unknown step")
	ErrNoActiveStep      = errors.New("no active step")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Failure taxonomy.
var (
	ErrConfigurationMissing       = errors.New("configuration missing")
	ErrTransientFailure           = errors.New("transient failure")
	ErrKnownFailurePattern        = errors.New("known failure pattern")
	ErrUnclassifiedFailure        = errors.New("unclassified failure")
	ErrTimeoutFired               = errors.New("timeout fired")
	ErrStallDetected              = errors.New("stall detected")
	ErrEscalationRequired         = errors.New("escalation required")
	ErrRollbackUnavailable        = errors.New("rollback unavailable")
	ErrParallelValidationDegraded = errors.New("parallel validation degraded")
)

// TimeoutError reports a fired timeout at one level of the hierarchy.
type TimeoutError struct {
	Level       TimeoutLevel
	OperationID string
	ParentID    string
	Elapsed     time.Duration
	Limit       time.Duration
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s timeout: operation %s exceeded %s (elapsed %s)",
		e.Level, e.OperationID, e.Limit, e.Elapsed.Round(time.Millisecond))
	if e.ParentID != "" {
		msg += ", parent " + e.ParentID
	}
	return msg
}

// Unwrap allows errors.Is(err, ErrTimeoutFired).
func (e *TimeoutError) Unwrap() error { return ErrTimeoutFired }

// StallError reports an identical issue set across consecutive attempts.
// Hard is set when the same set already failed a collaborative session.
type StallError struct {
	StepID  string
	Hash    string
	Attempt int
	Hard    bool
}

func (e *StallError) Error() string {
	if e.Hard {
		return fmt.Sprintf("step %s: issue set %s persisted after collaborative session (attempt %d)",
			e.StepID, short(e.Hash), e.Attempt)
	}
	return fmt.Sprintf("step %s: identical issue set %s on attempt %d", e.StepID, short(e.Hash), e.Attempt)
}

func (e *StallError) Unwrap() error { return ErrStallDetected }

// EscalationError asks for human involvement at the given level.
type EscalationError struct {
	Level  EscalationLevel
	Reason string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("%s required: %s", e.Level, e.Reason)
}

func (e *EscalationError) Unwrap() error { return ErrEscalationRequired }

// StrategyOutcome is one line of a recovery report.
type StrategyOutcome struct {
	Strategy string `json:"strategy"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
}

// RecoveryExhaustedError is returned when every recovery strategy failed.
// The report lists each strategy with its individual failure reason.
type RecoveryExhaustedError struct {
	StepID         string
	Classification Classification
	Cause          error
	Report         []StrategyOutcome
}

func (e *RecoveryExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "recovery exhausted for step %s (%s)", e.StepID, e.Classification)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	for _, o := range e.Report {
		fmt.Fprintf(&b, "; %s: %s", o.Strategy, o.Reason)
	}
	return b.String()
}

// Is matches ErrEscalationRequired since exhausted recovery always hands
// over to a human.
func (e *RecoveryExhaustedError) Is(target error) bool {
	return target == ErrEscalationRequired
}

func (e *RecoveryExhaustedError) Unwrap() error { return e.Cause }

// RollbackReason explains why a rollback target is unavailable.
type RollbackReason string

const (
	RollbackPruned          RollbackReason = "pruned"
	RollbackMissing         RollbackReason = "missing"
	RollbackNotRollbackable RollbackReason = "not_rollbackable"
)

// RollbackUnavailableError reports a rollback target that cannot be
// restored, with the nearest available checkpoint when one exists.
type RollbackUnavailableError struct {
	Requested string
	Reason    RollbackReason
	Nearest   string
}

func (e *RollbackUnavailableError) Error() string {
	msg := fmt.Sprintf("checkpoint for step %s is %s", e.Requested, e.Reason)
	if e.Nearest != "" {
		msg += "; nearest available is " + e.Nearest
	}
	return msg
}

func (e *RollbackUnavailableError) Unwrap() error { return ErrRollbackUnavailable }

// DegradedError reports a parallel validation batch that could not be
// completed in parallel.
type DegradedError struct {
	Succeeded int
	Total     int
	Reason    string
}

// Partial reports whether at least one task succeeded.
func (e *DegradedError) Partial() bool { return e.Succeeded > 0 }

func (e *DegradedError) Error() string {
	kind := "total"
	if e.Partial() {
		kind = "partial"
	}
	return fmt.Sprintf("%s parallel validation degradation (%d/%d succeeded): %s", kind, e.Succeeded, e.Total, e.Reason)
}

func (e *DegradedError) Unwrap() error { return ErrParallelValidationDegraded }

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
