package recovery

import (
	"context"

	"github.com/fyrsmithlabs/autopilot/internal/patternstore"
)

// Retrier re-runs the failed step. A nil error means the step now passes.
type Retrier func(ctx context.Context) error

// Checkpointer snapshots workflow state before a state-mutating attempt.
type Checkpointer interface {
	CheckpointRecovery(ctx context.Context, stepID, strategy string) error
}

// ConfigSource looks up a configuration value by key.
type ConfigSource interface {
	Lookup(ctx context.Context, key string) (value string, found bool, err error)
}

// Prompter asks a human for a missing configuration value.
type Prompter interface {
	ProvideValue(ctx context.Context, key, reason string) (string, error)
}

// PatternMemory is the subset of the resilient pattern store used here.
type PatternMemory interface {
	Query(ctx context.Context, signature string, limit int) patternstore.Result
	Write(ctx context.Context, p patternstore.Pattern) (patternstore.Status, error)
}

// FixApplier applies a remembered fix to the workspace.
type FixApplier interface {
	ApplyFix(ctx context.Context, stepID string, p patternstore.Pattern) error
}
