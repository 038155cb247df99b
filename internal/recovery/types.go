package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// Strategy names a recovery strategy.
type Strategy string

const (
	StrategyLocateConfig   Strategy = "locate_config"
	StrategyTransientRetry Strategy = "transient_retry"
	StrategyPatternFix     Strategy = "pattern_fix"
	StrategyEscalate       Strategy = "escalate"
)

// MissingConfigError is returned by executors that know which key is
// missing.
type MissingConfigError struct {
	Key string
}

func (e *MissingConfigError) Error() string {
	return fmt.Sprintf("configuration %s is not set", e.Key)
}

func (e *MissingConfigError) Unwrap() error { return workflow.ErrConfigurationMissing }

// Request describes a failed step.
type Request struct {
	StepID string
	Err    error
	// Output is the step output. Its last line is the failure signature
	// when the error has no text.
	Output string
	Retry  Retrier
	// Checkpoint, when set, replaces the orchestrator's Checkpointer for
	// this request.
	Checkpoint func(ctx context.Context, strategy string) error
}

// Outcome is the result of Recover.
type Outcome struct {
	Recovered      bool                       `json:"recovered"`
	Classification workflow.Classification    `json:"classification"`
	Strategy       Strategy                   `json:"strategy,omitempty"`
	Attempts       int                        `json:"attempts"`
	Log            []workflow.RecoveryAttempt `json:"log"`
	Duration       time.Duration              `json:"duration"`
	// Err is a *workflow.RecoveryExhaustedError when recovery failed.
	Err error `json:"-"`
}

// Config configures the orchestrator.
type Config struct {
	// Backoff is the delay before each transient retry (default 2s, 4s, 8s).
	// Its length is the retry budget.
	Backoff []time.Duration
	// PatternLimit is how many pattern matches are tried (default 3).
	PatternLimit int
	// MinPatternConfidence skips patterns below it (default 0.3).
	MinPatternConfidence float64
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:              []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		PatternLimit:         3,
		MinPatternConfidence: 0.3,
	}
}
