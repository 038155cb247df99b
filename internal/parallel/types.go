package parallel

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// MaxTasks is the most checks run at once.
const MaxTasks = 6

// Mode describes how the final results were produced.
type Mode string

const (
	ModeParallel           Mode = "parallel"
	ModeRetryFailed        Mode = "sequential_retry"
	ModeRetryAll           Mode = "retry_all"
	ModeContextRetry       Mode = "context_retry"
	ModeSequentialFallback Mode = "sequential_fallback"
)

// Task is one independent validation check. hints carries the results of
// checks that already passed when the task is retried with context.
type Task struct {
	Name string
	Run  func(ctx context.Context, hints []Result) Result
}

// Result is the outcome of one task.
type Result struct {
	Name     string                  `json:"name"`
	Verdict  workflow.Verdict        `json:"verdict,omitempty"`
	Output   string                  `json:"output,omitempty"`
	Issues   []string                `json:"issues,omitempty"`
	Metrics  workflow.QualityMetrics `json:"metrics"`
	Err      error                   `json:"-"`
	Error    string                  `json:"error,omitempty"`
	Duration time.Duration           `json:"duration"`
	Attempts int                     `json:"attempts"`
}

// OK reports whether the task passed.
func (r Result) OK() bool {
	return r.Err == nil && r.Verdict != workflow.VerdictFail
}

// Aggregate is the merged view of all results.
type Aggregate struct {
	Verdict workflow.Verdict        `json:"verdict"`
	Issues  []string                `json:"issues,omitempty"`
	Metrics workflow.QualityMetrics `json:"metrics"`
}

// Report is the outcome of Validate. Results keep the order of the tasks
// whatever mode produced them.
type Report struct {
	Results   []Result  `json:"results"`
	Aggregate Aggregate `json:"aggregate"`
	Mode      Mode      `json:"mode"`
	// ParallelSucceeded counts tasks that passed in the parallel phase.
	ParallelSucceeded int `json:"parallel_succeeded"`
	Total             int `json:"total"`
	// Degraded is set when the parallel phase did not fully succeed.
	Degraded *workflow.DegradedError `json:"-"`
	// Err is set when the batch needs escalation or could not be
	// aggregated.
	Err error `json:"-"`
}

// Passed reports whether every final result passed.
func (r *Report) Passed() bool {
	if r.Err != nil {
		return false
	}
	for _, res := range r.Results {
		if !res.OK() {
			return false
		}
	}
	return true
}

// Succeeded counts passing final results.
func (r *Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}
