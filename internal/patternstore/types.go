package patternstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by backends that cannot be reached.
var ErrUnavailable = errors.New("pattern store unavailable")

// Pattern is a remembered failure signature and its fix.
type Pattern struct {
	ID           string    `json:"id"`
	Signature    string    `json:"signature"`
	Category     string    `json:"category,omitempty"`
	Fix          string    `json:"fix"`
	Confidence   float64   `json:"confidence"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Match is a pattern returned by a query.
type Match struct {
	Pattern    Pattern `json:"pattern"`
	Similarity float64 `json:"similarity"`
}

// Store is the pattern memory contract.
type Store interface {
	// Query returns up to limit patterns matching a failure signature,
	// best first.
	Query(ctx context.Context, signature string, limit int) ([]Match, error)
	// Write inserts or replaces a pattern (keyed by ID).
	Write(ctx context.Context, p Pattern) error
}

// Status reports whether a result came from a healthy backend.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Result is what Resilient returns for a query.
type Result struct {
	Matches []Match `json:"matches"`
	Status  Status  `json:"status"`
	Reason  string  `json:"reason,omitempty"`
}

// Confidence bounds and step size used by Feedback.
const (
	FeedbackDelta = 0.1
	MinConfidence = 0.1
	MaxConfidence = 1.0
)

// Feedback returns p updated with the outcome of applying its fix.
func Feedback(p Pattern, success bool, now time.Time) Pattern {
	if success {
		p.SuccessCount++
		p.Confidence = min(p.Confidence+FeedbackDelta, MaxConfidence)
	} else {
		p.FailureCount++
		p.Confidence = max(p.Confidence-FeedbackDelta, MinConfidence)
	}
	p.UpdatedAt = now
	return p
}
