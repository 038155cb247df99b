// Package confidence combines independent evidence signals into a single
// 0-100 confidence score.
//
// Base weights: validation verdict 35, memory/pattern match 25, reviewer
// agreement 25, collaborative-session outcome 15. The optional resource-tier
// signal carries 10 and, when present, every base weight is rescaled by
// 100/110. When the present signals diverge by more than 30 points the
// calculator switches to a priority-weighted average that favours the
// verdict over memory, reviewers, and the collaborative session.
package confidence

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Kind identifies one evidence source.
type Kind string

const (
	KindVerdict       Kind = "verdict"
	KindMemory        Kind = "memory"
	KindReviewer      Kind = "reviewer"
	KindCollaborative Kind = "collaborative"
	KindResourceTier  Kind = "resource_tier"
)

// Order in which signals are evaluated and reported.
var kinds = []Kind{KindVerdict, KindMemory, KindReviewer, KindCollaborative, KindResourceTier}

var baseWeight = map[Kind]float64{
	KindVerdict:       35,
	KindMemory:        25,
	KindReviewer:      25,
	KindCollaborative: 15,
	KindResourceTier:  10,
}

var priority = map[Kind]float64{
	KindVerdict:       1.5,
	KindMemory:        1.25,
	KindReviewer:      1.0,
	KindCollaborative: 0.75,
	KindResourceTier:  1.0,
}

const (
	// EmptyScore is returned when no signal is present.
	EmptyScore = 25.0
	// SingleSignalCap bounds the score derived from a single signal.
	SingleSignalCap = 60.0
	// ErrorScore is returned when computation fails.
	ErrorScore = 30.0
	// DivergenceThreshold is the max-min spread above which priority
	// weighting applies.
	DivergenceThreshold = 30.0
)

// ErrInvalidSignal is reported for NaN, infinite, or out-of-range inputs.
var ErrInvalidSignal = errors.New("invalid confidence signal")

// Tier is the coarse classification of a score.
type Tier string

const (
	TierHigh   Tier = "HIGH"
	TierMedium Tier = "MEDIUM"
	TierLow    Tier = "LOW"
)

// Classify maps a score onto HIGH (>=70), MEDIUM (40-69), or LOW (<40).
func Classify(score float64) Tier {
	switch {
	case score >= 70:
		return TierHigh
	case score >= 40:
		return TierMedium
	default:
		return TierLow
	}
}

// Method records which rule produced a score.
type Method string

const (
	MethodEmpty    Method = "empty"
	MethodSingle   Method = "single_signal"
	MethodWeighted Method = "weighted"
	MethodPriority Method = "priority_weighted"
	MethodError    Method = "error_fallback"
)

// Signals holds the optional inputs, each on a 0-100 scale. Nil means absent.
type Signals struct {
	Verdict       *float64
	Memory        *float64
	Reviewer      *float64
	Collaborative *float64
	ResourceTier  *float64
}

// Value returns a pointer to v, for building Signals literals.
func Value(v float64) *float64 { return &v }

func (s Signals) get(k Kind) *float64 {
	switch k {
	case KindVerdict:
		return s.Verdict
	case KindMemory:
		return s.Memory
	case KindReviewer:
		return s.Reviewer
	case KindCollaborative:
		return s.Collaborative
	case KindResourceTier:
		return s.ResourceTier
	}
	return nil
}

// Contribution is one line of the score breakdown.
type Contribution struct {
	Kind       Kind    `json:"kind"`
	Value      float64 `json:"value"`
	Weight     float64 `json:"weight"`
	Multiplier float64 `json:"multiplier"`
}

// Score is the calculator output. It is logged, never persisted as state.
type Score struct {
	Value     float64        `json:"value"`
	Tier      Tier           `json:"tier"`
	Method    Method         `json:"method"`
	Breakdown []Contribution `json:"breakdown,omitempty"`
	Err       string         `json:"error,omitempty"`
}

// Calculator computes confidence scores.
type Calculator struct {
	logger *zap.Logger
}

// NewCalculator creates a Calculator. A nil logger discards output.
func NewCalculator(logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{logger: logger}
}

// Compute scores the given signals. It never fails: any internal error,
// including a panic, yields ErrorScore.
func (c *Calculator) Compute(s Signals) (score Score) {
	defer func() {
		if r := recover(); r != nil {
			score = errorScore(fmt.Errorf("panic: %v", r))
			c.logger.Error("confidence computation panicked", zap.Any("panic", r))
		}
	}()

	score, err := compute(s)
	if err != nil {
		c.logger.Warn("confidence computation failed, using fallback",
			zap.Error(err),
			zap.Float64("score", ErrorScore))
		return errorScore(err)
	}

	c.logger.Debug("computed confidence",
		zap.Float64("score", score.Value),
		zap.String("tier", string(score.Tier)),
		zap.String("method", string(score.Method)),
		zap.Int("signals", len(score.Breakdown)))
	return score
}

func errorScore(err error) Score {
	return Score{Value: ErrorScore, Tier: Classify(ErrorScore), Method: MethodError, Err: err.Error()}
}

func compute(s Signals) (Score, error) {
	scale := 1.0
	if s.ResourceTier != nil {
		scale = 100.0 / 110.0
	}

	var parts []Contribution
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, k := range kinds {
		v := s.get(k)
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 || *v > 100 {
			return Score{}, fmt.Errorf("%w: %s=%v", ErrInvalidSignal, k, *v)
		}
		w := baseWeight[k]
		if k != KindResourceTier {
			w *= scale
		}
		parts = append(parts, Contribution{Kind: k, Value: *v, Weight: w, Multiplier: 1})
		lo = math.Min(lo, *v)
		hi = math.Max(hi, *v)
	}

	switch len(parts) {
	case 0:
		return Score{Value: EmptyScore, Tier: Classify(EmptyScore), Method: MethodEmpty}, nil
	case 1:
		v := math.Min(parts[0].Value, SingleSignalCap)
		return Score{Value: v, Tier: Classify(v), Method: MethodSingle, Breakdown: parts}, nil
	}

	method := MethodWeighted
	if hi-lo > DivergenceThreshold {
		method = MethodPriority
		for i := range parts {
			parts[i].Multiplier = priority[parts[i].Kind]
		}
	}

	var num, den float64
	for _, p := range parts {
		num += p.Value * p.Weight * p.Multiplier
		den += p.Weight * p.Multiplier
	}
	if den <= 0 {
		return Score{}, fmt.Errorf("%w: zero total weight", ErrInvalidSignal)
	}

	v := clamp(num / den)
	return Score{Value: v, Tier: Classify(v), Method: method, Breakdown: parts}, nil
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
