package menu

import (
	"fmt"
	"math"
	"strings"
)

// Selection thresholds.
const (
	AutoSelectThreshold = 80.0
	RecommendThreshold  = 50.0
)

// Mode is how a selection should be surfaced.
type Mode string

const (
	// ModeAuto selects the option without asking.
	ModeAuto Mode = "auto"
	// ModeRecommend presents every option with one recommended.
	ModeRecommend Mode = "recommend"
	// ModePresent presents every option without a recommendation.
	ModePresent Mode = "present"
)

// Hint carries what the workflow expects at this point.
type Hint struct {
	ExpectedOption string
	Phase          string
}

// Selection is the selector output.
type Selection struct {
	Mode       Mode     `json:"mode"`
	Option     *Option  `json:"option,omitempty"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
	Options    []Option `json:"options"`
}

// Selector chooses among detected options.
type Selector struct{}

// NewSelector creates a Selector.
func NewSelector() *Selector { return &Selector{} }

// Alignment boosts added to the detection score.
const (
	expectedBoost = 20.0
	phaseBoost    = 10.0
)

// Select scores every option as the detection score plus a boost when it
// matches the expected option or aligns with the current phase. The best
// option wins; ties go to the option declared first. The reported
// confidence is capped at 100.
func (s *Selector) Select(det Detection, hint Hint) Selection {
	sel := Selection{Options: append([]Option(nil), det.Options...)}
	if len(det.Options) == 0 {
		sel.Mode = ModePresent
		sel.Reason = "no options detected"
		return sel
	}

	bestIdx, best := -1, -1.0
	var bestWhy []string
	for i, o := range det.Options {
		c := det.Score
		var why []string
		if hint.ExpectedOption != "" && matches(o, hint.ExpectedOption) {
			c += expectedBoost
			why = append(why, fmt.Sprintf("matches expected option %q", hint.ExpectedOption))
		}
		if hint.Phase != "" && strings.Contains(strings.ToLower(o.Label), strings.ToLower(hint.Phase)) {
			c += phaseBoost
			why = append(why, fmt.Sprintf("aligns with phase %q", hint.Phase))
		}
		if c > best {
			bestIdx, best, bestWhy = i, c, why
		}
	}
	if len(bestWhy) == 0 {
		bestWhy = []string{fmt.Sprintf("menu confidence %.0f, first declared option", det.Score)}
	}

	opt := det.Options[bestIdx]
	sel.Confidence = math.Min(best, 100)
	switch {
	case sel.Confidence >= AutoSelectThreshold:
		sel.Mode = ModeAuto
		sel.Option = &opt
		sel.Reason = strings.Join(bestWhy, "; ")
	case sel.Confidence >= RecommendThreshold:
		sel.Mode = ModeRecommend
		sel.Option = &opt
		sel.Reason = fmt.Sprintf("recommended [%s] %s: %s", opt.Key, opt.Label, strings.Join(bestWhy, "; "))
	default:
		sel.Mode = ModePresent
		sel.Reason = fmt.Sprintf("confidence %.0f below %.0f: no option can be recommended", sel.Confidence, RecommendThreshold)
	}
	return sel
}

func matches(o Option, expected string) bool {
	e := strings.TrimSpace(expected)
	if strings.EqualFold(o.Key, e) || strings.EqualFold(o.Label, e) {
		return true
	}
	return firstWord(o.Label) == strings.ToLower(e)
}
