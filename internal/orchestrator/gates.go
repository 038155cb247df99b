package orchestrator

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/escalation"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// Gate inspects a step result before confidence routing. The first gate
// that escalates wins.
type Gate interface {
	// Name returns the gate identifier
	Name() string

	// Evaluate returns an escalating decision when the result must not be
	// routed by confidence.
	Evaluate(r workflow.StepResult) escalation.Decision
}

// QualityGate applies the threshold gate to the result's metrics.
type QualityGate struct {
	inner *escalation.ThresholdGate
}

// NewQualityGate creates a quality gate.
func NewQualityGate(t escalation.Thresholds) *QualityGate {
	return &QualityGate{inner: escalation.NewThresholdGate(t)}
}

// Name returns the gate identifier
func (g *QualityGate) Name() string { return g.inner.Name() }

// Evaluate implements Gate.
func (g *QualityGate) Evaluate(r workflow.StepResult) escalation.Decision {
	return g.inner.Evaluate(r.Metrics)
}

// VerificationGate flags steps reported as passed whose output shows
// the step never did its work: the invoked tool was missing or rejected
// its arguments, or it only printed its usage.
type VerificationGate struct{}

// NewVerificationGate creates a new verification gate
func NewVerificationGate() *VerificationGate {
	return &VerificationGate{}
}

// Name returns the gate identifier
func (g *VerificationGate) Name() string {
	return "verification-gate"
}

// Evaluate implements Gate. Failed steps are left to recovery.
func (g *VerificationGate) Evaluate(r workflow.StepResult) escalation.Decision {
	if r.Status != workflow.StepPassed {
		return escalation.Decision{Level: workflow.EscalationNone}
	}
	reason := hollowPass(r.Output)
	if reason == "" {
		return escalation.Decision{Level: workflow.EscalationNone}
	}
	return escalation.Decision{
		Level:  workflow.EscalationAdvancedReview,
		Reason: "step " + r.StepID + " passed but " + reason,
	}
}

// gateChain runs gates in order.
func gateChain(gates []Gate, r workflow.StepResult) (escalation.Decision, string) {
	for _, g := range gates {
		if d := g.Evaluate(r); d.Escalates() {
			return d, g.Name()
		}
	}
	return escalation.Decision{Level: workflow.EscalationNone}, ""
}

var (
	// invocationFailures mean the step's tool never ran.
	invocationFailures = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bcommand not found\b`),
		regexp.MustCompile(`(?i)\bunknown (flag|command|shorthand flag)\b`),
		regexp.MustCompile(`(?i)\bexecutable file not found\b`),
		regexp.MustCompile(`(?i)\bno such file or directory\b`),
	}

	usageMarkers = []string{
		"usage:",
		"available commands:",
		"flags:",
		"options:",
		"-h, --help",
		"use \"",
	}

	// workEvidence marks output produced by a step that actually ran.
	workEvidence = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(pass|passed|fail|failed|error|errors)\b.*\d+`),
		regexp.MustCompile(`(?im)^(ok|---)\s+\S+`),
		regexp.MustCompile(`✓|✗`),
		regexp.MustCompile(`(?i)\b\d+ (files? changed|insertions?|deletions?|files? written)\b`),
		regexp.MustCompile(`(?i)\b(step|workflow|story|task) (complete|completed|done)\b`),
	}
)

// hollowPass returns why output from a passed step shows no real work,
// or "" when it looks genuine. Empty output is not judged here.
func hollowPass(output string) string {
	if strings.TrimSpace(output) == "" {
		return ""
	}
	for _, re := range invocationFailures {
		if re.MatchString(output) {
			return "its tool could not be invoked"
		}
	}
	for _, re := range workEvidence {
		if re.MatchString(output) {
			return ""
		}
	}
	lower := strings.ToLower(output)
	n := 0
	for _, m := range usageMarkers {
		if strings.Contains(lower, m) {
			n++
		}
	}
	if n >= 2 {
		return "its output is only usage text"
	}
	return ""
}
