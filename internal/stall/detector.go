// Package stall detects validation loops that keep producing the same
// issue set.
package stall

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// CollaborativeAttempt is the first attempt at which a stall escalates to
// a collaborative session instead of another ordinary retry.
const CollaborativeAttempt = 2

// Action is what the caller should do after an observation.
type Action string

const (
	// ActionProceed means no stall: continue the normal flow.
	ActionProceed Action = "proceed"
	// ActionRetry means a stall below CollaborativeAttempt: keep going
	// through the ordinary recovery chain.
	ActionRetry Action = "retry"
	// ActionCollaborate means open a collaborative session.
	ActionCollaborate Action = "collaborate"
	// ActionHardFail means the issue set already survived a collaborative
	// session; stop.
	ActionHardFail Action = "hard_fail"
)

// Observation is the result of recording one validation attempt.
type Observation struct {
	Action  Action `json:"action"`
	Hash    string `json:"hash"`
	Attempt int    `json:"attempt"`
	Stalled bool   `json:"stalled"`
}

// Err returns the StallError for stalled observations.
func (o Observation) Err(stepID string) error {
	if !o.Stalled && o.Action != ActionHardFail {
		return nil
	}
	return &workflow.StallError{StepID: stepID, Hash: o.Hash, Attempt: o.Attempt, Hard: o.Action == ActionHardFail}
}

type stepState struct {
	lastHash    string
	collabFails map[string]bool
}

// Detector tracks issue hashes per step.
type Detector struct {
	mu     sync.Mutex
	steps  map[string]*stepState
	logger *zap.Logger
}

// NewDetector creates a Detector.
func NewDetector(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{steps: make(map[string]*stepState), logger: logger}
}

// Observe records the issue set seen at the given attempt (0 for the first
// validation) and decides what to do next.
func (d *Detector) Observe(stepID string, attempt int, issues []string) Observation {
	hash := HashIssues(issues)

	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state(stepID)
	prev := st.lastHash
	st.lastHash = hash

	obs := Observation{Action: ActionProceed, Hash: hash, Attempt: attempt}
	switch {
	case st.collabFails[hash]:
		obs.Action = ActionHardFail
		obs.Stalled = true
	case prev == hash:
		obs.Stalled = true
		obs.Action = ActionRetry
		if attempt >= CollaborativeAttempt {
			obs.Action = ActionCollaborate
		}
	}

	if obs.Stalled {
		d.logger.Warn("stall detected",
			zap.String("step_id", stepID),
			zap.String("hash", hash[:12]),
			zap.Int("attempt", attempt),
			zap.String("action", string(obs.Action)))
	}
	return obs
}

// MarkCollaborativeFailed remembers that a collaborative session did not
// resolve the issue set. Seeing it again for the same step is a hard failure.
func (d *Detector) MarkCollaborativeFailed(stepID, hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state(stepID).collabFails[hash] = true
}

// Reset forgets everything about a step, typically once it passes.
func (d *Detector) Reset(stepID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.steps, stepID)
}

func (d *Detector) state(stepID string) *stepState {
	st, ok := d.steps[stepID]
	if !ok {
		st = &stepState{collabFails: make(map[string]bool)}
		d.steps[stepID] = st
	}
	return st
}

// HashIssues returns the SHA-256 of the normalized issue set. Issues are
// trimmed, lower-cased, whitespace-collapsed, de-duplicated and sorted, so
// ordering and formatting noise do not hide a stall.
func HashIssues(issues []string) string {
	set := make(map[string]struct{}, len(issues))
	for _, is := range issues {
		n := strings.Join(strings.Fields(strings.ToLower(is)), " ")
		if n != "" {
			set[n] = struct{}{}
		}
	}
	norm := make([]string, 0, len(set))
	for s := range set {
		norm = append(norm, s)
	}
	sort.Strings(norm)

	sum := sha256.Sum256([]byte(strings.Join(norm, "\n")))
	return hex.EncodeToString(sum[:])
}
