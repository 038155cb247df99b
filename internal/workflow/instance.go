package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Instance is one running workflow. It is owned by a single controller and
// mutated only through controller transitions.
type Instance struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Tier      Tier         `json:"tier"`
	Status    Status       `json:"status"`
	Steps     []Step       `json:"steps"`
	Results   []StepResult `json:"results"`
	Current   int          `json:"current"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewInstance creates a PENDING instance with one pending result per step.
func NewInstance(id, name string, tier Tier, steps []Step, now time.Time) (*Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: instance id is required", ErrInvalidDefinition)
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: tier %d out of range", ErrInvalidDefinition, tier)
	}
	seen := make(map[string]bool, len(steps))
	results := make([]StepResult, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: step %d has no id", ErrInvalidDefinition, i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: duplicate step id %q", ErrInvalidDefinition, s.ID)
		}
		seen[s.ID] = true
		results[i] = StepResult{StepID: s.ID, Status: StepPending}
	}

	return &Instance{
		ID:        id,
		Name:      name,
		Tier:      tier,
		Status:    StatusPending,
		Steps:     append([]Step(nil), steps...),
		Results:   results,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CurrentStep returns the step at the cursor.
func (in *Instance) CurrentStep() (Step, bool) {
	if in.Current < 0 || in.Current >= len(in.Steps) {
		return Step{}, false
	}
	return in.Steps[in.Current], true
}

// Done reports whether the cursor has moved past the last step.
func (in *Instance) Done() bool {
	return in.Current >= len(in.Steps)
}

// IndexOf returns the index of the step with the given id, or -1.
func (in *Instance) IndexOf(stepID string) int {
	for i, s := range in.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Result returns the recorded result for a step.
func (in *Instance) Result(stepID string) (StepResult, bool) {
	i := in.IndexOf(stepID)
	if i < 0 {
		return StepResult{}, false
	}
	return in.Results[i], true
}

// Record stores a result for its step.
func (in *Instance) Record(r StepResult, now time.Time) error {
	i := in.IndexOf(r.StepID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownStep, r.StepID)
	}
	in.Results[i] = r
	in.UpdatedAt = now
	return nil
}

// Advance moves the cursor forward by one step. The cursor never moves
// backwards except through Rewind.
func (in *Instance) Advance(now time.Time) error {
	if in.Done() {
		return ErrNoActiveStep
	}
	in.Current++
	in.UpdatedAt = now
	return nil
}

// Rewind moves the cursor back to stepID and marks every later step as
// rolled back. It returns the artifacts the rolled-back steps produced.
func (in *Instance) Rewind(stepID string, now time.Time) ([]string, error) {
	idx := in.IndexOf(stepID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}

	var archived []string
	for i := idx + 1; i < len(in.Results); i++ {
		r := in.Results[i]
		archived = append(archived, r.Artifacts...)
		in.Results[i] = StepResult{
			StepID: r.StepID,
			Status: StepRolledBack,
		}
	}
	in.Current = idx
	in.UpdatedAt = now
	return archived, nil
}

// Clone returns a deep copy suitable for snapshots.
func (in *Instance) Clone() *Instance {
	out := *in
	out.Steps = make([]Step, len(in.Steps))
	for i, s := range in.Steps {
		s.Checks = append([]Check(nil), s.Checks...)
		out.Steps[i] = s
	}
	out.Results = make([]StepResult, len(in.Results))
	for i, r := range in.Results {
		r.Errors = append([]string(nil), r.Errors...)
		r.Issues = append([]string(nil), r.Issues...)
		r.Artifacts = append([]string(nil), r.Artifacts...)
		out.Results[i] = r
	}
	return &out
}

// InputHash identifies the inputs of the step at index i: its definition
// plus the outputs of every earlier step. Re-running a step whose result
// carries the same hash is a replay.
func (in *Instance) InputHash(i int) (string, error) {
	if i < 0 || i >= len(in.Steps) {
		return "", ErrNoActiveStep
	}
	payload := struct {
		Step    Step     `json:"step"`
		Outputs []string `json:"outputs"`
	}{Step: in.Steps[i]}
	for j := 0; j < i; j++ {
		payload.Outputs = append(payload.Outputs, in.Results[j].Output)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hash step input: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
