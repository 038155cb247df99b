package human

import (
	"context"
	"errors"
	"strings"
)

// ErrTimedOut is returned when a prompt that needs a value is not answered.
var ErrTimedOut = errors.New("no human response before timeout")

// ErrAborted is returned when the human aborts.
var ErrAborted = errors.New("aborted by human")

// Kind is the kind of prompt, which selects its timeout.
type Kind string

const (
	KindConfirm     Kind = "confirm"
	KindDestructive Kind = "destructive"
	KindChoice      Kind = "choice"
	KindInput       Kind = "input"
)

// Choice keys with fixed meaning.
const (
	ChoiceYes   = "yes"
	ChoiceNo    = "no"
	ChoiceAbort = "abort"
)

// Option is one selectable answer.
type Option struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Prompt is a question for the human.
type Prompt struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	StepID string `json:"step_id,omitempty"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	// Options are offered for KindChoice prompts.
	Options []Option `json:"options,omitempty"`
	// Recommended is the option key suggested to the human, if any.
	Recommended string `json:"recommended,omitempty"`
	Reason      string `json:"reason,omitempty"`
	// Double asks a destructive confirmation twice.
	Double bool `json:"double,omitempty"`
}

// Response is the human's answer.
type Response struct {
	Choice   string `json:"choice,omitempty"`
	Value    string `json:"value,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Approved reports whether the response is an affirmative answer.
func (r Response) Approved() bool {
	switch strings.ToLower(strings.TrimSpace(r.Choice)) {
	case ChoiceYes, "y", "approve", "ok":
		return true
	}
	return false
}

// Aborted reports whether the response means stop.
func (r Response) Aborted() bool {
	return r.TimedOut || strings.EqualFold(strings.TrimSpace(r.Choice), ChoiceAbort)
}

// AbortResponse is the safe default for unanswered prompts.
var AbortResponse = Response{Choice: ChoiceAbort, TimedOut: true}

// Channel delivers prompts to a human. Implementations must return when
// ctx is done.
type Channel interface {
	Ask(ctx context.Context, p Prompt) (Response, error)
}
