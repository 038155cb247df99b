package party

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/human"
)

// HumanParticipant relays the session through a human channel.
type HumanParticipant struct {
	name string
	ch   human.Channel
}

// NewHumanParticipant creates a participant backed by ch.
func NewHumanParticipant(name string, ch human.Channel) *HumanParticipant {
	return &HumanParticipant{name: name, ch: ch}
}

// Name implements Participant.
func (h *HumanParticipant) Name() string { return h.name }

// Respond implements Participant. An unanswered prompt ends the session.
func (h *HumanParticipant) Respond(ctx context.Context, topic string, transcript []Message) (Message, error) {
	resp, err := h.ch.Ask(ctx, human.Prompt{
		Kind:   human.KindInput,
		Title:  "Collaborative session: " + topic,
		Body:   FormatTranscript(transcript),
		Reason: `reply; a "vote: approve|reject" line votes and a "goodbye" line ends the session`,
	})
	if err != nil {
		return Message{}, err
	}
	if resp.Aborted() {
		return Message{Text: "*exit*", Vote: VoteReject}, nil
	}
	return Message{Text: resp.Value}, nil
}

// FormatTranscript renders a transcript one message per line.
func FormatTranscript(ms []Message) string {
	var b strings.Builder
	for _, m := range ms {
		fmt.Fprintf(&b, "[%d] %s: %s\n", m.Round, m.From, strings.TrimSpace(m.Text))
	}
	return b.String()
}

// FuncParticipant adapts a function, typically an automated reviewer.
type FuncParticipant struct {
	ParticipantName string
	Fn              func(ctx context.Context, topic string, transcript []Message) (Message, error)
}

// Name implements Participant.
func (f FuncParticipant) Name() string { return f.ParticipantName }

// Respond implements Participant.
func (f FuncParticipant) Respond(ctx context.Context, topic string, transcript []Message) (Message, error) {
	return f.Fn(ctx, topic, transcript)
}
