// Package party runs collaborative sessions: participants take turns in
// rounds, any participant can end the session with a termination token,
// and the outcome is decided by majority vote.
package party

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxRounds bounds a session when no participant ends it.
const DefaultMaxRounds = 5

// Termination tokens. A message ends the session when one of its lines,
// trimmed of surrounding whitespace, equals a token byte for byte.
var terminationTokens = map[string]bool{
	"*exit*":         true,
	"goodbye":        true,
	"end party mode": true,
	"quit":           true,
}

// IsTermination reports whether text contains a termination token line.
func IsTermination(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if terminationTokens[strings.TrimSpace(line)] {
			return true
		}
	}
	return false
}

// Vote is a participant's position.
type Vote string

const (
	VoteNone    Vote = ""
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
	VoteAbstain Vote = "abstain"
)

var voteRe = regexp.MustCompile(`(?im)^\s*vote\s*:\s*(approve|reject|abstain)\b`)

// ParseVote extracts a "vote: approve|reject|abstain" line from text. The
// vote must start its own line; an inline "vote:" in prose is not counted.
func ParseVote(text string) Vote {
	m := voteRe.FindStringSubmatch(text)
	if m == nil {
		return VoteNone
	}
	return Vote(strings.ToLower(m[1]))
}

// Message is one turn in the transcript.
type Message struct {
	Round int       `json:"round"`
	From  string    `json:"from"`
	Text  string    `json:"text"`
	Vote  Vote      `json:"vote,omitempty"`
	At    time.Time `json:"at"`
}

// Participant takes part in a session.
type Participant interface {
	Name() string
	// Respond returns the participant's next message given the transcript
	// so far. A vote may be given explicitly or as a "vote:" line.
	Respond(ctx context.Context, topic string, transcript []Message) (Message, error)
}

// Decision is the session outcome.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionNoQuorum Decision = "no_quorum"
)

// Outcome summarises a finished session.
type Outcome struct {
	Decision   Decision        `json:"decision"`
	Votes      map[string]Vote `json:"votes"`
	Rounds     int             `json:"rounds"`
	Terminated bool            `json:"terminated"`
	EndedBy    string          `json:"ended_by,omitempty"`
	Transcript []Message       `json:"transcript"`
}

// Score maps the outcome onto the 0-100 confidence scale as the share of
// approving votes among those cast. The second value is false when nobody
// voted.
func (o Outcome) Score() (float64, bool) {
	var approve, cast int
	for _, v := range o.Votes {
		switch v {
		case VoteApprove:
			approve++
			cast++
		case VoteReject:
			cast++
		}
	}
	if cast == 0 {
		return 0, false
	}
	return 100 * float64(approve) / float64(cast), true
}

// Session is a collaborative session.
type Session struct {
	participants []Participant
	maxRounds    int
	logger       *zap.Logger
	now          func() time.Time
}

// NewSession creates a session.
func NewSession(participants []Participant, maxRounds int, logger *zap.Logger) (*Session, error) {
	if len(participants) == 0 {
		return nil, errors.New("a session needs at least one participant")
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{participants: participants, maxRounds: maxRounds, logger: logger, now: time.Now}, nil
}

// Run holds the session on topic. Participants speak in order each round
// until a termination token appears or the round limit is reached. A
// participant error removes it from later rounds.
func (s *Session) Run(ctx context.Context, topic string) (Outcome, error) {
	out := Outcome{Votes: make(map[string]Vote)}
	active := make([]Participant, len(s.participants))
	copy(active, s.participants)

	for round := 1; round <= s.maxRounds && !out.Terminated; round++ {
		out.Rounds = round
		var next []Participant
		for _, p := range active {
			if err := ctx.Err(); err != nil {
				return s.finish(out), err
			}
			msg, err := p.Respond(ctx, topic, out.Transcript)
			if err != nil {
				s.logger.Warn("participant dropped from session",
					zap.String("participant", p.Name()),
					zap.Int("round", round),
					zap.Error(err),
				)
				continue
			}
			next = append(next, p)

			msg.Round = round
			msg.From = p.Name()
			msg.At = s.now()
			if msg.Vote == VoteNone {
				msg.Vote = ParseVote(msg.Text)
			}
			if msg.Vote != VoteNone {
				out.Votes[p.Name()] = msg.Vote
			}
			out.Transcript = append(out.Transcript, msg)

			if IsTermination(msg.Text) {
				out.Terminated = true
				out.EndedBy = p.Name()
				break
			}
		}
		if !out.Terminated {
			active = next
		}
		if len(active) == 0 {
			return s.finish(out), errors.New("every participant left the session")
		}
	}
	return s.finish(out), nil
}

// finish tallies votes. A strict majority of all participants is needed
// to approve or reject; anything else is no quorum.
func (s *Session) finish(out Outcome) Outcome {
	var approve, reject int
	for _, v := range out.Votes {
		switch v {
		case VoteApprove:
			approve++
		case VoteReject:
			reject++
		}
	}
	half := len(s.participants) / 2
	switch {
	case approve > half:
		out.Decision = DecisionApproved
	case reject > half:
		out.Decision = DecisionRejected
	default:
		out.Decision = DecisionNoQuorum
	}
	s.logger.Info("collaborative session finished",
		zap.String("decision", string(out.Decision)),
		zap.Int("rounds", out.Rounds),
		zap.Bool("terminated", out.Terminated),
		zap.String("votes", fmt.Sprintf("%d approve / %d reject", approve, reject)),
	)
	return out
}
