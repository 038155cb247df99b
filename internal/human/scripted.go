package human

import (
	"context"
	"sync"
)

// Scripted answers prompts from a fixed list, in order. When the list is
// exhausted it waits for ctx, which makes the Timed wrapper fall back to
// abort. It is used for unattended runs and tests.
type Scripted struct {
	mu        sync.Mutex
	responses []Response
	asked     []Prompt
}

// NewScripted creates a channel answering with responses.
func NewScripted(responses ...Response) *Scripted {
	return &Scripted{responses: responses}
}

// Ask implements Channel.
func (s *Scripted) Ask(ctx context.Context, p Prompt) (Response, error) {
	s.mu.Lock()
	s.asked = append(s.asked, p)
	if len(s.responses) > 0 {
		r := s.responses[0]
		s.responses = s.responses[1:]
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	<-ctx.Done()
	return Response{}, ctx.Err()
}

// Push appends responses.
func (s *Scripted) Push(rs ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, rs...)
}

// Asked returns the prompts received so far.
func (s *Scripted) Asked() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Prompt, len(s.asked))
	copy(out, s.asked)
	return out
}
