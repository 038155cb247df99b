package menu

import (
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/ringbuf"
)

// HistoryCapacity is the number of selections retained.
const HistoryCapacity = 100

// Source records who made a selection.
type Source string

const (
	SourceAuto      Source = "auto"
	SourceManual    Source = "manual"
	SourceEscalated Source = "escalated"
)

// Entry is one recorded selection.
type Entry struct {
	Time       time.Time `json:"time"`
	MenuID     string    `json:"menu_id"`
	Option     string    `json:"option,omitempty"`
	Label      string    `json:"label,omitempty"`
	Confidence float64   `json:"confidence"`
	Source     Source    `json:"source"`
}

// History is a FIFO log of selections, oldest evicted first.
type History struct {
	ring *ringbuf.Ring[Entry]
}

// NewHistory creates a History holding the last HistoryCapacity entries.
func NewHistory() *History {
	return &History{ring: ringbuf.New[Entry](HistoryCapacity)}
}

// Add appends an entry.
func (h *History) Add(e Entry) {
	h.ring.Push(e)
}

// Entries returns the history, oldest first.
func (h *History) Entries() []Entry {
	return h.ring.Items()
}

// Len returns the number of retained entries.
func (h *History) Len() int { return h.ring.Len() }
