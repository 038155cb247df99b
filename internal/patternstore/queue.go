package patternstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fyrsmithlabs/autopilot/internal/ringbuf"
)

// DefaultQueueCapacity bounds the pending write queue.
const DefaultQueueCapacity = 100

// Queue is a bounded FIFO of pending pattern writes. When path is set the
// queue is rewritten to disk after every change so pending writes survive
// restarts. Overflow evicts the oldest entry.
type Queue struct {
	mu      sync.Mutex
	ring    *ringbuf.Ring[Pattern]
	path    string
	evicted int
}

// OpenQueue creates a queue, loading pending entries from path if it exists.
func OpenQueue(path string, capacity int) (*Queue, error) {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{ring: ringbuf.New[Pattern](capacity), path: path}
	if path == "" {
		return q, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- configured queue path
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read write queue: %w", err)
	}
	var pending []Pattern
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("parse write queue: %w", err)
	}
	for _, p := range pending {
		if _, ev := q.ring.Push(p); ev {
			q.evicted++
		}
	}
	return q, nil
}

// Enqueue appends p, evicting the oldest entry when full.
func (q *Queue) Enqueue(p Pattern) (evicted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, evicted = q.ring.Push(p); evicted {
		q.evicted++
	}
	return evicted, q.persist()
}

// Peek returns the oldest pending write.
func (q *Queue) Peek() (Pattern, bool) {
	return q.ring.PeekFront()
}

// Pop removes the oldest pending write.
func (q *Queue) Pop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ring.PopFront()
	return q.persist()
}

// Len returns the number of pending writes.
func (q *Queue) Len() int { return q.ring.Len() }

// Evicted returns how many writes were lost to overflow.
func (q *Queue) Evicted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Items returns the pending writes, oldest first.
func (q *Queue) Items() []Pattern { return q.ring.Items() }

func (q *Queue) persist() error {
	if q.path == "" {
		return nil
	}
	data, err := json.Marshal(q.ring.Items())
	if err != nil {
		return fmt.Errorf("marshal write queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o750); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return os.Rename(tmp, q.path)
}
