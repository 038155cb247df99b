package patternstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps patterns in a map. Similarity is the Jaccard index of
// signature tokens.
type MemoryStore struct {
	mu        sync.RWMutex
	patterns  map[string]Pattern
	threshold float64
}

// NewMemoryStore creates a MemoryStore returning matches at or above
// threshold.
func NewMemoryStore(threshold float64) *MemoryStore {
	return &MemoryStore{patterns: make(map[string]Pattern), threshold: threshold}
}

// Query implements Store.
func (m *MemoryStore) Query(ctx context.Context, signature string, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Match
	for _, p := range m.patterns {
		sim := jaccard(signature, p.Signature)
		if sim >= m.threshold {
			out = append(out, Match{Pattern: p, Similarity: sim})
		}
	}
	sortMatches(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Write implements Store.
func (m *MemoryStore) Write(ctx context.Context, p Pattern) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[p.ID] = p
	return nil
}

// Len returns the number of stored patterns.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.patterns)
}

func jaccard(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(s) {
		out[f] = true
	}
	return out
}

// sortMatches orders by similarity, then confidence, then ID.
func sortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Similarity != ms[j].Similarity {
			return ms[i].Similarity > ms[j].Similarity
		}
		if ms[i].Pattern.Confidence != ms[j].Pattern.Confidence {
			return ms[i].Pattern.Confidence > ms[j].Pattern.Confidence
		}
		return ms[i].Pattern.ID < ms[j].Pattern.ID
	})
}
