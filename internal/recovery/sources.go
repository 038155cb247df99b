package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/joho/godotenv"
)

// EnvSource looks keys up in the process environment.
type EnvSource struct{}

// Lookup implements ConfigSource.
func (EnvSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := os.LookupEnv(key)
	return v, ok && v != "", nil
}

// DotenvSource looks keys up in dotenv files, first file wins.
type DotenvSource struct {
	Paths []string
}

// Lookup implements ConfigSource.
func (s DotenvSource) Lookup(_ context.Context, key string) (string, bool, error) {
	for _, p := range s.Paths {
		vals, err := godotenv.Read(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("read %s: %w", p, err)
		}
		if v, ok := vals[key]; ok && v != "" {
			return v, true, nil
		}
	}
	return "", false, nil
}

// Overlay holds configuration values supplied during recovery. Executors
// append Environ() to the environment of the commands they start.
type Overlay struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewOverlay returns an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{vals: make(map[string]string)}
}

// Set stores a value.
func (o *Overlay) Set(key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.vals[key] = value
}

// Get returns a stored value.
func (o *Overlay) Get(key string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.vals[key]
	return v, ok
}

// Environ returns KEY=VALUE pairs sorted by key.
func (o *Overlay) Environ() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.vals))
	for k, v := range o.vals {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
