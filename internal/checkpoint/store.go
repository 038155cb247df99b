package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store persists checkpoints outside the in-memory ring.
type Store interface {
	// Put writes a checkpoint.
	Put(ctx context.Context, cp *Checkpoint) error
	// Delete removes a pruned checkpoint.
	Delete(ctx context.Context, id string) error
	// Archive moves artifacts of rolled-back steps aside.
	Archive(ctx context.Context, checkpointID string, artifacts []string) error
}

// FileStore writes one JSON document per checkpoint under a directory.
// Archived artifacts are moved to archive/<checkpoint-id>/ together with a
// manifest listing their original paths.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// Put writes the checkpoint atomically.
func (f *FileStore) Put(_ context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := f.path(cp.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, f.path(cp.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Delete removes a checkpoint file. Missing files are not an error.
func (f *FileStore) Delete(_ context.Context, id string) error {
	if err := os.Remove(f.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// ArchiveManifest lists where archived artifacts came from.
type ArchiveManifest struct {
	CheckpointID string            `json:"checkpoint_id"`
	ArchivedAt   time.Time         `json:"archived_at"`
	Artifacts    map[string]string `json:"artifacts"` // original path -> archived path ("" if absent)
}

// Archive moves existing artifact files into the archive directory.
// Artifacts that no longer exist are still listed in the manifest.
func (f *FileStore) Archive(_ context.Context, checkpointID string, artifacts []string) error {
	dest := filepath.Join(f.dir, "archive", checkpointID)
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	m := ArchiveManifest{
		CheckpointID: checkpointID,
		ArchivedAt:   time.Now(),
		Artifacts:    make(map[string]string, len(artifacts)),
	}
	for i, a := range artifacts {
		m.Artifacts[a] = ""
		if _, err := os.Stat(a); err != nil {
			continue
		}
		target := filepath.Join(dest, fmt.Sprintf("%03d-%s", i, filepath.Base(a)))
		if err := os.Rename(a, target); err != nil {
			return fmt.Errorf("archive %s: %w", a, err)
		}
		m.Artifacts[a] = target
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dest, "manifest.json"), data, 0o600)
}

// LoadFile reads a checkpoint document.
func LoadFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied checkpoint path
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if cp.ID == "" || cp.StepID == "" || len(cp.State) == 0 {
		return nil, fmt.Errorf("checkpoint %s is incomplete", path)
	}
	return &cp, nil
}

// ListDir loads every checkpoint in dir, oldest first.
func ListDir(dir string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var out []*Checkpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		cp, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
