// Package checkpoint snapshots workflow state before every step transition
// and before risky recovery fixes, and rolls back to those snapshots.
//
// Checkpoints live in a ring of fixed capacity (10 by default). The oldest
// checkpoint is pruned when the ring is full; rolling back to a pruned
// step reports the nearest checkpoint still available. Rolling back marks
// every later step rolled back and archives their artifacts instead of
// deleting them.
//
// A Store persists each checkpoint as one JSON document so a run can be
// resumed from disk.
package checkpoint
