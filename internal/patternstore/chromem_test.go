package patternstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemStore_WriteQuery(t *testing.T) {
	store, err := NewChromemStore(ChromemConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := store.Query(ctx, "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, got, "empty collection")

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Write(ctx, Pattern{
		ID: "p1", Signature: "go: module <path> not found", Fix: "go mod download",
		Category: "dependency", Confidence: 0.7, SuccessCount: 2, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.Write(ctx, Pattern{
		ID: "p2", Signature: "permission denied while writing <path>", Fix: "chmod", Confidence: 0.5,
	}))

	got, err = store.Query(ctx, "go: module <path> not found", 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "p1", got[0].Pattern.ID)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-4)
	assert.Equal(t, "go mod download", got[0].Pattern.Fix)
	assert.Equal(t, 2, got[0].Pattern.SuccessCount)
	assert.True(t, now.Equal(got[0].Pattern.CreatedAt))

	// Upsert replaces the document.
	updated := got[0].Pattern
	updated.SuccessCount = 3
	require.NoError(t, store.Write(ctx, updated))
	assert.Equal(t, 2, store.Len())

	got, err = store.Query(ctx, "go: module <path> not found", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Pattern.SuccessCount)
}

func TestChromemStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewChromemStore(ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, Pattern{ID: "p1", Signature: "timeout waiting for lock", Fix: "retry"}))

	reopened, err := NewChromemStore(ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
}

func TestEmbedSignature_Normalized(t *testing.T) {
	v, err := embedSignature(context.Background(), "connection reset by peer")
	require.NoError(t, err)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)

	empty, err := embedSignature(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, float32(1), empty[0])
}
