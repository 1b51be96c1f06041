package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
)

func TestResumeStoreIsolatesRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewResumeStore()
	require.NoError(t, store.MarkCompleted(ctx, "a", "k1"))
	require.NoError(t, store.MarkCompleted(ctx, "b", "k2"))

	keys, err := store.Load(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, batch.NewKeySet("k1"), keys)

	keys.Add("mutated")
	again, err := store.Load(ctx, "a")
	require.NoError(t, err)
	require.False(t, again.Has("mutated"))
	require.Equal(t, 2, store.Marks())
}

func TestResumeStoreFailOn(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	store := NewResumeStore()
	store.FailOn = map[string]error{"bad": boom}
	require.ErrorIs(t, store.MarkCompleted(context.Background(), "run", "bad"), boom)
	require.Zero(t, store.Marks())
}
