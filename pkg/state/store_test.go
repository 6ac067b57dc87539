package state

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/broker"
	"github.com/conveyorhq/conveyor/pkg/types"
)

func newState(jobID string) *types.JobState {
	return types.NewJobState(&types.IngestionJobRequest{
		JobID:          jobID,
		FilePath:       "/tmp/x.pdf",
		ContentType:    "application/pdf",
		ChecksumSHA256: strings.Repeat("a", 64),
	})
}

func newStore(t *testing.T) *Store {
	t.Helper()
	m := broker.NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	return NewStore(m)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "job_state:j1", Key("j1"))
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	st := newState("j1")
	require.NoError(t, st.MergeMetadata(map[string]any{"validation": "passed"}))
	require.NoError(t, store.Create(ctx, st))

	loaded, err := store.Load(ctx, "j1")
	require.NoError(t, err)

	assert.Equal(t, st.JobID, loaded.JobID)
	assert.Equal(t, st.Status, loaded.Status)
	assert.Equal(t, "passed", loaded.Metadata["validation"])
	assert.True(t, st.CreatedAt.Equal(loaded.CreatedAt))
	assert.True(t, st.UpdatedAt.Equal(loaded.UpdatedAt))
}

func TestCreateDuplicate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := newState("j2")
	require.NoError(t, store.Create(ctx, first))

	err := store.Create(ctx, newState("j2"))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	// The original state is untouched by the losing submission.
	loaded, err := store.Load(ctx, "j2")
	require.NoError(t, err)
	assert.True(t, first.UpdatedAt.Equal(loaded.UpdatedAt))
}

func TestLoadNotFound(t *testing.T) {
	store := newStore(t)

	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveOverwrites(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	st := newState("j1")
	require.NoError(t, store.Create(ctx, st))

	st.Step = "validate_file_done"
	st.Touch()
	require.NoError(t, store.Save(ctx, st))

	loaded, err := store.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "validate_file_done", loaded.Step)
	assert.False(t, loaded.UpdatedAt.Before(loaded.CreatedAt))
}

func TestSaveRefusesTerminalTransition(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	st := newState("j1")
	st.Status = types.StatusFailed
	st.Step = "failed_at_extract_text"
	require.NoError(t, store.Create(ctx, st))

	// Changing a terminal status is refused.
	st2 := newState("j1")
	st2.Status = types.StatusSuccess
	err := store.Save(ctx, st2)
	assert.ErrorIs(t, err, ErrTerminalState)

	// Re-writing the same terminal status is an allowed idempotent write.
	st.AddError("extra detail")
	assert.NoError(t, store.Save(ctx, st))

	loaded, err := store.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, loaded.Status)
}

func TestExists(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	found, err := store.Exists(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Create(ctx, newState("j1")))

	found, err = store.Exists(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, found)
}
