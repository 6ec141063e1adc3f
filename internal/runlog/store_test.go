package runlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adolfousier/invoicepilot/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "logs", "activity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "run-1", "stage", "search: found 3 messages"))
	require.NoError(t, store.Append(ctx, "run-1", "stage", "upload: uploaded wise-stmt.pdf"))
	require.NoError(t, store.Append(ctx, "run-1", "completed", "run run-1 finished"))

	lines, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	// Oldest first.
	assert.Equal(t, "search: found 3 messages", lines[0].Message)
	assert.Equal(t, "completed", lines[2].Kind)
	assert.Equal(t, "run-1", lines[2].RunID)
	assert.WithinDuration(t, time.Now(), lines[0].CreatedAt, time.Minute)
}

func TestRecentHonoursLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, "run-1", "info", "line"))
	}

	lines, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestRecentOnEmptyLog(t *testing.T) {
	store := openTestStore(t)
	lines, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestSaveResult(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	res := &pipeline.RunResult{
		RunID:                 "run-1",
		MessagesScanned:       3,
		AttachmentsDownloaded: 2,
		AttachmentsUploaded:   1,
		AttachmentsSkipped:    1,
		Errors:                []pipeline.RunError{{MessageID: "msg-1", Kind: "remote"}},
		StartedAt:             time.Now().Add(-time.Minute),
		FinishedAt:            time.Now(),
	}
	require.NoError(t, store.SaveResult(ctx, res))

	// Saving the same run again is a no-op, not an error.
	require.NoError(t, store.SaveResult(ctx, res))
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "activity.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(context.Background(), "run-1", "info", "hello"))
}
