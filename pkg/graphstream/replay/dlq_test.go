package replay_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
	"github.com/randalmurphal/graphstream/pkg/graphstream/replay"
)

func openArchive(t *testing.T) *replay.SQLiteDeadLetterStore {
	t.Helper()
	store, err := replay.NewSQLiteDeadLetterStore(filepath.Join(t.TempDir(), "deadletters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestDeadLetterArchiveAndList verifies archived frames come back intact,
// oldest first.
func TestDeadLetterArchiveAndList(t *testing.T) {
	ctx := context.Background()
	store := openArchive(t)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, store.Archive(ctx, replay.DeadLetter{
			Cursor:    log.Cursor{Partition: 0, Offset: i},
			Frame:     []byte{0x7f, byte(i)},
			Reason:    "unknown frame flag",
			Topic:     "telemetry",
			Timestamp: time.Now(),
		}))
	}

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	letters, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 3)
	assert.Equal(t, int64(0), letters[0].Cursor.Offset)
	assert.Equal(t, []byte{0x7f, 0x00}, letters[0].Frame)
	assert.Equal(t, "unknown frame flag", letters[0].Reason)
	assert.Equal(t, "telemetry", letters[0].Topic)
}

// TestDeadLetterRedeliveryIdempotent verifies re-archiving the same cursor
// after a crash between archive and commit does not duplicate.
func TestDeadLetterRedeliveryIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openArchive(t)

	dl := replay.DeadLetter{
		Cursor: log.Cursor{Partition: 2, Offset: 42},
		Frame:  []byte{0xde, 0xad},
		Reason: "bad json",
	}
	require.NoError(t, store.Archive(ctx, dl))
	require.NoError(t, store.Archive(ctx, dl))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestDeadLetterDelete verifies manual triage removal.
func TestDeadLetterDelete(t *testing.T) {
	ctx := context.Background()
	store := openArchive(t)

	require.NoError(t, store.Archive(ctx, replay.DeadLetter{
		Cursor: log.Cursor{Partition: 0, Offset: 1},
		Frame:  []byte{0x01},
		Reason: "bad frame",
	}))

	letters, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	require.NoError(t, store.Delete(ctx, letters[0].ID))
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestDeadLetterClosedStore verifies operations fail after Close.
func TestDeadLetterClosedStore(t *testing.T) {
	ctx := context.Background()
	store, err := replay.NewSQLiteDeadLetterStore(filepath.Join(t.TempDir(), "dl.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.Archive(ctx, replay.DeadLetter{Cursor: log.Cursor{Offset: 1}, Frame: []byte{1}})
	assert.ErrorIs(t, err, replay.ErrDeadLetterClosed)
	_, err = store.Count(ctx)
	assert.ErrorIs(t, err, replay.ErrDeadLetterClosed)
}

// TestMemoryDeadLetterFailing verifies the failure toggle used by
// fail-closed ingest tests.
func TestMemoryDeadLetterFailing(t *testing.T) {
	ctx := context.Background()
	store := replay.NewMemoryDeadLetterStore()

	store.SetFailing(true)
	err := store.Archive(ctx, replay.DeadLetter{Cursor: log.Cursor{Offset: 0}})
	require.Error(t, err)

	store.SetFailing(false)
	require.NoError(t, store.Archive(ctx, replay.DeadLetter{Cursor: log.Cursor{Offset: 0}}))
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
