package replay_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
	"github.com/randalmurphal/graphstream/pkg/graphstream/replay"
)

func stored(partition int32, offset int64, thread string, seq message.Sequence) replay.Stored {
	return replay.Stored{
		Cursor:   log.Cursor{Partition: partition, Offset: offset},
		ThreadID: thread,
		Sequence: seq,
		Frame:    []byte(fmt.Sprintf("frame-%d-%d", partition, offset)),
	}
}

// TestBufferDualIndex verifies a stored record is reachable through both the
// partition index and the thread index.
func TestBufferDualIndex(t *testing.T) {
	ctx := context.Background()
	buf := replay.NewMemoryBuffer(replay.MemoryConfig{})

	require.NoError(t, buf.Store(ctx, stored(0, 0, "th-a", message.Real(0))))
	require.NoError(t, buf.Store(ctx, stored(0, 1, "th-b", message.Real(0))))
	require.NoError(t, buf.Store(ctx, stored(0, 2, "th-a", message.Real(1))))

	byPartition, err := buf.RangeByPartition(ctx, 0, -1, 10)
	require.NoError(t, err)
	require.Len(t, byPartition, 3)
	assert.Equal(t, int64(0), byPartition[0].Cursor.Offset)
	assert.Equal(t, int64(2), byPartition[2].Cursor.Offset)

	byThread, err := buf.RangeByThread(ctx, "th-a", 0, 10)
	require.NoError(t, err)
	require.Len(t, byThread, 1, "afterSeq is exclusive")
	assert.Equal(t, int64(2), byThread[0].Cursor.Offset)
}

// TestBufferRangeExclusive verifies both range queries exclude the cursor
// position itself.
func TestBufferRangeExclusive(t *testing.T) {
	ctx := context.Background()
	buf := replay.NewMemoryBuffer(replay.MemoryConfig{})

	for i := int64(0); i < 5; i++ {
		require.NoError(t, buf.Store(ctx, stored(0, i, "th", message.Real(uint64(i)))))
	}

	recs, err := buf.RangeByPartition(ctx, 0, 2, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(3), recs[0].Cursor.Offset)

	recs, err = buf.RangeByThread(ctx, "th", 2, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

// TestBufferLimit verifies range queries honor the page limit.
func TestBufferLimit(t *testing.T) {
	ctx := context.Background()
	buf := replay.NewMemoryBuffer(replay.MemoryConfig{})

	for i := int64(0); i < 10; i++ {
		require.NoError(t, buf.Store(ctx, stored(0, i, "th", message.Real(uint64(i)))))
	}

	recs, err := buf.RangeByPartition(ctx, 0, -1, 4)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

// TestBufferTrimsOldest verifies the retention bound evicts from the front.
func TestBufferTrimsOldest(t *testing.T) {
	ctx := context.Background()
	buf := replay.NewMemoryBuffer(replay.MemoryConfig{MaxPerPartition: 3})

	for i := int64(0); i < 5; i++ {
		require.NoError(t, buf.Store(ctx, stored(0, i, "th", message.Real(uint64(i)))))
	}

	oldest, newest, ok, err := buf.Bounds(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), oldest)
	assert.Equal(t, int64(4), newest)
}

// TestBufferBoundsEmpty verifies Bounds reports nothing retained.
func TestBufferBoundsEmpty(t *testing.T) {
	buf := replay.NewMemoryBuffer(replay.MemoryConfig{})
	_, _, ok, err := buf.Bounds(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestBufferSyntheticSequenceSkipsThreadIndex verifies records without a real
// sequence stay out of the per-thread index but remain replayable by
// partition.
func TestBufferSyntheticSequenceSkipsThreadIndex(t *testing.T) {
	ctx := context.Background()
	buf := replay.NewMemoryBuffer(replay.MemoryConfig{})

	require.NoError(t, buf.Store(ctx, stored(0, 0, "th", message.Synthetic(0))))

	byThread, err := buf.RangeByThread(ctx, "th", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, byThread)

	byPartition, err := buf.RangeByPartition(ctx, 0, -1, 10)
	require.NoError(t, err)
	assert.Len(t, byPartition, 1)
}

// TestBufferPartitionsIndependent verifies offsets on one partition never
// leak into another's range.
func TestBufferPartitionsIndependent(t *testing.T) {
	ctx := context.Background()
	buf := replay.NewMemoryBuffer(replay.MemoryConfig{})

	require.NoError(t, buf.Store(ctx, stored(0, 5, "a", message.Real(0))))
	require.NoError(t, buf.Store(ctx, stored(1, 5, "b", message.Real(0))))

	recs, err := buf.RangeByPartition(ctx, 1, -1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int32(1), recs[0].Cursor.Partition)
}

// TestBufferPartitionsEnumeration verifies Partitions lists retained
// partitions in order.
func TestBufferPartitionsEnumeration(t *testing.T) {
	ctx := context.Background()
	buf := replay.NewMemoryBuffer(replay.MemoryConfig{})

	parts, err := buf.Partitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)

	require.NoError(t, buf.Store(ctx, stored(3, 0, "a", message.Real(0))))
	require.NoError(t, buf.Store(ctx, stored(0, 0, "b", message.Real(0))))
	require.NoError(t, buf.Store(ctx, stored(3, 1, "a", message.Real(1))))

	parts, err = buf.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3}, parts)
}
