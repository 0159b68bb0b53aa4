package log_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
)

// TestCursorJSONStringOffset verifies offsets travel as decimal strings;
// a JSON number would lose precision past 2^53.
func TestCursorJSONStringOffset(t *testing.T) {
	cur := log.Cursor{Partition: 3, Offset: 9223372036854775000}

	data, err := json.Marshal(cur)
	require.NoError(t, err)
	assert.JSONEq(t, `{"partition":3,"offset":"9223372036854775000"}`, string(data))

	var decoded log.Cursor
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, cur, decoded)
}

// TestMemoryLogKeyedPartitioning verifies records sharing a key land on one
// partition with monotonic offsets.
func TestMemoryLogKeyedPartitioning(t *testing.T) {
	ctx := context.Background()
	memLog := log.NewMemoryLog("telemetry", 4)

	var first log.Cursor
	for i := 0; i < 3; i++ {
		cur, err := memLog.Publish(ctx, []byte("thread-1"), []byte{byte(i)})
		require.NoError(t, err)
		if i == 0 {
			first = cur
		}
		assert.Equal(t, first.Partition, cur.Partition, "same key, same partition")
		assert.Equal(t, first.Offset+int64(i), cur.Offset)
	}
}

// TestMemoryLogPollBlocksUntilPublish verifies Poll wakes on publish.
func TestMemoryLogPollBlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	memLog := log.NewMemoryLog("telemetry", 1)
	consumer := memLog.NewConsumer()

	got := make(chan []log.Record, 1)
	go func() {
		records, err := consumer.Poll(ctx)
		if err == nil {
			got <- records
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := memLog.Publish(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)

	select {
	case records := <-got:
		require.Len(t, records, 1)
		assert.Equal(t, []byte("v"), records[0].Value)
		assert.Equal(t, "telemetry", records[0].Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("poll never woke")
	}
}

// TestMemoryLogPollHonorsContext verifies Poll returns when the context is
// canceled with nothing to read.
func TestMemoryLogPollHonorsContext(t *testing.T) {
	memLog := log.NewMemoryLog("telemetry", 1)
	consumer := memLog.NewConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := consumer.Poll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestMemoryConsumerCommit verifies commits track the highest cursor and
// never move backward.
func TestMemoryConsumerCommit(t *testing.T) {
	ctx := context.Background()
	memLog := log.NewMemoryLog("telemetry", 1)
	consumer := memLog.NewConsumer()

	require.NoError(t, consumer.Commit(ctx, []log.Cursor{{Partition: 0, Offset: 4}}))
	assert.Equal(t, int64(5), consumer.Committed(0))

	require.NoError(t, consumer.Commit(ctx, []log.Cursor{{Partition: 0, Offset: 1}}))
	assert.Equal(t, int64(5), consumer.Committed(0), "stale commit must not regress")
}

// TestMemoryLogHead verifies the head offset tracking used by the lag
// monitor.
func TestMemoryLogHead(t *testing.T) {
	ctx := context.Background()
	memLog := log.NewMemoryLog("telemetry", 1)

	_, ok, err := memLog.Head(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok, "empty partition has no head")

	for i := 0; i < 3; i++ {
		_, err := memLog.Publish(ctx, []byte("k"), []byte{byte(i)})
		require.NoError(t, err)
	}
	head, ok, err := memLog.Head(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), head)
}

// TestMemoryConsumerAssigned verifies a memory consumer owns every
// partition.
func TestMemoryConsumerAssigned(t *testing.T) {
	memLog := log.NewMemoryLog("telemetry", 3)
	consumer := memLog.NewConsumer()
	assert.Equal(t, []int32{0, 1, 2}, consumer.Assigned())
}

// TestMemoryLogRecordCursor verifies Record.Cursor mirrors the transport
// metadata.
func TestMemoryLogRecordCursor(t *testing.T) {
	ctx := context.Background()
	memLog := log.NewMemoryLog("telemetry", 1)

	cur, err := memLog.Publish(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)

	consumer := memLog.NewConsumer()
	pollCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	records, err := consumer.Poll(pollCtx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, cur, records[0].Cursor())
}
