package replay_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/graphstream/pkg/graphstream/replay"
)

// lagCapture records RecordConsumerLag calls; the other recorder methods are
// no-ops.
type lagCapture struct {
	mu   sync.Mutex
	lags map[int32]int64
}

func newLagCapture() *lagCapture {
	return &lagCapture{lags: make(map[int32]int64)}
}

func (c *lagCapture) RecordConsumerLag(_ context.Context, partition int32, lag int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lags[partition] = lag
}

func (c *lagCapture) snapshot() map[int32]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int32]int64, len(c.lags))
	for p, l := range c.lags {
		out[p] = l
	}
	return out
}

func (c *lagCapture) RecordPublished(context.Context, string, int)      {}
func (c *lagCapture) RecordDrop(context.Context, string, string)        {}
func (c *lagCapture) RecordDegraded(context.Context, string)            {}
func (c *lagCapture) RecordCheckpoint(context.Context, int64)           {}
func (c *lagCapture) RecordReplayGap(context.Context, int32, int64)     {}
func (c *lagCapture) RecordForwarded(context.Context)                   {}

// TestLagMonitorSamplesAssignedOnly verifies only assigned partitions are
// sampled; reporting unowned partitions would double-count across the group.
func TestLagMonitorSamplesAssignedOnly(t *testing.T) {
	capture := newLagCapture()

	heads := map[int32]int64{0: 9, 1: 9, 2: 9}
	processed := map[int32]int64{0: 9, 1: 4}

	monitor, err := replay.NewLagMonitor(replay.LagMonitorConfig{
		Assigned: func() []int32 { return []int32{0, 1} },
		Head: replay.HeadFunc(func(_ context.Context, p int32) (int64, bool, error) {
			head, ok := heads[p]
			return head, ok, nil
		}),
		Processed: func(p int32) (int64, bool) {
			off, ok := processed[p]
			return off, ok
		},
		Metrics: capture,
	})
	require.NoError(t, err)

	monitor.Sample(context.Background())

	lags := capture.snapshot()
	assert.Equal(t, int64(0), lags[0], "caught up")
	assert.Equal(t, int64(5), lags[1], "five records behind")
	_, sampled := lags[2]
	assert.False(t, sampled, "unassigned partition must not be sampled")
}

// TestLagMonitorNothingProcessed verifies a partition with no indexed
// records reports the full retained depth as lag.
func TestLagMonitorNothingProcessed(t *testing.T) {
	capture := newLagCapture()

	monitor, err := replay.NewLagMonitor(replay.LagMonitorConfig{
		Assigned: func() []int32 { return []int32{0} },
		Head: replay.HeadFunc(func(context.Context, int32) (int64, bool, error) {
			return 4, true, nil // offsets 0..4 exist
		}),
		Processed: func(int32) (int64, bool) { return 0, false },
		Metrics:   capture,
	})
	require.NoError(t, err)

	monitor.Sample(context.Background())
	assert.Equal(t, int64(5), capture.snapshot()[0])
}

// TestLagMonitorEmptyPartition verifies empty partitions are skipped.
func TestLagMonitorEmptyPartition(t *testing.T) {
	capture := newLagCapture()

	monitor, err := replay.NewLagMonitor(replay.LagMonitorConfig{
		Assigned: func() []int32 { return []int32{0} },
		Head: replay.HeadFunc(func(context.Context, int32) (int64, bool, error) {
			return 0, false, nil
		}),
		Processed: func(int32) (int64, bool) { return 0, false },
		Metrics:   capture,
	})
	require.NoError(t, err)

	monitor.Sample(context.Background())
	assert.Empty(t, capture.snapshot())
}

// TestLagMonitorConfigValidation verifies required fields fail fast.
func TestLagMonitorConfigValidation(t *testing.T) {
	_, err := replay.NewLagMonitor(replay.LagMonitorConfig{})
	require.Error(t, err)
}
