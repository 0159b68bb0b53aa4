package producer

import "sync/atomic"

// CheckpointTracker counts state diffs since the last checkpoint and
// arbitrates checkpoint emission with a single compare-and-swap. Under
// concurrent increments crossing the interval, exactly one caller claims
// emission; duplicate checkpoints would corrupt the base_checkpoint_id
// chain downstream.
type CheckpointTracker struct {
	interval uint64
	count    atomic.Uint64
}

// NewCheckpointTracker creates a tracker. An interval of zero disables
// checkpoint emission.
func NewCheckpointTracker(interval uint64) *CheckpointTracker {
	return &CheckpointTracker{interval: interval}
}

// RecordDiff increments the diff counter and reports whether this caller
// claimed checkpoint emission. The claim resets the counter to zero; a
// failed swap means a concurrent caller owns the claim.
func (t *CheckpointTracker) RecordDiff() bool {
	if t.interval == 0 {
		return false
	}
	n := t.count.Add(1)
	return n >= t.interval && t.count.CompareAndSwap(n, 0)
}

// Pending returns the diffs counted since the last claim.
func (t *CheckpointTracker) Pending() uint64 {
	return t.count.Load()
}

// Interval returns the configured checkpoint interval.
func (t *CheckpointTracker) Interval() uint64 {
	return t.interval
}
