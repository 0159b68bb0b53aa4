package producer

import (
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
)

// Drop reasons. Every drop is labeled; "we logged it" is not accounting.
const (
	DropReasonQueueFull       = "queue_full"
	DropReasonSerializeFailed = "serialize_failed"
	DropReasonOversized       = "oversized"
	DropReasonRetryExhausted  = "retry_exhausted"
	DropReasonAmbiguousSend   = "ambiguous_send"
	DropReasonClosed          = "closed"
)

// Degraded modes. Distinguishable counters so operators can alert on each
// fallback path separately.
const (
	DegradedPatchFallback     = "patch_fallback"
	DegradedFullStateDropped  = "full_state_dropped"
	DegradedCheckpointFailure = "checkpoint_failure"
)

type dropKey struct {
	typ    message.Type
	reason string
}

// Stats tracks producer accounting. Safe for concurrent use.
type Stats struct {
	published   atomic.Uint64
	retries     atomic.Uint64
	checkpoints atomic.Uint64
	degraded    [3]atomic.Uint64 // indexed by degradedIndex

	mu    sync.Mutex
	drops map[dropKey]uint64
}

func degradedIndex(mode string) int {
	switch mode {
	case DegradedPatchFallback:
		return 0
	case DegradedFullStateDropped:
		return 1
	default:
		return 2
	}
}

func (s *Stats) recordDrop(typ message.Type, reason string) {
	s.mu.Lock()
	if s.drops == nil {
		s.drops = make(map[dropKey]uint64)
	}
	s.drops[dropKey{typ: typ, reason: reason}]++
	s.mu.Unlock()
}

func (s *Stats) recordDegraded(mode string) {
	s.degraded[degradedIndex(mode)].Add(1)
}

// StatsSnapshot is a point-in-time copy of producer accounting.
type StatsSnapshot struct {
	Published           uint64
	Retries             uint64
	CheckpointsEmitted  uint64
	PatchFallbacks      uint64
	FullStateDrops      uint64
	CheckpointFailures  uint64
	DropsByTypeAndCause map[message.Type]map[string]uint64
}

// Dropped returns the total messages dropped across all types and reasons.
func (s StatsSnapshot) Dropped() uint64 {
	var total uint64
	for _, reasons := range s.DropsByTypeAndCause {
		for _, n := range reasons {
			total += n
		}
	}
	return total
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Published:           s.published.Load(),
		Retries:             s.retries.Load(),
		CheckpointsEmitted:  s.checkpoints.Load(),
		PatchFallbacks:      s.degraded[0].Load(),
		FullStateDrops:      s.degraded[1].Load(),
		CheckpointFailures:  s.degraded[2].Load(),
		DropsByTypeAndCause: make(map[message.Type]map[string]uint64),
	}
	s.mu.Lock()
	for k, n := range s.drops {
		if snap.DropsByTypeAndCause[k.typ] == nil {
			snap.DropsByTypeAndCause[k.typ] = make(map[string]uint64)
		}
		snap.DropsByTypeAndCause[k.typ][k.reason] = n
	}
	s.mu.Unlock()
	return snap
}
