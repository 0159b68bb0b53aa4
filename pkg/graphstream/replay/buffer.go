// Package replay retains a bounded history of log records and serves resume
// and live-follow sessions to observers.
//
// Records are dual-indexed: by transport cursor (partition, offset) for
// global resume, and by (thread, sequence) for per-thread replay. Both
// indices hold the full 64-bit range; ordering keys are integers end to
// end, never float scores.
package replay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
)

// Retention defaults, shared by the memory and Redis buffers.
const (
	// DefaultMaxPerPartition bounds retained records per partition.
	DefaultMaxPerPartition = 10000

	// DefaultMaxPerThread bounds retained sequence index entries per thread.
	DefaultMaxPerThread = 10000

	// DefaultRetention expires retained records by age.
	DefaultRetention = time.Hour
)

// Stored is one retained record with both of its addresses.
type Stored struct {
	// Cursor is the record's transport address. It comes from consume
	// metadata, never from the payload.
	Cursor log.Cursor

	// ThreadID and Sequence index the record for per-thread replay.
	// Synthetic sequences are stored but excluded from the thread index.
	ThreadID string
	Sequence message.Sequence

	// Frame is the encoded wire frame, exactly as consumed.
	Frame []byte

	StoredAt time.Time
}

// Buffer is the bounded replay history. Implementations must be safe for
// concurrent use.
type Buffer interface {
	// Store retains one record under both indices, evicting the oldest
	// entries past the retention bounds.
	Store(ctx context.Context, rec Stored) error

	// RangeByPartition returns up to limit retained records with offsets
	// strictly greater than afterOffset, in offset order.
	RangeByPartition(ctx context.Context, partition int32, afterOffset int64, limit int) ([]Stored, error)

	// RangeByThread returns up to limit retained records for a thread with
	// real sequences strictly greater than afterSeq, in sequence order.
	RangeByThread(ctx context.Context, threadID string, afterSeq uint64, limit int) ([]Stored, error)

	// Bounds returns the oldest and newest retained offsets for a
	// partition. ok is false when nothing is retained.
	Bounds(ctx context.Context, partition int32) (oldest, newest int64, ok bool, err error)

	// Partitions returns every partition with retained records. Resume
	// requests that omit a partition replay it from earliest retained, so
	// the service needs to know what exists.
	Partitions(ctx context.Context) ([]int32, error)

	// Close releases the buffer.
	Close() error
}

// MemoryConfig configures the in-memory buffer.
type MemoryConfig struct {
	// MaxPerPartition bounds retained records per partition.
	// Default: DefaultMaxPerPartition.
	MaxPerPartition int

	// MaxPerThread bounds thread index entries per thread.
	// Default: DefaultMaxPerThread.
	MaxPerThread int
}

// MemoryBuffer is an in-memory Buffer for tests and single-instance
// deployments. The Redis buffer is the production implementation.
type MemoryBuffer struct {
	cfg MemoryConfig

	mu         sync.RWMutex
	partitions map[int32][]Stored          // ordered by offset
	threads    map[string][]threadIndexRef // ordered by sequence
}

type threadIndexRef struct {
	seq    uint64
	cursor log.Cursor
}

// NewMemoryBuffer creates an in-memory buffer.
func NewMemoryBuffer(cfg MemoryConfig) *MemoryBuffer {
	if cfg.MaxPerPartition <= 0 {
		cfg.MaxPerPartition = DefaultMaxPerPartition
	}
	if cfg.MaxPerThread <= 0 {
		cfg.MaxPerThread = DefaultMaxPerThread
	}
	return &MemoryBuffer{
		cfg:        cfg,
		partitions: make(map[int32][]Stored),
		threads:    make(map[string][]threadIndexRef),
	}
}

// Store retains one record. Offsets arrive in consume order per partition;
// out-of-order stores are tolerated by insertion sort but never expected.
func (b *MemoryBuffer) Store(_ context.Context, rec Stored) error {
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p := rec.Cursor.Partition
	records := b.partitions[p]
	if n := len(records); n > 0 && records[n-1].Cursor.Offset > rec.Cursor.Offset {
		i := sort.Search(n, func(i int) bool { return records[i].Cursor.Offset >= rec.Cursor.Offset })
		records = append(records, Stored{})
		copy(records[i+1:], records[i:])
		records[i] = rec
	} else {
		records = append(records, rec)
	}
	if over := len(records) - b.cfg.MaxPerPartition; over > 0 {
		records = append(records[:0], records[over:]...)
	}
	b.partitions[p] = records

	if seq, ok := rec.Sequence.Value(); ok && rec.ThreadID != "" {
		refs := b.threads[rec.ThreadID]
		refs = append(refs, threadIndexRef{seq: seq, cursor: rec.Cursor})
		sort.Slice(refs, func(i, j int) bool { return refs[i].seq < refs[j].seq })
		if over := len(refs) - b.cfg.MaxPerThread; over > 0 {
			refs = append(refs[:0], refs[over:]...)
		}
		b.threads[rec.ThreadID] = refs
	}
	return nil
}

// RangeByPartition returns retained records after afterOffset.
func (b *MemoryBuffer) RangeByPartition(_ context.Context, partition int32, afterOffset int64, limit int) ([]Stored, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	records := b.partitions[partition]
	i := sort.Search(len(records), func(i int) bool { return records[i].Cursor.Offset > afterOffset })
	end := i + limit
	if limit <= 0 || end > len(records) {
		end = len(records)
	}
	out := make([]Stored, end-i)
	copy(out, records[i:end])
	return out, nil
}

// RangeByThread returns retained records for a thread after afterSeq.
func (b *MemoryBuffer) RangeByThread(ctx context.Context, threadID string, afterSeq uint64, limit int) ([]Stored, error) {
	b.mu.RLock()
	refs := b.threads[threadID]
	i := sort.Search(len(refs), func(i int) bool { return refs[i].seq > afterSeq })
	end := i + limit
	if limit <= 0 || end > len(refs) {
		end = len(refs)
	}
	selected := make([]threadIndexRef, end-i)
	copy(selected, refs[i:end])
	b.mu.RUnlock()

	out := make([]Stored, 0, len(selected))
	for _, ref := range selected {
		rec, ok := b.lookup(ref.cursor)
		if !ok {
			continue // evicted from the partition index; the sequence range will surface a gap
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *MemoryBuffer) lookup(cur log.Cursor) (Stored, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	records := b.partitions[cur.Partition]
	i := sort.Search(len(records), func(i int) bool { return records[i].Cursor.Offset >= cur.Offset })
	if i < len(records) && records[i].Cursor.Offset == cur.Offset {
		return records[i], true
	}
	return Stored{}, false
}

// Bounds returns the retained offset range for a partition.
func (b *MemoryBuffer) Bounds(_ context.Context, partition int32) (int64, int64, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	records := b.partitions[partition]
	if len(records) == 0 {
		return 0, 0, false, nil
	}
	return records[0].Cursor.Offset, records[len(records)-1].Cursor.Offset, true, nil
}

// Partitions returns the partitions with retained records, in order.
func (b *MemoryBuffer) Partitions(_ context.Context) ([]int32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int32, 0, len(b.partitions))
	for p, records := range b.partitions {
		if len(records) > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close releases the buffer.
func (b *MemoryBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitions = make(map[int32][]Stored)
	b.threads = make(map[string][]threadIndexRef)
	return nil
}
