package log

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// MemoryLog is an in-memory partitioned log for tests and examples. It
// mirrors the Kafka adapter's contract: records keyed the same land on the
// same partition, offsets are per-partition and monotonic.
type MemoryLog struct {
	mu         sync.Mutex
	partitions [][]Record
	topic      string
	waiters    []chan struct{}
}

// NewMemoryLog creates a log with the given partition count.
func NewMemoryLog(topic string, partitions int) *MemoryLog {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryLog{
		topic:      topic,
		partitions: make([][]Record, partitions),
	}
}

// Publish implements Publisher.
func (l *MemoryLog) Publish(_ context.Context, key, value []byte) (Cursor, error) {
	h := fnv.New32a()
	h.Write(key)
	partition := int32(h.Sum32() % uint32(len(l.partitions)))

	l.mu.Lock()
	offset := int64(len(l.partitions[partition]))
	keyCopy := append([]byte(nil), key...)
	valueCopy := append([]byte(nil), value...)
	l.partitions[partition] = append(l.partitions[partition], Record{
		Topic:     l.topic,
		Partition: partition,
		Offset:    offset,
		Key:       keyCopy,
		Value:     valueCopy,
		Timestamp: time.Now(),
	})
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return Cursor{Partition: partition, Offset: offset}, nil
}

// Close implements Publisher.
func (l *MemoryLog) Close() error {
	return nil
}

// Head returns the newest offset of a partition. ok is false for an empty
// or unknown partition.
func (l *MemoryLog) Head(_ context.Context, partition int32) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(partition) >= len(l.partitions) || len(l.partitions[partition]) == 0 {
		return 0, false, nil
	}
	return int64(len(l.partitions[partition])) - 1, true, nil
}

// NewConsumer returns a consumer positioned at the earliest offset of every
// partition.
func (l *MemoryLog) NewConsumer() *MemoryConsumer {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]int64, len(l.partitions))
	return &MemoryConsumer{log: l, next: next}
}

// MemoryConsumer reads all partitions of a MemoryLog.
type MemoryConsumer struct {
	log *MemoryLog

	mu        sync.Mutex
	next      []int64
	committed map[int32]int64
	closed    bool
}

// Poll implements Consumer.
func (c *MemoryConsumer) Poll(ctx context.Context) ([]Record, error) {
	for {
		c.log.mu.Lock()
		var out []Record
		c.mu.Lock()
		for p := range c.log.partitions {
			for int(c.next[p]) < len(c.log.partitions[p]) {
				out = append(out, c.log.partitions[p][c.next[p]])
				c.next[p]++
			}
		}
		c.mu.Unlock()
		if len(out) > 0 {
			c.log.mu.Unlock()
			return out, nil
		}

		wait := make(chan struct{})
		c.log.waiters = append(c.log.waiters, wait)
		c.log.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Commit implements Consumer.
func (c *MemoryConsumer) Commit(_ context.Context, cursors []Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed == nil {
		c.committed = make(map[int32]int64)
	}
	for _, cur := range cursors {
		if cur.Offset+1 > c.committed[cur.Partition] {
			c.committed[cur.Partition] = cur.Offset + 1
		}
	}
	return nil
}

// Committed returns the committed next-offset for a partition. Useful for
// tests asserting commit discipline.
func (c *MemoryConsumer) Committed(partition int32) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed[partition]
}

// Assigned implements Consumer. A memory consumer owns every partition.
func (c *MemoryConsumer) Assigned() []int32 {
	parts := make([]int32, len(c.log.partitions))
	for i := range parts {
		parts[i] = int32(i)
	}
	return parts
}

// Close implements Consumer.
func (c *MemoryConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
