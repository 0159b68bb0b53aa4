// Package log adapts a partitioned, offset-addressed log (Kafka or an
// in-memory stand-in) for the telemetry pipeline.
//
// The log's native (partition, offset) pair is the only globally ordered
// address across threads. It is read from transport metadata on consume,
// never encoded inside payloads.
package log

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Cursor is a position in the partitioned log.
//
// Offsets are encoded as JSON strings: they are unbounded 64-bit integers
// and real deployments exceed the 2^53 float-safe range.
type Cursor struct {
	Partition int32
	Offset    int64
}

// cursorJSON is the wire shape of a cursor.
type cursorJSON struct {
	Partition int32  `json:"partition"`
	Offset    string `json:"offset"`
}

// MarshalJSON encodes the offset as a decimal string.
func (c Cursor) MarshalJSON() ([]byte, error) {
	return json.Marshal(cursorJSON{Partition: c.Partition, Offset: strconv.FormatInt(c.Offset, 10)})
}

// UnmarshalJSON decodes a cursor, accepting the offset as a string.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	var raw cursorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	offset, err := strconv.ParseInt(raw.Offset, 10, 64)
	if err != nil {
		return fmt.Errorf("cursor: parse offset %q: %w", raw.Offset, err)
	}
	c.Partition = raw.Partition
	c.Offset = offset
	return nil
}

// String renders the cursor as partition:offset.
func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.Partition, c.Offset)
}

// Record is one consumed log record with its transport metadata.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Cursor returns the record's transport cursor.
func (r Record) Cursor() Cursor {
	return Cursor{Partition: r.Partition, Offset: r.Offset}
}

// Publisher publishes records to the log. Implementations must be safe for
// concurrent use.
type Publisher interface {
	// Publish writes one record keyed by key (records sharing a key land on
	// one partition) and returns the assigned cursor.
	Publish(ctx context.Context, key, value []byte) (Cursor, error)

	// Close flushes and releases the client.
	Close() error
}

// Consumer consumes records from the log as part of a consumer group.
type Consumer interface {
	// Poll returns the next batch of records. It blocks until records are
	// available or the context is done.
	Poll(ctx context.Context) ([]Record, error)

	// Commit marks the given cursors as processed. In fail-closed mode the
	// replay service only commits after dead-lettering succeeded.
	Commit(ctx context.Context, cursors []Cursor) error

	// Assigned returns the partitions currently assigned to this consumer.
	// Lag monitors must track only these partitions.
	Assigned() []int32

	// Close leaves the group and releases the client.
	Close() error
}
