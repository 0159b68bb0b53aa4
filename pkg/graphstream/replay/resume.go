package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
)

// Resume request limits. A malicious or buggy observer cannot make the
// service walk an unbounded index set.
const (
	MaxResumePartitions = 1024
	MaxResumeThreads    = 10000
)

// StaleCursorMode selects the behavior when an observer resumes from an
// offset the log has never reached.
type StaleCursorMode string

// Stale cursor modes.
const (
	// StaleReject surfaces cursor_stale and continues from the live head.
	// The observer keeps its state but knows its cursor was meaningless.
	StaleReject StaleCursorMode = "reject"

	// StaleResnapshot surfaces cursor_stale and replays everything
	// retained, forcing the observer back through checkpoint recovery.
	StaleResnapshot StaleCursorMode = "resnapshot"
)

// ResumeRequest is the first message an observer sends after connecting.
// Offsets and sequences travel as decimal strings: both are 64-bit values
// that JSON number decoding would narrow past 2^53.
type ResumeRequest struct {
	// PartitionOffsets maps partition (decimal string) to the last offset
	// the observer durably processed. Replay starts after it.
	PartitionOffsets map[string]string `json:"partition_offsets,omitempty"`

	// ThreadSequences maps thread ID to the last real sequence applied.
	ThreadSequences map[string]string `json:"thread_sequences,omitempty"`
}

// partitionCursors parses and validates the partition side of the request.
func (r *ResumeRequest) partitionCursors() (map[int32]int64, error) {
	if len(r.PartitionOffsets) > MaxResumePartitions {
		return nil, &gserrors.ConfigError{Field: "partition_offsets", Message: fmt.Sprintf("more than %d partitions", MaxResumePartitions)}
	}
	out := make(map[int32]int64, len(r.PartitionOffsets))
	for p, o := range r.PartitionOffsets {
		partition, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("resume: bad partition %q: %w", p, err)
		}
		offset, err := strconv.ParseInt(o, 10, 64)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("resume: bad offset %q for partition %s", o, p)
		}
		out[int32(partition)] = offset
	}
	return out, nil
}

// threadCursors parses and validates the thread side of the request.
func (r *ResumeRequest) threadCursors() (map[string]uint64, error) {
	if len(r.ThreadSequences) > MaxResumeThreads {
		return nil, &gserrors.ConfigError{Field: "thread_sequences", Message: fmt.Sprintf("more than %d threads", MaxResumeThreads)}
	}
	out := make(map[string]uint64, len(r.ThreadSequences))
	for threadID, s := range r.ThreadSequences {
		if threadID == "" {
			return nil, fmt.Errorf("resume: empty thread id")
		}
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("resume: bad sequence %q for thread %s", s, threadID)
		}
		out[threadID] = seq
	}
	return out, nil
}

// ControlType identifies a control message sent to the observer as a
// websocket text frame.
type ControlType string

// Control message types.
const (
	// ControlReplayComplete marks the end of replay for one partition or
	// thread; everything after it is live.
	ControlReplayComplete ControlType = "replay_complete"

	// ControlReplayCapped marks replay cut short by the global cap. The
	// observer must reconnect with its advanced cursor to drain the rest.
	ControlReplayCapped ControlType = "replay_capped"

	// ControlGap reports records aged out between the observer's cursor
	// and the oldest retained record. The observer must treat affected
	// state as NeedsResync.
	ControlGap ControlType = "gap"

	// ControlCursorStale reports a cursor beyond the newest retained
	// record, typically after log retention reset or environment swap.
	ControlCursorStale ControlType = "cursor_stale"
)

// Control is a control message. Numeric fields are decimal strings.
type Control struct {
	Type ControlType `json:"type"`

	// Partition scopes partition-level controls. Thread-level controls set
	// Thread instead.
	Partition *int32 `json:"partition,omitempty"`
	Thread    string `json:"thread,omitempty"`

	// From and To bound a gap: (From, To) exclusive are lost.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Missing is the count of records known lost in a gap.
	Missing string `json:"missing,omitempty"`

	// Delivered is the records replayed before a cap fired.
	Delivered string `json:"delivered,omitempty"`

	// Mode echoes the configured stale-cursor behavior on cursor_stale.
	Mode string `json:"mode,omitempty"`
}

func (c Control) encode() ([]byte, error) {
	return json.Marshal(c)
}

// dataFrame frames one record for the observer as a websocket binary
// message: a 4-byte big-endian length prefix, the JSON cursor header, then
// the wire frame. The cursor always travels with the exact record it
// addresses; a cursor persisted without its record cannot overrun it.
func dataFrame(cur log.Cursor, frame []byte) ([]byte, error) {
	header, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("replay: marshal cursor: %w", err)
	}
	out := make([]byte, 4, 4+len(header)+len(frame))
	binary.BigEndian.PutUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = append(out, frame...)
	return out, nil
}

// ParseDataFrame splits a binary data frame back into its cursor and wire
// frame. Observers use this on the client side.
func ParseDataFrame(data []byte) (log.Cursor, []byte, error) {
	if len(data) < 4 {
		return log.Cursor{}, nil, &gserrors.DecodeError{Reason: "data frame too short"}
	}
	headerLen := binary.BigEndian.Uint32(data)
	if int(headerLen) > len(data)-4 {
		return log.Cursor{}, nil, &gserrors.DecodeError{Reason: "data frame header length overruns frame"}
	}
	var cur log.Cursor
	if err := json.Unmarshal(data[4:4+headerLen], &cur); err != nil {
		return log.Cursor{}, nil, &gserrors.DecodeError{Reason: "data frame cursor", Err: err}
	}
	return cur, data[4+headerLen:], nil
}
