// Package message defines the shared telemetry vocabulary: the header
// present on every message, the tagged union of message variants, the wire
// codec, and state hashing.
//
// Every other component of the pipeline speaks this vocabulary. Producers
// serialize envelopes onto the partitioned log, the replay service indexes
// them by transport cursor, and observers decode and apply them to a
// reconstruction engine.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies a message variant.
type Type string

// Message variant types.
const (
	TypeEvent          Type = "event"
	TypeEventBatch     Type = "event_batch"
	TypeStateDiff      Type = "state_diff"
	TypeCheckpoint     Type = "checkpoint"
	TypeTokenChunk     Type = "token_chunk"
	TypeToolExecution  Type = "tool_execution"
	TypeMetrics        Type = "metrics"
	TypeError          Type = "error"
	TypeExecutionTrace Type = "execution_trace"
)

// Header is present on every message.
type Header struct {
	// MessageID is a stable dedup key, independent of sequence.
	MessageID string `json:"message_id"`

	// ThreadID identifies the logical run being observed.
	ThreadID string `json:"thread_id"`

	// TenantID isolates multi-tenant deployments.
	TenantID string `json:"tenant_id,omitempty"`

	// Sequence increases monotonically per ThreadID. Zero is a valid first
	// value.
	Sequence Sequence `json:"sequence"`

	// TimestampUS is producer wall-clock in microseconds. It may skew
	// against consumer clocks and must not be used for ordering.
	TimestampUS int64 `json:"timestamp_us"`

	// SchemaVersion allows envelope evolution.
	SchemaVersion int `json:"schema_version"`
}

// NewHeader creates a header with a fresh message ID and the current time.
func NewHeader(threadID, tenantID string, seq Sequence) Header {
	return Header{
		MessageID:     uuid.New().String(),
		ThreadID:      threadID,
		TenantID:      tenantID,
		Sequence:      seq,
		TimestampUS:   time.Now().UnixMicro(),
		SchemaVersion: 1,
	}
}

// EventType classifies node lifecycle events.
type EventType string

// Lifecycle event types.
const (
	EventGraphStart    EventType = "graph_start"
	EventGraphComplete EventType = "graph_complete"
	EventGraphError    EventType = "graph_error"
	EventNodeStart     EventType = "node_start"
	EventNodeComplete  EventType = "node_complete"
	EventNodeError     EventType = "node_error"
	EventCustom        EventType = "custom"
)

// Event is a lifecycle event for a graph node.
type Event struct {
	EventType  EventType         `json:"event_type"`
	NodeID     string            `json:"node_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	DurationUS int64             `json:"duration_us,omitempty"`
}

// BatchedEvent is an inner event of an EventBatch. Each inner event carries
// its own real header; the outer batch header's sequence is not a resume
// cursor.
type BatchedEvent struct {
	Header Header `json:"header"`
	Event  Event  `json:"event"`
}

// EventBatch is a container of inner events sharing one outer header.
type EventBatch struct {
	Events []BatchedEvent `json:"events"`
}

// PatchOpKind is an RFC6902 operation name.
type PatchOpKind string

// Patch operation kinds.
const (
	PatchAdd     PatchOpKind = "add"
	PatchRemove  PatchOpKind = "remove"
	PatchReplace PatchOpKind = "replace"
	PatchMove    PatchOpKind = "move"
	PatchCopy    PatchOpKind = "copy"
	PatchTest    PatchOpKind = "test"
)

// PatchOp is a single RFC6902 operation against the state tree.
type PatchOp struct {
	Op    PatchOpKind     `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StateDiff is an ordered set of patch operations against the authoritative
// state tree.
type StateDiff struct {
	Ops []PatchOp `json:"ops"`

	// BaseCheckpointID names the checkpoint this diff chains from. The
	// observer rejects the diff when it does not match the last installed
	// checkpoint.
	BaseCheckpointID string `json:"base_checkpoint_id,omitempty"`

	// StateHash is the expected hash of the state after applying Ops.
	// Empty disables verification for this diff.
	StateHash string `json:"state_hash,omitempty"`

	// FullState, when non-nil, carries a complete state snapshot instead of
	// Ops. Producers fall back to this when patch serialization fails.
	FullState json.RawMessage `json:"full_state,omitempty"`
}

// Checkpoint is a full compressed state snapshot usable as a resync
// baseline.
type Checkpoint struct {
	CheckpointID string `json:"checkpoint_id"`

	// State is the zstd-compressed canonical JSON of the full state tree.
	State []byte `json:"state"`

	// StateHash is the hash of the decompressed state.
	StateHash string `json:"state_hash"`

	// DiffsSince is the number of diffs emitted since the prior checkpoint.
	DiffsSince uint64 `json:"diffs_since,omitempty"`
}

// TokenChunk is an incremental piece of streamed model output.
type TokenChunk struct {
	NodeID  string `json:"node_id"`
	Content string `json:"content"`
	Index   int    `json:"index"`
	Final   bool   `json:"final,omitempty"`
}

// ToolExecution records a tool call made during graph execution.
type ToolExecution struct {
	Tool       string          `json:"tool"`
	NodeID     string          `json:"node_id,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Status     string          `json:"status"`
	DurationUS int64           `json:"duration_us,omitempty"`
}

// Metrics carries point-in-time numeric measurements.
type Metrics struct {
	Values     map[string]float64 `json:"values"`
	Attributes map[string]string  `json:"attributes,omitempty"`
}

// Severity grades error messages.
type Severity string

// Error severities.
const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// ErrorInfo reports an execution error observed by the producer.
type ErrorInfo struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	Severity Severity `json:"severity"`
}

// ExecutionTrace carries a span of the distributed execution trace.
type ExecutionTrace struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	NodeID       string            `json:"node_id,omitempty"`
	StartUS      int64             `json:"start_us"`
	EndUS        int64             `json:"end_us"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Envelope is the tagged union written to the log. Exactly one variant
// field matching Type must be populated.
type Envelope struct {
	Header Header `json:"header"`
	Type   Type   `json:"type"`

	Event      *Event          `json:"event,omitempty"`
	Batch      *EventBatch     `json:"batch,omitempty"`
	StateDiff  *StateDiff      `json:"state_diff,omitempty"`
	Checkpoint *Checkpoint     `json:"checkpoint,omitempty"`
	TokenChunk *TokenChunk     `json:"token_chunk,omitempty"`
	Tool       *ToolExecution  `json:"tool,omitempty"`
	Metrics    *Metrics        `json:"metrics,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	Trace      *ExecutionTrace `json:"trace,omitempty"`
}

// Mutating reports whether applying this message mutates authoritative
// observer state. Only mutating messages are gated by sequence ordering.
func (e *Envelope) Mutating() bool {
	return e.Type == TypeStateDiff || e.Type == TypeCheckpoint
}

// Validate checks that the populated variant matches Type and that the
// header is well-formed.
func (e *Envelope) Validate() error {
	if e.Header.ThreadID == "" {
		return fmt.Errorf("envelope: empty thread_id")
	}
	if e.Header.MessageID == "" {
		return fmt.Errorf("envelope: empty message_id")
	}

	populated := false
	switch e.Type {
	case TypeEvent:
		populated = e.Event != nil
	case TypeEventBatch:
		populated = e.Batch != nil
	case TypeStateDiff:
		populated = e.StateDiff != nil
	case TypeCheckpoint:
		populated = e.Checkpoint != nil
	case TypeTokenChunk:
		populated = e.TokenChunk != nil
	case TypeToolExecution:
		populated = e.Tool != nil
	case TypeMetrics:
		populated = e.Metrics != nil
	case TypeError:
		populated = e.Error != nil
	case TypeExecutionTrace:
		populated = e.Trace != nil
	default:
		return fmt.Errorf("envelope: unknown type %q", e.Type)
	}
	if !populated {
		return fmt.Errorf("envelope: type %q with nil payload", e.Type)
	}

	return nil
}
