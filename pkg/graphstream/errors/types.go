package errors

import "fmt"

// TransportError represents a publish, consume, or store round-trip failure.
// Transport errors are retried with bounded backoff and become Terminal
// after retries are exhausted.
type TransportError struct {
	// Op names the failed operation (e.g. "publish", "consume", "index-write").
	Op string

	// Err is the underlying transport error.
	Err error

	// Terminal marks the error as surfaced after retry exhaustion.
	Terminal bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("transport error in %s (terminal): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport error in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError indicates a malformed wire payload. Decode errors are routed
// to the dead-letter queue; they never stall the stream unless fail-closed
// mode is active.
type DecodeError struct {
	// Reason describes what failed to decode.
	Reason string

	// Err is the underlying parse or decompression error, if any.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode error: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// OrderingViolation indicates a state-mutating message arrived with a
// sequence that is either synthetic or behind the last applied sequence for
// its thread. The message is rejected and the thread flagged NeedsResync.
type OrderingViolation struct {
	ThreadID string

	// LastApplied is the last applied sequence, rendered as a decimal string
	// to preserve full 64-bit range.
	LastApplied string

	// Got is the offending sequence.
	Got string

	// Synthetic is true when the sequence was locally synthesized rather
	// than wire-derived.
	Synthetic bool
}

// Error implements the error interface.
func (e *OrderingViolation) Error() string {
	if e.Synthetic {
		return fmt.Sprintf("ordering violation on thread %s: synthetic sequence %s cannot mutate state", e.ThreadID, e.Got)
	}
	return fmt.Sprintf("ordering violation on thread %s: sequence %s behind last applied %s", e.ThreadID, e.Got, e.LastApplied)
}

// IntegrityMismatch indicates a state hash verification failure. The thread
// is flagged Corrupted until a checkpoint or snapshot resyncs it.
type IntegrityMismatch struct {
	ThreadID string
	Expected string
	Computed string
}

// Error implements the error interface.
func (e *IntegrityMismatch) Error() string {
	return fmt.Sprintf("integrity mismatch on thread %s: expected hash %s, computed %s", e.ThreadID, e.Expected, e.Computed)
}

// ResyncRequired indicates a gap or stale-cursor signal. Further diffs for
// the thread are suppressed until a checkpoint or snapshot arrives.
type ResyncRequired struct {
	ThreadID string
	Reason   string
}

// Error implements the error interface.
func (e *ResyncRequired) Error() string {
	return fmt.Sprintf("resync required for thread %s: %s", e.ThreadID, e.Reason)
}

// ConfigError indicates invalid configuration. Config errors fail fast at
// startup and are never silently defaulted.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}
