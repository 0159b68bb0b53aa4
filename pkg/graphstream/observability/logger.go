// Package observability provides structured logging and metrics for the
// telemetry pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds pipeline context to a logger.
// Returns a new logger with thread_id and component fields.
func EnrichLogger(logger *slog.Logger, threadID, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("thread_id", threadID),
		slog.String("component", component),
	)
}

// LogPublishFailure logs a terminal publish failure.
func LogPublishFailure(logger *slog.Logger, threadID string, msgType string, err error, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("publish failed after retries",
		slog.String("thread_id", threadID),
		slog.String("message_type", msgType),
		slog.String("error", err.Error()),
		slog.Int("attempts", attempts),
	)
}

// LogDrop logs a dropped message. Drops are also counted; operators alert
// on the counter, not the log line.
func LogDrop(logger *slog.Logger, threadID, msgType, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("message dropped",
		slog.String("thread_id", threadID),
		slog.String("message_type", msgType),
		slog.String("reason", reason),
	)
}

// LogCheckpointEmitted logs checkpoint emission.
func LogCheckpointEmitted(logger *slog.Logger, threadID, checkpointID string, sizeBytes int, diffsSince uint64) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint emitted",
		slog.String("thread_id", threadID),
		slog.String("checkpoint_id", checkpointID),
		slog.Int("size_bytes", sizeBytes),
		slog.Uint64("diffs_since", diffsSince),
	)
}

// LogReplayGap logs a detected replay gap.
func LogReplayGap(logger *slog.Logger, partition int32, missing int64) {
	if logger == nil {
		return
	}
	logger.Warn("replay gap detected",
		slog.Int("partition", int(partition)),
		slog.Int64("missing", missing),
	)
}

// LogTrustTransition logs a thread trust state change.
func LogTrustTransition(logger *slog.Logger, threadID, from, to, reason string) {
	if logger == nil {
		return
	}
	logger.Info("thread trust transition",
		slog.String("thread_id", threadID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
