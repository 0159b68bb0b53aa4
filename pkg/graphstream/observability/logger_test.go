package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestEnrichLogger(t *testing.T) {
	logger, buf := testLogger()

	enriched := EnrichLogger(logger, "thread-1", "producer")
	require.NotNil(t, enriched)
	enriched.Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"thread_id":"thread-1"`)
	assert.Contains(t, out, `"component":"producer"`)

	assert.Nil(t, EnrichLogger(nil, "t", "c"))
}

// TestHelpersNilSafe verifies every log helper tolerates a nil logger;
// observability is opt-in everywhere.
func TestHelpersNilSafe(t *testing.T) {
	LogPublishFailure(nil, "t", "event", errors.New("x"), 3)
	LogDrop(nil, "t", "event", "queue_full")
	LogCheckpointEmitted(nil, "t", "ckpt-1", 100, 5)
	LogReplayGap(nil, 0, 7)
	LogTrustTransition(nil, "t", "trusted", "corrupted", "hash mismatch")
}

func TestLogDrop(t *testing.T) {
	logger, buf := testLogger()
	LogDrop(logger, "thread-1", "state_diff", "oversized")

	out := buf.String()
	assert.Contains(t, out, "message dropped")
	assert.Contains(t, out, `"reason":"oversized"`)
}

func TestLogTrustTransition(t *testing.T) {
	logger, buf := testLogger()
	LogTrustTransition(logger, "thread-1", "trusted", "needs_resync", "replay gap")

	out := buf.String()
	assert.Contains(t, out, "thread trust transition")
	assert.Contains(t, out, `"from":"trusted"`)
	assert.Contains(t, out, `"to":"needs_resync"`)
}

func TestTimedOperation(t *testing.T) {
	elapsed := TimedOperation()
	assert.GreaterOrEqual(t, elapsed(), float64(0))
}
