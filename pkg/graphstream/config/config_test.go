package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/graphstream/pkg/graphstream/config"
)

const sampleYAML = `
producer:
  thread_id: thread-1
  tenant_id: acme
  batch_size: 50
  batch_timeout: 250ms
  checkpoint_interval: 100
log:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: telemetry
  group: replay-service
  publish_timeout: 30s
replay:
  listen_addr: ":8080"
  redis_addr: "redis:6379"
  retention: 1h
  stale_cursor_mode: resnapshot
  fail_mode: closed
  dead_letter_path: ./deadletters.db
observer:
  url: ws://replay:8080/stream
  handshake_timeout: 10s
`

// TestFromYAML verifies YAML loading with duration strings.
func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "thread-1", cfg.Producer.ThreadID)
	assert.Equal(t, 50, cfg.Producer.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Producer.BatchTimeout.Std())
	assert.Equal(t, uint64(100), cfg.Producer.CheckpointInterval)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Log.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Log.PublishTimeout.Std())

	assert.Equal(t, time.Hour, cfg.Replay.Retention.Std())
	assert.Equal(t, "resnapshot", cfg.Replay.StaleCursorMode)
	assert.Equal(t, "closed", cfg.Replay.FailMode)

	assert.Equal(t, 10*time.Second, cfg.Observer.HandshakeTimeout.Std())
}

// TestFromJSON verifies JSON loading, including numeric durations read as
// seconds.
func TestFromJSON(t *testing.T) {
	data := []byte(`{
		"producer": {"thread_id": "t", "batch_timeout": "500ms"},
		"log": {"topic": "telemetry", "publish_timeout": 30},
		"replay": {"stale_cursor_mode": "reject"}
	}`)

	cfg, err := config.FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Producer.BatchTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Log.PublishTimeout.Std())
}

// TestFromFile verifies extension detection.
func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(sampleYAML), 0o644))
	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "telemetry", cfg.Log.Topic)

	badPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(badPath, []byte(""), 0o644))
	_, err = config.FromFile(badPath)
	require.Error(t, err)
}

// TestValidationFailures verifies bad values fail at load, not at runtime.
func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown stale cursor mode", "replay:\n  stale_cursor_mode: maybe\n"},
		{"unknown fail mode", "replay:\n  fail_mode: sideways\n"},
		{"fail closed without dead letter path", "replay:\n  fail_mode: closed\n"},
		{"negative batch size", "producer:\n  batch_size: -1\n"},
		{"negative retention", "replay:\n  retention: -5s\n"},
		{"bad duration", "producer:\n  batch_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

// TestDurationRoundTrip verifies durations marshal back to strings.
func TestDurationRoundTrip(t *testing.T) {
	d := config.Duration(90 * time.Second)
	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var decoded config.Duration
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.Equal(t, d, decoded)
}
