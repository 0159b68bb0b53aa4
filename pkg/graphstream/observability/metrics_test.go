package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a reader to
// collect from it.
func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("error shutting down meter provider: %v", err)
		}
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
}

func TestRecordDrop(t *testing.T) {
	reader := setupMetricsTest(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDrop(ctx, "state_diff", "queue_full")

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "graphstream.messages.dropped")
	require.NotNil(t, metric)

	sum, ok := metric.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum type")
	require.NotEmpty(t, sum.DataPoints)

	found := false
	for _, dp := range sum.DataPoints {
		for _, attr := range dp.Attributes.ToSlice() {
			if attr.Key == "reason" && attr.Value.AsString() == "queue_full" {
				found = true
				assert.GreaterOrEqual(t, dp.Value, int64(1))
			}
		}
	}
	assert.True(t, found, "expected a datapoint for reason=queue_full")
}

func TestRecordReplayGap(t *testing.T) {
	reader := setupMetricsTest(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordReplayGap(context.Background(), 2, 17)

	rm := collectMetrics(t, reader)
	require.NotNil(t, findMetric(rm, "graphstream.replay.gaps"))

	messages := findMetric(rm, "graphstream.replay.gap_messages")
	require.NotNil(t, messages)
	sum, ok := messages.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.NotEmpty(t, sum.DataPoints)
	assert.Equal(t, int64(17), sum.DataPoints[0].Value)
}

func TestRecordConsumerLag(t *testing.T) {
	reader := setupMetricsTest(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordConsumerLag(context.Background(), 0, 42)

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "graphstream.consumer.lag")
	require.NotNil(t, metric)

	gauge, ok := metric.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "expected Gauge type")
	require.NotEmpty(t, gauge.DataPoints)
	assert.Equal(t, int64(42), gauge.DataPoints[0].Value)
}

func TestOtelMetricsAllMethods(t *testing.T) {
	reader := setupMetricsTest(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordPublished(ctx, "event", 128)
	m.RecordDrop(ctx, "state_diff", "oversized")
	m.RecordDegraded(ctx, "patch_fallback")
	m.RecordCheckpoint(ctx, 4096)
	m.RecordReplayGap(ctx, 1, 5)
	m.RecordConsumerLag(ctx, 1, 3)
	m.RecordForwarded(ctx)

	rm := collectMetrics(t, reader)
	assert.NotNil(t, findMetric(rm, "graphstream.messages.published"))
	assert.NotNil(t, findMetric(rm, "graphstream.messages.dropped"))
	assert.NotNil(t, findMetric(rm, "graphstream.producer.degraded"))
	assert.NotNil(t, findMetric(rm, "graphstream.checkpoint.size_bytes"))
	assert.NotNil(t, findMetric(rm, "graphstream.replay.gaps"))
	assert.NotNil(t, findMetric(rm, "graphstream.consumer.lag"))
	assert.NotNil(t, findMetric(rm, "graphstream.replay.forwarded"))
}
