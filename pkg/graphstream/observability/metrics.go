package observability

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublished records a successful publish.
	RecordPublished(ctx context.Context, msgType string, sizeBytes int)

	// RecordDrop records a dropped message, keyed by type and reason.
	// Every fallback and queue-full path must land here so operators can
	// alert on silent data loss.
	RecordDrop(ctx context.Context, msgType, reason string)

	// RecordDegraded records a degraded-mode fallback (patch serialization
	// falling back to full state, checkpoint compression failure).
	RecordDegraded(ctx context.Context, mode string)

	// RecordCheckpoint records checkpoint emission.
	RecordCheckpoint(ctx context.Context, sizeBytes int64)

	// RecordReplayGap records a gap surfaced to an observer.
	RecordReplayGap(ctx context.Context, partition int32, missing int64)

	// RecordConsumerLag records lag for an assigned partition.
	RecordConsumerLag(ctx context.Context, partition int32, lag int64)

	// RecordForwarded records a record forwarded to a connected observer.
	RecordForwarded(ctx context.Context)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published      metric.Int64Counter
	drops          metric.Int64Counter
	degraded       metric.Int64Counter
	checkpointSize metric.Int64Histogram
	replayGaps     metric.Int64Counter
	gapMessages    metric.Int64Counter
	consumerLag    metric.Int64Gauge
	forwarded      metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("graphstream")

	published, err := meter.Int64Counter("graphstream.messages.published",
		metric.WithDescription("Number of messages published to the log"),
	)
	if err != nil {
		return nil, err
	}

	drops, err := meter.Int64Counter("graphstream.messages.dropped",
		metric.WithDescription("Number of messages dropped, by type and reason"),
	)
	if err != nil {
		return nil, err
	}

	degraded, err := meter.Int64Counter("graphstream.producer.degraded",
		metric.WithDescription("Degraded-mode fallbacks, by mode"),
	)
	if err != nil {
		return nil, err
	}

	checkpointSize, err := meter.Int64Histogram("graphstream.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	replayGaps, err := meter.Int64Counter("graphstream.replay.gaps",
		metric.WithDescription("Replay gaps surfaced to observers"),
	)
	if err != nil {
		return nil, err
	}

	gapMessages, err := meter.Int64Counter("graphstream.replay.gap_messages",
		metric.WithDescription("Messages known lost across replay gaps"),
	)
	if err != nil {
		return nil, err
	}

	consumerLag, err := meter.Int64Gauge("graphstream.consumer.lag",
		metric.WithDescription("Consumer lag per assigned partition"),
	)
	if err != nil {
		return nil, err
	}

	forwarded, err := meter.Int64Counter("graphstream.replay.forwarded",
		metric.WithDescription("Records forwarded to connected observers"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:      published,
		drops:          drops,
		degraded:       degraded,
		checkpointSize: checkpointSize,
		replayGaps:     replayGaps,
		gapMessages:    gapMessages,
		consumerLag:    consumerLag,
		forwarded:      forwarded,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublished records a successful publish.
func (m *otelMetrics) RecordPublished(ctx context.Context, msgType string, sizeBytes int) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordDrop records a dropped message.
func (m *otelMetrics) RecordDrop(ctx context.Context, msgType, reason string) {
	m.drops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", msgType),
		attribute.String("reason", reason),
	))
}

// RecordDegraded records a degraded-mode fallback.
func (m *otelMetrics) RecordDegraded(ctx context.Context, mode string) {
	m.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordCheckpoint records checkpoint emission.
func (m *otelMetrics) RecordCheckpoint(ctx context.Context, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes)
}

// RecordReplayGap records a gap surfaced to an observer.
func (m *otelMetrics) RecordReplayGap(ctx context.Context, partition int32, missing int64) {
	attrs := metric.WithAttributes(attribute.Int("partition", int(partition)))
	m.replayGaps.Add(ctx, 1, attrs)
	m.gapMessages.Add(ctx, missing, attrs)
}

// RecordConsumerLag records lag for an assigned partition.
func (m *otelMetrics) RecordConsumerLag(ctx context.Context, partition int32, lag int64) {
	m.consumerLag.Record(ctx, lag, metric.WithAttributes(attribute.Int("partition", int(partition))))
}

// RecordForwarded records a record forwarded to an observer.
func (m *otelMetrics) RecordForwarded(ctx context.Context) {
	m.forwarded.Add(ctx, 1)
}
