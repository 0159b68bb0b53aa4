package replay

import (
	"context"
	"log/slog"
	"time"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
	"github.com/randalmurphal/graphstream/pkg/graphstream/observability"
)

// HeadSource supplies the newest available offset per partition (the log's
// high watermark minus one).
type HeadSource interface {
	Head(ctx context.Context, partition int32) (offset int64, ok bool, err error)
}

// HeadFunc adapts a function to HeadSource.
type HeadFunc func(ctx context.Context, partition int32) (int64, bool, error)

// Head implements HeadSource.
func (f HeadFunc) Head(ctx context.Context, partition int32) (int64, bool, error) {
	return f(ctx, partition)
}

// LagMonitorConfig configures the lag monitor.
type LagMonitorConfig struct {
	// Assigned returns the partitions this instance currently owns.
	// Reporting lag for unowned partitions double-counts across a consumer
	// group, so only assigned partitions are sampled. Required.
	Assigned func() []int32

	// Head supplies the newest available offset per partition. Required.
	Head HeadSource

	// Processed returns the last offset this instance durably indexed.
	// Required.
	Processed func(partition int32) (int64, bool)

	// Interval between samples. Default: 15s.
	Interval time.Duration

	// Logger receives sampling errors. Optional.
	Logger *slog.Logger

	// Metrics receives the per-partition lag gauge. Optional.
	Metrics observability.MetricsRecorder
}

func (c *LagMonitorConfig) validate() error {
	if c.Assigned == nil {
		return &gserrors.ConfigError{Field: "assigned", Message: "required"}
	}
	if c.Head == nil {
		return &gserrors.ConfigError{Field: "head", Message: "required"}
	}
	if c.Processed == nil {
		return &gserrors.ConfigError{Field: "processed", Message: "required"}
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return nil
}

// LagMonitor periodically reports how far ingest trails the log head for
// each assigned partition. Partitions lost in a rebalance drop out of the
// next sample automatically.
type LagMonitor struct {
	cfg LagMonitorConfig
}

// NewLagMonitor creates a lag monitor.
func NewLagMonitor(cfg LagMonitorConfig) (*LagMonitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &LagMonitor{cfg: cfg}, nil
}

// Run samples until the context is canceled.
func (m *LagMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample reports lag once for every assigned partition.
func (m *LagMonitor) Sample(ctx context.Context) {
	for _, partition := range m.cfg.Assigned() {
		head, ok, err := m.cfg.Head.Head(ctx, partition)
		if err != nil {
			if m.cfg.Logger != nil {
				m.cfg.Logger.Warn("lag sample failed",
					slog.Int("partition", int(partition)),
					slog.String("error", err.Error()))
			}
			continue
		}
		if !ok {
			continue // empty partition
		}

		processed, seen := m.cfg.Processed(partition)
		var lag int64
		if !seen {
			lag = head + 1 // nothing indexed yet; everything is lag
		} else if head > processed {
			lag = head - processed
		}
		m.cfg.Metrics.RecordConsumerLag(ctx, partition, lag)
	}
}
