package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
	"github.com/randalmurphal/graphstream/pkg/graphstream/observability"
	"github.com/randalmurphal/graphstream/pkg/graphstream/reconstruct"
	"github.com/randalmurphal/graphstream/pkg/graphstream/replay"
)

// errReconnect asks the run loop to reconnect immediately with the advanced
// cursor (replay_capped).
var errReconnect = errors.New("reconnect requested")

// Config configures an observer client.
type Config struct {
	// URL is the replay service websocket endpoint (ws:// or wss://).
	URL string

	// Engine receives every decoded envelope. Required.
	Engine *reconstruct.Engine

	// Cursors persists resume cursors. Required.
	Cursors CursorStore

	// Codec decodes wire frames. Required.
	Codec *message.Codec

	// Dialer overrides the default websocket dialer. Optional.
	Dialer *websocket.Dialer

	// HandshakeTimeout bounds the websocket handshake. Default: 30s.
	HandshakeTimeout time.Duration

	// Reconnect controls backoff between connection attempts.
	// Default: gserrors.DefaultRetry backoff values with unlimited attempts.
	Reconnect gserrors.RetryConfig

	// Logger receives connection and apply logs. Optional.
	Logger *slog.Logger

	// Metrics receives accounting. Optional.
	Metrics observability.MetricsRecorder
}

func (c *Config) validate() error {
	if c.URL == "" {
		return &gserrors.ConfigError{Field: "url", Message: "required"}
	}
	if c.Engine == nil {
		return &gserrors.ConfigError{Field: "engine", Message: "required"}
	}
	if c.Cursors == nil {
		return &gserrors.ConfigError{Field: "cursors", Message: "required"}
	}
	if c.Codec == nil {
		return &gserrors.ConfigError{Field: "codec", Message: "required"}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.Reconnect.InitialBackoff <= 0 {
		c.Reconnect.InitialBackoff = gserrors.DefaultRetry.InitialBackoff
	}
	if c.Reconnect.MaxBackoff <= 0 {
		c.Reconnect.MaxBackoff = gserrors.DefaultRetry.MaxBackoff
	}
	if c.Reconnect.BackoffFactor <= 1 {
		c.Reconnect.BackoffFactor = gserrors.DefaultRetry.BackoffFactor
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return nil
}

// Client connects to the replay service and feeds the reconstruction
// engine. Decode and apply run serialized on the connection's read loop;
// the cursor for a record is persisted only after its apply completed, so a
// crash never leaves the cursor ahead of the engine.
type Client struct {
	cfg Config

	// epoch counts connections. Work tagged with an old epoch is stale:
	// its connection is gone and a newer one owns the stream.
	epoch atomic.Int64
}

// New creates an observer client.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg}, nil
}

// Run connects and processes the stream until the context is canceled,
// reconnecting with backoff. Each reconnect resumes from the persisted
// cursors.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.Reconnect.InitialBackoff
	for {
		err := c.runConnection(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errReconnect):
			backoff = c.cfg.Reconnect.InitialBackoff // deliberate reconnect, no penalty
		default:
			if c.cfg.Logger != nil && err != nil {
				c.cfg.Logger.Warn("connection lost, reconnecting",
					slog.String("error", err.Error()),
					slog.Duration("backoff", backoff))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * c.cfg.Reconnect.BackoffFactor)
			if backoff > c.cfg.Reconnect.MaxBackoff {
				backoff = c.cfg.Reconnect.MaxBackoff
			}
		}
	}
}

// runConnection handles one connection: resume negotiation, then the read
// loop.
func (c *Client) runConnection(ctx context.Context) error {
	epoch := c.epoch.Add(1)

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return &gserrors.TransportError{Op: "dial", Err: err}
	}
	defer conn.Close()

	// Close the connection when the context dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	partitions, threads, err := c.cfg.Cursors.Load(ctx)
	if err != nil {
		return fmt.Errorf("observer: load cursors: %w", err)
	}
	if err := c.sendResumeRequest(conn, partitions, threads); err != nil {
		return err
	}

	// applied tracks the highest offset processed per partition on this
	// connection, seeded from the persisted cursors. The replay service
	// delivers at least once; a frame at or below the mark was already
	// applied and must not reach the engine again.
	applied := make(map[int32]int64, len(partitions))
	for p, o := range partitions {
		applied[p] = o
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return &gserrors.TransportError{Op: "read", Err: err}
		}
		if c.epoch.Load() != epoch {
			// A newer connection owns the stream; anything read here is
			// stale and must not touch the engine or cursors.
			return nil
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := c.handleRecord(ctx, data, applied); err != nil {
				return err
			}
		case websocket.TextMessage:
			if err := c.handleControl(ctx, data); err != nil {
				return err
			}
		}
	}
}

func (c *Client) sendResumeRequest(conn *websocket.Conn, partitions map[int32]int64, threads map[string]uint64) error {
	req := replay.ResumeRequest{
		PartitionOffsets: make(map[string]string, len(partitions)),
		ThreadSequences:  make(map[string]string, len(threads)),
	}
	for p, o := range partitions {
		req.PartitionOffsets[strconv.FormatInt(int64(p), 10)] = strconv.FormatInt(o, 10)
	}
	for t, s := range threads {
		req.ThreadSequences[t] = strconv.FormatUint(s, 10)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("observer: marshal resume request: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// handleRecord decodes and applies one record, then persists its cursor.
// Records at or below the applied high-water mark for their partition are
// redeliveries and are skipped without touching the engine.
func (c *Client) handleRecord(ctx context.Context, data []byte, applied map[int32]int64) error {
	cur, frame, err := replay.ParseDataFrame(data)
	if err != nil {
		return err // a malformed data frame means a broken peer, not a poison record
	}

	if last, ok := applied[cur.Partition]; ok && cur.Offset <= last {
		return nil
	}
	applied[cur.Partition] = cur.Offset

	env, err := c.cfg.Codec.Decode(frame)
	if err != nil {
		// The replay service dead-letters undecodable frames on ingest;
		// one reaching here is already archived. Skip it and advance, or
		// the stream wedges forever on a frame nobody can fix.
		observability.LogDrop(c.cfg.Logger, "", "undecodable", err.Error())
		c.cfg.Metrics.RecordDrop(ctx, "undecodable", "decode_failed")
		return c.cfg.Cursors.SavePartition(ctx, cur.Partition, cur.Offset)
	}

	if err := c.cfg.Engine.Apply(env); err != nil {
		// Rejections are the engine flagging trust state, not transport
		// failures. The record is fully processed either way.
		if c.cfg.Logger != nil {
			c.cfg.Logger.Debug("mutation refused",
				slog.String("thread_id", env.Header.ThreadID),
				slog.String("reason", err.Error()))
		}
	}

	if err := c.cfg.Cursors.SavePartition(ctx, cur.Partition, cur.Offset); err != nil {
		return err
	}
	if env.Mutating() {
		if seq, ok := env.Header.Sequence.Value(); ok {
			if err := c.cfg.Cursors.SaveThread(ctx, env.Header.ThreadID, seq); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleControl reacts to replay service control messages.
func (c *Client) handleControl(ctx context.Context, data []byte) error {
	var ctl replay.Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		return &gserrors.DecodeError{Reason: "control message", Err: err}
	}

	switch ctl.Type {
	case replay.ControlReplayComplete:
		if c.cfg.Logger != nil {
			c.cfg.Logger.Debug("replay complete",
				slog.String("thread", ctl.Thread),
				slog.Any("partition", ctl.Partition))
		}
		return nil

	case replay.ControlReplayCapped:
		// The service stopped replay at its global cap. Our cursor has
		// already advanced through everything delivered; reconnect to
		// drain the rest.
		return errReconnect

	case replay.ControlGap:
		if ctl.Thread != "" {
			c.cfg.Engine.MarkResyncRequired(ctl.Thread, "replay gap")
		} else {
			// A partition (or session) level gap cannot be attributed to
			// threads; every reconstruction is suspect.
			c.cfg.Engine.MarkAllResyncRequired("replay gap")
		}
		if ctl.Missing != "" {
			if missing, err := strconv.ParseInt(ctl.Missing, 10, 64); err == nil && ctl.Partition != nil {
				c.cfg.Metrics.RecordReplayGap(ctx, *ctl.Partition, missing)
			}
		}
		return nil

	case replay.ControlCursorStale:
		c.cfg.Engine.MarkAllResyncRequired("cursor stale: " + ctl.Mode)
		return nil

	default:
		// Unknown control types are forward compatibility, not errors.
		return nil
	}
}
