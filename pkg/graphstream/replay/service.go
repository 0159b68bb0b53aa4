package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
	"github.com/randalmurphal/graphstream/pkg/graphstream/observability"
)

// FailMode selects how ingest treats undecodable records.
type FailMode string

// Fail modes.
const (
	// FailOpen archives (best effort), logs, counts, and keeps consuming.
	FailOpen FailMode = "open"

	// FailClosed refuses to commit past a record that could not be
	// dead-lettered. The partition stalls rather than lose the frame.
	FailClosed FailMode = "closed"
)

// Service defaults.
const (
	DefaultPartitionPageLimit = 1000
	DefaultGlobalReplayLimit  = 10000
	DefaultWriteTimeout       = 10 * time.Second
	DefaultResumeReadTimeout  = 30 * time.Second
)

// cursorFromEarliest marks a partition the resume request did not name.
// Wire cursors are validated non-negative, so the sentinel cannot collide.
const cursorFromEarliest = int64(math.MinInt64)

// ServiceConfig configures the replay service.
type ServiceConfig struct {
	// Buffer is the retained history. Required.
	Buffer Buffer

	// Consumer feeds the ingest loop. Required for Run.
	Consumer log.Consumer

	// Codec validates frames on ingest. Required.
	Codec *message.Codec

	// Hub fans live records out to sessions. Default: a hub with
	// DefaultHubConfig.
	Hub *Hub

	// DeadLetters archives undecodable frames. Optional in fail-open mode,
	// required in fail-closed mode.
	DeadLetters DeadLetterStore

	// FailMode selects drop behavior for undecodable records.
	// Default: FailOpen.
	FailMode FailMode

	// PartitionPageLimit bounds records per replay page.
	// Default: DefaultPartitionPageLimit.
	PartitionPageLimit int

	// GlobalReplayLimit bounds total records replayed per session across
	// all partitions and threads. Default: DefaultGlobalReplayLimit.
	GlobalReplayLimit int

	// StaleCursorMode selects behavior for cursors past the newest
	// retained record. Default: StaleReject.
	StaleCursorMode StaleCursorMode

	// WriteTimeout bounds each websocket write. Default:
	// DefaultWriteTimeout.
	WriteTimeout time.Duration

	// ResumeReadTimeout bounds the wait for the initial resume request.
	// Default: DefaultResumeReadTimeout.
	ResumeReadTimeout time.Duration

	// Logger receives ingest and session logs. Optional.
	Logger *slog.Logger

	// Metrics receives accounting. Optional.
	Metrics observability.MetricsRecorder

	// Spans traces replay sessions. Nil uses a no-op manager.
	Spans observability.SpanManager
}

func (c *ServiceConfig) validate() error {
	if c.Buffer == nil {
		return &gserrors.ConfigError{Field: "buffer", Message: "required"}
	}
	if c.Codec == nil {
		return &gserrors.ConfigError{Field: "codec", Message: "required"}
	}
	if c.FailMode == "" {
		c.FailMode = FailOpen
	}
	if c.FailMode != FailOpen && c.FailMode != FailClosed {
		return &gserrors.ConfigError{Field: "fail_mode", Message: fmt.Sprintf("unknown mode %q", c.FailMode)}
	}
	if c.FailMode == FailClosed && c.DeadLetters == nil {
		return &gserrors.ConfigError{Field: "dead_letters", Message: "required in fail-closed mode"}
	}
	if c.Hub == nil {
		c.Hub = NewHub(DefaultHubConfig)
	}
	if c.PartitionPageLimit <= 0 {
		c.PartitionPageLimit = DefaultPartitionPageLimit
	}
	if c.GlobalReplayLimit <= 0 {
		c.GlobalReplayLimit = DefaultGlobalReplayLimit
	}
	if c.StaleCursorMode == "" {
		c.StaleCursorMode = StaleReject
	}
	if c.StaleCursorMode != StaleReject && c.StaleCursorMode != StaleResnapshot {
		return &gserrors.ConfigError{Field: "stale_cursor_mode", Message: fmt.Sprintf("unknown mode %q", c.StaleCursorMode)}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ResumeReadTimeout <= 0 {
		c.ResumeReadTimeout = DefaultResumeReadTimeout
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	return nil
}

// Service ingests records from the partitioned log into the replay buffer
// and serves resume and live-follow sessions over websocket.
type Service struct {
	cfg      ServiceConfig
	upgrader websocket.Upgrader

	mu        sync.Mutex
	processed map[int32]int64 // last stored offset per partition
}

// NewService creates a replay service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Service{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		processed: make(map[int32]int64),
	}, nil
}

// Run consumes from the log until the context is canceled. Cursors commit
// only after the record is durably indexed (or dead-lettered); a crash
// between store and commit redelivers, and redelivery is idempotent.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Consumer == nil {
		return &gserrors.ConfigError{Field: "consumer", Message: "required to run ingest"}
	}
	for {
		records, err := s.cfg.Consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		committable := make([]log.Cursor, 0, len(records))
		for _, rec := range records {
			if err := s.ingest(ctx, rec); err != nil {
				// Commit what preceded the poison record, then stall.
				if len(committable) > 0 {
					if commitErr := s.cfg.Consumer.Commit(ctx, committable); commitErr != nil && s.cfg.Logger != nil {
						s.cfg.Logger.Error("commit before stall failed", slog.String("error", commitErr.Error()))
					}
				}
				return err
			}
			committable = append(committable, rec.Cursor())
		}
		if len(committable) > 0 {
			if err := s.cfg.Consumer.Commit(ctx, committable); err != nil {
				return &gserrors.TransportError{Op: "commit", Err: err}
			}
		}
	}
}

// ingest indexes one record. A nil return means the record's cursor may be
// committed.
func (s *Service) ingest(ctx context.Context, rec log.Record) error {
	env, err := s.cfg.Codec.Decode(rec.Value)
	if err != nil {
		return s.deadLetter(ctx, rec, err)
	}

	stored := Stored{
		Cursor:   rec.Cursor(),
		ThreadID: env.Header.ThreadID,
		Sequence: env.Header.Sequence,
		Frame:    rec.Value,
		StoredAt: rec.Timestamp,
	}
	if err := s.cfg.Buffer.Store(ctx, stored); err != nil {
		return err
	}

	s.mu.Lock()
	s.processed[stored.Cursor.Partition] = stored.Cursor.Offset
	s.mu.Unlock()

	s.cfg.Hub.Publish(ctx, Delivery{Record: stored})
	return nil
}

// deadLetter handles an undecodable record per the configured fail mode.
func (s *Service) deadLetter(ctx context.Context, rec log.Record, decodeErr error) error {
	dl := DeadLetter{
		Cursor:    rec.Cursor(),
		Frame:     rec.Value,
		Reason:    decodeErr.Error(),
		Topic:     rec.Topic,
		Timestamp: rec.Timestamp,
	}

	var archiveErr error
	if s.cfg.DeadLetters != nil {
		archiveErr = s.cfg.DeadLetters.Archive(ctx, dl)
	}

	if s.cfg.FailMode == FailClosed && archiveErr != nil {
		return fmt.Errorf("replay: fail-closed, dead-letter archive failed at %s: %w", dl.Cursor, archiveErr)
	}

	observability.LogDrop(s.cfg.Logger, "", "undecodable", decodeErr.Error())
	s.cfg.Metrics.RecordDrop(ctx, "undecodable", "decode_failed")
	return nil
}

// Processed returns the last indexed offset for a partition.
func (s *Service) Processed(partition int32) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, ok := s.processed[partition]
	return offset, ok
}

// ServeHTTP upgrades the connection and runs one observer session.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.serveSession(r.Context(), conn)
}

// serveSession runs resume negotiation, replay, and live forwarding.
func (s *Service) serveSession(ctx context.Context, conn *websocket.Conn) {
	req, err := s.readResumeRequest(conn)
	if err != nil {
		s.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	partitionCursors, err := req.partitionCursors()
	if err != nil {
		s.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	threadCursors, err := req.threadCursors()
	if err != nil {
		s.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	// Partitions the request omits replay from earliest retained rather
	// than being silently skipped. Thread-scoped requests (threads only,
	// no partition cursors) stay scoped to their threads.
	if len(partitionCursors) > 0 || len(threadCursors) == 0 {
		retained, err := s.cfg.Buffer.Partitions(ctx)
		if err != nil {
			s.closeWith(conn, websocket.CloseInternalServerErr, err.Error())
			return
		}
		for _, p := range retained {
			if _, named := partitionCursors[p]; !named {
				partitionCursors[p] = cursorFromEarliest
			}
		}
	}

	// Subscribe before replay so records arriving during replay queue up
	// instead of vanishing. Overlap with the replayed range is possible;
	// observers deduplicate by cursor.
	session := s.cfg.Hub.Subscribe()
	if session == nil {
		s.closeWith(conn, websocket.CloseTryAgainLater, "at session capacity")
		return
	}
	defer session.Unsubscribe()

	w := &sessionWriter{conn: conn, timeout: s.cfg.WriteTimeout}

	spanCtx, span := s.cfg.Spans.StartReplaySpan(ctx, uuid.New().String())
	capped, err := s.replay(spanCtx, w, partitionCursors, threadCursors)
	s.cfg.Spans.EndSpanWithError(span, err)
	if err != nil {
		return // peer gone or write failed; nothing to salvage
	}
	if capped {
		// The observer was told to reconnect with its advanced cursor;
		// keep forwarding live traffic meanwhile.
		if s.cfg.Logger != nil {
			s.cfg.Logger.Debug("session replay capped",
				slog.Int("global_limit", s.cfg.GlobalReplayLimit))
		}
	}

	s.forwardLive(ctx, w, session)
}

func (s *Service) readResumeRequest(conn *websocket.Conn) (*ResumeRequest, error) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.ResumeReadTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read resume request: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var req ResumeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse resume request: %w", err)
	}
	return &req, nil
}

// replay pages retained history to the observer. Returns capped=true when
// the global cap ended replay early.
func (s *Service) replay(ctx context.Context, w *sessionWriter, partitions map[int32]int64, threads map[string]uint64) (bool, error) {
	budget := s.cfg.GlobalReplayLimit

	for partition, after := range partitions {
		sent, capped, err := s.replayPartition(ctx, w, partition, after, budget)
		if err != nil {
			return false, err
		}
		budget -= sent
		if capped {
			return true, w.control(Control{
				Type:      ControlReplayCapped,
				Delivered: strconv.Itoa(s.cfg.GlobalReplayLimit - budget),
			})
		}
	}

	for threadID, after := range threads {
		sent, capped, err := s.replayThread(ctx, w, threadID, after, budget)
		if err != nil {
			return false, err
		}
		budget -= sent
		if capped {
			return true, w.control(Control{
				Type:      ControlReplayCapped,
				Thread:    threadID,
				Delivered: strconv.Itoa(s.cfg.GlobalReplayLimit - budget),
			})
		}
	}
	return false, nil
}

func (s *Service) replayPartition(ctx context.Context, w *sessionWriter, partition int32, after int64, budget int) (int, bool, error) {
	oldest, newest, retained, err := s.cfg.Buffer.Bounds(ctx, partition)
	if err != nil {
		return 0, false, err
	}
	if !retained {
		return 0, false, w.control(Control{Type: ControlReplayComplete, Partition: &partition})
	}

	if after == cursorFromEarliest {
		// No prior position: the whole retained range replays and there is
		// no gap to report.
		after = oldest - 1
	}

	if after > newest {
		if err := w.control(Control{
			Type:      ControlCursorStale,
			Partition: &partition,
			From:      strconv.FormatInt(after, 10),
			To:        strconv.FormatInt(newest, 10),
			Mode:      string(s.cfg.StaleCursorMode),
		}); err != nil {
			return 0, false, err
		}
		switch s.cfg.StaleCursorMode {
		case StaleResnapshot:
			after = oldest - 1
		default:
			// Reject: nothing replayed, the observer follows live from here.
			return 0, false, w.control(Control{Type: ControlReplayComplete, Partition: &partition})
		}
	} else if after+1 < oldest {
		missing := oldest - after - 1
		if err := w.control(Control{
			Type:      ControlGap,
			Partition: &partition,
			From:      strconv.FormatInt(after, 10),
			To:        strconv.FormatInt(oldest, 10),
			Missing:   strconv.FormatInt(missing, 10),
		}); err != nil {
			return 0, false, err
		}
		s.cfg.Metrics.RecordReplayGap(ctx, partition, missing)
		observability.LogReplayGap(s.cfg.Logger, partition, missing)
		after = oldest - 1
	}

	sent := 0
	for {
		if budget-sent <= 0 {
			return sent, true, nil
		}
		limit := s.cfg.PartitionPageLimit
		if remaining := budget - sent; remaining < limit {
			limit = remaining
		}
		page, err := s.cfg.Buffer.RangeByPartition(ctx, partition, after, limit)
		if err != nil {
			return sent, false, err
		}
		for _, rec := range page {
			if err := w.data(rec.Cursor, rec.Frame); err != nil {
				return sent, false, err
			}
			after = rec.Cursor.Offset
			sent++
		}
		if len(page) < limit {
			return sent, false, w.control(Control{Type: ControlReplayComplete, Partition: &partition})
		}
	}
}

func (s *Service) replayThread(ctx context.Context, w *sessionWriter, threadID string, after uint64, budget int) (int, bool, error) {
	sent := 0
	for {
		if budget-sent <= 0 {
			return sent, true, nil
		}
		limit := s.cfg.PartitionPageLimit
		if remaining := budget - sent; remaining < limit {
			limit = remaining
		}
		page, err := s.cfg.Buffer.RangeByThread(ctx, threadID, after, limit)
		if err != nil {
			return sent, false, err
		}
		for _, rec := range page {
			if err := w.data(rec.Cursor, rec.Frame); err != nil {
				return sent, false, err
			}
			if seq, ok := rec.Sequence.Value(); ok {
				after = seq
			}
			sent++
		}
		if len(page) < limit {
			return sent, false, w.control(Control{Type: ControlReplayComplete, Thread: threadID})
		}
	}
}

// forwardLive streams hub deliveries until the peer disconnects.
func (s *Service) forwardLive(ctx context.Context, w *sessionWriter, session *Session) {
	// Drain reads so close frames and pings are processed.
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			if _, _, err := w.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case <-readErr:
			return
		case d := <-session.Deliveries():
			if session.Lossy() {
				// The session buffer overflowed; records between the last
				// delivery and this one are gone from this stream.
				if err := w.control(Control{Type: ControlGap, Missing: ""}); err != nil {
					return
				}
			}
			if err := w.data(d.Record.Cursor, d.Record.Frame); err != nil {
				return
			}
		}
	}
}

func (s *Service) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// Close shuts down the hub and the buffer.
func (s *Service) Close() error {
	s.cfg.Hub.Close()
	return s.cfg.Buffer.Close()
}

// sessionWriter serializes websocket writes for one session.
type sessionWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *sessionWriter) control(c Control) error {
	payload, err := c.encode()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *sessionWriter) data(cur log.Cursor, frame []byte) error {
	payload, err := dataFrame(cur, frame)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, payload)
}
