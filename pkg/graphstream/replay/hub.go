package replay

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/graphstream/pkg/graphstream/observability"
)

// Delivery is one live record fanned out to sessions.
type Delivery struct {
	Record Stored
}

// HubConfig configures the live fan-out hub.
type HubConfig struct {
	// BufferSize is the channel buffer per session. A session that falls
	// this far behind starts dropping; drops flag the session lossy so the
	// service can tell it to resync.
	// Default: 256.
	BufferSize int

	// MaxSessions limits concurrent sessions. Default: 0 (unlimited).
	MaxSessions int

	// Logger receives drop warnings. Optional.
	Logger *slog.Logger

	// Metrics receives forward accounting. Optional.
	Metrics observability.MetricsRecorder
}

// DefaultHubConfig provides reasonable defaults.
var DefaultHubConfig = HubConfig{
	BufferSize: 256,
}

// Hub fans live records out to connected sessions. Delivery is
// non-blocking: a slow observer loses records and is told so, it never
// stalls the ingest loop or its peers.
type Hub struct {
	cfg HubConfig

	mu       sync.RWMutex
	sessions map[int64]*Session
	closed   bool

	nextID  atomic.Int64
	dropped atomic.Uint64
}

// NewHub creates a hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultHubConfig.BufferSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Hub{cfg: cfg, sessions: make(map[int64]*Session)}
}

// Session is one observer's live subscription.
type Session struct {
	id  int64
	hub *Hub

	deliveries chan Delivery
	done       chan struct{}
	closeOnce  sync.Once

	// lossy is set when the session's buffer overflowed. The record stream
	// has a hole; the observer must resume from its cursor.
	lossy atomic.Bool
}

// Subscribe registers a new session. Returns nil when the hub is closed or
// at its session limit.
func (h *Hub) Subscribe() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if h.cfg.MaxSessions > 0 && len(h.sessions) >= h.cfg.MaxSessions {
		return nil
	}
	s := &Session{
		id:         h.nextID.Add(1),
		hub:        h,
		deliveries: make(chan Delivery, h.cfg.BufferSize),
		done:       make(chan struct{}),
	}
	h.sessions[s.id] = s
	return s
}

// Publish fans one record out to every session.
func (h *Hub) Publish(ctx context.Context, d Delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		select {
		case s.deliveries <- d:
			h.cfg.Metrics.RecordForwarded(ctx)
		default:
			h.dropped.Add(1)
			if s.lossy.CompareAndSwap(false, true) && h.cfg.Logger != nil {
				h.cfg.Logger.Warn("session buffer full, stream now lossy",
					slog.String("session", strconv.FormatInt(s.id, 10)),
					slog.String("cursor", d.Record.Cursor.String()))
			}
		}
	}
}

// Sessions returns the current session count.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Dropped returns the total deliveries dropped across all sessions.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close shuts down the hub and all sessions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, s := range h.sessions {
		s.closeOnce.Do(func() { close(s.done) })
	}
	h.sessions = make(map[int64]*Session)
}

// Deliveries is the session's live record channel.
func (s *Session) Deliveries() <-chan Delivery {
	return s.deliveries
}

// Done is closed when the session or hub shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Lossy reports and clears the overflow flag. The caller surfaces a gap to
// the observer and the session starts clean again.
func (s *Session) Lossy() bool {
	return s.lossy.Swap(false)
}

// Unsubscribe removes the session from the hub.
func (s *Session) Unsubscribe() {
	s.hub.mu.Lock()
	delete(s.hub.sessions, s.id)
	s.hub.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}
