// Package reconstruct rebuilds authoritative graph state on the observer
// side from the mutating message stream. Each thread carries a trust state;
// diffs only apply to trusted threads, and recovery always goes through a
// full snapshot or checkpoint.
package reconstruct

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
	"github.com/randalmurphal/graphstream/pkg/graphstream/observability"
)

// TrustState grades how much an observer may rely on a thread's
// reconstructed state.
type TrustState int

// Trust states, ordered by severity.
const (
	// Trusted means every mutation applied in order and verified.
	Trusted TrustState = iota

	// NeedsResync means a gap, reorder, or stale cursor was detected. The
	// reconstructed state is consistent but behind; diffs are suppressed
	// until a snapshot or checkpoint arrives.
	NeedsResync

	// Corrupted means a hash verification failed. The reconstructed state
	// may be wrong and must not be served.
	Corrupted
)

// String implements fmt.Stringer.
func (t TrustState) String() string {
	switch t {
	case Trusted:
		return "trusted"
	case NeedsResync:
		return "needs_resync"
	case Corrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("TrustState(%d)", int(t))
	}
}

// Engine defaults.
const (
	DefaultMaxThreads           = 1024
	DefaultMaxCheckpoints       = 16
	DefaultCheckpointMaxAge     = time.Hour
	DefaultMaxPendingOutOfOrder = 64
	DefaultDedupWindow          = 128
)

// Config configures a reconstruction engine.
type Config struct {
	// MaxThreads bounds tracked threads. The least recently touched thread
	// is evicted when a new thread would exceed the bound.
	// Default: DefaultMaxThreads.
	MaxThreads int

	// MaxCheckpoints bounds retained checkpoint records per thread.
	// Default: DefaultMaxCheckpoints.
	MaxCheckpoints int

	// CheckpointMaxAge expires retained checkpoint records by age.
	// Default: DefaultCheckpointMaxAge.
	CheckpointMaxAge time.Duration

	// MaxPendingOutOfOrder bounds rejected mutations retained per thread
	// for diagnostics. Default: DefaultMaxPendingOutOfOrder.
	MaxPendingOutOfOrder int

	// DedupWindow bounds the per-thread window of applied message IDs used
	// to absorb at-least-once redelivery. A redelivered message still in
	// the window is a silent no-op; one that has aged out surfaces as an
	// ordering violation. Default: DefaultDedupWindow.
	DedupWindow int

	// Codec decompresses checkpoint state. Required.
	Codec *message.Codec

	// Logger receives trust transitions. Optional.
	Logger *slog.Logger

	// Metrics receives gap and drop accounting. Optional.
	Metrics observability.MetricsRecorder
}

func (c *Config) validate() error {
	if c.Codec == nil {
		return &gserrors.ConfigError{Field: "codec", Message: "required"}
	}
	if c.MaxThreads < 0 || c.MaxCheckpoints < 0 || c.MaxPendingOutOfOrder < 0 || c.DedupWindow < 0 {
		return &gserrors.ConfigError{Field: "bounds", Message: "must be non-negative"}
	}
	if c.MaxThreads == 0 {
		c.MaxThreads = DefaultMaxThreads
	}
	if c.MaxCheckpoints == 0 {
		c.MaxCheckpoints = DefaultMaxCheckpoints
	}
	if c.CheckpointMaxAge == 0 {
		c.CheckpointMaxAge = DefaultCheckpointMaxAge
	}
	if c.MaxPendingOutOfOrder == 0 {
		c.MaxPendingOutOfOrder = DefaultMaxPendingOutOfOrder
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return nil
}

// CheckpointRecord is a retained record of an installed checkpoint.
type CheckpointRecord struct {
	CheckpointID string
	Sequence     message.Sequence
	InstalledAt  time.Time
}

// PendingMutation is a rejected mutation retained for diagnostics. It is
// never applied; it exists so operators can see what was refused and why.
type PendingMutation struct {
	MessageID string
	Sequence  message.Sequence
	Type      message.Type
	Reason    string
}

type threadState struct {
	latest       any
	hasState     bool
	hasApplied   bool
	lastApplied  uint64
	appliedIDs   map[string]struct{}
	appliedOrder []string
	lastCkptID   string
	needsResync  bool
	corrupted    bool
	reason       string
	checkpoints  []CheckpointRecord
	pending      []PendingMutation
	eventsSeen   uint64
	lastTouched  time.Time
}

func (t *threadState) trust() TrustState {
	switch {
	case t.corrupted:
		return Corrupted
	case t.needsResync:
		return NeedsResync
	default:
		return Trusted
	}
}

func (t *threadState) appliedLocked(msgID string) bool {
	_, ok := t.appliedIDs[msgID]
	return ok
}

// rememberAppliedLocked records an applied mutating message ID so a later
// redelivery is recognized as a duplicate rather than a reorder. The window
// is FIFO-bounded; a duplicate arriving more than DedupWindow mutations late
// trips the sequence check instead.
func (e *Engine) rememberAppliedLocked(ts *threadState, msgID string) {
	if msgID == "" {
		return
	}
	if ts.appliedIDs == nil {
		ts.appliedIDs = make(map[string]struct{}, e.cfg.DedupWindow)
	}
	if _, ok := ts.appliedIDs[msgID]; ok {
		return
	}
	ts.appliedIDs[msgID] = struct{}{}
	ts.appliedOrder = append(ts.appliedOrder, msgID)
	if over := len(ts.appliedOrder) - e.cfg.DedupWindow; over > 0 {
		for _, old := range ts.appliedOrder[:over] {
			delete(ts.appliedIDs, old)
		}
		ts.appliedOrder = append(ts.appliedOrder[:0], ts.appliedOrder[over:]...)
	}
}

// ThreadView is a point-in-time summary of a thread's reconstruction status.
type ThreadView struct {
	ThreadID          string
	Trust             TrustState
	Reason            string
	HasState          bool
	LastApplied       message.Sequence
	LastCheckpointID  string
	EventsSeen        uint64
	PendingOutOfOrder int
	Checkpoints       []CheckpointRecord
}

// Engine reconstructs per-thread state from envelopes. All mutation and
// hash verification is serialized per engine; hashing always sees a tree no
// concurrent apply can touch.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	threads map[string]*threadState
	now     func() time.Time
}

// New creates a reconstruction engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		threads: make(map[string]*threadState),
		now:     time.Now,
	}, nil
}

// Apply routes one envelope into the engine. Non-mutating messages are
// recorded for visibility regardless of ordering; mutating messages are
// gated by the thread's trust state and sequence ordering. The returned
// error describes why a mutation was refused; the engine has already
// updated trust flags and accounting when it returns.
func (e *Engine) Apply(env *message.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.getOrCreateLocked(env.Header.ThreadID)
	ts.lastTouched = e.now()

	if !env.Mutating() {
		ts.eventsSeen++
		if env.Type == message.TypeEventBatch && env.Batch != nil {
			// Inner events carry their own headers; count them, not the
			// container.
			ts.eventsSeen += uint64(len(env.Batch.Events)) - 1
		}
		return nil
	}

	switch env.Type {
	case message.TypeCheckpoint:
		return e.applyCheckpointLocked(ts, env)
	case message.TypeStateDiff:
		return e.applyDiffLocked(ts, env)
	default:
		return fmt.Errorf("reconstruct: unhandled mutating type %q", env.Type)
	}
}

// applyCheckpointLocked installs a full snapshot. A verified checkpoint is
// the only path that clears Corrupted; it clears every corruption indicator
// together so no stale flag survives recovery.
func (e *Engine) applyCheckpointLocked(ts *threadState, env *message.Envelope) error {
	threadID := env.Header.ThreadID
	cp := env.Checkpoint

	if ts.appliedLocked(env.Header.MessageID) {
		return nil // at-least-once redelivery
	}

	seq, ok := env.Header.Sequence.Value()
	if !ok {
		err := &gserrors.OrderingViolation{
			ThreadID:  threadID,
			Got:       env.Header.Sequence.String(),
			Synthetic: true,
		}
		e.rejectLocked(ts, env, err.Error())
		return err
	}
	if ts.hasApplied && seq <= ts.lastApplied {
		// A checkpoint from before the point of divergence cannot certify
		// the current state; refuse it without touching trust flags.
		err := &gserrors.OrderingViolation{
			ThreadID:    threadID,
			LastApplied: message.Real(ts.lastApplied).String(),
			Got:         env.Header.Sequence.String(),
		}
		e.recordPendingLocked(ts, env, err.Error())
		return err
	}

	state, err := e.cfg.Codec.DecompressState(cp.State)
	if err != nil {
		e.rejectLocked(ts, env, "checkpoint decode failed")
		return err
	}
	computed, err := message.StateHash(state)
	if err != nil {
		e.rejectLocked(ts, env, "checkpoint hash failed")
		return fmt.Errorf("reconstruct: hash checkpoint state: %w", err)
	}
	if cp.StateHash != "" && computed != cp.StateHash {
		mismatch := &gserrors.IntegrityMismatch{ThreadID: threadID, Expected: cp.StateHash, Computed: computed}
		e.corruptLocked(ts, threadID, mismatch.Error())
		return mismatch
	}

	e.installLocked(ts, threadID, state, seq, env.Header.MessageID, "checkpoint "+cp.CheckpointID)
	ts.lastCkptID = cp.CheckpointID
	ts.checkpoints = append(ts.checkpoints, CheckpointRecord{
		CheckpointID: cp.CheckpointID,
		Sequence:     env.Header.Sequence,
		InstalledAt:  e.now(),
	})
	e.pruneCheckpointsLocked(ts)
	return nil
}

// applyDiffLocked applies a state diff. Full-state snapshots embedded in a
// diff are a resync mechanism and follow the checkpoint trust rules; patch
// diffs require a Trusted thread.
func (e *Engine) applyDiffLocked(ts *threadState, env *message.Envelope) error {
	threadID := env.Header.ThreadID
	diff := env.StateDiff

	if ts.appliedLocked(env.Header.MessageID) {
		return nil
	}

	seq, ok := env.Header.Sequence.Value()
	if !ok {
		err := &gserrors.OrderingViolation{
			ThreadID:  threadID,
			Got:       env.Header.Sequence.String(),
			Synthetic: true,
		}
		e.rejectLocked(ts, env, err.Error())
		return err
	}
	if ts.hasApplied && seq <= ts.lastApplied {
		err := &gserrors.OrderingViolation{
			ThreadID:    threadID,
			LastApplied: message.Real(ts.lastApplied).String(),
			Got:         env.Header.Sequence.String(),
		}
		e.rejectLocked(ts, env, err.Error())
		return err
	}

	if diff.FullState != nil {
		return e.applyFullStateLocked(ts, env, seq)
	}

	if ts.trust() != Trusted {
		err := &gserrors.ResyncRequired{ThreadID: threadID, Reason: ts.reason}
		e.recordPendingLocked(ts, env, "suppressed: "+ts.reason)
		return err
	}
	if diff.BaseCheckpointID != "" && diff.BaseCheckpointID != ts.lastCkptID {
		err := &gserrors.ResyncRequired{
			ThreadID: threadID,
			Reason:   fmt.Sprintf("diff chains from checkpoint %s, have %s", diff.BaseCheckpointID, ts.lastCkptID),
		}
		e.rejectLocked(ts, env, err.Reason)
		return err
	}

	newTree, err := ApplyPatch(ts.latest, diff.Ops)
	if err != nil {
		e.rejectLocked(ts, env, "patch apply failed")
		return &gserrors.ResyncRequired{ThreadID: threadID, Reason: err.Error()}
	}

	if diff.StateHash != "" {
		computed, err := message.StateHash(newTree)
		if err != nil {
			e.rejectLocked(ts, env, "state hash failed")
			return fmt.Errorf("reconstruct: hash state: %w", err)
		}
		if computed != diff.StateHash {
			// The patched tree is discarded; the thread keeps its last
			// verified state but may no longer be served.
			mismatch := &gserrors.IntegrityMismatch{ThreadID: threadID, Expected: diff.StateHash, Computed: computed}
			e.corruptLocked(ts, threadID, mismatch.Error())
			return mismatch
		}
	}

	ts.latest = newTree
	ts.hasState = true
	ts.hasApplied = true
	ts.lastApplied = seq
	e.rememberAppliedLocked(ts, env.Header.MessageID)
	return nil
}

// applyFullStateLocked installs an embedded full snapshot. Like a
// checkpoint, a verified snapshot clears both corruption indicators.
func (e *Engine) applyFullStateLocked(ts *threadState, env *message.Envelope, seq uint64) error {
	threadID := env.Header.ThreadID
	diff := env.StateDiff

	var state any
	if err := json.Unmarshal(diff.FullState, &state); err != nil {
		e.rejectLocked(ts, env, "full state decode failed")
		return &gserrors.DecodeError{Reason: "full state snapshot", Err: err}
	}
	if diff.StateHash != "" {
		computed, err := message.StateHash(state)
		if err != nil {
			e.rejectLocked(ts, env, "full state hash failed")
			return fmt.Errorf("reconstruct: hash full state: %w", err)
		}
		if computed != diff.StateHash {
			mismatch := &gserrors.IntegrityMismatch{ThreadID: threadID, Expected: diff.StateHash, Computed: computed}
			e.corruptLocked(ts, threadID, mismatch.Error())
			return mismatch
		}
	}

	e.installLocked(ts, threadID, state, seq, env.Header.MessageID, "full state snapshot")
	return nil
}

// installLocked commits a verified full state and clears every corruption
// indicator together.
func (e *Engine) installLocked(ts *threadState, threadID string, state any, seq uint64, msgID, via string) {
	from := ts.trust()
	ts.latest = state
	ts.hasState = true
	ts.hasApplied = true
	ts.lastApplied = seq
	e.rememberAppliedLocked(ts, msgID)
	ts.needsResync = false
	ts.corrupted = false
	ts.reason = ""
	ts.pending = ts.pending[:0]
	if from != Trusted {
		observability.LogTrustTransition(e.cfg.Logger, threadID, from.String(), Trusted.String(), "recovered via "+via)
	}
}

// rejectLocked records a refused mutation and degrades the thread to
// NeedsResync. Corrupted is stickier and is never downgraded here.
func (e *Engine) rejectLocked(ts *threadState, env *message.Envelope, reason string) {
	e.recordPendingLocked(ts, env, reason)
	if ts.corrupted || ts.needsResync {
		return
	}
	ts.needsResync = true
	ts.reason = reason
	observability.LogTrustTransition(e.cfg.Logger, env.Header.ThreadID, Trusted.String(), NeedsResync.String(), reason)
}

// corruptLocked flags a thread Corrupted after a hash mismatch.
func (e *Engine) corruptLocked(ts *threadState, threadID, reason string) {
	from := ts.trust()
	ts.corrupted = true
	ts.needsResync = true
	ts.reason = reason
	if from != Corrupted {
		observability.LogTrustTransition(e.cfg.Logger, threadID, from.String(), Corrupted.String(), reason)
	}
}

func (e *Engine) recordPendingLocked(ts *threadState, env *message.Envelope, reason string) {
	ts.pending = append(ts.pending, PendingMutation{
		MessageID: env.Header.MessageID,
		Sequence:  env.Header.Sequence,
		Type:      env.Type,
		Reason:    reason,
	})
	if over := len(ts.pending) - e.cfg.MaxPendingOutOfOrder; over > 0 {
		ts.pending = append(ts.pending[:0], ts.pending[over:]...)
	}
}

func (e *Engine) pruneCheckpointsLocked(ts *threadState) {
	cutoff := e.now().Add(-e.cfg.CheckpointMaxAge)
	kept := ts.checkpoints[:0]
	for _, rec := range ts.checkpoints {
		if rec.InstalledAt.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	ts.checkpoints = kept
	if over := len(ts.checkpoints) - e.cfg.MaxCheckpoints; over > 0 {
		ts.checkpoints = append(ts.checkpoints[:0], ts.checkpoints[over:]...)
	}
}

func (e *Engine) getOrCreateLocked(threadID string) *threadState {
	if ts, ok := e.threads[threadID]; ok {
		return ts
	}
	if len(e.threads) >= e.cfg.MaxThreads {
		e.evictOldestLocked()
	}
	ts := &threadState{}
	e.threads[threadID] = ts
	return ts
}

func (e *Engine) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	first := true
	for id, ts := range e.threads {
		if first || ts.lastTouched.Before(oldest) {
			oldestID, oldest, first = id, ts.lastTouched, false
		}
	}
	if oldestID != "" {
		delete(e.threads, oldestID)
		if e.cfg.Logger != nil {
			e.cfg.Logger.Debug("evicted least recently used thread",
				slog.String("thread_id", oldestID))
		}
	}
}

// MarkResyncRequired flags one thread NeedsResync. Replay gap and stale
// cursor signals land here.
func (e *Engine) MarkResyncRequired(threadID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts := e.getOrCreateLocked(threadID)
	ts.lastTouched = e.now()
	if ts.corrupted || ts.needsResync {
		return
	}
	ts.needsResync = true
	ts.reason = reason
	observability.LogTrustTransition(e.cfg.Logger, threadID, Trusted.String(), NeedsResync.String(), reason)
}

// MarkAllResyncRequired flags every tracked thread. A partition-level gap
// cannot be attributed to specific threads, so all of them degrade.
func (e *Engine) MarkAllResyncRequired(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for threadID, ts := range e.threads {
		if ts.corrupted || ts.needsResync {
			continue
		}
		ts.needsResync = true
		ts.reason = reason
		observability.LogTrustTransition(e.cfg.Logger, threadID, Trusted.String(), NeedsResync.String(), reason)
	}
}

// View returns a summary of one thread.
func (e *Engine) View(threadID string) (ThreadView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.threads[threadID]
	if !ok {
		return ThreadView{}, false
	}
	view := ThreadView{
		ThreadID:          threadID,
		Trust:             ts.trust(),
		Reason:            ts.reason,
		HasState:          ts.hasState,
		LastCheckpointID:  ts.lastCkptID,
		EventsSeen:        ts.eventsSeen,
		PendingOutOfOrder: len(ts.pending),
		Checkpoints:       append([]CheckpointRecord(nil), ts.checkpoints...),
	}
	if ts.hasApplied {
		view.LastApplied = message.Real(ts.lastApplied)
	}
	return view, true
}

// State returns a deep copy of a thread's reconstructed state. Corrupted
// threads never serve state.
func (e *Engine) State(threadID string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.threads[threadID]
	if !ok || !ts.hasState {
		return nil, fmt.Errorf("reconstruct: no state for thread %s", threadID)
	}
	if ts.corrupted {
		return nil, fmt.Errorf("reconstruct: thread %s corrupted: %s", threadID, ts.reason)
	}
	return message.CloneState(ts.latest)
}

// Threads lists tracked thread IDs.
func (e *Engine) Threads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.threads))
	for id := range e.threads {
		out = append(out, id)
	}
	return out
}
