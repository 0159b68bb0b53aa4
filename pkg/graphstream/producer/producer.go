// Package producer serializes an ordered stream of typed telemetry messages
// for one logical run and publishes it to the partitioned log.
//
// All message types, events and state diffs alike, funnel through one
// ordered queue drained by a single background worker. The worker owns
// sequence assignment and publish; telemetry call sites are concurrent
// producers into the queue, never concurrent publishers to the log. This is
// what guarantees that messages reach the log in submission order with
// monotonically increasing sequences.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
	"github.com/randalmurphal/graphstream/pkg/graphstream/observability"
)

// Configuration bounds. Values outside these are rejected, not clamped
// silently.
const (
	MaxBatchSize      = 1000
	MaxBatchTimeout   = 60 * time.Second
	DefaultQueueSize  = 1024
	DefaultBatchSize  = 1 // batching disabled
	DefaultBatchDelay = 100 * time.Millisecond
)

// Config configures a Producer. Every field here is externally
// configurable; see the config package for file loading.
type Config struct {
	// ThreadID is the logical run this producer streams. Required.
	ThreadID string

	// TenantID isolates multi-tenant deployments.
	TenantID string

	// QueueCapacity bounds the ordered queue. Submissions beyond capacity
	// are dropped with a labeled reason. Default: DefaultQueueSize.
	QueueCapacity int

	// BatchSize accumulates events into an EventBatch when > 1.
	// Default: DefaultBatchSize (disabled).
	BatchSize int

	// BatchTimeout flushes a partial batch. The deadline starts when the
	// first event enters an empty batch. Default: DefaultBatchDelay.
	BatchTimeout time.Duration

	// CheckpointInterval emits a full checkpoint every N state diffs.
	// Zero disables checkpoint emission.
	CheckpointInterval uint64

	// CompressionThreshold and MaxMessageSize configure the wire codec.
	CompressionThreshold int
	MaxMessageSize       int

	// Retry bounds transport retries for publish failures.
	Retry gserrors.RetryConfig

	// Logger receives structured logs. Nil disables logging.
	Logger *slog.Logger

	// Metrics receives pipeline metrics. Nil uses a no-op recorder.
	Metrics observability.MetricsRecorder

	// Spans traces publish round-trips. Nil uses a no-op manager.
	Spans observability.SpanManager
}

func (c *Config) validate() error {
	if c.ThreadID == "" {
		return &gserrors.ConfigError{Field: "thread_id", Message: "required"}
	}
	if c.QueueCapacity < 0 {
		return &gserrors.ConfigError{Field: "queue_capacity", Message: "must be non-negative"}
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueSize
	}
	if c.BatchSize < 0 || c.BatchSize > MaxBatchSize {
		return &gserrors.ConfigError{Field: "batch_size", Message: fmt.Sprintf("must be in [0, %d]", MaxBatchSize)}
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTimeout < 0 || c.BatchTimeout > MaxBatchTimeout {
		return &gserrors.ConfigError{Field: "batch_timeout", Message: fmt.Sprintf("must be in [0, %s]", MaxBatchTimeout)}
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = DefaultBatchDelay
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = gserrors.DefaultRetry
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	return nil
}

// submission is one enqueued telemetry item. Exactly one variant field is
// set, matching typ.
type submission struct {
	typ     message.Type
	event   *message.Event
	ops     []message.PatchOp
	state   any
	token   *message.TokenChunk
	tool    *message.ToolExecution
	metrics *message.Metrics
	errInfo *message.ErrorInfo
	trace   *message.ExecutionTrace

	// flush, when non-nil, marks a flush barrier instead of telemetry.
	flush chan error
}

// Producer streams ordered telemetry for one thread.
type Producer struct {
	cfg   Config
	codec *message.Codec
	pub   log.Publisher

	queue  chan submission
	closed atomic.Bool
	wg     sync.WaitGroup

	// closeMu serializes queue sends against Close. Senders hold the read
	// side for the duration of the send; Close takes the write side before
	// closing the channel, so a send can never race the close.
	closeMu sync.RWMutex

	// seq is the next sequence to assign. Only the worker assigns, but the
	// counter is atomic so accounting reads don't race.
	seq atomic.Uint64

	tracker *CheckpointTracker
	stats   Stats

	// lastCheckpointID is worker-owned: read and written only on the
	// worker goroutine, so diffs chain to the checkpoint that preceded
	// them in queue order.
	lastCheckpointID string
}

// New creates a producer publishing through pub and starts its worker.
func New(pub log.Publisher, cfg Config) (*Producer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	codec, err := message.NewCodec(message.CodecConfig{
		CompressionThreshold: cfg.CompressionThreshold,
		MaxMessageSize:       cfg.MaxMessageSize,
	})
	if err != nil {
		return nil, err
	}

	p := &Producer{
		cfg:     cfg,
		codec:   codec,
		pub:     pub,
		queue:   make(chan submission, cfg.QueueCapacity),
		tracker: NewCheckpointTracker(cfg.CheckpointInterval),
	}
	p.wg.Add(1)
	go p.run()
	return p, nil
}

// EmitEvent submits a lifecycle event.
func (p *Producer) EmitEvent(evt message.Event) {
	p.enqueue(submission{typ: message.TypeEvent, event: &evt})
}

// EmitStateUpdate submits a state diff: the patch operations and the full
// resulting state tree. The state tree is used for hash computation,
// full-state fallback, and checkpoint emission; it must not be mutated by
// the caller after submission.
func (p *Producer) EmitStateUpdate(ops []message.PatchOp, resultingState any) {
	p.enqueue(submission{typ: message.TypeStateDiff, ops: ops, state: resultingState})
}

// EmitTokenChunk submits an incremental output chunk.
func (p *Producer) EmitTokenChunk(chunk message.TokenChunk) {
	p.enqueue(submission{typ: message.TypeTokenChunk, token: &chunk})
}

// EmitToolExecution submits a tool call record.
func (p *Producer) EmitToolExecution(tool message.ToolExecution) {
	p.enqueue(submission{typ: message.TypeToolExecution, tool: &tool})
}

// EmitMetrics submits point-in-time measurements.
func (p *Producer) EmitMetrics(m message.Metrics) {
	p.enqueue(submission{typ: message.TypeMetrics, metrics: &m})
}

// EmitError submits an execution error report.
func (p *Producer) EmitError(e message.ErrorInfo) {
	p.enqueue(submission{typ: message.TypeError, errInfo: &e})
}

// EmitTrace submits an execution trace span.
func (p *Producer) EmitTrace(t message.ExecutionTrace) {
	p.enqueue(submission{typ: message.TypeExecutionTrace, trace: &t})
}

// enqueue never blocks telemetry call sites: a full queue drops with a
// labeled reason rather than stalling graph execution.
func (p *Producer) enqueue(sub submission) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		p.drop(sub.typ, DropReasonClosed)
		return
	}
	select {
	case p.queue <- sub:
	default:
		p.drop(sub.typ, DropReasonQueueFull)
	}
}

// Flush blocks until every message enqueued before the call has been
// published (or dropped with accounting).
func (p *Producer) Flush(ctx context.Context) error {
	p.closeMu.RLock()
	if p.closed.Load() {
		p.closeMu.RUnlock()
		return nil
	}
	barrier := make(chan error, 1)
	select {
	case p.queue <- submission{flush: barrier}:
		p.closeMu.RUnlock()
	case <-ctx.Done():
		p.closeMu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-barrier:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the worker. The producer rejects new
// submissions immediately; queued messages are still published.
func (p *Producer) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil // already closed
	}
	// Wait out in-flight senders; they observe closed and drop.
	p.closeMu.Lock()
	close(p.queue)
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of producer accounting.
func (p *Producer) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

// nextSequence returns the next real sequence. Zero is the valid first
// value.
func (p *Producer) nextSequence() message.Sequence {
	return message.Real(p.seq.Add(1) - 1)
}

func (p *Producer) header(seq message.Sequence) message.Header {
	return message.NewHeader(p.cfg.ThreadID, p.cfg.TenantID, seq)
}

// run is the single worker that owns ordering.
func (p *Producer) run() {
	defer p.wg.Done()

	var batch []message.BatchedEvent
	var batchTimer *time.Timer
	var batchC <-chan time.Time

	stopTimer := func() {
		if batchTimer != nil {
			batchTimer.Stop()
			batchTimer = nil
			batchC = nil
		}
	}
	flush := func() {
		if len(batch) > 0 {
			p.publishBatch(batch)
			batch = nil
		}
		stopTimer()
	}

	for {
		select {
		case sub, ok := <-p.queue:
			if !ok {
				flush()
				return
			}
			if sub.flush != nil {
				flush()
				sub.flush <- nil
				continue
			}
			if sub.typ == message.TypeEvent && p.cfg.BatchSize > 1 {
				// Inner events keep their own real header sequence so
				// batching never breaks resumability.
				batch = append(batch, message.BatchedEvent{
					Header: p.header(p.nextSequence()),
					Event:  *sub.event,
				})
				if len(batch) == 1 {
					batchTimer = time.NewTimer(p.cfg.BatchTimeout)
					batchC = batchTimer.C
				}
				if len(batch) >= p.cfg.BatchSize {
					flush()
				}
				continue
			}
			// Any non-batchable message flushes a pending batch first to
			// preserve queue order on the wire.
			flush()
			p.handle(sub)

		case <-batchC:
			flush()
		}
	}
}

func (p *Producer) handle(sub submission) {
	seq := p.nextSequence()
	env := &message.Envelope{Header: p.header(seq), Type: sub.typ}

	switch sub.typ {
	case message.TypeEvent:
		env.Event = sub.event
	case message.TypeStateDiff:
		p.publishStateDiff(env, sub)
		return
	case message.TypeTokenChunk:
		env.TokenChunk = sub.token
	case message.TypeToolExecution:
		env.Tool = sub.tool
	case message.TypeMetrics:
		env.Metrics = sub.metrics
	case message.TypeError:
		env.Error = sub.errInfo
	case message.TypeExecutionTrace:
		env.Trace = sub.trace
	default:
		p.drop(sub.typ, DropReasonSerializeFailed)
		return
	}

	p.publish(env)
}

func (p *Producer) publishBatch(events []message.BatchedEvent) {
	env := &message.Envelope{
		// The outer header's sequence is not meaningful for ordering and
		// must never be surfaced as a resume cursor.
		Header: p.header(p.nextSequence()),
		Type:   message.TypeEventBatch,
		Batch:  &message.EventBatch{Events: events},
	}
	p.publish(env)
}

// publishStateDiff publishes a diff, falling back through the degraded
// ladder: patch ops, then full state, then an accounted drop. The fallback
// only fires on serialization failure; a transport failure is never
// re-submitted as a new message (the ambiguous send may have landed).
func (p *Producer) publishStateDiff(env *message.Envelope, sub submission) {
	hash, hashErr := message.StateHash(sub.state)
	if hashErr != nil {
		// Unhashable state cannot be verified downstream; emit without a
		// hash rather than losing the diff.
		hash = ""
		p.degraded(DegradedPatchFallback)
	}

	env.StateDiff = &message.StateDiff{
		Ops:              sub.ops,
		BaseCheckpointID: p.lastCheckpointID,
		StateHash:        hash,
	}

	frame, err := p.codec.Encode(env)
	if err != nil {
		// Patch-path encode failed (e.g. unmarshalable op values). Fall
		// back to a full-state emission with the same header.
		p.degraded(DegradedPatchFallback)
		raw, merr := json.Marshal(sub.state)
		if merr != nil {
			p.degraded(DegradedFullStateDropped)
			p.drop(message.TypeStateDiff, DropReasonSerializeFailed)
			return
		}
		env.StateDiff = &message.StateDiff{
			FullState:        raw,
			BaseCheckpointID: p.lastCheckpointID,
			StateHash:        hash,
		}
		frame, err = p.codec.Encode(env)
		if err != nil {
			p.degraded(DegradedFullStateDropped)
			reason := DropReasonSerializeFailed
			if errors.Is(err, message.ErrOversized) {
				reason = DropReasonOversized
			}
			p.drop(message.TypeStateDiff, reason)
			return
		}
	}

	if !p.send(env.Type, frame) {
		return
	}

	if p.tracker.RecordDiff() {
		p.emitCheckpoint(sub.state)
	}
}

// emitCheckpoint publishes a full compressed snapshot and installs its id
// as the new base for subsequent diffs.
func (p *Producer) emitCheckpoint(state any) {
	compressed, err := p.codec.CompressState(state)
	if err != nil {
		p.degraded(DegradedCheckpointFailure)
		observability.LogDrop(p.cfg.Logger, p.cfg.ThreadID, string(message.TypeCheckpoint), DropReasonSerializeFailed)
		return
	}
	hash, err := message.StateHash(state)
	if err != nil {
		p.degraded(DegradedCheckpointFailure)
		return
	}

	id := uuid.New().String()
	env := &message.Envelope{
		Header: p.header(p.nextSequence()),
		Type:   message.TypeCheckpoint,
		Checkpoint: &message.Checkpoint{
			CheckpointID: id,
			State:        compressed,
			StateHash:    hash,
			DiffsSince:   p.tracker.Interval(),
		},
	}
	if p.publish(env) {
		p.lastCheckpointID = id
		p.stats.checkpoints.Add(1)
		p.cfg.Metrics.RecordCheckpoint(context.Background(), int64(len(compressed)))
		observability.LogCheckpointEmitted(p.cfg.Logger, p.cfg.ThreadID, id, len(compressed), p.tracker.Interval())
	}
}

// publish encodes and sends one envelope with bounded retry. It reports
// whether the envelope reached the log.
func (p *Producer) publish(env *message.Envelope) bool {
	frame, err := p.codec.Encode(env)
	if err != nil {
		reason := DropReasonSerializeFailed
		if errors.Is(err, message.ErrOversized) {
			reason = DropReasonOversized
		}
		p.drop(env.Type, reason)
		return false
	}
	return p.send(env.Type, frame)
}

// send performs the transport round-trip with bounded retry. An ambiguous
// outcome after retry exhaustion is never resubmitted as a new message:
// that path silently duplicates state-mutating messages. Consumers
// deduplicate by message_id for the residual at-least-once risk.
func (p *Producer) send(typ message.Type, frame []byte) bool {
	spanCtx, span := p.cfg.Spans.StartPublishSpan(context.Background(), p.cfg.ThreadID, string(typ))
	res := gserrors.WithRetryContext(spanCtx, p.cfg.Retry, func(ctx context.Context) (log.Cursor, error) {
		return p.pub.Publish(ctx, []byte(p.cfg.ThreadID), frame)
	})
	if res.Attempts > 1 {
		p.stats.retries.Add(uint64(res.Attempts - 1))
	}
	if res.Err != nil {
		p.cfg.Spans.EndSpanWithError(span, res.Err)
		observability.LogPublishFailure(p.cfg.Logger, p.cfg.ThreadID, string(typ), res.Err, res.Attempts)
		p.drop(typ, DropReasonRetryExhausted)
		return false
	}
	p.cfg.Spans.EndSpanWithError(span, nil)

	p.stats.published.Add(1)
	p.cfg.Metrics.RecordPublished(spanCtx, string(typ), len(frame))
	return true
}

func (p *Producer) drop(typ message.Type, reason string) {
	p.stats.recordDrop(typ, reason)
	p.cfg.Metrics.RecordDrop(context.Background(), string(typ), reason)
	observability.LogDrop(p.cfg.Logger, p.cfg.ThreadID, string(typ), reason)
}

func (p *Producer) degraded(mode string) {
	p.stats.recordDegraded(mode)
	p.cfg.Metrics.RecordDegraded(context.Background(), mode)
}
