package log

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
)

// KafkaConfig configures the Kafka adapter.
type KafkaConfig struct {
	// Brokers are the bootstrap servers.
	Brokers []string

	// Topic is the telemetry topic.
	Topic string

	// Group is the consumer group ID. Required for consumers.
	Group string

	// ClientID identifies this client to the brokers.
	ClientID string

	// PublishTimeout bounds one publish round-trip.
	// Default: 30s.
	PublishTimeout time.Duration
}

func (c *KafkaConfig) validate(needGroup bool) error {
	if len(c.Brokers) == 0 {
		return &gserrors.ConfigError{Field: "brokers", Message: "at least one broker required"}
	}
	if c.Topic == "" {
		return &gserrors.ConfigError{Field: "topic", Message: "topic required"}
	}
	if needGroup && c.Group == "" {
		return &gserrors.ConfigError{Field: "group", Message: "consumer group required"}
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 30 * time.Second
	}
	return nil
}

// KafkaPublisher publishes telemetry frames to Kafka with idempotence
// enabled. Broker-side retries cannot duplicate one produce sequence;
// application-level resubmission of an ambiguous send still can, which is
// why the producer never resubmits those.
type KafkaPublisher struct {
	client *kgo.Client
	cfg    KafkaConfig
}

// NewKafkaPublisher creates a publisher.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if err := cfg.validate(false); err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(cfg.PublishTimeout),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, &gserrors.TransportError{Op: "kafka-connect", Err: err}
	}
	return &KafkaPublisher{client: client, cfg: cfg}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, key, value []byte) (Cursor, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	rec := &kgo.Record{Topic: p.cfg.Topic, Key: key, Value: value}
	results := p.client.ProduceSync(ctx, rec)
	if err := results.FirstErr(); err != nil {
		return Cursor{}, &gserrors.TransportError{Op: "publish", Err: err}
	}
	return Cursor{Partition: rec.Partition, Offset: rec.Offset}, nil
}

// Close implements Publisher.
func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// KafkaConsumer consumes the telemetry topic as part of a group with manual
// commits. Partition assignment is tracked through rebalance callbacks so
// lag monitoring never reports partitions this consumer does not own.
type KafkaConsumer struct {
	client *kgo.Client
	cfg    KafkaConfig

	mu       sync.RWMutex
	assigned map[int32]struct{}
}

// NewKafkaConsumer creates a consumer joined to cfg.Group.
func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	if err := cfg.validate(true); err != nil {
		return nil, err
	}

	c := &KafkaConsumer{cfg: cfg, assigned: make(map[int32]struct{})}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, added map[string][]int32) {
			c.mu.Lock()
			for _, parts := range added {
				for _, p := range parts {
					c.assigned[p] = struct{}{}
				}
			}
			c.mu.Unlock()
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, removed map[string][]int32) {
			c.mu.Lock()
			for _, parts := range removed {
				for _, p := range parts {
					delete(c.assigned, p)
				}
			}
			c.mu.Unlock()
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, &gserrors.TransportError{Op: "kafka-connect", Err: err}
	}
	c.client = client
	return c, nil
}

// Poll implements Consumer.
func (c *KafkaConsumer) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.client.PollFetches(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		return nil, &gserrors.TransportError{Op: "consume", Err: errs[0].Err}
	}

	var records []Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
	})
	return records, nil
}

// Commit implements Consumer.
func (c *KafkaConsumer) Commit(ctx context.Context, cursors []Cursor) error {
	if len(cursors) == 0 {
		return nil
	}
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	topic := make(map[int32]kgo.EpochOffset)
	for _, cur := range cursors {
		prev, ok := topic[cur.Partition]
		// Committed offset is the next offset to read.
		if !ok || cur.Offset+1 > prev.Offset {
			topic[cur.Partition] = kgo.EpochOffset{Offset: cur.Offset + 1}
		}
	}
	offsets[c.cfg.Topic] = topic

	errCh := make(chan error, 1)
	c.client.CommitOffsets(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		errCh <- err
	})
	select {
	case err := <-errCh:
		if err != nil {
			return &gserrors.TransportError{Op: "commit", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Head returns the newest offset for one partition of the telemetry topic,
// for lag monitoring. ok is false when the partition is empty.
func (c *KafkaConsumer) Head(ctx context.Context, partition int32) (int64, bool, error) {
	part := kmsg.NewListOffsetsRequestTopicPartition()
	part.Partition = partition
	part.Timestamp = -1 // latest

	topic := kmsg.NewListOffsetsRequestTopic()
	topic.Topic = c.cfg.Topic
	topic.Partitions = append(topic.Partitions, part)

	req := kmsg.NewPtrListOffsetsRequest()
	req.Topics = append(req.Topics, topic)

	resp, err := req.RequestWith(ctx, c.client)
	if err != nil {
		return 0, false, &gserrors.TransportError{Op: "list-offsets", Err: err}
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.Partition != partition {
				continue
			}
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return 0, false, &gserrors.TransportError{Op: "list-offsets", Err: err}
			}
			if p.Offset <= 0 {
				return 0, false, nil
			}
			// ListOffsets returns the high watermark, one past the newest.
			return p.Offset - 1, true, nil
		}
	}
	return 0, false, nil
}

// Assigned implements Consumer.
func (c *KafkaConsumer) Assigned() []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	parts := make([]int32, 0, len(c.assigned))
	for p := range c.assigned {
		parts = append(parts, p)
	}
	return parts
}

// Close implements Consumer.
func (c *KafkaConsumer) Close() error {
	c.client.Close()
	return nil
}
