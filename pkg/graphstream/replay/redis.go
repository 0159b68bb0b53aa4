package replay

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
)

// RedisConfig configures the Redis-backed buffer.
type RedisConfig struct {
	// Addr is the Redis server address (host:port). Ignored when Client is
	// set.
	Addr string

	// Password authenticates against the server. Optional.
	Password string

	// DB selects the logical database. Default: 0.
	DB int

	// Client overrides Addr with an existing client. Optional.
	Client redis.UniversalClient

	// KeyPrefix namespaces all keys. Default: "gs".
	KeyPrefix string

	// Retention is the TTL applied to records and both indices.
	// Default: DefaultRetention.
	Retention time.Duration

	// MaxPerPartition bounds the partition index.
	// Default: DefaultMaxPerPartition.
	MaxPerPartition int

	// MaxPerThread bounds each thread index.
	// Default: DefaultMaxPerThread.
	MaxPerThread int
}

func (c *RedisConfig) validate() error {
	if c.Client == nil && c.Addr == "" {
		return &gserrors.ConfigError{Field: "addr", Message: "required when no client is provided"}
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "gs"
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaxPerPartition <= 0 {
		c.MaxPerPartition = DefaultMaxPerPartition
	}
	if c.MaxPerThread <= 0 {
		c.MaxPerThread = DefaultMaxPerThread
	}
	return nil
}

// RedisBuffer is the production Buffer. Records live under plain keys with
// a TTL; the partition and thread indices are sorted sets whose members are
// zero-padded decimal integers ordered lexicographically at score zero.
// Sorted-set float scores silently corrupt integers past 2^53, so scores
// are never used for ordering.
type RedisBuffer struct {
	cfg    RedisConfig
	client redis.UniversalClient
	owned  bool
}

// NewRedisBuffer creates a Redis-backed buffer.
func NewRedisBuffer(cfg RedisConfig) (*RedisBuffer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := cfg.Client
	owned := false
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		owned = true
	}
	return &RedisBuffer{cfg: cfg, client: client, owned: owned}, nil
}

// padInt64 renders a non-negative int64 with fixed width so lexicographic
// order matches numeric order across the full range.
func padInt64(n int64) string {
	return fmt.Sprintf("%020d", n)
}

func padUint64(n uint64) string {
	return fmt.Sprintf("%020d", n)
}

// sanitizeThreadID confines externally supplied thread IDs to a safe key
// alphabet. Colons would break the index member format; control characters
// would break key scans.
func sanitizeThreadID(threadID string) string {
	var b strings.Builder
	b.Grow(len(threadID))
	for _, r := range threadID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 200 {
			break
		}
	}
	return b.String()
}

func (r *RedisBuffer) msgKey(cur log.Cursor) string {
	return fmt.Sprintf("%s:msg:%d:%d", r.cfg.KeyPrefix, cur.Partition, cur.Offset)
}

func (r *RedisBuffer) partitionKey(partition int32) string {
	return fmt.Sprintf("%s:part:%d", r.cfg.KeyPrefix, partition)
}

func (r *RedisBuffer) threadKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s", r.cfg.KeyPrefix, sanitizeThreadID(threadID))
}

func (r *RedisBuffer) partitionsKey() string {
	return r.cfg.KeyPrefix + ":partitions"
}

// Store writes the record and both index entries in one pipeline. Indices
// are trimmed to their bounds and every key's TTL is refreshed.
func (r *RedisBuffer) Store(ctx context.Context, rec Stored) error {
	msgKey := r.msgKey(rec.Cursor)
	partKey := r.partitionKey(rec.Cursor.Partition)

	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, msgKey, rec.Frame, r.cfg.Retention)

		pipe.ZAdd(ctx, partKey, redis.Z{Score: 0, Member: padInt64(rec.Cursor.Offset)})
		pipe.ZRemRangeByRank(ctx, partKey, 0, int64(-r.cfg.MaxPerPartition-1))
		pipe.Expire(ctx, partKey, r.cfg.Retention)

		pipe.SAdd(ctx, r.partitionsKey(), strconv.FormatInt(int64(rec.Cursor.Partition), 10))
		pipe.Expire(ctx, r.partitionsKey(), r.cfg.Retention)

		if seq, ok := rec.Sequence.Value(); ok && rec.ThreadID != "" {
			threadKey := r.threadKey(rec.ThreadID)
			member := fmt.Sprintf("%s:%d:%s", padUint64(seq), rec.Cursor.Partition, padInt64(rec.Cursor.Offset))
			pipe.ZAdd(ctx, threadKey, redis.Z{Score: 0, Member: member})
			pipe.ZRemRangeByRank(ctx, threadKey, 0, int64(-r.cfg.MaxPerThread-1))
			pipe.Expire(ctx, threadKey, r.cfg.Retention)
		}
		return nil
	})
	if err != nil {
		return &gserrors.TransportError{Op: "index-write", Err: err}
	}
	return nil
}

// RangeByPartition pages retained records after afterOffset in offset order.
func (r *RedisBuffer) RangeByPartition(ctx context.Context, partition int32, afterOffset int64, limit int) ([]Stored, error) {
	if afterOffset == math.MaxInt64 {
		return nil, nil
	}
	members, err := r.client.ZRangeByLex(ctx, r.partitionKey(partition), &redis.ZRangeBy{
		Min:   "[" + padInt64(afterOffset+1),
		Max:   "+",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, &gserrors.TransportError{Op: "partition-range", Err: err}
	}
	if len(members) == 0 {
		return nil, nil
	}

	cursors := make([]log.Cursor, 0, len(members))
	keys := make([]string, 0, len(members))
	for _, member := range members {
		offset, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("replay: malformed partition index member %q: %w", member, err)
		}
		cur := log.Cursor{Partition: partition, Offset: offset}
		cursors = append(cursors, cur)
		keys = append(keys, r.msgKey(cur))
	}
	return r.fetch(ctx, cursors, keys)
}

// RangeByThread pages retained records for a thread after afterSeq in
// sequence order.
func (r *RedisBuffer) RangeByThread(ctx context.Context, threadID string, afterSeq uint64, limit int) ([]Stored, error) {
	if afterSeq == math.MaxUint64 {
		return nil, nil
	}
	// Members are "seq:partition:offset"; ':' sorts above digits, so the
	// inclusive bound at afterSeq+1 excludes every member of afterSeq.
	members, err := r.client.ZRangeByLex(ctx, r.threadKey(threadID), &redis.ZRangeBy{
		Min:   "[" + padUint64(afterSeq+1),
		Max:   "+",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, &gserrors.TransportError{Op: "thread-range", Err: err}
	}
	if len(members) == 0 {
		return nil, nil
	}

	cursors := make([]log.Cursor, 0, len(members))
	keys := make([]string, 0, len(members))
	seqByCursor := make(map[log.Cursor]uint64, len(members))
	for _, member := range members {
		parts := strings.SplitN(member, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("replay: malformed thread index member %q", member)
		}
		seq, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("replay: malformed thread index member %q: %w", member, err)
		}
		partition, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("replay: malformed thread index member %q: %w", member, err)
		}
		offset, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("replay: malformed thread index member %q: %w", member, err)
		}
		cur := log.Cursor{Partition: int32(partition), Offset: offset}
		cursors = append(cursors, cur)
		keys = append(keys, r.msgKey(cur))
		seqByCursor[cur] = seq
	}
	records, err := r.fetch(ctx, cursors, keys)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].ThreadID = threadID
		records[i].Sequence = message.Real(seqByCursor[records[i].Cursor])
	}
	return records, nil
}

// fetch bulk-loads frames for the given cursors. Records whose frame
// already expired are skipped; the index entry outliving the record is a
// benign TTL race.
func (r *RedisBuffer) fetch(ctx context.Context, cursors []log.Cursor, keys []string) ([]Stored, error) {
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &gserrors.TransportError{Op: "record-fetch", Err: err}
	}
	out := make([]Stored, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, Stored{Cursor: cursors[i], Frame: []byte(s)})
	}
	return out, nil
}

// Bounds returns the oldest and newest indexed offsets for a partition.
func (r *RedisBuffer) Bounds(ctx context.Context, partition int32) (int64, int64, bool, error) {
	key := r.partitionKey(partition)
	first, err := r.client.ZRange(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, 0, false, &gserrors.TransportError{Op: "bounds", Err: err}
	}
	if len(first) == 0 {
		return 0, 0, false, nil
	}
	last, err := r.client.ZRange(ctx, key, -1, -1).Result()
	if err != nil {
		return 0, 0, false, &gserrors.TransportError{Op: "bounds", Err: err}
	}
	oldest, err := strconv.ParseInt(first[0], 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("replay: malformed partition index member %q: %w", first[0], err)
	}
	newest, err := strconv.ParseInt(last[0], 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("replay: malformed partition index member %q: %w", last[0], err)
	}
	return oldest, newest, true, nil
}

// Partitions returns every partition seen within the retention window. A
// member may outlive its index when a partition goes quiet; callers treat
// an empty Bounds as nothing retained.
func (r *RedisBuffer) Partitions(ctx context.Context) ([]int32, error) {
	members, err := r.client.SMembers(ctx, r.partitionsKey()).Result()
	if err != nil {
		return nil, &gserrors.TransportError{Op: "partitions", Err: err}
	}
	out := make([]int32, 0, len(members))
	for _, m := range members {
		p, err := strconv.ParseInt(m, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("replay: malformed partition set member %q: %w", m, err)
		}
		out = append(out, int32(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close releases the client if this buffer created it.
func (r *RedisBuffer) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
