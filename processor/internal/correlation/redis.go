package correlation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces timeline keys.
const DefaultKeyPrefix = "cv:timeline"

// RedisIndex stores each timeline as a sorted set scored by ReceivedAt in
// microseconds. Members are "<seq>:<kind>:<key>" with the sequence zero
// padded, so members sharing a score sort by SequenceHint and re-adding the
// same ref is a no-op.
type RedisIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisIndex.
type RedisOption func(*RedisIndex)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(p string) RedisOption {
	return func(r *RedisIndex) { r.prefix = p }
}

// WithTTL expires a timeline d after its last append. Zero keeps it forever.
func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisIndex) { r.ttl = d }
}

func NewRedisIndex(client *redis.Client, opts ...RedisOption) *RedisIndex {
	r := &RedisIndex{client: client, prefix: DefaultKeyPrefix}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RedisIndex) key(correlationID string) string {
	return r.prefix + ":" + correlationID
}

func member(ref RecordRef) string {
	return fmt.Sprintf("%020d:%s:%s", ref.SequenceHint, ref.Kind, ref.Key)
}

func (r *RedisIndex) Append(ctx context.Context, correlationID string, ref RecordRef) error {
	key := r.key(correlationID)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ref.ReceivedAt.UnixMicro()),
		Member: member(ref),
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append to timeline %s: %w", correlationID, err)
	}
	return nil
}

func (r *RedisIndex) Timeline(ctx context.Context, correlationID string) ([]RecordRef, error) {
	zs, err := r.client.ZRangeWithScores(ctx, r.key(correlationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read timeline %s: %w", correlationID, err)
	}

	refs := make([]RecordRef, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		parts := strings.SplitN(m, ":", 3)
		if len(parts) != 3 {
			continue
		}
		seq, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		refs = append(refs, RecordRef{
			Kind:         parts[1],
			Key:          parts[2],
			ReceivedAt:   time.UnixMicro(int64(z.Score)).UTC(),
			SequenceHint: seq,
		})
	}
	return refs, nil
}
