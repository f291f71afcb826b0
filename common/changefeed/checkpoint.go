package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Checkpoints records the last position a consumer finished with.
// Saving a position lower than the stored one is ignored.
type Checkpoints interface {
	Load(ctx context.Context, consumer, partition string) (Position, bool, error)
	Save(ctx context.Context, consumer, partition string, pos Position) error
}

// MemoryCheckpoints keeps checkpoints in process memory.
type MemoryCheckpoints struct {
	mu  sync.Mutex
	pos map[string]Position
}

// NewMemoryCheckpoints creates an empty store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{pos: make(map[string]Position)}
}

func (m *MemoryCheckpoints) Load(_ context.Context, consumer, partition string) (Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pos[consumer+"/"+partition]
	return p, ok, nil
}

func (m *MemoryCheckpoints) Save(_ context.Context, consumer, partition string, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := consumer + "/" + partition
	if cur, ok := m.pos[key]; ok && cur >= pos {
		return nil
	}
	m.pos[key] = pos
	return nil
}

// saveIfGreater keeps checkpoints monotonic across concurrent relays.
const saveIfGreater = `
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`

// RedisCheckpoints stores checkpoints as plain keys in Redis.
type RedisCheckpoints struct {
	client *redis.Client
	prefix string
	script *redis.Script
}

// NewRedisCheckpoints creates a store using keys "<prefix>:<consumer>:<partition>".
func NewRedisCheckpoints(client *redis.Client, prefix string) *RedisCheckpoints {
	if prefix == "" {
		prefix = "cv:checkpoint"
	}
	return &RedisCheckpoints{
		client: client,
		prefix: prefix,
		script: redis.NewScript(saveIfGreater),
	}
}

func (r *RedisCheckpoints) key(consumer, partition string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, consumer, partition)
}

func (r *RedisCheckpoints) Load(ctx context.Context, consumer, partition string) (Position, bool, error) {
	v, err := r.client.Get(ctx, r.key(consumer, partition)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt checkpoint %q: %w", v, err)
	}
	return Position(n), true, nil
}

func (r *RedisCheckpoints) Save(ctx context.Context, consumer, partition string, pos Position) error {
	err := r.script.Run(ctx, r.client, []string{r.key(consumer, partition)}, int64(pos)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
