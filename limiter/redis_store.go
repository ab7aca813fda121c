package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed sliding_window.lua
var slidingWindowLua string // embed the lua script content

var slidingWindowScript = redis.NewScript(slidingWindowLua)

// RedisWindowStore implements WindowStore on a Redis sorted set per key.
// The whole prune/insert/count/expire sequence runs inside one Lua script, which
// Redis executes atomically, so concurrent gateways cannot both read a stale count.
type RedisWindowStore struct {
	client redis.Cmdable // Use Cmdable for compatibility with ClusterClient, SentinelClient, etc.
}

// NewRedisWindowStore creates a new Redis sliding-window store.
// It expects a pre-configured redis.Cmdable (e.g., redis.Client or redis.ClusterClient).
func NewRedisWindowStore(client redis.Cmdable) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

// Load preloads the script with SCRIPT LOAD. Optional: Run falls back to EVAL
// when the server answers NOSCRIPT.
func (s *RedisWindowStore) Load(ctx context.Context) error {
	return slidingWindowScript.Load(ctx, s.client).Err()
}

// Hit implements WindowStore.
func (s *RedisWindowStore) Hit(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int) (WindowResult, error) {
	args := []any{
		window.Milliseconds(), // ARGV[1]
		now.UnixMilli(),       // ARGV[2]
		member,                // ARGV[3]
		limit,                 // ARGV[4]
	}

	result, err := slidingWindowScript.Run(ctx, s.client, []string{key}, args...).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis sliding window script failed")
		return WindowResult{}, fmt.Errorf("sliding window script for key %s: %w", key, err)
	}

	vals, ok := result.([]any)
	if !ok || len(vals) != 2 {
		return WindowResult{}, fmt.Errorf("unexpected result from sliding window script for key %s: %T", key, result)
	}
	allowed, ok1 := vals[0].(int64)
	count, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return WindowResult{}, fmt.Errorf("unexpected element types from sliding window script for key %s: %T, %T", key, vals[0], vals[1])
	}

	return WindowResult{Allowed: allowed == 1, Count: count}, nil
}

var _ WindowStore = (*RedisWindowStore)(nil)
