package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript performs trim, count, and conditional append as one
// atomic step on the server, so two concurrent callers across different
// processes can never both observe room for the same last slot. KEYS[1] is
// the sorted-set key; ARGV: now (ms), window (ms), limit.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cutoff = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
if count >= limit then
	return {0, 0}
end

redis.call('ZADD', key, now, now .. '-' .. redis.call('INCR', key .. ':seq'))
redis.call('PEXPIRE', key, window)
redis.call('PEXPIRE', key .. ':seq', window)
return {1, limit - count - 1}
`

// RedisStore is the distributed sliding-window Store, backed by a sorted
// set per key (score = attempt timestamp in ms) so multiple authd
// instances share one quota. Grounded on the pack's Redis-backed rate
// limiter service, which uses the same ZSET-trim-then-check shape.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisStore wraps an existing client. Callers own the client's lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, script: redis.NewScript(slidingWindowScript)}
}

func (s *RedisStore) Acquire(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	now := time.Now().UnixMilli()
	windowMs := window.Milliseconds()

	res, err := s.script.Run(ctx, s.client, []string{key}, now, windowMs, limit).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	admitted, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	return admitted == 1, int(remaining), nil
}
