package token

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the tier-2 shared revocation cache: a Redis SET-with-TTL
// per revoked jti, consulted before falling back to the authoritative store
// (tier-3). Grounded on the same client-wrapping shape as
// internal/ratelimit.RedisStore and internal/passkey.RedisChallengeStore.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client. Callers own the client's lifecycle.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := c.client.Exists(ctx, redisRevocationKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) MarkRevoked(ctx context.Context, jti string, ttl time.Duration) error {
	return c.client.Set(ctx, redisRevocationKey(jti), "1", ttl).Err()
}

func redisRevocationKey(jti string) string {
	return "authd:revoked:" + jti
}
