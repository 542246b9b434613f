package passkey

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChallengeStore backs ChallengeStore with Redis GETDEL semantics, for
// deployments running more than one authd instance behind a load balancer —
// the same Redis instance the sliding-window rate limiter's RedisStore uses.
type RedisChallengeStore struct {
	client *redis.Client
}

// NewRedisChallengeStore wraps client.
func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{client: client}
}

func (s *RedisChallengeStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *RedisChallengeStore) Take(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}
