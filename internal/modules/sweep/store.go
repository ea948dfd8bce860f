// README: Redis day lock so only one instance runs a given day's sweep.
package sweep

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "fleet:sweep:"

// Locker grants a named lock at most once until ttl expires.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type RedisLocker struct {
	redis *redis.Client
}

func NewRedisLocker(redis *redis.Client) *RedisLocker {
	return &RedisLocker{redis: redis}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.redis.SetNX(ctx, lockKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}
