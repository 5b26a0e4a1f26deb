package sweeper

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SetNXer is the slice of the Redis client the lock needs.
type SetNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker takes a lease with SET NX PX. The lease is never released:
// it expires on its own, which keeps other replicas off the same tick.
type RedisLocker struct {
	Client SetNXer
	Key    string
	Owner  string
}

func (l *RedisLocker) TryLock(ctx context.Context, lease time.Duration) (bool, error) {
	return l.Client.SetNX(ctx, l.Key, l.Owner, lease).Result()
}
