package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Both scripts act only while the key still carries the caller's token, so a
// holder whose lease expired can never release or extend its successor's.
const (
	releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

// RedisLocker holds leases as SETNX keys with a TTL.
type RedisLocker struct {
	rdb       *redis.Client
	releaseSc *redis.Script
	refreshSc *redis.Script
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		rdb:       rdb,
		releaseSc: redis.NewScript(releaseLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLease{locker: r, key: key, token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
	once   sync.Once
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := l.locker.refreshSc.Run(ctx, l.locker.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		// background context so release succeeds after the caller's ctx is cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.locker.releaseSc.Run(ctx, l.locker.rdb, []string{l.key}, l.token).Err()
	})
}

var _ Locker = (*RedisLocker)(nil)
