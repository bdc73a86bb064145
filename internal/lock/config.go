package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
)

// FromConfig returns a RedisLocker when redis is enabled and a LocalLocker
// otherwise. The returned func closes the redis connection.
func FromConfig(cfg *config.Config, log *logger.Logger) (Locker, func(), error) {
	if !cfg.Redis.Enabled {
		log.Info("redis disabled, using in-process session lease")
		return NewLocalLocker(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	log.Info("redis connected", "addr", cfg.Redis.Addr)
	return NewRedisLocker(rdb), func() { _ = rdb.Close() }, nil
}
