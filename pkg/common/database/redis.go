package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/splatforge/platform/pkg/common/config"
	"github.com/splatforge/platform/pkg/common/logger"
)

var (
	redisClient *redis.Client
	redisOnce   sync.Once
)

// The status cache sits on the polling path and must fail fast; a slow
// cache is worse than a miss.
const (
	redisDialTimeout = 2 * time.Second
	redisIOTimeout   = 500 * time.Millisecond
)

var errRedisNotOpened = errors.New("redis client not opened")

// RedisOptions builds client options for the status cache.
func RedisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisIOTimeout,
		WriteTimeout: redisIOTimeout,
		MaxRetries:   1,
	}
}

// GetRedis returns the shared status cache client. The first call pings the
// server; a failed ping is only logged because reads fall back to the job
// store, and /ready reports the outage through PingRedis.
func GetRedis(cfg *config.Config) *redis.Client {
	redisOnce.Do(func() {
		opts := RedisOptions(cfg)
		redisClient = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
		defer cancel()
		entry := logger.Log.WithField("addr", opts.Addr)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			entry.WithError(err).Warn("Redis unreachable, status reads fall back to the job store")
			return
		}
		entry.Info("Connected to Redis")
	})

	return redisClient
}

// PingRedis checks the shared client for readiness probes.
func PingRedis(ctx context.Context) error {
	if redisClient == nil {
		return errRedisNotOpened
	}
	return redisClient.Ping(ctx).Err()
}

func CloseRedis() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
