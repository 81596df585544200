package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medofficehq/automation/pkg/common/config"
	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

var (
	redisClient *redis.Client
	redisOnce   sync.Once
)

// RedisOptions keeps timeouts short: the progress cache sits on the poll
// path and must never hold a poll up for long.
func RedisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// GetRedis returns the shared client. A failed ping is logged, not fatal:
// cache reads miss until redis comes back.
func GetRedis(cfg *config.Config) *redis.Client {
	redisOnce.Do(func() {
		opts := RedisOptions(cfg)
		redisClient = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Log.WithError(err).WithField("addr", opts.Addr).Error("Failed to connect to Redis")
		} else {
			logger.Log.WithField("addr", opts.Addr).Info("Connected to Redis")
		}
	})

	return redisClient
}

// Ready pings every connection opened so far.
func Ready(ctx context.Context) error {
	if redisClient != nil {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func CloseRedis() error {
	if redisClient != nil {
		return redisClient.Close()
	}
	return nil
}
