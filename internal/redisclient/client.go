// Package redisclient constructs the pooled go-redis client shared by the
// Job Store and the real-time analytics counters.
package redisclient

import (
	"github.com/redis/go-redis/v9"

	"github.com/sonantica/plugin-runtime/internal/config"
)

// New returns a configured go-redis client with pooling and timeouts.
func New(cfg *config.Config) *redis.Client {
	poolSize := cfg.Redis.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     poolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
}
