package ratelimit

import (
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/wasteworks/binsight/internal/config"
)

// NewClient builds the shared redis client for rate limiting and enqueue
// serialization. Returns nil when no redis address is configured; every
// consumer degrades to its database-side guard in that case.
func NewClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}
