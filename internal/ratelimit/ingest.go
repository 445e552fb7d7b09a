package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/wasteworks/binsight/internal/config"
)

const keyIngestOrg = "ingest:org:%s"

// IngestLimiter throttles transaction submissions per organization with a
// redis-backed token bucket shared across instances.
type IngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewIngestLimiter(cfg config.Config, client *redis.Client) *IngestLimiter {
	if !cfg.Ingest.RateLimitEnabled || client == nil {
		return nil
	}
	if cfg.Ingest.RateLimitRPS <= 0 || cfg.Ingest.RateLimitBurst <= 0 {
		return nil
	}
	return &IngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.Ingest.RateLimitRPS,
		burst:  cfg.Ingest.RateLimitBurst,
	}
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *IngestLimiter) AllowOrg(ctx context.Context, orgID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyIngestOrg, strings.TrimSpace(orgID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
