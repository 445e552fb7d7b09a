package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/wasteworks/binsight/internal/config"
)

const keyAuditEnqueueLock = "audit:enqueue:lock:%s"

// EnqueueGuard serializes audit admissions per organization through a
// short-lived redis lock, so two clients posting to the queue at once do
// not both pass the open-batch check. It is a fast path only; the database
// check stays authoritative.
type EnqueueGuard struct {
	locker *Locker
	ttl    time.Duration
}

func NewEnqueueGuard(cfg config.Config, client *redis.Client) *EnqueueGuard {
	if client == nil {
		return nil
	}
	ttl := cfg.Audit.EnqueueLockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EnqueueGuard{
		locker: NewLocker(client),
		ttl:    ttl,
	}
}

func (g *EnqueueGuard) Enabled() bool {
	return g != nil && g.locker != nil
}

func (g *EnqueueGuard) TryLock(ctx context.Context, orgID string) (string, bool, error) {
	if !g.Enabled() {
		return "", true, nil
	}
	key := fmt.Sprintf(keyAuditEnqueueLock, strings.TrimSpace(orgID))
	return g.locker.TryLock(ctx, key, g.ttl)
}

func (g *EnqueueGuard) Release(ctx context.Context, orgID, token string) error {
	if !g.Enabled() {
		return nil
	}
	key := fmt.Sprintf(keyAuditEnqueueLock, strings.TrimSpace(orgID))
	return g.locker.Release(ctx, key, token)
}
