package cache

import (
	"strings"
	"time"

	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
)

const defaultSubscriptionTTL = 45 * time.Second

// IngestResolverCache stores hot-path resolver lookups for transaction ingest.
// Quota counters are never cached; only the subscription identity resolution
// is, since the reservation path re-reads the usage row under a lock.
type IngestResolverCache interface {
	GetActiveSubscription(orgID string) (subscriptiondomain.Subscription, bool)
	SetActiveSubscription(orgID string, subscription subscriptiondomain.Subscription)
	InvalidateActiveSubscription(orgID string)
}

type ingestResolverCache struct {
	subscriptions Cache[string, subscriptiondomain.Subscription]
	subTTL        time.Duration
}

// NewIngestResolverCache returns an in-memory cache tuned for transaction ingest.
func NewIngestResolverCache() IngestResolverCache {
	return &ingestResolverCache{
		subscriptions: NewTTLCache[string, subscriptiondomain.Subscription](),
		subTTL:        defaultSubscriptionTTL,
	}
}

func (c *ingestResolverCache) GetActiveSubscription(orgID string) (subscriptiondomain.Subscription, bool) {
	return c.subscriptions.Get(cacheKey(orgID))
}

func (c *ingestResolverCache) SetActiveSubscription(orgID string, subscription subscriptiondomain.Subscription) {
	if subscription.ID == 0 {
		return
	}
	c.subscriptions.Set(cacheKey(orgID), subscription, c.subTTL)
}

func (c *ingestResolverCache) InvalidateActiveSubscription(orgID string) {
	c.subscriptions.Delete(cacheKey(orgID))
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
