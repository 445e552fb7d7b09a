package server

import (
	"sync"
	"time"
)

// rateLimiter is an in-process fixed-window counter for low-volume sensitive
// endpoints such as key rotation. Per instance on purpose; the redis-backed
// limiter covers the high-volume ingest path.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string]rateWindow
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string]rateWindow),
	}
}

func (l *rateLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.hits) > 1024 {
		l.prune(now)
	}

	w, ok := l.hits[key]
	if !ok || now.After(w.resetAt) {
		l.hits[key] = rateWindow{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	l.hits[key] = w
	return true
}

func (l *rateLimiter) prune(now time.Time) {
	for key, w := range l.hits {
		if now.After(w.resetAt) {
			delete(l.hits, key)
		}
	}
}
