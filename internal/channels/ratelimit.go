package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of per-key buckets kept in memory.
	maxTrackedKeys = 4096

	// DefaultRateLimitMaxHits is the sustained requests per key per minute.
	DefaultRateLimitMaxHits = 30
)

type keyBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter gives every key (remote host) a token bucket refilled
// at maxHits per minute with a burst of maxHits. Idle buckets are evicted
// once maxTrackedKeys is reached. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	maxHits int
	every   rate.Limit
	buckets map[string]*keyBucket
	now     func() time.Time
}

// NewWebhookRateLimiter creates a limiter allowing maxHits requests per key
// per minute. Non-positive maxHits uses the default.
func NewWebhookRateLimiter(maxHits int) *WebhookRateLimiter {
	if maxHits <= 0 {
		maxHits = DefaultRateLimitMaxHits
	}
	return &WebhookRateLimiter{
		maxHits: maxHits,
		every:   rate.Every(time.Minute / time.Duration(maxHits)),
		buckets: make(map[string]*keyBucket),
		now:     time.Now,
	}
}

// Allow reports whether a request from key may proceed now.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[key]
	if !ok {
		if len(r.buckets) >= maxTrackedKeys {
			r.evictLocked(now)
		}
		b = &keyBucket{limiter: rate.NewLimiter(r.every, r.maxHits)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// evictLocked drops buckets idle for a full minute (they are full again and
// carry no state), then the least recently seen one if still at the cap.
func (r *WebhookRateLimiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, b := range r.buckets {
		if now.Sub(b.lastSeen) >= time.Minute {
			delete(r.buckets, k)
			continue
		}
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = k, b.lastSeen
		}
	}
	if len(r.buckets) >= maxTrackedKeys && oldestKey != "" {
		delete(r.buckets, oldestKey)
	}
}
