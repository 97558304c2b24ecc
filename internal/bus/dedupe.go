package bus

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Deduper reports whether an inbound message key was already seen.
// The first call for a key marks it and returns false. Forget unmarks a key
// whose message could not be delivered, so a redelivery is accepted.
type Deduper interface {
	IsDuplicate(ctx context.Context, key string) bool
	Forget(ctx context.Context, key string)
	Close() error
}

// DedupeKey builds the dedupe key for an inbound message.
// Returns "" when the provider did not assign a fingerprint; such messages are never deduplicated.
func DedupeKey(msg InboundMessage) string {
	if msg.Fingerprint == "" {
		return ""
	}
	return fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.WebsiteID, msg.SessionID, msg.Fingerprint)
}

type dedupeEntry struct {
	seenAt  time.Time
	element *list.Element
}

// DedupeCache is an in-memory TTL cache bounded to maxSize keys.
// The oldest key is evicted first when the cache is full. Safe for concurrent use.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]*dedupeEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewDedupeCache creates a dedupe cache and starts its background pruning loop.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if maxSize <= 0 {
		maxSize = 5000
	}
	c := &DedupeCache{
		seen:    make(map[string]*dedupeEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.pruneLoop()
	return c
}

// IsDuplicate atomically checks and marks key.
func (c *DedupeCache) IsDuplicate(_ context.Context, key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		// Expired: refresh in place.
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &dedupeEntry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

// Forget removes key from the cache.
func (c *DedupeCache) Forget(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DedupeCache) pruneLoop() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.done:
			return
		}
	}
}

func (c *DedupeCache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key := e.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			// Entries are ordered by mark time; the rest are fresher.
			break
		}
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the pruning loop. Safe to call multiple times.
func (c *DedupeCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
	return nil
}
