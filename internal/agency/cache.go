package agency

import (
	"context"
	"sync"
	"time"
)

// SnapshotCache memoizes a single Tree snapshot for a short TTL, so the
// ambient status surface can serve many concurrent requests without issuing
// a fresh agency read for each one.
type SnapshotCache struct {
	mu        sync.RWMutex
	fetch     func(ctx context.Context) (*Tree, error)
	ttl       time.Duration
	value     *Tree
	fetchedAt time.Time
}

// NewSnapshotCache wraps fetch (typically Agency.ReadDB or Agency.Transient)
// with a ttl-bounded cache.
func NewSnapshotCache(ttl time.Duration, fetch func(ctx context.Context) (*Tree, error)) *SnapshotCache {
	return &SnapshotCache{fetch: fetch, ttl: ttl}
}

// Get returns the cached Tree, refreshing it if stale.
func (c *SnapshotCache) Get(ctx context.Context) (*Tree, error) {
	c.mu.RLock()
	if c.value != nil && time.Since(c.fetchedAt) < c.ttl {
		v := c.value
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != nil && time.Since(c.fetchedAt) < c.ttl {
		return c.value, nil
	}

	tree, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.value = tree
	c.fetchedAt = time.Now()
	return tree, nil
}

// Invalidate forces the next Get to refetch.
func (c *SnapshotCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
}
