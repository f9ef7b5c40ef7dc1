// Package cache provides a small TTL-memoization wrapper used by the
// backend client to avoid re-fetching rarely-changing metadata
// (checkpoints, loras, embeddings, sampler info, node defs) on every call.
//
// Grounded on server/cache/flow_state_cache.go from the teacher, which
// wraps patrickmn/go-cache the same way: a single expiring key-value store
// behind a narrow domain-specific API instead of exposing the raw client.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TTL memoizes arbitrary values under string keys for a fixed lifetime.
type TTL struct {
	c *gocache.Cache
}

// New returns a TTL cache whose entries expire ttl after being set and are
// swept every 2*ttl.
func New(ttl time.Duration) *TTL {
	return &TTL{c: gocache.New(ttl, 2*ttl)}
}

// Get returns the cached value for key, if present and unexpired.
func (t *TTL) Get(key string) (any, bool) {
	return t.c.Get(key)
}

// Set stores value under key using the cache's default TTL.
func (t *TTL) Set(key string, value any) {
	t.c.SetDefault(key, value)
}

// Invalidate removes key, forcing the next Get to miss.
func (t *TTL) Invalidate(key string) {
	t.c.Delete(key)
}

// Flush clears every entry.
func (t *TTL) Flush() {
	t.c.Flush()
}
