package client

import (
	"sync"
	"time"
)

// keyCache holds the last fetched key table. Key tables change only on
// rotation, so verifiers can reuse one for a while.
type keyCache struct {
	mu        sync.RWMutex
	keys      map[string]string
	expiresAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

func newKeyCache(ttl time.Duration) *keyCache {
	return &keyCache{ttl: ttl, now: time.Now}
}

// get returns a copy of the cached table if it has not expired.
func (c *keyCache) get() (map[string]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || c.now().After(c.expiresAt) {
		return nil, false
	}
	out := make(map[string]string, len(c.keys))
	for id, k := range c.keys {
		out[id] = k
	}
	return out, true
}

func (c *keyCache) set(keys map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = make(map[string]string, len(keys))
	for id, k := range keys {
		c.keys[id] = k
	}
	c.expiresAt = c.now().Add(c.ttl)
}

// invalidate drops the cached table so the next Keys call refetches.
func (c *keyCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = nil
}
