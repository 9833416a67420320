package chain

import "sync"

// ExistenceCache remembers addresses known to have on-chain activity.
// Activity never disappears, so only positive answers are stored and
// entries live as long as the cache. A nil *ExistenceCache is valid and
// remembers nothing.
type ExistenceCache struct {
	mu    sync.RWMutex
	known map[string]struct{}
}

// NewExistenceCache returns an empty cache.
func NewExistenceCache() *ExistenceCache {
	return &ExistenceCache{known: make(map[string]struct{})}
}

// Known reports whether the address was recorded as existing.
func (c *ExistenceCache) Known(address string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[address]
	return ok
}

// Remember records the address as existing.
func (c *ExistenceCache) Remember(address string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[address] = struct{}{}
}

// Len returns the number of remembered addresses.
func (c *ExistenceCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.known)
}
