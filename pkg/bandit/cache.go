package bandit

import (
	"sync"
	"time"

	"github.com/amas-core/amas/pkg/models"
)

// Cache is a per-user strategy cache with TTL, guarded by a single mutex
// shared by all users; there is no separate per-user lock.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cacheEntry
}

type cacheEntry struct {
	strategy models.StrategyParams
	expires  time.Time
}

// DefaultTTL is the spec's default strategy cache lifetime (10 minutes).
const DefaultTTL = 10 * time.Minute

// NewCache returns a Cache with the given TTL (DefaultTTL if zero).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, m: make(map[string]cacheEntry)}
}

// Get returns the cached strategy for userID if present and unexpired.
func (c *Cache) Get(userID string, now time.Time) (models.StrategyParams, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[userID]
	if !ok || now.After(e.expires) {
		return models.StrategyParams{}, false
	}
	return e.strategy, true
}

// Put caches sp for userID with the configured TTL from now.
func (c *Cache) Put(userID string, sp models.StrategyParams, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[userID] = cacheEntry{strategy: sp, expires: now.Add(c.ttl)}
}

// Invalidate removes userID's cached strategy, if any.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, userID)
}
