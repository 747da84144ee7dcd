package resolve

import (
	"sync"
	"time"

	"github.com/mfehub/hub/internal/domain"
)

// snapshot is the cached baseline/rule pair for one microfrontend+environment.
// target is nil when the rule is absent, inactive, or dangling.
type snapshot struct {
	baseline *domain.Deployment
	rule     *domain.CanaryRule
	target   *domain.Deployment
}

type cacheEntry struct {
	snap      snapshot
	expiresAt time.Time
}

// Cache is a bounded, time-expiring snapshot store. Rollout changes are
// operator-paced, so seconds of staleness is acceptable; registry writes
// invalidate eagerly.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
}

// NewCache constructs a snapshot cache. ttl <= 0 disables caching.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &Cache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func cacheKey(mfeID, environmentID string) string {
	return mfeID + "|" + environmentID
}

func (c *Cache) get(mfeID, environmentID string) (snapshot, bool) {
	if c.ttl <= 0 {
		return snapshot{}, false
	}
	key := cacheKey(mfeID, environmentID)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return snapshot{}, false
	}
	return entry.snap, true
}

func (c *Cache) set(mfeID, environmentID string, snap snapshot) {
	if c.ttl <= 0 {
		return
	}
	key := cacheKey(mfeID, environmentID)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry{snap: snap, expiresAt: now.Add(c.ttl)}
}

// evictLocked drops expired entries, then an arbitrary one if still full.
func (c *Cache) evictLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	for key := range c.entries {
		delete(c.entries, key)
		return
	}
}

// Invalidate drops the cached snapshot for a pair after a registry write.
func (c *Cache) Invalidate(mfeID, environmentID string) {
	key := cacheKey(mfeID, environmentID)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
