package resolver

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a process-local cache keyed by actor id. Entries are
// replaced atomically; readers never block on invalidation.
type MemoryCache struct {
	ttl     time.Duration
	entries sync.Map
	now     func() time.Time
}

type memoryEntry struct {
	set       EffectiveSet
	expiresAt time.Time
}

// NewMemoryCache constructs a cache whose entries live at most ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{ttl: ttl, now: time.Now}
}

// Get returns the cached set if present and unexpired.
func (c *MemoryCache) Get(_ context.Context, actorID int64) (EffectiveSet, bool) {
	value, ok := c.entries.Load(actorID)
	if !ok {
		return EffectiveSet{}, false
	}
	entry := value.(memoryEntry)
	if c.now().After(entry.expiresAt) {
		c.entries.Delete(actorID)
		return EffectiveSet{}, false
	}
	return entry.set, true
}

// Set stores the resolved set for the actor.
func (c *MemoryCache) Set(_ context.Context, actorID int64, set EffectiveSet) error {
	c.entries.Store(actorID, memoryEntry{set: set, expiresAt: c.now().Add(c.ttl)})
	return nil
}

// Invalidate removes the actor's entry. Never fails for the in-process
// cache.
func (c *MemoryCache) Invalidate(_ context.Context, actorID int64) error {
	c.entries.Delete(actorID)
	return nil
}
