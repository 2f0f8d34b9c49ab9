package keys

import (
	"sync"
	"time"

	"courier/pkg/federation"
	"courier/pkg/types"
)

// Cache holds recently resolved remote keys in process memory
type Cache struct {
	mu sync.RWMutex

	entries map[string]*cacheEntry // normalized author uri -> key
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	key       *types.RemoteKey
	expiresAt time.Time
}

// NewCache creates a key cache whose entries live for ttl
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached key for an author if it has not expired
func (c *Cache) Get(authorURI string) (*types.RemoteKey, bool) {
	id := federation.NormalizeURI(authorURI)

	c.mu.RLock()
	entry, exists := c.entries[id]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		// another goroutine may have refreshed it meanwhile
		if cur, ok := c.entries[id]; ok && cur == entry {
			delete(c.entries, id)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.key, true
}

func (c *Cache) Put(key *types.RemoteKey) {
	if key == nil || c.ttl <= 0 {
		return
	}
	id := federation.NormalizeURI(key.OwnerURI)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &cacheEntry{key: key, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate drops the entry for an author
func (c *Cache) Invalidate(authorURI string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, federation.NormalizeURI(authorURI))
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
