package codec

import (
	"sync"

	"swarmstream/internal/domain"
)

// Cache memoizes codec profiles by file identity. Profiles are immutable,
// so a hit is always valid for the lifetime of the swarm.
type Cache struct {
	mu      sync.RWMutex
	entries map[domain.StreamKey]domain.CodecProfile
}

func NewCache() *Cache {
	return &Cache{entries: make(map[domain.StreamKey]domain.CodecProfile)}
}

func (c *Cache) Lookup(key domain.StreamKey) (domain.CodecProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[key]
	return p, ok
}

func (c *Cache) Store(key domain.StreamKey, p domain.CodecProfile) {
	c.mu.Lock()
	c.entries[key] = p
	c.mu.Unlock()
}

// Classify returns the cached profile for the file or computes and caches
// a fresh one.
func (c *Cache) Classify(key domain.StreamKey, filename string, probe *domain.MediaInfo) domain.CodecProfile {
	if p, ok := c.Lookup(key); ok {
		return p
	}
	p := Classify(filename, probe)
	c.Store(key, p)
	return p
}

func (c *Cache) Forget(key domain.StreamKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
