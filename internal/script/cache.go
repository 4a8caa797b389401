package script

import (
	"crypto/sha256"
	"sync"
)

// Cache memoizes parsed scripts by content hash. Parsing is pure, so one
// cache is safely shared by every de-identification call.
type Cache struct {
	mu sync.RWMutex
	m  map[[sha256.Size]byte]*Script
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{m: make(map[[sha256.Size]byte]*Script)}
}

// Parse returns the cached compilation of content, parsing on first use.
// Parse errors are not cached; a corrected script re-parses cleanly.
func (c *Cache) Parse(content string) (*Script, error) {
	key := sha256.Sum256([]byte(content))

	c.mu.RLock()
	s, ok := c.m[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := Parse(content)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[key] = s
	c.mu.Unlock()
	return s, nil
}

// Len reports the number of cached scripts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
