package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"tether/internal/agent/ports"
)

type exactEntry struct {
	result    ports.ToolResult
	expiresAt time.Time
}

// ExactCache is the LRU tier. Expiry is evaluated at read time; an expired
// entry is evicted on sight so the LRU bookkeeping stays clean.
type ExactCache struct {
	entries    *lru.Cache[string, exactEntry]
	defaultTTL time.Duration
}

// NewExactCache builds the exact tier.
func NewExactCache(maxSize int, ttl time.Duration) (*ExactCache, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	entries, err := lru.New[string, exactEntry](maxSize)
	if err != nil {
		return nil, err
	}
	return &ExactCache{entries: entries, defaultTTL: ttl}, nil
}

// Get returns the live entry for key, evicting it if expired.
func (c *ExactCache) Get(key string) (ports.ToolResult, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return ports.ToolResult{}, false
	}
	if time.Now().After(entry.expiresAt) {
		c.entries.Remove(key)
		return ports.ToolResult{}, false
	}
	return entry.result, true
}

// Put stores result under key for ttl; a non-positive ttl uses the default.
func (c *ExactCache) Put(key string, result ports.ToolResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.entries.Add(key, exactEntry{
		result:    result,
		expiresAt: time.Now().Add(ttl),
	})
}

// Invalidate removes key. Removing an absent key is a no-op.
func (c *ExactCache) Invalidate(key string) {
	c.entries.Remove(key)
}

// Len returns the number of resident entries, expired ones included.
func (c *ExactCache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry.
func (c *ExactCache) Purge() {
	c.entries.Purge()
}
