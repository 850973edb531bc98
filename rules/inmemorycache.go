package rules

import (
	"sync"
	"time"
)

// moduleSnapshot is an immutable rule list plus its refresh time. Snapshots
// are replaced whole, never mutated.
type moduleSnapshot struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache keeps one snapshot per module under an RWMutex.
// Thread-safe for many concurrent readers and lifecycle writers.
type InMemoryRulesCache struct {
	entries map[string]*moduleSnapshot
	config  CacheConfig
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache.
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[string]*moduleSnapshot),
		config:  config,
	}
}

func (c *InMemoryRulesCache) Get(module string) ([]*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, exists := c.entries[module]
	if !exists {
		return nil, false
	}
	if c.config.TTL > 0 && time.Since(snap.cachedAt) > c.config.TTL {
		return nil, false
	}
	return snap.rules, true
}

func (c *InMemoryRulesCache) Set(module string, rules []*Rule) {
	// Copy so later mutation of the caller's slice cannot leak into readers.
	snapshot := make([]*Rule, len(rules))
	copy(snapshot, rules)

	c.mu.Lock()
	c.entries[module] = &moduleSnapshot{rules: snapshot, cachedAt: time.Now()}
	c.mu.Unlock()
}

func (c *InMemoryRulesCache) Invalidate(module string) {
	c.mu.Lock()
	delete(c.entries, module)
	c.mu.Unlock()
}

func (c *InMemoryRulesCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*moduleSnapshot)
	c.mu.Unlock()
}
