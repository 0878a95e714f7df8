package main

import (
	"maps"
	"sync"
	"time"
)

// PreflightCache provides thread-safe caching for preflight results
type PreflightCache struct {
	mu          sync.RWMutex
	results     map[string]CheckResult
	lastUpdated time.Time
	ttl         time.Duration
}

// NewPreflightCache creates a new preflight cache with the specified TTL
func NewPreflightCache(ttl time.Duration) *PreflightCache {
	return &PreflightCache{
		ttl: ttl,
	}
}

// Get retrieves results from cache if not expired
// Returns the results and a boolean indicating if the cache hit was successful
func (c *PreflightCache) Get() (map[string]CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.results) == 0 {
		return nil, false
	}

	if time.Since(c.lastUpdated) > c.ttl {
		return nil, false
	}

	// Return a copy to prevent external modifications
	return maps.Clone(c.results), true
}

// Set updates the cache with new results
func (c *PreflightCache) Set(results map[string]CheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results = maps.Clone(results)
	c.lastUpdated = time.Now()
}

// Clear removes all results from the cache
func (c *PreflightCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results = nil
	c.lastUpdated = time.Time{}
}

// GetLastUpdated returns when the cache was last updated
func (c *PreflightCache) GetLastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastUpdated
}
