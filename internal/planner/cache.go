package planner

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	defaultCacheSize = 128
	defaultCacheTTL  = 10 * time.Minute
)

// CapabilityChecker reports whether a capability is still registered.
type CapabilityChecker interface {
	Has(name string) bool
}

// CacheStats counts cache traffic since creation.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type cacheEntry struct {
	result   *PlanningResult
	storedAt time.Time
	ttl      time.Duration
}

// PlanCache is a bounded LRU of accepted plans keyed by fingerprint.
// Graphs are cloned on the way in and out, so callers can execute a cached
// plan without disturbing the stored copy.
type PlanCache struct {
	mu    sync.RWMutex
	lru   *simplelru.LRU[string, cacheEntry]
	ttl   time.Duration
	caps  CapabilityChecker
	now   func() time.Time
	stats CacheStats
}

// NewPlanCache creates a cache holding up to size plans. A non-positive size
// or ttl falls back to the defaults. caps may be nil, in which case cached
// capabilities are not re-checked.
func NewPlanCache(size int, ttl time.Duration, caps CapabilityChecker) *PlanCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	l, err := simplelru.NewLRU[string, cacheEntry](size, nil)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &PlanCache{lru: l, ttl: ttl, caps: caps, now: time.Now}
}

// Get returns a clone of the cached plan. Expired entries and entries that
// reference an unregistered capability count as misses and are evicted.
func (c *PlanCache) Get(fingerprint string) (*PlanningResult, bool) {
	// Get updates recency, so it needs the write lock.
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(fingerprint)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.now().Sub(e.storedAt) > e.ttl || !c.capabilitiesRegistered(e.result) {
		c.lru.Remove(fingerprint)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	res := e.result.clone()
	res.CacheHit = true
	return res, true
}

// Put stores a clone of result. A non-positive ttl uses the cache default.
func (c *PlanCache) Put(fingerprint string, result *PlanningResult, ttl time.Duration) {
	if result == nil || result.Graph == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Add(fingerprint, cacheEntry{result: result.clone(), storedAt: c.now(), ttl: ttl}) {
		c.stats.Evictions++
	}
}

// Stats returns a snapshot of the counters.
func (c *PlanCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Len returns the number of cached plans, including expired ones not yet
// evicted.
func (c *PlanCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Purge drops every cached plan.
func (c *PlanCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *PlanCache) capabilitiesRegistered(res *PlanningResult) bool {
	if c.caps == nil {
		return true
	}
	for _, t := range res.Graph.Tasks() {
		if !c.caps.Has(t.Capability.Name) {
			return false
		}
	}
	return true
}
