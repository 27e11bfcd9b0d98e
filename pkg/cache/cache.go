// Package cache is the process-local read cache for permission lookups,
// role grants and the catalog tree.
//
// Entries expire after a short TTL and every mutation clears the whole cache
// with Clear. Selective invalidation is deliberately not offered. The cache is
// an injected dependency: construct one per process (or per test) with New.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/entitle/pkg/observability"
)

const (
	// DefaultTTL bounds how long a cached read may lag a write in another process
	DefaultTTL = time.Minute
	// DefaultSize is the maximum number of cached entries
	DefaultSize = 4096
)

// Config configures a Cache
type Config struct {
	TTL  time.Duration
	Size int
}

// Stats is a point-in-time view of cache activity
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Clears  int64   `json:"clears"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// Cache wraps an expirable LRU. The LRU sweeps expired entries in the
// background. A nil *Cache is valid and caches nothing.
type Cache struct {
	lru     *lru.LRU[string, any]
	metrics *observability.Metrics

	// generation is bumped by Clear so loads that raced a mutation are not stored
	mu         sync.Mutex
	generation uint64

	hits   atomic.Int64
	misses atomic.Int64
	clears atomic.Int64
}

// New creates a cache; zero config values fall back to the defaults.
// metrics may be nil.
func New(cfg Config, metrics *observability.Metrics) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	return &Cache{
		lru:     lru.NewLRU[string, any](cfg.Size, nil, cfg.TTL),
		metrics: metrics,
	}
}

// Get returns the cached value for key
func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
		c.metrics.CacheHit()
	} else {
		c.misses.Add(1)
		c.metrics.CacheMiss()
	}
	return v, ok
}

// Set stores value under key
func (c *Cache) Set(key string, value any) {
	if c == nil {
		return
	}
	c.lru.Add(key, value)
}

// Clear drops every entry. Called after any committed mutation.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.generation++
	c.lru.Purge()
	c.mu.Unlock()
	c.clears.Add(1)
	c.metrics.CacheClear()
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Stats returns hit/miss counters
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Clears:  c.clears.Load(),
		Entries: c.lru.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// storeIfCurrent stores value only when no Clear happened since gen was read
func (c *Cache) storeIfCurrent(gen uint64, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen {
		c.lru.Add(key, value)
	}
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. A value loaded while a Clear ran is returned but not cached.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	gen := c.currentGeneration()
	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	c.storeIfCurrent(gen, key, value)
	return value, nil
}

// Keys. Optional ids render as "-" so nil and 0 never collide.

func optional(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}

// PermissionKey identifies a single getPermission lookup
func PermissionKey(roleID, moduleID int64, submoduleID, tenantID *int64, planID int64) string {
	return fmt.Sprintf("perm:%d:%d:%s:%s:%d", roleID, moduleID, optional(submoduleID), optional(tenantID), planID)
}

// RoleGrantsKey identifies a listForRole result
func RoleGrantsKey(roleID int64, tenantID, planID *int64) string {
	return fmt.Sprintf("grants:%d:%s:%s", roleID, optional(tenantID), optional(planID))
}

// RolesKey identifies a role listing for a tenant (nil for the operator view)
func RolesKey(tenantID *int64) string {
	return "roles:" + optional(tenantID)
}

// CatalogKey identifies the module/submodule catalog
const CatalogKey = "catalog"
