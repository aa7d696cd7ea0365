package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/pyramidproxy/pyramidproxy/backend"
	"github.com/pyramidproxy/pyramidproxy/logging"
	"github.com/pyramidproxy/pyramidproxy/metrics"
)

// DefaultCacheSize is the default capacity of the route cache.
const DefaultCacheSize = 500000

// CacheOptions configure the route cache.
type CacheOptions struct {

	// Maximum number of cached routes. Defaults to DefaultCacheSize.
	Size int

	// When set, the cache lock is not held while the resolver runs.
	// Concurrent misses of the same key still resolve only once, while
	// misses of different keys resolve in parallel.
	SingleFlight bool

	Log     logging.Logger
	Metrics metrics.Metrics
}

// Cache memoizes the results of a resolver in a bounded LRU. It is safe
// for concurrent use, and it implements Resolver itself.
//
// By default, lookups, resolutions of missing keys and insertions happen
// under a single lock, so every key is resolved at most once between two
// evictions.
type Cache struct {
	resolver Resolver
	log      logging.Logger
	metrics  metrics.Metrics

	mu       sync.Mutex
	lru      *simplelru.LRU[string, backend.Address]
	removing bool

	singleFlight bool
	group        singleflight.Group
}

var _ Resolver = (*Cache)(nil)

// NewCache creates a route cache in front of r.
func NewCache(r Resolver, o CacheOptions) (*Cache, error) {
	if r == nil {
		return nil, errors.New("route cache: missing resolver")
	}

	if o.Size <= 0 {
		o.Size = DefaultCacheSize
	}

	c := &Cache{
		resolver:     r,
		log:          logging.OrDefault(o.Log),
		metrics:      o.Metrics,
		singleFlight: o.SingleFlight,
	}

	if c.metrics == nil {
		c.metrics = metrics.Default
	}

	lru, err := simplelru.NewLRU[string, backend.Address](o.Size, c.onEvict)
	if err != nil {
		return nil, err
	}

	c.lru = lru
	return c, nil
}

// called by the LRU with c.mu held
func (c *Cache) onEvict(key string, a backend.Address) {
	if c.removing {
		return
	}

	c.log.Infof("route cache overflow; removing routing key %s (%s)", key, a)
	c.metrics.IncRouteCacheEvictions()
}

func (c *Cache) resolve(ctx context.Context, r Request) (backend.Address, error) {
	start := time.Now()
	a, err := c.resolver.Resolve(ctx, r)
	c.metrics.MeasureRouteLookup(start)
	if err != nil {
		c.metrics.IncRoutingFailures()
		return backend.Address{}, err
	}

	return a, nil
}

func (c *Cache) lockedGetOrResolve(ctx context.Context, r Request) (backend.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.lru.Get(r.Key); ok {
		c.metrics.IncRouteCacheHits()
		return a, nil
	}

	c.metrics.IncRouteCacheMisses()
	a, err := c.resolve(ctx, r)
	if err != nil {
		return backend.Address{}, err
	}

	c.lru.Add(r.Key, a)
	return a, nil
}

func (c *Cache) get(key string) (backend.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

func (c *Cache) add(key string, a backend.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, a)
}

func (c *Cache) singleFlightGetOrResolve(ctx context.Context, r Request) (backend.Address, error) {
	if a, ok := c.get(r.Key); ok {
		c.metrics.IncRouteCacheHits()
		return a, nil
	}

	v, err, _ := c.group.Do(r.Key, func() (interface{}, error) {
		// another flight may have completed since the lookup above
		if a, ok := c.get(r.Key); ok {
			c.metrics.IncRouteCacheHits()
			return a, nil
		}

		c.metrics.IncRouteCacheMisses()
		a, err := c.resolve(ctx, r)
		if err != nil {
			return nil, err
		}

		c.add(r.Key, a)
		return a, nil
	})

	if err != nil {
		return backend.Address{}, err
	}

	return v.(backend.Address), nil
}

// GetOrResolve returns the cached address of the key, or resolves,
// caches and returns it. Resolution errors are returned and not cached.
// A hit makes the key the most recently used one.
func (c *Cache) GetOrResolve(ctx context.Context, r Request) (backend.Address, error) {
	if c.singleFlight {
		return c.singleFlightGetOrResolve(ctx, r)
	}

	return c.lockedGetOrResolve(ctx, r)
}

// Resolve implements the Resolver interface with GetOrResolve.
func (c *Cache) Resolve(ctx context.Context, r Request) (backend.Address, error) {
	return c.GetOrResolve(ctx, r)
}

// Contains tells whether the key is cached, without changing its recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Len returns the number of cached routes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Remove drops a key, e.g. after its backend moved.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removing = true
	defer func() { c.removing = false }()
	return c.lru.Remove(key)
}

// Purge drops all cached routes.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removing = true
	defer func() { c.removing = false }()
	c.lru.Purge()
}
