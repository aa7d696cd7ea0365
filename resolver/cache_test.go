package resolver_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyramidproxy/pyramidproxy/backend"
	"github.com/pyramidproxy/pyramidproxy/logging/loggingtest"
	"github.com/pyramidproxy/pyramidproxy/metrics/metricstest"
	"github.com/pyramidproxy/pyramidproxy/resolver"
)

type countingResolver struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	delay time.Duration
}

func newCountingResolver() *countingResolver {
	return &countingResolver{calls: make(map[string]int), fail: make(map[string]error)}
}

func (r *countingResolver) Resolve(_ context.Context, req resolver.Request) (backend.Address, error) {
	r.mu.Lock()
	r.calls[req.Key]++
	err := r.fail[req.Key]
	r.mu.Unlock()

	time.Sleep(r.delay)
	if err != nil {
		return backend.Address{}, err
	}

	return backend.MustAddress(req.Key+".backend", 8080), nil
}

func (r *countingResolver) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func resolve(t *testing.T, c *resolver.Cache, key string) backend.Address {
	t.Helper()
	a, err := c.GetOrResolve(context.Background(), resolver.Request{Key: key})
	require.NoError(t, err)
	return a
}

func TestCacheHit(t *testing.T) {
	r := newCountingResolver()
	m := &metricstest.MockMetrics{}
	c, err := resolver.NewCache(r, resolver.CacheOptions{Size: 10, Metrics: m})
	require.NoError(t, err)

	a := resolve(t, c, "p1")
	assert.Equal(t, backend.MustAddress("p1.backend", 8080), a)
	assert.Equal(t, a, resolve(t, c, "p1"))
	assert.Equal(t, 1, r.count("p1"))
	assert.Equal(t, 1, c.Len())

	hits, _ := m.Counter(metricstest.KeyRouteCacheHits)
	misses, _ := m.Counter(metricstest.KeyRouteCacheMisses)
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	lookups, _ := m.Measure(metricstest.KeyRouteLookup)
	assert.Len(t, lookups, 1)
}

func TestCacheEvictionOrder(t *testing.T) {
	for _, singleFlight := range []bool{false, true} {
		t.Run("evicts the least recently inserted", func(t *testing.T) {
			m := &metricstest.MockMetrics{}
			c, err := resolver.NewCache(newCountingResolver(), resolver.CacheOptions{
				Size:         2,
				SingleFlight: singleFlight,
				Metrics:      m,
			})
			require.NoError(t, err)

			resolve(t, c, "A")
			resolve(t, c, "B")
			resolve(t, c, "C")

			assert.False(t, c.Contains("A"))
			assert.True(t, c.Contains("B"))
			assert.True(t, c.Contains("C"))
			assert.Equal(t, 2, c.Len())

			evictions, _ := m.Counter(metricstest.KeyRouteCacheEvictions)
			assert.Equal(t, int64(1), evictions)
		})

		t.Run("a hit promotes the key", func(t *testing.T) {
			c, err := resolver.NewCache(newCountingResolver(), resolver.CacheOptions{
				Size:         2,
				SingleFlight: singleFlight,
			})
			require.NoError(t, err)

			resolve(t, c, "A")
			resolve(t, c, "B")
			resolve(t, c, "A")
			resolve(t, c, "C")

			assert.True(t, c.Contains("A"))
			assert.False(t, c.Contains("B"))
			assert.True(t, c.Contains("C"))
		})
	}
}

func TestCacheEvictionIsLogged(t *testing.T) {
	l := loggingtest.New()
	defer l.Close()

	c, err := resolver.NewCache(newCountingResolver(), resolver.CacheOptions{Size: 1, Log: l})
	require.NoError(t, err)

	resolve(t, c, "A")
	resolve(t, c, "B")

	require.NoError(t, l.WaitFor("removing routing key A", 100*time.Millisecond))
}

func TestCacheDoesNotCacheErrors(t *testing.T) {
	r := newCountingResolver()
	errBackend := errors.New("no such pyramid")
	r.fail["bad"] = errBackend

	m := &metricstest.MockMetrics{}
	c, err := resolver.NewCache(r, resolver.CacheOptions{Size: 10, Metrics: m})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.GetOrResolve(context.Background(), resolver.Request{Key: "bad"})
		assert.ErrorIs(t, err, errBackend)
	}

	assert.Equal(t, 3, r.count("bad"))
	assert.False(t, c.Contains("bad"))
	assert.Equal(t, 0, c.Len())

	failures, _ := m.Counter(metricstest.KeyRoutingFailures)
	assert.Equal(t, int64(3), failures)

	r.mu.Lock()
	delete(r.fail, "bad")
	r.mu.Unlock()

	resolve(t, c, "bad")
	assert.True(t, c.Contains("bad"))
}

func TestCacheResolvesOncePerKey(t *testing.T) {
	for _, singleFlight := range []bool{false, true} {
		r := newCountingResolver()
		r.delay = 10 * time.Millisecond

		c, err := resolver.NewCache(r, resolver.CacheOptions{Size: 10, SingleFlight: singleFlight})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.GetOrResolve(context.Background(), resolver.Request{Key: "p1"})
				assert.NoError(t, err)
			}()
		}

		wg.Wait()
		assert.Equal(t, 1, r.count("p1"), "single flight: %v", singleFlight)
	}
}

func TestCacheSingleFlightResolvesKeysInParallel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var slowCalls atomic.Int32

	r := resolver.Func(func(_ context.Context, req resolver.Request) (backend.Address, error) {
		if req.Key == "slow" {
			slowCalls.Add(1)
			close(started)
			<-release
		}

		return backend.MustAddress(req.Key, 80), nil
	})

	c, err := resolver.NewCache(r, resolver.CacheOptions{Size: 10, SingleFlight: true})
	require.NoError(t, err)

	slowDone := make(chan backend.Address)
	go func() {
		a, _ := c.GetOrResolve(context.Background(), resolver.Request{Key: "slow"})
		slowDone <- a
	}()

	<-started

	fastDone := make(chan backend.Address)
	go func() {
		a, _ := c.GetOrResolve(context.Background(), resolver.Request{Key: "fast"})
		fastDone <- a
	}()

	select {
	case a := <-fastDone:
		assert.Equal(t, backend.MustAddress("fast", 80), a)
	case <-time.After(time.Second):
		t.Fatal("resolution of a different key was blocked")
	}

	close(release)
	assert.Equal(t, backend.MustAddress("slow", 80), <-slowDone)
	assert.Equal(t, int32(1), slowCalls.Load())
}

func TestCacheRemoveAndPurge(t *testing.T) {
	m := &metricstest.MockMetrics{}
	c, err := resolver.NewCache(newCountingResolver(), resolver.CacheOptions{Size: 10, Metrics: m})
	require.NoError(t, err)

	resolve(t, c, "A")
	resolve(t, c, "B")
	resolve(t, c, "C")

	assert.True(t, c.Remove("A"))
	assert.False(t, c.Remove("A"))
	assert.Equal(t, 2, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())

	_, ok := m.Counter(metricstest.KeyRouteCacheEvictions)
	assert.False(t, ok)
}

func TestCacheImplementsResolver(t *testing.T) {
	c, err := resolver.NewCache(newCountingResolver(), resolver.CacheOptions{})
	require.NoError(t, err)

	var r resolver.Resolver = c
	a, err := r.Resolve(context.Background(), resolver.Request{Key: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 8080, a.Port())
}

func TestCacheRequiresResolver(t *testing.T) {
	_, err := resolver.NewCache(nil, resolver.CacheOptions{})
	assert.Error(t, err)
}
