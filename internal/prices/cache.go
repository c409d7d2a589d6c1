package prices

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Loader fetches a price from an upstream source on a cache miss.
type Loader func(ctx context.Context, token string) (float64, error)

// CacheStats is a point-in-time snapshot of cache activity
type CacheStats struct {
	Entries   int
	Requests  int64
	Hits      int64
	Misses    int64
	Coalesced int64
}

// Cache is the process-wide token price cache. One entry per token
// identifier, evicted by LRU pressure or TTL expiry. All per-user scans
// share it, so a price loaded for one user serves every later scan in
// the same cycle.
type Cache struct {
	lru   *expirable.LRU[string, float64]
	group singleflight.Group

	requests  atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
}

// NewCache creates a price cache holding up to size entries for ttl each.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Cache{
		lru: expirable.NewLRU[string, float64](size, nil, ttl),
	}
}

// Get returns the cached price for token, fetching through load on a
// miss. Concurrent misses on the same token collapse into a single
// upstream call; every waiter gets the same result.
func (c *Cache) Get(ctx context.Context, token string, load Loader) (float64, error) {
	c.requests.Add(1)

	if price, ok := c.lru.Get(token); ok {
		c.hits.Add(1)
		return price, nil
	}
	c.misses.Add(1)

	v, err, shared := c.group.Do(token, func() (interface{}, error) {
		// A waiter queued behind the flight may find the cache already
		// filled once its turn comes.
		if price, ok := c.lru.Get(token); ok {
			return price, nil
		}

		price, err := load(ctx, token)
		if err != nil {
			return float64(0), fmt.Errorf("load price for %s: %w", token, err)
		}

		c.lru.Add(token, price)
		return price, nil
	})
	if shared {
		c.coalesced.Add(1)
	}
	if err != nil {
		return 0, err
	}

	return v.(float64), nil
}

// GetCached returns the cached price without triggering a fetch.
func (c *Cache) GetCached(token string) (float64, bool) {
	return c.lru.Get(token)
}

// Put stores a price directly, bypassing the loader path. The live
// feed uses this to pre-warm entries.
func (c *Cache) Put(token string, price float64) {
	c.lru.Add(token, price)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.lru.Len(),
		Requests:  c.requests.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
	}
}
