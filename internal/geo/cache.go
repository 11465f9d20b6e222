package geo

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/clickshield/internal/metrics"
)

// CachedResolver memoizes lookups for a fixed lifetime so identical
// concurrent inputs always see the same location and the backing resolver is
// consulted at most once per IP per period.
type CachedResolver struct {
	inner    Resolver
	lifetime time.Duration

	mu    sync.RWMutex
	cache map[string]cachedLocation
}

type cachedLocation struct {
	loc     Location
	cachedAt time.Time
}

// NewCachedResolver wraps inner with a per-IP cache.
func NewCachedResolver(inner Resolver, lifetime time.Duration) *CachedResolver {
	return &CachedResolver{
		inner:    inner,
		lifetime: lifetime,
		cache:    make(map[string]cachedLocation),
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	c.mu.RLock()
	entry, ok := c.cache[ip]
	c.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < c.lifetime {
		return entry.loc, nil
	}

	loc, err := c.inner.Resolve(ctx, ip)
	if err != nil {
		return Unknown, err
	}

	c.mu.Lock()
	c.cache[ip] = cachedLocation{loc: loc, cachedAt: time.Now()}
	// Bounded hygiene: drop the oldest half when the cache grows large.
	if len(c.cache) > 100_000 {
		cutoff := time.Now().Add(-c.lifetime / 2)
		for k, v := range c.cache {
			if v.cachedAt.Before(cutoff) {
				delete(c.cache, k)
			}
		}
	}
	c.mu.Unlock()

	return loc, nil
}

// TimeoutResolver bounds each lookup. On timeout or error the result
// degrades to Unknown; the evaluation pipeline never waits longer than the
// budget nor sees a failure.
type TimeoutResolver struct {
	inner   Resolver
	timeout time.Duration
}

// NewTimeoutResolver wraps inner with a per-lookup deadline.
func NewTimeoutResolver(inner Resolver, timeout time.Duration) *TimeoutResolver {
	return &TimeoutResolver{inner: inner, timeout: timeout}
}

func (t *TimeoutResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		loc Location
		err error
	}
	ch := make(chan result, 1)
	go func() {
		loc, err := t.inner.Resolve(ctx, ip)
		ch <- result{loc, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			metrics.LocationLookupsTotal.WithLabelValues("unknown").Inc()
			return Unknown, nil
		}
		if r.loc.IsUnknown() {
			metrics.LocationLookupsTotal.WithLabelValues("unknown").Inc()
		} else {
			metrics.LocationLookupsTotal.WithLabelValues("hit").Inc()
		}
		return r.loc, nil
	case <-ctx.Done():
		metrics.LocationLookupsTotal.WithLabelValues("timeout").Inc()
		return Unknown, nil
	}
}
