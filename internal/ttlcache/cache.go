// Package ttlcache is a key/value store with per-entry expiry for REST
// responses. An expired entry is never returned: reading it evicts it and
// reports a miss.
package ttlcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
)

// Default TTLs by resource volatility
const (
	TTLProviderStatus = 60 * time.Second  // market-data provider status
	TTLSystemMetrics  = 30 * time.Second  // aggregate system metrics
	TTLEntityDetail   = 120 * time.Second // per-entity detail views, fetched on demand
	TTLList           = 30 * time.Second  // paginated admin lists
)

type entry struct {
	data     any
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) valid(now time.Time) bool {
	return now.Sub(e.storedAt) <= e.ttl
}

// Cache is safe for concurrent use. Construct one per provider scope and
// inject it; there is no package-level instance.
type Cache struct {
	name    string
	mu      sync.Mutex
	entries map[string]entry
	flights map[string]*flight
	flightN uint64
	now     func() time.Time
	group   singleflight.Group
}

// flight is one shared load. It runs detached from any single caller and is
// cancelled once every waiter has gone. An invalidation detaches it from its
// key, so its result is still returned but never stored.
type flight struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache; name labels its metrics
func New(name string, opts ...Option) *Cache {
	c := &Cache{
		name:    name,
		entries: make(map[string]entry),
		flights: make(map[string]*flight),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored under key if present, unexpired and of type T.
func Get[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.lookup(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.valid(c.now()) {
		delete(c.entries, key)
		size := len(c.entries)
		c.mu.Unlock()
		observ.IncCounter("ttl_cache_expired_total", map[string]string{"cache": c.name, "resource": resource(key)})
		observ.IncCounter("ttl_cache_miss_total", map[string]string{"cache": c.name, "resource": resource(key)})
		c.gauge(size)
		return nil, false
	}
	c.mu.Unlock()

	if !ok {
		observ.IncCounter("ttl_cache_miss_total", map[string]string{"cache": c.name, "resource": resource(key)})
		return nil, false
	}
	observ.IncCounter("ttl_cache_hit_total", map[string]string{"cache": c.name, "resource": resource(key)})
	return e.data, true
}

// Set stores value under key, replacing any existing entry regardless of its expiry
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{data: value, storedAt: c.now(), ttl: ttl}
	size := len(c.entries)
	c.mu.Unlock()
	c.gauge(size)
}

// Invalidate removes key. A load in flight for key will not be stored.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	delete(c.flights, key)
	size := len(c.entries)
	c.mu.Unlock()
	c.gauge(size)
}

// InvalidatePrefix removes every key starting with prefix and returns how many went
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	for k := range c.flights {
		if strings.HasPrefix(k, prefix) {
			delete(c.flights, k)
		}
	}
	size := len(c.entries)
	c.mu.Unlock()
	c.gauge(size)
	if n > 0 {
		observ.Log("ttl_cache_invalidated", map[string]any{"cache": c.name, "prefix": prefix, "entries": n})
	}
	return n
}

// Clear drops everything
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.flights = make(map[string]*flight)
	c.mu.Unlock()
	c.gauge(0)
}

// Len counts stored entries, expired ones included until they are read
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) gauge(size int) {
	observ.SetGauge("ttl_cache_entries", float64(size), map[string]string{"cache": c.name})
}

// GetOrLoad returns the cached value or calls load and caches a successful
// result. Concurrent misses on the same key share one load; a caller whose
// ctx ends stops waiting without failing the others.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := Get[T](c, key); ok {
		return v, nil
	}

	f := c.join(ctx, key)
	defer c.leave(key, f)

	ch := c.group.DoChan(key+"#"+strconv.FormatUint(f.id, 10), func() (any, error) {
		v, err := load(f.ctx)
		if err != nil {
			return nil, err
		}
		c.settle(key, f, v, ttl)
		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("ttlcache: key %q holds %T", key, res.Val)
		}
		return v, nil
	}
}

func (c *Cache) join(ctx context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		c.flightN++
		loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{id: c.flightN, ctx: loadCtx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

func (c *Cache) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

// settle stores v unless key was invalidated while f was loading
func (c *Cache) settle(key string, f *flight, v any, ttl time.Duration) {
	c.mu.Lock()
	if c.flights[key] != f {
		c.mu.Unlock()
		observ.IncCounter("ttl_cache_discarded_total", map[string]string{"cache": c.name, "resource": resource(key)})
		return
	}
	c.entries[key] = entry{data: v, storedAt: c.now(), ttl: ttl}
	size := len(c.entries)
	c.mu.Unlock()
	c.gauge(size)
}

// Key builds a deterministic cache key from a resource name and its logical
// query parameters. Parameters are encoded as canonical JSON (object keys
// sorted), so equal queries share a slot and different ones never collide.
func Key(resource string, params any) string {
	if params == nil {
		return resource
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return resource + "|" + fmt.Sprintf("%#v", params)
	}
	// round-trip through a generic value so struct and map inputs canonicalize the same way
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return resource + "|" + string(raw)
	}
	canon, _ := json.Marshal(generic)
	return resource + "|" + string(canon)
}

func resource(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}
