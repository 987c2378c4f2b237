package ttlcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache() (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
	return New("test", WithClock(clk.now)), clk
}

func TestExpiredEntryIsNeverReturned(t *testing.T) {
	observ.Reset()
	c, clk := newTestCache()

	c.Set("providers", []string{"alpaca"}, TTLProviderStatus)
	v, ok := Get[[]string](c, "providers")
	require.True(t, ok)
	assert.Equal(t, []string{"alpaca"}, v)

	clk.advance(TTLProviderStatus)
	_, ok = Get[[]string](c, "providers")
	assert.True(t, ok, "entry is still valid exactly at its ttl")

	clk.advance(time.Millisecond)
	_, ok = Get[[]string](c, "providers")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on read")

	// writing another key must not resurrect it
	c.Set("metrics", 1, TTLSystemMetrics)
	_, ok = Get[[]string](c, "providers")
	assert.False(t, ok)

	assert.Equal(t, int64(1), observ.CounterValue("ttl_cache_expired_total"))
}

func TestSetReplacesRegardlessOfExpiry(t *testing.T) {
	c, clk := newTestCache()
	c.Set("k", "old", time.Second)
	clk.advance(2 * time.Second)
	c.Set("k", "new", time.Second)

	v, ok := Get[string](c, "k")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestGetWrongTypeIsMiss(t *testing.T) {
	c, _ := newTestCache()
	c.Set("k", 7, time.Minute)
	_, ok := Get[string](c, "k")
	assert.False(t, ok)
}

func TestInvalidation(t *testing.T) {
	c, _ := newTestCache()
	c.Set(Key("admin.users", map[string]any{"page": 1}), 1, TTLList)
	c.Set(Key("admin.users", map[string]any{"page": 2}), 2, TTLList)
	c.Set(Key("admin.user", map[string]any{"id": "u1"}), "u1", TTLEntityDetail)
	c.Set("system.metrics", 3, TTLSystemMetrics)

	assert.Equal(t, 2, c.InvalidatePrefix("admin.users|"))
	assert.Equal(t, 2, c.Len())

	c.Invalidate(Key("admin.user", map[string]any{"id": "u1"}))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestKeyIsCanonical(t *testing.T) {
	type params struct {
		Page   int    `json:"page"`
		Search string `json:"search"`
	}

	a := Key("admin.users", map[string]any{"search": "bob", "page": 2})
	b := Key("admin.users", map[string]any{"page": 2, "search": "bob"})
	c := Key("admin.users", params{Search: "bob", Page: 2})
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Equal(t, `admin.users|{"page":2,"search":"bob"}`, a)

	assert.NotEqual(t, a, Key("admin.users", map[string]any{"page": 3, "search": "bob"}))
	assert.NotEqual(t, a, Key("admin.audit", map[string]any{"page": 2, "search": "bob"}))
	assert.Equal(t, "system.metrics", Key("system.metrics", nil))
}

func TestGetOrLoadCachesSuccess(t *testing.T) {
	c, clk := newTestCache()
	var loads atomic.Int32
	load := func(context.Context) (int, error) {
		return int(loads.Add(1)), nil
	}

	v, err := GetOrLoad(context.Background(), c, "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = GetOrLoad(context.Background(), c, "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "served from cache")

	clk.advance(2 * time.Minute)
	v, err = GetOrLoad(context.Background(), c, "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "reloaded after expiry")
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache()
	boom := errors.New("boom")

	_, err := GetOrLoad(context.Background(), c, "k", time.Minute, func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrLoadSharesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache()
	var loads atomic.Int32
	gate := make(chan struct{})
	load := func(context.Context) (string, error) {
		loads.Add(1)
		<-gate
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrLoad(context.Background(), c, "shared", time.Minute, load)
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}

	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())
}

func TestInvalidationDiscardsLoadInFlight(t *testing.T) {
	c, _ := newTestCache()
	started := make(chan struct{})
	gate := make(chan struct{})
	var loads atomic.Int32
	load := func(context.Context) (string, error) {
		if loads.Add(1) == 1 {
			close(started)
			<-gate
			return "before-write", nil
		}
		return "after-write", nil
	}
	key := Key("users", map[string]int{"page": 1})

	done := make(chan string)
	go func() {
		v, err := GetOrLoad(context.Background(), c, key, time.Minute, load)
		assert.NoError(t, err)
		done <- v
	}()
	<-started
	c.InvalidatePrefix("users|")
	close(gate)
	assert.Equal(t, "before-write", <-done, "the caller still gets its answer")

	_, ok := Get[string](c, key)
	assert.False(t, ok, "invalidated load is not stored")

	v, err := GetOrLoad(context.Background(), c, key, time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "after-write", v)
	assert.Equal(t, int32(2), loads.Load())
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	c, _ := newTestCache()
	gate := make(chan struct{})
	var loads atomic.Int32
	load := func(ctx context.Context) (string, error) {
		loads.Add(1)
		select {
		case <-gate:
			return "v", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	first, cancel := context.WithCancel(context.Background())
	errA := make(chan error)
	go func() {
		_, err := GetOrLoad(first, c, "k", time.Minute, load)
		errA <- err
	}()
	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		v   string
		err error
	}
	resB := make(chan result)
	go func() {
		v, err := GetOrLoad(context.Background(), c, "k", time.Minute, load)
		resB <- result{v, err}
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		f := c.flights["k"]
		return f != nil && f.waiters == 2
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(gate)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "v", b.v)
}

func TestLoadCancelledWhenEveryCallerLeaves(t *testing.T) {
	c, _ := newTestCache()
	loadErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_, _ = GetOrLoad(ctx, c, "k", time.Minute, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			loadErr <- ctx.Err()
			return 0, ctx.Err()
		})
	}()
	require.Eventually(t, func() bool { return c.Len() == 0 && flightCount(c) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-loadErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("load kept running after its only caller left")
	}
	assert.Zero(t, c.Len())
}

func flightCount(c *Cache) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
