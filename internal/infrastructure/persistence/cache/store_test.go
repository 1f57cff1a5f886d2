package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/kvstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T, cfg Config) (*Store, *clock, kvstore.Store) {
	t.Helper()
	kv := kvstore.NewMemory()
	clk := newClock()
	s := New(kv, cfg, nil, WithClock(clk.Now))
	t.Cleanup(s.Close)
	return s, clk, kv
}

func TestStore_FreshStaleExpired(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := newStore(t, DefaultConfig())

	require.NoError(t, s.Set(ctx, "lessons", []string{"a", "b"}, time.Minute))

	r, err := s.Get(ctx, "lessons")
	require.NoError(t, err)
	assert.False(t, r.IsStale)
	assert.False(t, r.IsExpired)
	var lessons []string
	require.NoError(t, r.Decode(&lessons))
	assert.Equal(t, []string{"a", "b"}, lessons)

	clk.Advance(30 * time.Second)
	r, err = s.Get(ctx, "lessons")
	require.NoError(t, err)
	assert.True(t, r.IsStale, "stale at maxAge * 0.5")
	assert.False(t, r.IsExpired)

	clk.Advance(30 * time.Second)
	r, err = s.Get(ctx, "lessons")
	require.NoError(t, err)
	assert.True(t, r.IsExpired)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrCacheMiss)
}

func TestStore_PersistedShape(t *testing.T) {
	ctx := context.Background()
	s, clk, kv := newStore(t, DefaultConfig())

	require.NoError(t, s.Set(ctx, "profile", map[string]int{"xp": 10}, 0))

	raw, err := kv.Get(ctx, "cache_profile")
	require.NoError(t, err)
	var persisted map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.JSONEq(t, `{"xp":10}`, string(persisted["data"]))
	assert.Equal(t, "300000", string(persisted["maxAge"]), "default max age in milliseconds")

	var storedAt int64
	require.NoError(t, json.Unmarshal(persisted["storedAt"], &storedAt))
	assert.Equal(t, clk.Now().UnixMilli(), storedAt)
}

func TestStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s, clk, kv := newStore(t, DefaultConfig())

	require.NoError(t, s.Set(ctx, "short", 1, time.Second))
	require.NoError(t, s.Set(ctx, "long", 2, time.Hour))
	require.NoError(t, kv.Set(ctx, "cache_broken", json.RawMessage(`"nope"`)))
	require.NoError(t, kv.Set(ctx, "avatar_state", json.RawMessage(`{}`)))

	clk.Advance(2 * time.Second)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, keys)

	_, err = kv.Get(ctx, "avatar_state")
	assert.NoError(t, err, "sweep only touches cache entries")
}

func TestFetch_CacheFirst(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := newStore(t, DefaultConfig())

	var calls atomic.Int32
	load := func(context.Context) (any, error) {
		n := calls.Add(1)
		return map[string]int32{"v": n}, nil
	}

	r, err := s.Fetch(ctx, "k", time.Minute, load)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(r.Data))

	// fresh: served from cache
	r, err = s.Fetch(ctx, "k", time.Minute, load)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(r.Data))
	assert.Equal(t, int32(1), calls.Load())

	// stale: served from cache, refreshed in the background
	clk.Advance(40 * time.Second)
	r, err = s.Fetch(ctx, "k", time.Minute, load)
	require.NoError(t, err)
	assert.True(t, r.IsStale)
	assert.JSONEq(t, `{"v":1}`, string(r.Data))
	require.Eventually(t, func() bool {
		got, err := s.Get(ctx, "k")
		return err == nil && string(got.Data) == `{"v":2}`
	}, time.Second, 5*time.Millisecond)

	// expired: loaded synchronously
	clk.Advance(2 * time.Minute)
	r, err = s.Fetch(ctx, "k", time.Minute, load)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":3}`, string(r.Data))
	assert.False(t, r.IsStale)
}

func TestFetch_StaleWithoutBackgroundRefresh(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.NoBackgroundRefresh = true
	s, clk, _ := newStore(t, cfg)

	var calls atomic.Int32
	load := func(context.Context) (any, error) {
		calls.Add(1)
		return "v", nil
	}

	_, err := s.Fetch(ctx, "k", time.Minute, load)
	require.NoError(t, err)

	clk.Advance(40 * time.Second)
	r, err := s.Fetch(ctx, "k", time.Minute, load)
	require.NoError(t, err)
	assert.True(t, r.IsStale)

	s.Close()
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_NetworkFirstFallsBack(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Strategy = NetworkFirst
	s, clk, _ := newStore(t, cfg)

	boom := errors.New("offline")
	fail := false
	load := func(context.Context) (any, error) {
		if fail {
			return nil, boom
		}
		return "fresh", nil
	}

	r, err := s.Fetch(ctx, "k", time.Minute, load)
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(r.Data))

	fail = true
	clk.Advance(5 * time.Minute)
	r, err = s.Fetch(ctx, "k", time.Minute, load)
	require.NoError(t, err)
	assert.True(t, r.IsExpired, "network failure serves even an expired entry")

	_, err = s.Fetch(ctx, "other", time.Minute, load)
	assert.ErrorIs(t, err, boom)
}

func TestFetch_CollapsesConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t, DefaultConfig())

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Fetch(ctx, "hot", time.Minute, load)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestStore_SubMillisecondMaxAge(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := newStore(t, DefaultConfig())

	require.NoError(t, s.Set(ctx, "k", "v", 500*time.Microsecond))
	r, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, r.MaxAge)
	assert.False(t, r.IsExpired)

	clk.Advance(time.Millisecond)
	r, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, r.IsExpired)
}

func TestFetch_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t, DefaultConfig())

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return "v", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	firstCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := s.Fetch(firstCtx, "k", time.Minute, load)
		first <- err
	}()
	<-started

	type fetched struct {
		r   Result
		err error
	}
	second := make(chan fetched, 1)
	go func() {
		r, err := s.Fetch(ctx, "k", time.Minute, load)
		second <- fetched{r, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.JSONEq(t, `"v"`, string(got.r.Data))
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("Network-First")
	require.NoError(t, err)
	assert.Equal(t, NetworkFirst, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, CacheFirst, s)

	_, err = ParseStrategy("lru")
	assert.Error(t, err)
}
