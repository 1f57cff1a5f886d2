package kvstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/finedu/finedu-sync/internal/domain/shared"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type backend struct {
	name string
	// open returns two handles over the same storage.
	open func(t *testing.T) (Store, Store)
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) (Store, Store) {
			m := NewMemory()
			return m, m.Link()
		}},
		{"sqlite", func(t *testing.T) (Store, Store) {
			path := filepath.Join(t.TempDir(), "kv.db")
			cfg := DefaultSQLiteConfig(path)
			cfg.PollInterval = 20 * time.Millisecond
			a, err := OpenSQLite(context.Background(), cfg, nil)
			require.NoError(t, err)
			b, err := OpenSQLite(context.Background(), cfg, nil)
			require.NoError(t, err)
			return a, b
		}},
		{"file", func(t *testing.T) (Store, Store) {
			dir := t.TempDir()
			a, err := OpenFile(dir, nil)
			require.NoError(t, err)
			b, err := OpenFile(dir, nil)
			require.NoError(t, err)
			return a, b
		}},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			s, other := be.open(t)
			defer other.Close()
			defer s.Close()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, shared.ErrKeyNotFound)
			assert.True(t, shared.IsNotFound(err))

			require.NoError(t, s.Set(ctx, "offline_data", json.RawMessage(`[{"id":"a"}]`)))
			got, err := s.Get(ctx, "offline_data")
			require.NoError(t, err)
			assert.JSONEq(t, `[{"id":"a"}]`, string(got))

			// visible through the second handle
			got, err = other.Get(ctx, "offline_data")
			require.NoError(t, err)
			assert.JSONEq(t, `[{"id":"a"}]`, string(got))

			require.NoError(t, s.Set(ctx, "offline_data", json.RawMessage(`[]`)))
			got, err = s.Get(ctx, "offline_data")
			require.NoError(t, err)
			assert.JSONEq(t, `[]`, string(got))

			require.NoError(t, s.Remove(ctx, "offline_data"))
			require.NoError(t, s.Remove(ctx, "offline_data"), "removing twice is a no-op")
			_, err = s.Get(ctx, "offline_data")
			assert.ErrorIs(t, err, shared.ErrKeyNotFound)
		})
	}
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			s, other := be.open(t)
			defer other.Close()
			defer s.Close()

			assert.ErrorIs(t, s.Set(ctx, "k", json.RawMessage(`{broken`)), shared.ErrInvalidFormat)
			assert.ErrorIs(t, s.Set(ctx, "", json.RawMessage(`1`)), shared.ErrEmptyValue)
		})
	}
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			s, other := be.open(t)
			defer other.Close()
			defer s.Close()

			for _, k := range []string{"cache_b", "cache_a/1", "avatar_state", "cache_c"} {
				require.NoError(t, s.Set(ctx, k, json.RawMessage(`1`)))
			}
			require.NoError(t, s.Remove(ctx, "cache_c"))

			keys, err := s.Keys(ctx, "cache_")
			require.NoError(t, err)
			assert.Equal(t, []string{"cache_a/1", "cache_b"}, keys)

			all, err := s.Keys(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestStore_NotifiesOtherHandles(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			writer, reader := be.open(t)
			defer reader.Close()
			defer writer.Close()

			var (
				mu      sync.Mutex
				seen    []Change
				ownSeen int
			)
			cancel := reader.Subscribe(func(c Change) {
				mu.Lock()
				seen = append(seen, c)
				mu.Unlock()
			})
			defer cancel()
			cancelOwn := writer.Subscribe(func(Change) {
				mu.Lock()
				ownSeen++
				mu.Unlock()
			})
			defer cancelOwn()

			require.NoError(t, writer.Set(ctx, "offline_data", json.RawMessage(`["x"]`)))

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				for _, c := range seen {
					if c.Key == "offline_data" && !c.Removed && string(c.Value) == `["x"]` {
						return true
					}
				}
				return false
			}, 3*time.Second, 10*time.Millisecond)

			require.NoError(t, writer.Remove(ctx, "offline_data"))
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				for _, c := range seen {
					if c.Key == "offline_data" && c.Removed {
						return true
					}
				}
				return false
			}, 3*time.Second, 10*time.Millisecond)

			// writes are never echoed to the writer's own subscribers
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			assert.Zero(t, ownSeen)
			mu.Unlock()
		})
	}
}

func TestStore_ClosedStore(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			s, other := be.open(t)
			defer other.Close()
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			_, err := s.Get(ctx, "k")
			assert.ErrorIs(t, err, shared.ErrStoreClosed)
			assert.ErrorIs(t, s.Set(ctx, "k", json.RawMessage(`1`)), shared.ErrStoreClosed)
		})
	}
}

func TestGetJSON_CorruptValue(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Set(ctx, "avatar_state", json.RawMessage(`"not an object"`)))

	var dest struct{ XP int }
	err := GetJSON(ctx, s, "avatar_state", &dest)
	assert.ErrorIs(t, err, shared.ErrCorruptValue)

	require.NoError(t, SetJSON(ctx, s, "avatar_state", map[string]int{"XP": 7}))
	require.NoError(t, GetJSON(ctx, s, "avatar_state", &dest))
	assert.Equal(t, 7, dest.XP)
}

func TestFile_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600))
	require.NoError(t, s.Set(context.Background(), "cache_a/b", json.RawMessage(`{}`)))

	keys, err := s.Keys(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache_a/b"}, keys)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Backend: BackendMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Backend: "etcd"}, nil)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestRedis_RoundTripAndNotify(t *testing.T) {
	addr := os.Getenv("FINEDU_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FINEDU_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	ns := "finedu-test-" + t.Name()

	a, err := NewRedisFromClient(ctx, redis.NewClient(&redis.Options{Addr: addr}), ns, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisFromClient(ctx, redis.NewClient(&redis.Options{Addr: addr}), ns, nil)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan Change, 4)
	defer b.Subscribe(func(c Change) { got <- c })()

	require.NoError(t, a.Set(ctx, "last_sync", json.RawMessage(`"2024-01-01T00:00:00Z"`)))
	select {
	case c := <-got:
		assert.Equal(t, "last_sync", c.Key)
		assert.JSONEq(t, `"2024-01-01T00:00:00Z"`, string(c.Value))
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification")
	}
	require.NoError(t, a.Remove(ctx, "last_sync"))
}
