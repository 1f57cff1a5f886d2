// Package cache implements a TTL cache for remote reads on top of the
// key-value store. Entries distinguish stale (still served, refreshed in the
// background) from expired (no longer served by cache-first reads).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/kvstore"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Strategy selects how Fetch combines the cache with the loader.
type Strategy string

const (
	// CacheFirst serves any unexpired entry and refreshes stale ones in
	// the background.
	CacheFirst Strategy = "cache-first"

	// NetworkFirst always calls the loader and falls back to the cached
	// entry when it fails.
	NetworkFirst Strategy = "network-first"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case CacheFirst, "":
		return CacheFirst, nil
	case NetworkFirst:
		return NetworkFirst, nil
	}
	return "", shared.NewDomainError("cache", "ParseStrategy", shared.ErrInvalidInput, fmt.Sprintf("unknown strategy %q", s))
}

// KeyPrefix namespaces cache entries in the key-value store.
const KeyPrefix = "cache_"

// Config holds cache settings.
type Config struct {
	// DefaultMaxAge applies when Set or Fetch get a non-positive maxAge.
	DefaultMaxAge time.Duration

	// StaleRatio is the fraction of maxAge after which an entry is stale.
	StaleRatio float64

	Strategy Strategy

	// RefreshTimeout bounds every loader call, including background refreshes.
	RefreshTimeout time.Duration

	// NoBackgroundRefresh serves stale entries without reloading them.
	NoBackgroundRefresh bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAge:  5 * time.Minute,
		StaleRatio:     0.5,
		Strategy:       CacheFirst,
		RefreshTimeout: 10 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTRIES
// ══════════════════════════════════════════════════════════════════════════════

// entry is the persisted form: times in Unix milliseconds.
type entry struct {
	Data     json.RawMessage `json:"data"`
	StoredAt int64           `json:"storedAt"`
	MaxAge   int64           `json:"maxAge"`
}

// Result is what Get returns for a present entry.
type Result struct {
	Key       string
	Data      json.RawMessage
	StoredAt  time.Time
	MaxAge    time.Duration
	Age       time.Duration
	IsStale   bool
	IsExpired bool
}

// Decode unmarshals the cached data into dest.
func (r Result) Decode(dest any) error {
	if err := json.Unmarshal(r.Data, dest); err != nil {
		return shared.WrapError("cache", "Decode", shared.ErrInvalidFormat, r.Key, err)
	}
	return nil
}

// Loader fetches fresh data for a key from the network.
type Loader func(ctx context.Context) (any, error)

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store is the TTL cache.
type Store struct {
	kv  kvstore.Store
	cfg Config
	log *logger.Logger
	now func() time.Time

	group singleflight.Group

	// base is cancelled by Close and stops every loader call in flight.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option customises a Store.
type Option func(*Store)

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a cache over kv.
func New(kv kvstore.Store, cfg Config, log *logger.Logger, opts ...Option) *Store {
	if log == nil {
		log = logger.Nop()
	}
	def := DefaultConfig()
	if cfg.DefaultMaxAge <= 0 {
		cfg.DefaultMaxAge = def.DefaultMaxAge
	}
	if cfg.StaleRatio <= 0 || cfg.StaleRatio > 1 {
		cfg.StaleRatio = def.StaleRatio
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}

	s := &Store{
		kv:  kv,
		cfg: cfg,
		log: log.With(logger.Component("cache")),
		now: time.Now,
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

func storageKey(key string) string { return KeyPrefix + key }

func (s *Store) result(key string, e entry) Result {
	storedAt := time.UnixMilli(e.StoredAt)
	maxAge := time.Duration(e.MaxAge) * time.Millisecond
	age := s.now().Sub(storedAt)
	staleAfter := time.Duration(float64(maxAge) * s.cfg.StaleRatio)
	return Result{
		Key:       key,
		Data:      e.Data,
		StoredAt:  storedAt,
		MaxAge:    maxAge,
		Age:       age,
		IsStale:   age >= staleAfter,
		IsExpired: age >= maxAge,
	}
}

// Get returns the entry for key, expired or not, or shared.ErrCacheMiss.
// A corrupt entry is removed and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (Result, error) {
	var e entry
	err := kvstore.GetJSON(ctx, s.kv, storageKey(key), &e)
	switch {
	case err == nil:
		return s.result(key, e), nil
	case errors.Is(err, shared.ErrKeyNotFound):
		return Result{}, shared.ErrCacheMiss
	case errors.Is(err, shared.ErrCorruptValue):
		s.log.Warn("dropping corrupt cache entry", logger.CacheKey(key), logger.Err(err))
		_ = s.kv.Remove(ctx, storageKey(key))
		return Result{}, shared.ErrCacheMiss
	default:
		return Result{}, err
	}
}

// Set stores data under key. A non-positive maxAge uses the default; ages
// are kept in whole milliseconds, at least one.
func (s *Store) Set(ctx context.Context, key string, data any, maxAge time.Duration) error {
	if key == "" {
		return shared.NewDomainError("cache", "Set", shared.ErrEmptyValue, "key cannot be empty")
	}
	if maxAge <= 0 {
		maxAge = s.cfg.DefaultMaxAge
	}
	raw, ok := data.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(data); err != nil {
			return shared.WrapError("cache", "Set", shared.ErrInvalidFormat, key, err)
		}
	}
	return kvstore.SetJSON(ctx, s.kv, storageKey(key), entry{
		Data:     raw,
		StoredAt: s.now().UnixMilli(),
		MaxAge:   max(maxAge.Milliseconds(), 1),
	})
}

// Remove deletes key from the cache.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.kv.Remove(ctx, storageKey(key))
}

// Keys lists cached keys without the storage prefix.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, KeyPrefix)
	}
	return keys, nil
}

// Sweep removes expired and corrupt entries and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		r, err := s.Get(ctx, key)
		if errors.Is(err, shared.ErrCacheMiss) {
			// corrupt entries are dropped by Get
			removed++
			continue
		}
		if err != nil {
			return removed, err
		}
		if !r.IsExpired {
			continue
		}
		if err := s.Remove(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.log.Debug("cache sweep", logger.Int("removed", removed))
	}
	return removed, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// READ-THROUGH
// ══════════════════════════════════════════════════════════════════════════════

// Fetch reads key through the configured strategy.
func (s *Store) Fetch(ctx context.Context, key string, maxAge time.Duration, load Loader) (Result, error) {
	return s.FetchWith(ctx, s.cfg.Strategy, key, maxAge, load)
}

// FetchWith reads key through an explicit strategy. Concurrent loads of the
// same key are collapsed into one loader call.
func (s *Store) FetchWith(ctx context.Context, strategy Strategy, key string, maxAge time.Duration, load Loader) (Result, error) {
	cached, cacheErr := s.Get(ctx, key)
	if cacheErr != nil && !errors.Is(cacheErr, shared.ErrCacheMiss) {
		s.log.Warn("cache read failed", logger.CacheKey(key), logger.Err(cacheErr))
	}
	hit := cacheErr == nil

	switch strategy {
	case NetworkFirst:
		fresh, err := s.load(ctx, key, maxAge, load)
		if err == nil {
			return fresh, nil
		}
		if hit {
			s.log.Info("network failed, serving cached entry",
				logger.CacheKey(key), logger.Bool("expired", cached.IsExpired), logger.Err(err))
			return cached, nil
		}
		return Result{}, err

	default:
		if hit && !cached.IsExpired {
			if cached.IsStale && !s.cfg.NoBackgroundRefresh {
				s.refreshInBackground(key, maxAge, load)
			}
			return cached, nil
		}
		return s.load(ctx, key, maxAge, load)
	}
}

// load runs one loader call per key for all concurrent callers. The call
// does not end with the caller that started it: RefreshTimeout and Close
// bound it. A caller whose ctx ends stops waiting.
func (s *Store) load(ctx context.Context, key string, maxAge time.Duration, load Loader) (Result, error) {
	ch := s.group.DoChan(key, func() (any, error) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, shared.ErrStoreClosed
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		stop := context.AfterFunc(s.base, cancel)
		defer stop()

		data, err := load(callCtx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(callCtx, key, data, maxAge); err != nil {
			return nil, err
		}
		return s.Get(callCtx, key)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

func (s *Store) refreshInBackground(key string, maxAge time.Duration, load Loader) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.load(s.base, key, maxAge, load); err != nil {
			s.log.Warn("background refresh failed", logger.CacheKey(key), logger.Err(err))
		}
	}()
}

// Close cancels background refreshes and waits for them.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
