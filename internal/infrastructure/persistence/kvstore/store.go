// Package kvstore implements the persisted key-value store that the offline
// queue, the cache and the progression repository are built on.
//
// Values are JSON documents. Every backend survives process restarts (except
// Memory) and offers best-effort notification about changes made by another
// process sharing the same storage. Changes made through the same Store
// handle are never reported back to its own subscribers.
//
// Backends:
//   - SQLite: embedded database file, the default
//   - File: one JSON file per key in a directory, watched with fsnotify
//   - Redis: shared instance, changes announced over pub/sub
//   - Memory: process-local, used in tests and dry runs
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/finedu/finedu-sync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Store is a persisted key-value store of JSON values.
type Store interface {
	// Get returns the raw JSON stored under key or shared.ErrKeyNotFound.
	Get(ctx context.Context, key string) (json.RawMessage, error)

	// Set stores value under key. The value must be valid JSON.
	Set(ctx context.Context, key string, value json.RawMessage) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Subscribe registers fn for changes made by other processes.
	// The returned function cancels the subscription.
	Subscribe(fn ChangeHandler) (cancel func())

	// Close releases the backend. Further calls return shared.ErrStoreClosed.
	Close() error
}

// Change describes a value changed outside of this Store handle.
type Change struct {
	Key     string
	Value   json.RawMessage
	Removed bool
}

// ChangeHandler receives change notifications. It runs on the backend's
// watcher goroutine and must not block for long.
type ChangeHandler func(Change)

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// GetJSON decodes the value stored under key into dest.
// A value that is not valid for dest yields shared.ErrCorruptValue.
func GetJSON(ctx context.Context, s Store, key string, dest any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return shared.WrapError("kvstore", "GetJSON", shared.ErrCorruptValue, fmt.Sprintf("decode %q", key), err)
	}
	return nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return shared.WrapError("kvstore", "SetJSON", shared.ErrInvalidFormat,
			fmt.Sprintf("encode %q", key), err)
	}
	return s.Set(ctx, key, raw)
}

func validate(op, key string, value json.RawMessage) error {
	if key == "" {
		return shared.NewDomainError("kvstore", op, shared.ErrEmptyValue, "key cannot be empty")
	}
	if value != nil && !json.Valid(value) {
		return shared.NewDomainError("kvstore", op, shared.ErrInvalidFormat,
			fmt.Sprintf("value for %q is not valid JSON", key))
	}
	return nil
}

func persistenceError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return shared.WrapError("kvstore", op, shared.ErrPersistence, fmt.Sprintf("key %q", key), err)
}

func filterKeys(keys []string, prefix string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	c := make(json.RawMessage, len(v))
	copy(c, v)
	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTIONS
// ══════════════════════════════════════════════════════════════════════════════

// notifier fans a change out to the registered handlers.
type notifier struct {
	mu   sync.RWMutex
	next int
	subs map[int]ChangeHandler
}

func (n *notifier) subscribe(fn ChangeHandler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]ChangeHandler)
	}
	id := n.next
	n.next++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) notify(c Change) {
	n.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(n.subs))
	for _, h := range n.subs {
		handlers = append(handlers, h)
	}
	n.mu.RUnlock()

	for _, h := range handlers {
		h(c)
	}
}
