package kvstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/finedu/finedu-sync/internal/domain/shared"
)

// memoryData is the storage shared by linked Memory handles.
type memoryData struct {
	mu      sync.RWMutex
	values  map[string]json.RawMessage
	handles []*Memory
}

// Memory is a process-local Store.
//
// Handles created with Link share the data, and a write through one handle
// is reported to subscribers of the others, the same way two processes
// sharing a database file observe each other.
type Memory struct {
	data   *memoryData
	subs   notifier
	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{data: &memoryData{values: make(map[string]json.RawMessage)}}
	m.data.handles = append(m.data.handles, m)
	return m
}

// Link returns another handle over the same data.
func (m *Memory) Link() *Memory {
	peer := &Memory{data: m.data}
	m.data.mu.Lock()
	m.data.handles = append(m.data.handles, peer)
	m.data.mu.Unlock()
	return peer
}

func (m *Memory) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return shared.ErrStoreClosed
	}
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	v, ok := m.data.values[key]
	if !ok {
		return nil, shared.ErrKeyNotFound
	}
	return clone(v), nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value json.RawMessage) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := validate("Set", key, value); err != nil {
		return err
	}
	m.data.mu.Lock()
	m.data.values[key] = clone(value)
	peers := m.peers()
	m.data.mu.Unlock()

	for _, p := range peers {
		p.subs.notify(Change{Key: key, Value: clone(value)})
	}
	return nil
}

// Remove implements Store.
func (m *Memory) Remove(_ context.Context, key string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.data.mu.Lock()
	_, existed := m.data.values[key]
	delete(m.data.values, key)
	peers := m.peers()
	m.data.mu.Unlock()

	if existed {
		for _, p := range peers {
			p.subs.notify(Change{Key: key, Removed: true})
		}
	}
	return nil
}

// Keys implements Store.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.data.mu.RLock()
	keys := make([]string, 0, len(m.data.values))
	for k := range m.data.values {
		keys = append(keys, k)
	}
	m.data.mu.RUnlock()
	return filterKeys(keys, prefix), nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(fn ChangeHandler) func() {
	return m.subs.subscribe(fn)
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// peers returns the other open handles. Caller holds data.mu.
func (m *Memory) peers() []*Memory {
	out := make([]*Memory, 0, len(m.data.handles)-1)
	for _, h := range m.data.handles {
		if h == m {
			continue
		}
		if h.checkOpen() == nil {
			out = append(out, h)
		}
	}
	return out
}
