// Package local implements the device-side repositories on top of the
// key-value store: the offline action queue, the progression snapshot and
// the sync bookkeeping.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/kvstore"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// Storage keys.
const (
	KeyOfflineData   = "offline_data"
	KeyAvatarState   = "avatar_state"
	KeyActivityStats = "activity_stats"
	KeyLastSync      = "last_sync"
)

// QueueConfig configures the offline queue.
type QueueConfig struct {
	// Key is the storage key holding the whole list.
	Key string

	// MaxSize bounds the queue. The oldest actions are evicted first.
	MaxSize int
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Key: KeyOfflineData, MaxSize: offline.DefaultMaxQueueSize}
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithQueueClock sets the clock used for EnqueuedAt.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithQueueEvents publishes queue events to p.
func WithQueueEvents(p shared.EventPublisher) QueueOption {
	return func(q *Queue) { q.events = p }
}

// WithIDGenerator overrides UUID generation.
func WithIDGenerator(gen func() string) QueueOption {
	return func(q *Queue) { q.newID = gen }
}

// Queue is the offline.Queue backed by a kvstore.Store.
//
// The whole list lives under one key and is rewritten on every mutation.
// The in-memory copy is authoritative for this process until another
// process writes the key, at which point its value is adopted wholesale.
type Queue struct {
	store  kvstore.Store
	cfg    QueueConfig
	log    *logger.Logger
	events shared.EventPublisher
	now    func() time.Time
	newID  func() string

	mu    sync.Mutex
	items []offline.PendingAction

	unsubscribe func()
}

var _ offline.Queue = (*Queue)(nil)

// NewQueue loads the persisted queue and starts following external changes.
// A corrupt persisted value is logged and replaced with an empty queue.
func NewQueue(ctx context.Context, store kvstore.Store, cfg QueueConfig, log *logger.Logger, opts ...QueueOption) (*Queue, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Key == "" {
		cfg.Key = KeyOfflineData
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = offline.DefaultMaxQueueSize
	}

	q := &Queue{
		store: store,
		cfg:   cfg,
		log:   log.With(logger.Component("offline_queue")),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.load(ctx); err != nil {
		return nil, err
	}
	q.unsubscribe = store.Subscribe(q.onChange)
	return q, nil
}

// Close stops following external changes. The store is not closed.
func (q *Queue) Close() {
	if q.unsubscribe != nil {
		q.unsubscribe()
	}
}

func (q *Queue) load(ctx context.Context) error {
	var items []offline.PendingAction
	err := kvstore.GetJSON(ctx, q.store, q.cfg.Key, &items)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrKeyNotFound):
		items = nil
	case errors.Is(err, shared.ErrCorruptValue):
		q.log.Warn("persisted queue is corrupt, starting empty", logger.Err(err))
		items = nil
	default:
		return err
	}

	q.mu.Lock()
	q.items = q.sanitize(items)
	q.mu.Unlock()
	return nil
}

// sanitize drops entries that could never be dispatched and applies the bound.
func (q *Queue) sanitize(items []offline.PendingAction) []offline.PendingAction {
	out := make([]offline.PendingAction, 0, len(items))
	for _, a := range items {
		if a.ID == "" {
			q.log.Warn("dropping persisted action without id", logger.ActionKind(string(a.Kind)))
			continue
		}
		out = append(out, a)
	}
	if over := len(out) - q.cfg.MaxSize; over > 0 {
		out = out[over:]
	}
	return out
}

func (q *Queue) onChange(c kvstore.Change) {
	if c.Key != q.cfg.Key {
		return
	}

	var items []offline.PendingAction
	if !c.Removed {
		if err := json.Unmarshal(c.Value, &items); err != nil {
			q.log.Warn("ignoring corrupt external queue value", logger.Err(err))
			return
		}
	}

	q.mu.Lock()
	q.items = q.sanitize(items)
	n := len(q.items)
	q.mu.Unlock()

	q.log.Debug("adopted external queue change", logger.Int("size", n))
}

// persist writes the list. Caller holds mu. On failure the in-memory list
// is kept and an error of kind shared.ErrPersistence is returned.
func (q *Queue) persist(ctx context.Context) error {
	items := q.items
	if items == nil {
		items = []offline.PendingAction{}
	}
	err := kvstore.SetJSON(ctx, q.store, q.cfg.Key, items)
	if err == nil {
		return nil
	}
	q.log.Error("persist queue failed", logger.Err(err), logger.Int("size", len(q.items)))
	if !errors.Is(err, shared.ErrPersistence) {
		err = shared.WrapError("queue", "Persist", shared.ErrPersistence, "write queue", err)
	}
	return err
}

// Enqueue implements offline.Queue. A non-empty id returned with an
// shared.ErrPersistence error means the action is queued in memory only.
func (q *Queue) Enqueue(ctx context.Context, action offline.PendingAction) (string, error) {
	if err := action.Validate(); err != nil {
		return "", err
	}

	action.ID = q.newID()
	action.EnqueuedAt = q.now().UTC()
	action.RetryCount = 0
	action.LastError = ""

	q.mu.Lock()
	q.items = append(q.items, action)
	var evicted []offline.PendingAction
	if over := len(q.items) - q.cfg.MaxSize; over > 0 {
		evicted = append(evicted, q.items[:over]...)
		q.items = append([]offline.PendingAction(nil), q.items[over:]...)
	}
	size := len(q.items)
	err := q.persist(ctx)
	q.mu.Unlock()

	for _, e := range evicted {
		q.log.Warn("queue full, evicted oldest action",
			logger.ActionID(e.ID), logger.ActionKind(string(e.Kind)), logger.Time("enqueued_at", e.EnqueuedAt))
		q.publish(shared.NewActionEvictedEvent(e.ID, string(e.Kind), e.EnqueuedAt))
	}
	q.publish(shared.NewActionQueuedEvent(action.ID, string(action.Kind), size))

	q.log.Info("action queued", logger.ActionID(action.ID), logger.ActionKind(string(action.Kind)), logger.Int("size", size))
	return action.ID, err
}

// Remove implements offline.Queue.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(id)
	if idx < 0 {
		return nil
	}
	q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
	return q.persist(ctx)
}

// List implements offline.Queue.
func (q *Queue) List(_ context.Context) ([]offline.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]offline.PendingAction, len(q.items))
	copy(out, q.items)
	return out, nil
}

// Update implements offline.Queue.
func (q *Queue) Update(ctx context.Context, action offline.PendingAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(action.ID)
	if idx < 0 {
		return shared.ErrActionNotFound
	}
	q.items[idx] = action
	return q.persist(ctx)
}

// Len implements offline.Queue.
func (q *Queue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Clear implements offline.Queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	return q.persist(ctx)
}

// Get returns one action by id.
func (q *Queue) Get(_ context.Context, id string) (offline.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return offline.PendingAction{}, shared.ErrActionNotFound
	}
	return q.items[idx], nil
}

func (q *Queue) indexOf(id string) int {
	for i, a := range q.items {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) publish(e shared.Event) {
	if err := shared.PublishAll(q.events, e); err != nil {
		q.log.Warn("publish queue event failed", logger.String("event", string(e.EventType())), logger.Err(err))
	}
}
