package query

import (
	"context"
	"fmt"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/offline"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET QUEUE STATUS QUERY
// Что лежит в офлайн-очереди и насколько всё плохо: сколько действий,
// сколько из них уже падали, как давно ждёт самое старое.
// ══════════════════════════════════════════════════════════════════════════════

// QueuedAction - действие в выдаче.
type QueuedAction struct {
	ID         string             `json:"id" yaml:"id"`
	Kind       offline.ActionKind `json:"kind" yaml:"kind"`
	EntityID   string             `json:"entityId,omitempty" yaml:"entityId,omitempty"`
	Endpoint   string             `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	EnqueuedAt time.Time          `json:"enqueuedAt" yaml:"enqueuedAt"`
	Age        time.Duration      `json:"age" yaml:"age"`
	RetryCount int                `json:"retryCount" yaml:"retryCount"`
	LastError  string             `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// QueueStatus - результат запроса.
type QueueStatus struct {
	Length     int                        `json:"length" yaml:"length"`
	Capacity   int                        `json:"capacity" yaml:"capacity"`
	Retrying   int                        `json:"retrying" yaml:"retrying"`
	ByKind     map[offline.ActionKind]int `json:"byKind" yaml:"byKind"`
	OldestAge  time.Duration              `json:"oldestAge" yaml:"oldestAge"`
	LastSyncAt time.Time                  `json:"lastSyncAt,omitempty" yaml:"lastSyncAt,omitempty"`
	Actions    []QueuedAction             `json:"actions" yaml:"actions"`
}

// GetQueueStatusHandler обрабатывает запрос.
type GetQueueStatusHandler struct {
	queue    offline.Queue
	capacity int
	lastSync LastSyncReader
	now      func() time.Time
}

// NewGetQueueStatusHandler создаёт обработчик. lastSync может быть nil.
func NewGetQueueStatusHandler(queue offline.Queue, capacity int, lastSync LastSyncReader) *GetQueueStatusHandler {
	return &GetQueueStatusHandler{queue: queue, capacity: capacity, lastSync: lastSync, now: time.Now}
}

// Handle выполняет запрос.
func (h *GetQueueStatusHandler) Handle(ctx context.Context) (*QueueStatus, error) {
	items, err := h.queue.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("get_queue_status: %w", err)
	}
	now := h.now()

	st := &QueueStatus{
		Length:   len(items),
		Capacity: h.capacity,
		ByKind:   make(map[offline.ActionKind]int),
		Actions:  make([]QueuedAction, 0, len(items)),
	}
	if h.lastSync != nil {
		if t, err := h.lastSync.LastSync(ctx); err == nil {
			st.LastSyncAt = t
		}
	}

	for _, a := range items {
		st.ByKind[a.Kind]++
		if a.RetryCount > 0 {
			st.Retrying++
		}
		if age := a.Age(now); age > st.OldestAge {
			st.OldestAge = age
		}

		qa := QueuedAction{
			ID:         a.ID,
			Kind:       a.Kind,
			EnqueuedAt: a.EnqueuedAt,
			Age:        a.Age(now),
			RetryCount: a.RetryCount,
			LastError:  a.LastError,
		}
		// нечитаемый payload всё равно показываем, просто без подробностей
		if c, err := a.Completion(); err == nil {
			qa.EntityID = c.EntityID
		} else if g, err := a.GenericCall(); err == nil {
			qa.Endpoint = g.Method + " " + g.Endpoint
		}
		st.Actions = append(st.Actions, qa)
	}
	return st, nil
}
