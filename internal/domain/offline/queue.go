package offline

import (
	"context"
	"time"
)

// Queue - долговременная ограниченная FIFO-очередь отложенных действий.
//
// Каждое изменение целиком записывается в хранилище до возврата.
// Реализация находится в infrastructure/persistence/local.
type Queue interface {
	// Enqueue назначает действию ID, время и RetryCount=0, добавляет его
	// в конец и при переполнении вытесняет самые старые. Возвращает ID.
	Enqueue(ctx context.Context, action PendingAction) (string, error)

	// Remove удаляет действие. Отсутствующий ID - не ошибка.
	Remove(ctx context.Context, id string) error

	// List возвращает копию очереди, от старых к новым.
	List(ctx context.Context) ([]PendingAction, error)

	// Update заменяет действие с тем же ID (счётчик попыток, ошибка).
	// Возвращает ErrActionNotFound, если его уже нет.
	Update(ctx context.Context, action PendingAction) error

	// Len возвращает длину очереди.
	Len(ctx context.Context) (int, error)

	// Clear удаляет все действия.
	Clear(ctx context.Context) error
}

// DrainSummary - итог прохода синхронизации.
type DrainSummary struct {
	SucceededIDs []string  `json:"succeededIds"`
	FailedIDs    []string  `json:"failedIds"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`

	// Remaining - сколько действий осталось в очереди для следующего прохода.
	Remaining int `json:"remaining"`
}

// NewDrainSummary возвращает пустой итог с непустыми срезами.
func NewDrainSummary(startedAt time.Time) DrainSummary {
	return DrainSummary{
		SucceededIDs: []string{},
		FailedIDs:    []string{},
		StartedAt:    startedAt,
		FinishedAt:   startedAt,
	}
}

// Processed возвращает количество обработанных действий.
func (s DrainSummary) Processed() int { return len(s.SucceededIDs) + len(s.FailedIDs) }

// Duration возвращает длительность прохода.
func (s DrainSummary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }
