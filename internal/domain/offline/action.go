// Package offline описывает очередь отложенных действий: то, что ученик
// сделал без сети и что ещё нужно доставить на сервер.
//
// Пакет определяет:
//
//   - PendingAction - отложенное действие с полезной нагрузкой и счётчиком попыток
//   - ActionKind - вид действия, по которому выбирается обработчик синхронизации
//   - CompletionPayload, GenericCallPayload - типизированные полезные нагрузки
//   - Queue - интерфейс очереди, реализуемый в infrastructure/persistence
//   - DrainSummary - итог одного прохода синхронизации
package offline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONSTANTS
// ══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultMaxQueueSize - сколько действий хранится, прежде чем начнут
	// вытесняться самые старые.
	DefaultMaxQueueSize = 100

	// DefaultMaxRetries - после стольких неудачных попыток действие удаляется.
	DefaultMaxRetries = 3
)

// ActionKind - вид отложенного действия.
type ActionKind string

const (
	KindLessonCompletion ActionKind = "LESSON_COMPLETION"
	KindTaskCompletion   ActionKind = "TASK_COMPLETION"
	KindGameResult       ActionKind = "GAME_RESULT"
	KindGenericCall      ActionKind = "GENERIC_CALL"
)

// Kinds возвращает все известные виды действий.
func Kinds() []ActionKind {
	return []ActionKind{KindLessonCompletion, KindTaskCompletion, KindGameResult, KindGenericCall}
}

// IsValid проверяет, что вид известен.
func (k ActionKind) IsValid() bool {
	switch k {
	case KindLessonCompletion, KindTaskCompletion, KindGameResult, KindGenericCall:
		return true
	}
	return false
}

// IsCompletion сообщает, что действие - завершение урока, задачи или игры.
func (k ActionKind) IsCompletion() bool {
	return k == KindLessonCompletion || k == KindTaskCompletion || k == KindGameResult
}

// ParseActionKind разбирает вид без учёта регистра.
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", shared.WrapError("offline", "ParseActionKind", shared.ErrInvalidActionKind, s, nil)
	}
	return k, nil
}

// ActionKindFor возвращает вид действия для активности прогресса.
func ActionKindFor(a progression.ActivityKind) (ActionKind, bool) {
	switch a {
	case progression.ActivityLessonComplete:
		return KindLessonCompletion, true
	case progression.ActivityTaskComplete:
		return KindTaskCompletion, true
	case progression.ActivityGameComplete:
		return KindGameResult, true
	}
	return "", false
}

// ══════════════════════════════════════════════════════════════════════════════
// PENDING ACTION
// ══════════════════════════════════════════════════════════════════════════════

// PendingAction - действие, ожидающее доставки на сервер.
//
// ID, EnqueuedAt и RetryCount назначает очередь. RetryCount растёт только
// после неудачной попытки отправки.
type PendingAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// NewPendingAction кодирует payload и возвращает действие без ID.
func NewPendingAction(kind ActionKind, payload any) (PendingAction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return PendingAction{}, shared.WrapError("offline", "NewPendingAction", shared.ErrInvalidFormat, "encode payload", err)
	}
	a := PendingAction{Kind: kind, Payload: raw}
	if err := a.Validate(); err != nil {
		return PendingAction{}, err
	}
	return a, nil
}

// Validate проверяет вид и наличие полезной нагрузки.
func (a PendingAction) Validate() error {
	if !a.Kind.IsValid() {
		return shared.WrapError("offline", "Validate", shared.ErrInvalidActionKind, string(a.Kind), nil)
	}
	p := strings.TrimSpace(string(a.Payload))
	if p == "" || p == "null" {
		return shared.ErrEmptyPayload
	}
	if !json.Valid(a.Payload) {
		return shared.NewDomainError("offline", "Validate", shared.ErrInvalidFormat, "payload is not valid JSON")
	}
	return nil
}

// Age возвращает, сколько действие ждёт в очереди.
func (a PendingAction) Age(now time.Time) time.Duration {
	return now.Sub(a.EnqueuedAt)
}

// Exhausted сообщает, что попытки исчерпаны.
func (a PendingAction) Exhausted(maxRetries int) bool {
	return a.RetryCount >= maxRetries
}

// ══════════════════════════════════════════════════════════════════════════════
// PAYLOADS
// ══════════════════════════════════════════════════════════════════════════════

// CompletionPayload - завершение урока, задачи или игры. Совпадает с телом
// запроса POST /api/{lessons|tasks|games}/{id}/complete.
type CompletionPayload struct {
	EntityID string           `json:"entityId"`
	Result   CompletionResult `json:"result"`
}

// CompletionResult - результат активности и локально вычисленные дельты.
type CompletionResult struct {
	Difficulty  progression.Difficulty `json:"difficulty,omitempty"`
	TaskType    progression.TaskType   `json:"taskType,omitempty"`
	Score       *int                   `json:"score,omitempty"`
	CompletedAt time.Time              `json:"completedAt"`

	// Patch - изменение аватара, посчитанное оптимистично на устройстве.
	Patch progression.AvatarPatch `json:"patch"`
}

// GenericCallPayload - произвольный запрос к серверу относительно базового URL.
type GenericCallPayload struct {
	Method   string          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Validate проверяет метод и путь.
func (p GenericCallPayload) Validate() error {
	switch strings.ToUpper(p.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return shared.NewDomainError("offline", "GenericCall", shared.ErrInvalidInput,
			fmt.Sprintf("unsupported method %q", p.Method))
	}
	if !strings.HasPrefix(p.Endpoint, "/") || strings.Contains(p.Endpoint, "://") {
		return shared.NewDomainError("offline", "GenericCall", shared.ErrInvalidInput,
			fmt.Sprintf("endpoint %q must be a path relative to the remote base URL", p.Endpoint))
	}
	return nil
}

// Completion декодирует полезную нагрузку завершения.
func (a PendingAction) Completion() (CompletionPayload, error) {
	var p CompletionPayload
	if !a.Kind.IsCompletion() {
		return p, shared.WrapError("offline", "Completion", shared.ErrInvalidActionKind, string(a.Kind), nil)
	}
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return p, shared.WrapError("offline", "Completion", shared.ErrInvalidFormat, "decode completion payload", err)
	}
	if strings.TrimSpace(p.EntityID) == "" {
		return p, shared.NewDomainError("offline", "Completion", shared.ErrEmptyValue, "entityId is empty")
	}
	return p, nil
}

// GenericCall декодирует полезную нагрузку произвольного запроса.
func (a PendingAction) GenericCall() (GenericCallPayload, error) {
	var p GenericCallPayload
	if a.Kind != KindGenericCall {
		return p, shared.WrapError("offline", "GenericCall", shared.ErrInvalidActionKind, string(a.Kind), nil)
	}
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return p, shared.WrapError("offline", "GenericCall", shared.ErrInvalidFormat, "decode generic call payload", err)
	}
	return p, p.Validate()
}
