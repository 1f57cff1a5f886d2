package service

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// Severity of a rendered notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is an event rendered for the learner.
type Notification struct {
	Type     shared.EventType `json:"type"`
	Severity Severity         `json:"severity"`
	Title    string           `json:"title"`
	Body     string           `json:"body"`
	At       time.Time        `json:"at"`
}

// Notifier turns domain events into learner-facing notifications and writes
// them to the log. The last few are kept for the CLI.
type Notifier struct {
	log *logger.Logger

	mu     sync.Mutex
	recent []Notification
	keep   int
}

// NewNotifier creates a Notifier that keeps up to keep notifications.
func NewNotifier(log *logger.Logger, keep int) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	if keep <= 0 {
		keep = 50
	}
	return &Notifier{log: log.With(logger.Component("notifier")), keep: keep}
}

// Subscribe registers the notifier for every event.
func (n *Notifier) Subscribe(bus shared.EventSubscriber) error {
	return bus.SubscribeAll(n.Handle)
}

// Handle implements shared.EventHandler. Events without a rendering are ignored.
func (n *Notifier) Handle(event shared.Event) error {
	note, ok := Render(event)
	if !ok {
		return nil
	}

	n.mu.Lock()
	n.recent = append(n.recent, note)
	if over := len(n.recent) - n.keep; over > 0 {
		n.recent = n.recent[over:]
	}
	n.mu.Unlock()

	fields := []logger.Field{
		logger.String("event_type", string(note.Type)),
		logger.String("title", note.Title),
		logger.String("body", note.Body),
	}
	switch note.Severity {
	case SeverityError:
		n.log.Error("notification", fields...)
	case SeverityWarning:
		n.log.Warn("notification", fields...)
	default:
		n.log.Info("notification", fields...)
	}
	return nil
}

// Recent returns the kept notifications, oldest first.
func (n *Notifier) Recent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.recent))
	copy(out, n.recent)
	return out
}

// Render maps an event to a notification.
func Render(event shared.Event) (Notification, bool) {
	note := Notification{Type: event.EventType(), Severity: SeverityInfo, At: event.OccurredAt()}

	switch e := event.(type) {
	case shared.XPGainedEvent:
		note.Title = fmt.Sprintf("+%d XP", e.Amount)
		note.Body = fmt.Sprintf("Total %d XP (%s)", e.NewTotal, e.Source)
	case shared.LevelUpEvent:
		note.Severity = SeveritySuccess
		note.Title = "Level up!"
		note.Body = fmt.Sprintf("You reached level %d", e.NewLevel)
	case shared.StreakUpdatedEvent:
		if e.Broken {
			note.Severity = SeverityWarning
			note.Title = "Streak reset"
			note.Body = fmt.Sprintf("Your %d-day streak ended. Best so far: %d", e.Previous, e.MaxStreak)
		} else {
			note.Title = fmt.Sprintf("%d-day streak", e.Current)
			note.Body = "Keep it going tomorrow"
		}
	case shared.AchievementUnlockedEvent:
		note.Severity = SeveritySuccess
		note.Title = "Achievement unlocked"
		note.Body = fmt.Sprintf("%s (+%d XP)", e.Name, e.XPReward)
	case shared.HealthChangedEvent:
		if e.Current < e.Previous {
			note.Severity = SeverityWarning
			note.Title = "Health dropped"
		} else {
			note.Title = "Health restored"
		}
		note.Body = fmt.Sprintf("Health %d → %d (%s)", e.Previous, e.Current, e.Status)
	case shared.ActionEvictedEvent:
		note.Severity = SeverityWarning
		note.Title = "Offline queue full"
		note.Body = fmt.Sprintf("Dropped the oldest %s saved at %s", strings.ToLower(e.Kind), e.EnqueuedAt.Format(time.RFC3339))
	case shared.ActionFailedEvent:
		note.Severity = SeverityError
		note.Title = "Could not sync"
		note.Body = fmt.Sprintf("%s: %s", strings.ToLower(e.Kind), e.Reason)
	case shared.SyncCompletedEvent:
		if len(e.SucceededIDs)+len(e.FailedIDs) == 0 {
			return note, false
		}
		note.Title = "Synced"
		note.Body = fmt.Sprintf("%d synced, %d failed", len(e.SucceededIDs), len(e.FailedIDs))
		if len(e.FailedIDs) > 0 {
			note.Severity = SeverityWarning
		}
	case shared.ConnectivityChangedEvent:
		if e.Online {
			note.Title = "Back online"
			note.Body = "Syncing your progress"
		} else {
			note.Severity = SeverityWarning
			note.Title = "You are offline"
			note.Body = "Progress is saved on this device"
		}
	default:
		return note, false
	}
	return note, true
}
