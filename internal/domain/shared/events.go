package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Every notification the user eventually sees starts
// as one of these.
const (
	// Progress events
	EventXPGained            EventType = "progress.xp_gained"
	EventLevelUp             EventType = "progress.level_up"
	EventStreakUpdated       EventType = "progress.streak_updated"
	EventAchievementUnlocked EventType = "progress.achievement_unlocked"
	EventHealthChanged       EventType = "progress.health_changed"

	// Queue events
	EventActionQueued  EventType = "queue.action_queued"
	EventActionEvicted EventType = "queue.action_evicted"

	// Sync events
	EventSyncCompleted EventType = "sync.completed"
	EventActionFailed  EventType = "sync.action_failed"

	// Connectivity events
	EventWentOnline  EventType = "connectivity.online"
	EventWentOffline EventType = "connectivity.offline"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]any
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
	Version     int       `json:"version"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType { return e.Type }

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string { return e.AggregateId }

// NewBaseEvent creates a new base event stamped with the current time.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return NewBaseEventAt(eventType, aggregateID, time.Now())
}

// NewBaseEventAt creates a base event with an explicit timestamp, so pure
// code can emit events without reading the clock.
func NewBaseEventAt(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// XPGainedEvent is emitted when a learner gains XP.
type XPGainedEvent struct {
	BaseEvent
	Amount   int    `json:"amount"`
	NewTotal int    `json:"new_total"`
	Source   string `json:"source"`
}

// Payload implements Event interface.
func (e XPGainedEvent) Payload() map[string]any {
	return map[string]any{
		"amount":    e.Amount,
		"new_total": e.NewTotal,
		"source":    e.Source,
	}
}

// NewXPGainedEvent creates a new XPGainedEvent.
func NewXPGainedEvent(userID string, amount, newTotal int, source string, at time.Time) XPGainedEvent {
	return XPGainedEvent{
		BaseEvent: NewBaseEventAt(EventXPGained, userID, at),
		Amount:    amount,
		NewTotal:  newTotal,
		Source:    source,
	}
}

// LevelUpEvent is emitted when the level computed from XP increases.
// It never carries bonus XP itself.
type LevelUpEvent struct {
	BaseEvent
	OldLevel int `json:"old_level"`
	NewLevel int `json:"new_level"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]any {
	return map[string]any{
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(userID string, oldLevel, newLevel int, at time.Time) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEventAt(EventLevelUp, userID, at),
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
	}
}

// StreakUpdatedEvent is emitted when the daily streak changes.
type StreakUpdatedEvent struct {
	BaseEvent
	Previous  int  `json:"previous"`
	Current   int  `json:"current"`
	MaxStreak int  `json:"max_streak"`
	Broken    bool `json:"broken"`
}

// Payload implements Event interface.
func (e StreakUpdatedEvent) Payload() map[string]any {
	return map[string]any{
		"previous":   e.Previous,
		"current":    e.Current,
		"max_streak": e.MaxStreak,
		"broken":     e.Broken,
	}
}

// NewStreakUpdatedEvent creates a new StreakUpdatedEvent.
func NewStreakUpdatedEvent(userID string, previous, current, maxStreak int, broken bool, at time.Time) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent: NewBaseEventAt(EventStreakUpdated, userID, at),
		Previous:  previous,
		Current:   current,
		MaxStreak: maxStreak,
		Broken:    broken,
	}
}

// AchievementUnlockedEvent is emitted once per newly unlocked achievement.
type AchievementUnlockedEvent struct {
	BaseEvent
	AchievementID string `json:"achievement_id"`
	Name          string `json:"name"`
	XPReward      int    `json:"xp_reward"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]any {
	return map[string]any{
		"achievement_id": e.AchievementID,
		"name":           e.Name,
		"xp_reward":      e.XPReward,
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(userID, achievementID, name string, xpReward int, at time.Time) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:     NewBaseEventAt(EventAchievementUnlocked, userID, at),
		AchievementID: achievementID,
		Name:          name,
		XPReward:      xpReward,
	}
}

// HealthChangedEvent is emitted when health moves.
type HealthChangedEvent struct {
	BaseEvent
	Previous int    `json:"previous"`
	Current  int    `json:"current"`
	Status   string `json:"status"`
}

// Payload implements Event interface.
func (e HealthChangedEvent) Payload() map[string]any {
	return map[string]any{
		"previous": e.Previous,
		"current":  e.Current,
		"status":   e.Status,
	}
}

// NewHealthChangedEvent creates a new HealthChangedEvent.
func NewHealthChangedEvent(userID string, previous, current int, status string, at time.Time) HealthChangedEvent {
	return HealthChangedEvent{
		BaseEvent: NewBaseEventAt(EventHealthChanged, userID, at),
		Previous:  previous,
		Current:   current,
		Status:    status,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Queue Events
// ═══════════════════════════════════════════════════════════════════════════

// ActionQueuedEvent is emitted after an action is durably enqueued.
type ActionQueuedEvent struct {
	BaseEvent
	Kind      string `json:"kind"`
	QueueSize int    `json:"queue_size"`
}

// Payload implements Event interface.
func (e ActionQueuedEvent) Payload() map[string]any {
	return map[string]any{
		"kind":       e.Kind,
		"queue_size": e.QueueSize,
	}
}

// NewActionQueuedEvent creates a new ActionQueuedEvent.
func NewActionQueuedEvent(actionID, kind string, queueSize int) ActionQueuedEvent {
	return ActionQueuedEvent{
		BaseEvent: NewBaseEvent(EventActionQueued, actionID),
		Kind:      kind,
		QueueSize: queueSize,
	}
}

// ActionEvictedEvent is emitted when the bounded queue drops its oldest entry.
type ActionEvictedEvent struct {
	BaseEvent
	Kind       string    `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Payload implements Event interface.
func (e ActionEvictedEvent) Payload() map[string]any {
	return map[string]any{
		"kind":        e.Kind,
		"enqueued_at": e.EnqueuedAt,
	}
}

// NewActionEvictedEvent creates a new ActionEvictedEvent.
func NewActionEvictedEvent(actionID, kind string, enqueuedAt time.Time) ActionEvictedEvent {
	return ActionEvictedEvent{
		BaseEvent:  NewBaseEvent(EventActionEvicted, actionID),
		Kind:       kind,
		EnqueuedAt: enqueuedAt,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Sync Events
// ═══════════════════════════════════════════════════════════════════════════

// SyncCompletedEvent carries the outcome of one drain.
type SyncCompletedEvent struct {
	BaseEvent
	SucceededIDs []string      `json:"succeeded_ids"`
	FailedIDs    []string      `json:"failed_ids"`
	Remaining    int           `json:"remaining"`
	Duration     time.Duration `json:"duration"`
}

// Payload implements Event interface.
func (e SyncCompletedEvent) Payload() map[string]any {
	return map[string]any{
		"succeeded": len(e.SucceededIDs),
		"failed":    len(e.FailedIDs),
		"remaining": e.Remaining,
		"duration":  e.Duration.String(),
	}
}

// NewSyncCompletedEvent creates a new SyncCompletedEvent.
func NewSyncCompletedEvent(succeeded, failed []string, remaining int, took time.Duration) SyncCompletedEvent {
	return SyncCompletedEvent{
		BaseEvent:    NewBaseEvent(EventSyncCompleted, "sync"),
		SucceededIDs: succeeded,
		FailedIDs:    failed,
		Remaining:    remaining,
		Duration:     took,
	}
}

// ActionFailedEvent is emitted when an action is dropped for good.
type ActionFailedEvent struct {
	BaseEvent
	Kind       string `json:"kind"`
	RetryCount int    `json:"retry_count"`
	Permanent  bool   `json:"permanent"`
	Reason     string `json:"reason"`
}

// Payload implements Event interface.
func (e ActionFailedEvent) Payload() map[string]any {
	return map[string]any{
		"kind":        e.Kind,
		"retry_count": e.RetryCount,
		"permanent":   e.Permanent,
		"reason":      e.Reason,
	}
}

// NewActionFailedEvent creates a new ActionFailedEvent.
func NewActionFailedEvent(actionID, kind string, retryCount int, permanent bool, reason string) ActionFailedEvent {
	return ActionFailedEvent{
		BaseEvent:  NewBaseEvent(EventActionFailed, actionID),
		Kind:       kind,
		RetryCount: retryCount,
		Permanent:  permanent,
		Reason:     reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Connectivity Events
// ═══════════════════════════════════════════════════════════════════════════

// ConnectivityChangedEvent is emitted on every online/offline edge.
// Its Type is EventWentOnline or EventWentOffline.
type ConnectivityChangedEvent struct {
	BaseEvent
	Online      bool          `json:"online"`
	Quality     string        `json:"quality"`
	LimitedData bool          `json:"limited_data"`
	OfflineFor  time.Duration `json:"offline_for,omitempty"`
}

// Payload implements Event interface.
func (e ConnectivityChangedEvent) Payload() map[string]any {
	return map[string]any{
		"online":       e.Online,
		"quality":      e.Quality,
		"limited_data": e.LimitedData,
		"offline_for":  e.OfflineFor.String(),
	}
}

// NewConnectivityChangedEvent creates a new ConnectivityChangedEvent.
func NewConnectivityChangedEvent(online bool, quality string, limitedData bool, offlineFor time.Duration, at time.Time) ConnectivityChangedEvent {
	t := EventWentOffline
	if online {
		t = EventWentOnline
	}
	return ConnectivityChangedEvent{
		BaseEvent:   NewBaseEventAt(t, "device", at),
		Online:      online,
		Quality:     quality,
		LimitedData: limitedData,
		OfflineFor:  offlineFor,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// PublishAll publishes events in order and returns the first error.
// A nil publisher discards the events.
func PublishAll(p EventPublisher, events ...Event) error {
	if p == nil {
		return nil
	}
	for _, e := range events {
		if err := p.Publish(e); err != nil {
			return err
		}
	}
	return nil
}
