// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS QUERY
// Сводка прогресса ученика: уровень, здоровье, серия и достижения,
// включая те, до которых ещё не дошли.
// ══════════════════════════════════════════════════════════════════════════════

// GetProgressQuery содержит параметры запроса.
type GetProgressQuery struct {
	// UserID используется, если локального аватара ещё нет.
	UserID shared.UserID

	// IncludeLocked - показать и не полученные достижения с прогрессом.
	IncludeLocked bool
}

// AchievementView - достижение в сводке.
type AchievementView struct {
	ID         progression.AchievementID `json:"id"`
	Name       string                    `json:"name"`
	Unlocked   bool                      `json:"unlocked"`
	UnlockedAt time.Time                 `json:"unlockedAt,omitempty"`
	Current    int                       `json:"current"`
	Target     int                       `json:"target"`
}

// ProgressView - результат запроса.
type ProgressView struct {
	UserID        shared.UserID             `json:"userId"`
	Level         int                       `json:"level"`
	XP            int                       `json:"xp"`
	LevelProgress progression.LevelProgress `json:"levelProgress"`
	Health        int                       `json:"health"`
	HealthStatus  string                    `json:"healthStatus"`
	Streak        int                       `json:"streak"`
	MaxStreak     int                       `json:"maxStreak"`
	Stats         progression.ActivityStats `json:"stats"`
	Achievements  []AchievementView         `json:"achievements"`

	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`
	LastSyncAt     time.Time `json:"lastSyncAt,omitempty"`

	// Fresh - аватара ещё не было, показано начальное состояние.
	Fresh bool `json:"fresh,omitempty"`
}

// LastSyncReader сообщает время последней синхронизации.
type LastSyncReader interface {
	LastSync(ctx context.Context) (time.Time, error)
}

// GetProgressHandler обрабатывает GetProgressQuery.
type GetProgressHandler struct {
	repo     progression.Repository
	rules    progression.Rules
	lastSync LastSyncReader
}

// NewGetProgressHandler создаёт обработчик. lastSync может быть nil.
func NewGetProgressHandler(repo progression.Repository, rules progression.Rules, lastSync LastSyncReader) *GetProgressHandler {
	return &GetProgressHandler{repo: repo, rules: rules, lastSync: lastSync}
}

// Handle выполняет запрос.
func (h *GetProgressHandler) Handle(ctx context.Context, q GetProgressQuery) (*ProgressView, error) {
	snap, err := h.repo.Load(ctx)
	fresh := false
	switch {
	case shared.IsNotFound(err):
		snap.Avatar = progression.NewAvatarState(q.UserID, h.rules)
		fresh = true
	case err != nil:
		return nil, fmt.Errorf("get_progress: %w", err)
	}

	a := snap.Avatar
	view := &ProgressView{
		UserID:         a.UserID,
		Level:          a.Level.Int(),
		XP:             a.XP.Int(),
		LevelProgress:  h.rules.Progress(a.XP),
		Health:         int(a.Health),
		HealthStatus:   string(a.Health.Status()),
		Streak:         a.Streak,
		MaxStreak:      a.MaxStreak,
		Stats:          snap.Stats,
		LastActivityAt: a.LastActivityAt,
		Fresh:          fresh,
	}

	if h.lastSync != nil {
		// не критично: сводка показывается и без времени синхронизации
		if t, err := h.lastSync.LastSync(ctx); err == nil {
			view.LastSyncAt = t
		}
	}

	for _, p := range progression.ProgressTowards(a, snap.Stats) {
		if !p.Unlocked && !q.IncludeLocked {
			continue
		}
		v := AchievementView{
			ID:       p.ID,
			Name:     p.Name,
			Unlocked: p.Unlocked,
			Current:  p.Progress,
			Target:   p.Total,
		}
		if p.Unlocked {
			v.UnlockedAt = a.Achievements[p.ID]
		}
		view.Achievements = append(view.Achievements, v)
	}
	sort.SliceStable(view.Achievements, func(i, j int) bool {
		return view.Achievements[i].Unlocked && !view.Achievements[j].Unlocked
	})
	return view, nil
}
