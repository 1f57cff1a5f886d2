package progression

import (
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION (согласование с сервером)
// ══════════════════════════════════════════════════════════════════════════════

// AvatarPatch - частичное изменение аватара, отправляемое на сервер.
// Прогресс передаётся дельтами: сервер прибавляет их к своему состоянию,
// поэтому активности с двух устройств складываются, а не затирают друг друга.
type AvatarPatch struct {
	XPDelta        int             `json:"xpDelta,omitempty"`
	HealthDelta    int             `json:"healthDelta,omitempty"`
	Streak         *int            `json:"streak,omitempty"`
	Achievements   []AchievementID `json:"achievements,omitempty"`
	LastActivityAt time.Time       `json:"lastActivityAt,omitempty"`
}

// IsEmpty сообщает, что патч ничего не меняет.
func (p AvatarPatch) IsEmpty() bool {
	return p.XPDelta == 0 && p.HealthDelta == 0 && p.Streak == nil &&
		len(p.Achievements) == 0 && p.LastActivityAt.IsZero()
}

// ApplyPatch применяет патч к авторитетному состоянию (сторона сервера).
func ApplyPatch(state AvatarState, p AvatarPatch, rules Rules) AvatarState {
	next := state.Clone()
	next.XP = next.XP.Add(p.XPDelta)
	next.Level = rules.LevelOf(next.XP)
	next.Health = clampHealth(int(next.Health)+p.HealthDelta, rules)
	if p.Streak != nil && *p.Streak >= 0 {
		next.Streak = *p.Streak
		if next.Streak > next.MaxStreak {
			next.MaxStreak = next.Streak
		}
	}
	at := p.LastActivityAt
	if at.IsZero() {
		at = time.Now()
	}
	next = UnlockAchievements(next, p.Achievements, at)
	if p.LastActivityAt.After(next.LastActivityAt) {
		next.LastActivityAt = p.LastActivityAt
	}
	return next
}

// Reconcile объединяет локальное состояние с авторитетным ответом сервера.
//
// Монотонные поля (XP, MaxStreak, достижения) берутся по максимуму /
// объединением, чтобы запоздавший ответ не откатил прогресс. Остальные
// (здоровье, серия) - по правилу "последняя запись побеждает": сервер.
// Уровень всегда пересчитывается из XP.
func Reconcile(local, remote AvatarState, rules Rules) AvatarState {
	out := local.Clone()

	if remote.XP > out.XP {
		out.XP = remote.XP
	}
	out.Health = remote.Health
	out.Streak = remote.Streak
	if remote.MaxStreak > out.MaxStreak {
		out.MaxStreak = remote.MaxStreak
	}
	for id, at := range remote.Achievements {
		if _, ok := out.Achievements[id]; !ok {
			out.Achievements[id] = at
		}
	}
	if remote.LastActivityAt.After(out.LastActivityAt) {
		out.LastActivityAt = remote.LastActivityAt
	}

	return out.Normalize(rules)
}
