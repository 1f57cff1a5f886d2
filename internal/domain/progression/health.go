package progression

import (
	"time"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/timeutil"
)

func clampHealth(v int, rules Rules) shared.Health {
	upper := rules.MaxHealth
	if upper <= 0 || upper > int(shared.MaxHealth) {
		upper = int(shared.MaxHealth)
	}
	switch {
	case v < 0:
		return 0
	case v > upper:
		return shared.Health(upper)
	}
	return shared.Health(v)
}

// ApplyHealthDelta изменяет здоровье на delta и зажимает результат в [0, MaxHealth].
func ApplyHealthDelta(state AvatarState, delta int, rules Rules) AvatarState {
	next := state.Clone()
	next.Health = clampHealth(int(state.Health)+delta, rules)
	return next
}

// DecayHealth списывает HealthLossPerDay за каждый полный день без активности,
// за который списание ещё не проводилось. Повторный вызов в тот же день
// ничего не меняет.
//
// Полными считаются дни строго между днём последней активности и сегодняшним.
func DecayHealth(state AvatarState, now time.Time, rules Rules, cal timeutil.Calendar) (AvatarState, int) {
	if state.LastActivityAt.IsZero() || rules.HealthLossPerDay == 0 {
		return state, 0
	}

	anchor := state.LastActivityAt
	if state.DecayedThrough.After(anchor) {
		anchor = state.DecayedThrough
	}

	days := cal.DaysBetween(anchor, now) - 1
	if days <= 0 {
		return state, 0
	}

	next := ApplyHealthDelta(state, -days*rules.HealthLossPerDay, rules)
	next.DecayedThrough = cal.StartOfDay(now).AddDate(0, 0, -1)
	return next, days
}
