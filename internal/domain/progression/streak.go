package progression

import (
	"time"

	"github.com/finedu/finedu-sync/pkg/timeutil"
)

// StreakChange описывает результат UpdateStreak.
type StreakChange struct {
	Previous int
	Current  int
	// Broken - серия была сброшена из-за пропуска.
	Broken bool
	// Changed - серия изменилась (false, если сегодня уже засчитана).
	Changed bool
}

// UpdateStreak засчитывает активность в момент now.
//
// Берётся самая поздняя из activityDates и LastActivityAt (не позже now),
// и считается расстояние в календарных днях до сегодняшнего дня:
//   - 0 или 1 - серия увеличивается, но не чаще одного раза в день;
//   - больше 1 или активности ещё не было - серия начинается заново с 1.
//
// MaxStreak всегда обновляется как max(MaxStreak, Streak).
func UpdateStreak(state AvatarState, activityDates []time.Time, now time.Time, cal timeutil.Calendar) (AvatarState, StreakChange) {
	next := state.Clone()
	change := StreakChange{Previous: state.Streak, Current: state.Streak}

	if !next.StreakDay.IsZero() && cal.IsSameDay(next.StreakDay, now) && next.Streak > 0 {
		return next, change
	}

	latest := latestNotAfter(append([]time.Time{state.LastActivityAt}, activityDates...), now)

	switch {
	case latest.IsZero():
		next.Streak = 1
	case cal.DaysBetween(latest, now) <= 1:
		next.Streak++
	default:
		next.Streak = 1
		change.Broken = state.Streak > 0
	}

	next.StreakDay = cal.StartOfDay(now)
	if next.Streak > next.MaxStreak {
		next.MaxStreak = next.Streak
	}

	change.Current = next.Streak
	change.Changed = change.Current != change.Previous || change.Broken
	return next, change
}

// IsStreakAtRisk сообщает, что сегодня ещё не было активности, а вчера была:
// серия сгорит, если ничего не сделать до конца дня.
func IsStreakAtRisk(state AvatarState, now time.Time, cal timeutil.Calendar) bool {
	if state.Streak == 0 || state.LastActivityAt.IsZero() {
		return false
	}
	return cal.DaysBetween(state.LastActivityAt, now) == 1
}

func latestNotAfter(dates []time.Time, now time.Time) time.Time {
	var latest time.Time
	for _, d := range dates {
		if d.IsZero() || d.After(now) {
			continue
		}
		if d.After(latest) {
			latest = d
		}
	}
	return latest
}
