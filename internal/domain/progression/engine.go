package progression

import (
	"fmt"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Engine - чистая машина состояний прогресса. Не хранит состояние,
// только правила и календарь.
type Engine struct {
	rules Rules
	cal   timeutil.Calendar
}

// NewEngine создаёт Engine. Невалидные правила заменяются значениями по умолчанию.
func NewEngine(rules Rules, cal timeutil.Calendar) *Engine {
	if rules.Validate() != nil {
		rules = DefaultRules()
	}
	return &Engine{rules: rules, cal: cal}
}

// Rules возвращает правила движка.
func (e *Engine) Rules() Rules { return e.rules }

// Calendar возвращает календарь движка.
func (e *Engine) Calendar() timeutil.Calendar { return e.cal }

// NewAvatar создаёт состояние нового аккаунта.
func (e *Engine) NewAvatar(userID shared.UserID) AvatarState {
	return NewAvatarState(userID, e.rules)
}

// LevelOf вычисляет уровень по XP.
func (e *Engine) LevelOf(xp shared.XP) shared.Level { return e.rules.LevelOf(xp) }

// XPResult - результат AwardXP.
type XPResult struct {
	OldLevel  shared.Level
	NewLevel  shared.Level
	LeveledUp bool
}

// AwardXP прибавляет delta к XP и пересчитывает уровень. Повышение уровня
// только отмечается: бонусный XP за уровень начисляется отдельным вызовом.
func (e *Engine) AwardXP(state AvatarState, delta int) (AvatarState, XPResult) {
	next := state.Clone()
	next.XP = state.XP.Add(delta)
	next.Level = e.rules.LevelOf(next.XP)

	res := XPResult{OldLevel: e.rules.LevelOf(state.XP), NewLevel: next.Level}
	res.LeveledUp = res.NewLevel > res.OldLevel
	return next, res
}

// UpdateStreak засчитывает активность в момент now. См. UpdateStreak.
func (e *Engine) UpdateStreak(state AvatarState, activityDates []time.Time, now time.Time) (AvatarState, StreakChange) {
	return UpdateStreak(state, activityDates, now, e.cal)
}

// ApplyHealthDelta изменяет здоровье с зажимом в допустимый диапазон.
func (e *Engine) ApplyHealthDelta(state AvatarState, delta int) AvatarState {
	return ApplyHealthDelta(state, delta, e.rules)
}

// EvaluateAchievements возвращает только что выполненные достижения.
func (e *Engine) EvaluateAchievements(state AvatarState, stats ActivityStats) []AchievementID {
	return EvaluateAchievements(state, stats)
}

// Outcome - результат Apply.
type Outcome struct {
	State AvatarState
	Stats ActivityStats

	// XPDelta и HealthDelta - фактические изменения, включая награды
	// за достижения. Именно они уходят на сервер (см. AvatarPatch).
	XPDelta     int
	HealthDelta int

	LeveledUp bool
	Unlocked  []AchievementID
	Events    []shared.Event
}

// Patch возвращает дельту, которую нужно отправить на сервер.
func (o Outcome) Patch() AvatarPatch {
	streak := o.State.Streak
	return AvatarPatch{
		XPDelta:        o.XPDelta,
		HealthDelta:    o.HealthDelta,
		Streak:         &streak,
		Achievements:   o.Unlocked,
		LastActivityAt: o.State.LastActivityAt,
	}
}

// Apply применяет событие активности целиком: награда XP с учётом серии,
// обновление серии, здоровье за задачу, счётчики, достижения и их награды.
func (e *Engine) Apply(state AvatarState, stats ActivityStats, ev Event, now time.Time) Outcome {
	uid := state.UserID.String()
	out := Outcome{Stats: stats.Record(ev.Activity)}

	// Множитель берётся от серии до этой активности.
	reward := XPReward(ev, state.Streak)

	cur, streak := e.UpdateStreak(state, nil, now)
	if streak.Changed {
		out.Events = append(out.Events, shared.NewStreakUpdatedEvent(uid, streak.Previous, streak.Current, cur.MaxStreak, streak.Broken, now))
	}

	cur = e.award(cur, reward, string(ev.Activity), now, &out)

	if ev.Activity == ActivityTaskComplete && e.rules.HealthPerTask > 0 {
		before := cur.Health
		cur = e.ApplyHealthDelta(cur, e.rules.HealthPerTask)
		if cur.Health != before {
			out.HealthDelta += int(cur.Health - before)
			out.Events = append(out.Events, shared.NewHealthChangedEvent(uid, int(before), int(cur.Health), string(cur.Health.Status()), now))
		}
	}

	cur.LastActivityAt = now

	// Награды за достижения могут поднять уровень и открыть level_5/level_10,
	// поэтому проверяем до тех пор, пока появляются новые.
	for i := 0; i <= len(definitions); i++ {
		ids := EvaluateAchievements(cur, out.Stats)
		if len(ids) == 0 {
			break
		}
		cur = UnlockAchievements(cur, ids, now)
		for _, id := range ids {
			def, _ := Definition(id)
			out.Unlocked = append(out.Unlocked, id)
			out.Events = append(out.Events, shared.NewAchievementUnlockedEvent(uid, string(id), def.Name, def.XPReward, now))
			cur = e.award(cur, def.XPReward, fmt.Sprintf("achievement:%s", id), now, &out)
		}
	}

	out.State = cur
	return out
}

func (e *Engine) award(state AvatarState, amount int, source string, now time.Time, out *Outcome) AvatarState {
	if amount == 0 {
		return state
	}
	uid := state.UserID.String()
	next, res := e.AwardXP(state, amount)
	out.XPDelta += int(next.XP - state.XP)
	out.Events = append(out.Events, shared.NewXPGainedEvent(uid, amount, next.XP.Int(), source, now))
	if res.LeveledUp {
		out.LeveledUp = true
		out.Events = append(out.Events, shared.NewLevelUpEvent(uid, res.OldLevel.Int(), res.NewLevel.Int(), now))
	}
	return next
}

// Decay применяет ежедневную потерю здоровья за неактивность.
func (e *Engine) Decay(state AvatarState, now time.Time) (AvatarState, []shared.Event) {
	next, days := DecayHealth(state, now, e.rules, e.cal)
	if days == 0 || next.Health == state.Health {
		return next, nil
	}
	return next, []shared.Event{
		shared.NewHealthChangedEvent(state.UserID.String(), int(state.Health), int(next.Health), string(next.Health.Status()), now),
	}
}
