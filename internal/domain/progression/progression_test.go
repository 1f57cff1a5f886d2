package progression

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/timeutil"
)

var (
	cal   = timeutil.NewCalendar(time.UTC)
	rules = DefaultRules()
	today = time.Date(2024, 6, 15, 14, 0, 0, 0, time.UTC)
)

func newState() AvatarState { return NewAvatarState("u-1", rules) }

// ══════════════════════════════════════════════════════════════════════════════
// LEVELS
// ══════════════════════════════════════════════════════════════════════════════

func TestLevelOf_KnownPoints(t *testing.T) {
	tests := []struct {
		xp   shared.XP
		want shared.Level
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{249, 2},
		{250, 3},  // 100 + 150
		{475, 4},  // + 225
		{812, 5},  // + floor(337.5) = 337
		{811, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rules.LevelOf(tt.xp), "xp=%d", tt.xp)
	}
}

func TestLevelOf_Monotonic(t *testing.T) {
	prev := rules.LevelOf(0)
	assert.Equal(t, shared.Level(1), prev)
	for xp := shared.XP(1); xp <= 20000; xp += 7 {
		cur := rules.LevelOf(xp)
		require.GreaterOrEqual(t, cur, prev, "xp=%d", xp)
		prev = cur
	}
}

func TestProgress(t *testing.T) {
	p := rules.Progress(130)
	assert.Equal(t, 2, p.Level)
	assert.Equal(t, 30, p.CurrentLevelXP)
	assert.Equal(t, 150, p.XPForNext)
	assert.Equal(t, 120, p.Remaining())
	assert.InDelta(t, 20.0, p.Percent, 0.001)

	assert.Equal(t, 0, rules.XPForLevel(1))
	assert.Equal(t, 250, rules.XPForLevel(3))
}

func TestRules_Validate(t *testing.T) {
	assert.NoError(t, DefaultRules().Validate())

	bad := DefaultRules()
	bad.LevelXPMultiplier = 0.5
	assert.ErrorIs(t, bad.Validate(), shared.ErrValueOutOfRange)

	bad = DefaultRules()
	bad.MaxHealth = 150
	assert.Error(t, bad.Validate())
}

// ══════════════════════════════════════════════════════════════════════════════
// XP
// ══════════════════════════════════════════════════════════════════════════════

func TestAwardXP_FlagsLevelUpWithoutBonus(t *testing.T) {
	e := NewEngine(rules, cal)
	s := newState()
	s.XP = 90

	next, res := e.AwardXP(s, 20)

	assert.Equal(t, shared.XP(110), next.XP)
	assert.Equal(t, shared.Level(2), next.Level)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, shared.Level(1), res.OldLevel)
	assert.Equal(t, shared.XP(90), s.XP, "input must not be mutated")

	again, res := e.AwardXP(next, 5)
	assert.False(t, res.LeveledUp)
	assert.Equal(t, shared.XP(115), again.XP)
}

func TestXPReward(t *testing.T) {
	score := func(v int) *int { return &v }

	assert.Equal(t, 50, XPReward(Event{Activity: ActivityLessonComplete}, 0))
	assert.Equal(t, 60, XPReward(Event{Activity: ActivityLessonComplete, Difficulty: DifficultyIntermediate}, 0))
	assert.Equal(t, 75, XPReward(Event{Activity: ActivityLessonComplete, Difficulty: DifficultyAdvanced}, 0))
	assert.Equal(t, 50, XPReward(Event{Activity: ActivityTaskComplete, TaskType: TaskProject}, 0))
	assert.Equal(t, 38, XPReward(Event{Activity: ActivityTaskComplete, TaskType: TaskPracticalExercise}, 0))
	assert.Equal(t, 45, XPReward(Event{Activity: ActivityGameComplete, Score: score(95)}, 0))
	assert.Equal(t, 36, XPReward(Event{Activity: ActivityGameComplete, Score: score(85)}, 0))
	assert.Equal(t, 30, XPReward(Event{Activity: ActivityGameComplete, Score: score(10)}, 0))
	assert.Equal(t, 100, XPReward(Event{Activity: ActivityAchievementUnlock}, 0))
	assert.Equal(t, 10, XPReward(Event{Activity: "something_else"}, 0))

	// streak multipliers
	assert.Equal(t, 60, XPReward(Event{Activity: ActivityLessonComplete}, 3))
	assert.Equal(t, 65, XPReward(Event{Activity: ActivityLessonComplete}, 7))
	assert.Equal(t, 75, XPReward(Event{Activity: ActivityLessonComplete}, 14))
	assert.Equal(t, 100, XPReward(Event{Activity: ActivityLessonComplete}, 30))
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAK
// ══════════════════════════════════════════════════════════════════════════════

func TestUpdateStreak_YesterdayIncrementsByOne(t *testing.T) {
	s := newState()
	s.Streak, s.MaxStreak = 4, 4
	s.LastActivityAt = today.AddDate(0, 0, -1)
	s.StreakDay = cal.StartOfDay(s.LastActivityAt)

	next, ch := UpdateStreak(s, nil, today, cal)

	assert.Equal(t, 5, next.Streak)
	assert.Equal(t, 5, next.MaxStreak)
	assert.True(t, ch.Changed)
	assert.False(t, ch.Broken)
}

func TestUpdateStreak_GapResetsToOne(t *testing.T) {
	s := newState()
	s.Streak, s.MaxStreak = 6, 9
	s.LastActivityAt = today.AddDate(0, 0, -3)

	next, ch := UpdateStreak(s, nil, today, cal)

	assert.Equal(t, 1, next.Streak)
	assert.Equal(t, 9, next.MaxStreak, "max streak never decreases")
	assert.True(t, ch.Broken)
}

func TestUpdateStreak_AtMostOncePerDay(t *testing.T) {
	s := newState()
	s.LastActivityAt = today.AddDate(0, 0, -1)
	s.Streak, s.MaxStreak = 2, 2

	once, _ := UpdateStreak(s, nil, today, cal)
	once.LastActivityAt = today
	twice, ch := UpdateStreak(once, nil, today.Add(2*time.Hour), cal)

	assert.Equal(t, 3, once.Streak)
	assert.Equal(t, 3, twice.Streak)
	assert.False(t, ch.Changed)
}

func TestUpdateStreak_UsesActivityDates(t *testing.T) {
	s := newState()
	s.Streak, s.MaxStreak = 2, 2

	dates := []time.Time{today.AddDate(0, 0, -5), today.AddDate(0, 0, -1), today.AddDate(0, 0, 2)}
	next, _ := UpdateStreak(s, dates, today, cal)
	assert.Equal(t, 3, next.Streak, "future dates are ignored, yesterday counts")

	first, _ := UpdateStreak(newState(), nil, today, cal)
	assert.Equal(t, 1, first.Streak)
	assert.Equal(t, 1, first.MaxStreak)
}

func TestIsStreakAtRisk(t *testing.T) {
	s := newState()
	s.Streak = 3
	s.LastActivityAt = today.AddDate(0, 0, -1)
	assert.True(t, IsStreakAtRisk(s, today, cal))

	s.LastActivityAt = today
	assert.False(t, IsStreakAtRisk(s, today, cal))
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func TestApplyHealthDelta_AlwaysInRange(t *testing.T) {
	for _, start := range []int{0, 1, 50, 99, 100} {
		for _, delta := range []int{-1000, -101, -50, -1, 0, 1, 7, 50, 101, 1000} {
			s := newState()
			s.Health = shared.Health(start)
			h := ApplyHealthDelta(s, delta, rules).Health
			assert.GreaterOrEqual(t, int(h), 0)
			assert.LessOrEqual(t, int(h), 100)
		}
	}
}

func TestDecayHealth(t *testing.T) {
	s := newState()
	s.LastActivityAt = today.AddDate(0, 0, -4) // three full idle days in between

	next, days := DecayHealth(s, today, rules, cal)
	assert.Equal(t, 3, days)
	assert.Equal(t, shared.Health(85), next.Health)

	again, days := DecayHealth(next, today.Add(3*time.Hour), rules, cal)
	assert.Equal(t, 0, days, "second run on the same day is a no-op")
	assert.Equal(t, next.Health, again.Health)

	tomorrow, days := DecayHealth(again, today.AddDate(0, 0, 1), rules, cal)
	assert.Equal(t, 1, days)
	assert.Equal(t, shared.Health(80), tomorrow.Health)

	active := newState()
	active.LastActivityAt = today.AddDate(0, 0, -1)
	_, days = DecayHealth(active, today, rules, cal)
	assert.Equal(t, 0, days)
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

func TestEvaluateAchievements_OnlyNew(t *testing.T) {
	s := newState()
	stats := ActivityStats{LessonsCompleted: 10}

	ids := EvaluateAchievements(s, stats)
	assert.Equal(t, []AchievementID{AchievementFirstLesson, AchievementLessonMaster}, ids)

	s = UnlockAchievements(s, ids, today)
	assert.Empty(t, EvaluateAchievements(s, stats))

	// never revoked even if stats regress
	assert.True(t, s.Has(AchievementLessonMaster))
	assert.Empty(t, EvaluateAchievements(s, ActivityStats{}))
	assert.Len(t, s.Achievements, 2)
}

func TestEvaluateAchievements_StreakAndLevel(t *testing.T) {
	s := newState()
	s.MaxStreak = 7
	s.XP = 2000
	s.Level = rules.LevelOf(s.XP)

	ids := EvaluateAchievements(s, ActivityStats{})
	assert.Contains(t, ids, AchievementDedicatedLearner)
	assert.Contains(t, ids, AchievementLevel5)
	assert.NotContains(t, ids, AchievementLevel10)
}

func TestProgressTowards(t *testing.T) {
	s := newState()
	p := ProgressTowards(s, ActivityStats{TasksCompleted: 40})
	for _, a := range p {
		if a.ID == AchievementTaskWarrior {
			assert.Equal(t, 25, a.Progress)
			assert.Equal(t, 25, a.Total)
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE.APPLY
// ══════════════════════════════════════════════════════════════════════════════

func TestApply_FirstLesson(t *testing.T) {
	e := NewEngine(rules, cal)
	out := e.Apply(newState(), ActivityStats{}, Event{Activity: ActivityLessonComplete}, today)

	// 50 for the lesson + 50 for first_lesson
	assert.Equal(t, 100, out.XPDelta)
	assert.Equal(t, shared.XP(100), out.State.XP)
	assert.Equal(t, shared.Level(2), out.State.Level)
	assert.True(t, out.LeveledUp)
	assert.Equal(t, []AchievementID{AchievementFirstLesson}, out.Unlocked)
	assert.Equal(t, 1, out.State.Streak)
	assert.Equal(t, 1, out.Stats.LessonsCompleted)
	assert.Equal(t, today, out.State.LastActivityAt)
	assert.NoError(t, out.State.Validate(rules))

	var types []shared.EventType
	for _, ev := range out.Events {
		types = append(types, ev.EventType())
	}
	assert.Equal(t, []shared.EventType{
		shared.EventStreakUpdated,
		shared.EventXPGained,
		shared.EventAchievementUnlocked,
		shared.EventXPGained,
		shared.EventLevelUp,
	}, types)
}

func TestApply_TaskRestoresHealth(t *testing.T) {
	e := NewEngine(rules, cal)
	s := newState()
	s.Health = 95
	s.Achievements[AchievementFirstLesson] = today

	out := e.Apply(s, ActivityStats{LessonsCompleted: 1}, Event{Activity: ActivityTaskComplete}, today)

	assert.Equal(t, shared.Health(100), out.State.Health)
	assert.Equal(t, 5, out.HealthDelta)
	assert.Equal(t, 25, out.XPDelta)
	assert.Empty(t, out.Unlocked)
}

func TestApply_AchievementXPCanUnlockLevelAchievement(t *testing.T) {
	e := NewEngine(rules, cal)
	s := newState()
	s.XP = 700
	s.Level = rules.LevelOf(s.XP)

	// lesson 50 + first_lesson 50 = 800 (level 4), lesson_master 200 = 1000 (level 5) -> level_5 300
	out := e.Apply(s, ActivityStats{LessonsCompleted: 9}, Event{Activity: ActivityLessonComplete}, today)

	assert.Equal(t, []AchievementID{AchievementFirstLesson, AchievementLessonMaster, AchievementLevel5}, out.Unlocked)
	assert.Equal(t, shared.XP(1300), out.State.XP)
	assert.Equal(t, rules.LevelOf(1300), out.State.Level)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	e := NewEngine(rules, cal)
	s := newState()
	before := s.Clone()

	_ = e.Apply(s, ActivityStats{}, Event{Activity: ActivityGameComplete}, today)

	if diff := cmp.Diff(before, s); diff != "" {
		t.Fatalf("input state mutated (-want +got):\n%s", diff)
	}
}

func TestEngine_Decay(t *testing.T) {
	e := NewEngine(rules, cal)
	s := newState()
	s.LastActivityAt = today.AddDate(0, 0, -2)

	next, events := e.Decay(s, today)
	assert.Equal(t, shared.Health(95), next.Health)
	require.Len(t, events, 1)
	assert.Equal(t, shared.EventHealthChanged, events[0].EventType())
}

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION
// ══════════════════════════════════════════════════════════════════════════════

func TestApplyPatch(t *testing.T) {
	streak := 3
	s := newState()
	s.Health = 50

	next := ApplyPatch(s, AvatarPatch{
		XPDelta:        120,
		HealthDelta:    70,
		Streak:         &streak,
		Achievements:   []AchievementID{AchievementFirstLesson},
		LastActivityAt: today,
	}, rules)

	assert.Equal(t, shared.XP(120), next.XP)
	assert.Equal(t, shared.Level(2), next.Level)
	assert.Equal(t, shared.Health(100), next.Health)
	assert.Equal(t, 3, next.Streak)
	assert.Equal(t, 3, next.MaxStreak)
	assert.True(t, next.Has(AchievementFirstLesson))
	assert.Equal(t, today, next.LastActivityAt)
	assert.True(t, AvatarPatch{}.IsEmpty())
}

func TestReconcile_KeepsMonotonicFields(t *testing.T) {
	local := newState()
	local.XP = 500
	local.MaxStreak = 6
	local.Achievements[AchievementFirstLesson] = today

	remote := newState()
	remote.XP = 300 // stale ack
	remote.Health = 40
	remote.Streak = 2
	remote.MaxStreak = 4
	remote.Achievements[AchievementTaskWarrior] = today

	got := Reconcile(local, remote, rules)

	assert.Equal(t, shared.XP(500), got.XP)
	assert.Equal(t, rules.LevelOf(500), got.Level)
	assert.Equal(t, shared.Health(40), got.Health)
	assert.Equal(t, 2, got.Streak)
	assert.Equal(t, 6, got.MaxStreak)
	assert.ElementsMatch(t, []AchievementID{AchievementFirstLesson, AchievementTaskWarrior}, got.AchievementIDs())
	assert.NoError(t, got.Validate(rules))
}

func TestNormalize(t *testing.T) {
	s := AvatarState{XP: 260, Health: 300, Streak: 5, MaxStreak: 1}
	n := s.Normalize(rules)
	assert.Equal(t, shared.Level(3), n.Level)
	assert.Equal(t, shared.Health(100), n.Health)
	assert.Equal(t, 5, n.MaxStreak)
	assert.NotNil(t, n.Achievements)
}
