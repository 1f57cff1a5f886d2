package progression

import (
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS (Достижения)
// ══════════════════════════════════════════════════════════════════════════════

// AchievementID - идентификатор достижения.
type AchievementID string

const (
	// AchievementFirstLesson - первый пройденный урок.
	AchievementFirstLesson AchievementID = "first_lesson"
	// AchievementLessonMaster - 10 уроков.
	AchievementLessonMaster AchievementID = "lesson_master"
	// AchievementDedicatedLearner - серия 7 дней.
	AchievementDedicatedLearner AchievementID = "dedicated_learner"
	// AchievementTaskWarrior - 25 задач.
	AchievementTaskWarrior AchievementID = "task_warrior"
	// AchievementGameChampion - 15 игр.
	AchievementGameChampion AchievementID = "game_champion"
	// AchievementLevel5 - достиг 5 уровня.
	AchievementLevel5 AchievementID = "level_5"
	// AchievementLevel10 - достиг 10 уровня.
	AchievementLevel10 AchievementID = "level_10"
)

// AchievementDefinition описывает достижение и условие его получения.
type AchievementDefinition struct {
	ID          AchievementID
	Name        string
	Description string
	XPReward    int

	// Met проверяет условие. Должна быть чистой функцией.
	Met func(AvatarState, ActivityStats) bool
}

var definitions = []AchievementDefinition{
	{AchievementFirstLesson, "First Steps", "Complete your first lesson", 50,
		func(_ AvatarState, st ActivityStats) bool { return st.LessonsCompleted >= 1 }},
	{AchievementLessonMaster, "Lesson Master", "Complete 10 lessons", 200,
		func(_ AvatarState, st ActivityStats) bool { return st.LessonsCompleted >= 10 }},
	{AchievementDedicatedLearner, "Dedicated Learner", "Maintain a 7-day streak", 150,
		func(s AvatarState, _ ActivityStats) bool { return s.MaxStreak >= 7 }},
	{AchievementTaskWarrior, "Task Warrior", "Complete 25 tasks", 300,
		func(_ AvatarState, st ActivityStats) bool { return st.TasksCompleted >= 25 }},
	{AchievementGameChampion, "Game Champion", "Play 15 games", 250,
		func(_ AvatarState, st ActivityStats) bool { return st.GamesPlayed >= 15 }},
	{AchievementLevel5, "Rising Star", "Reach level 5", 300,
		func(s AvatarState, _ ActivityStats) bool { return s.Level >= 5 }},
	{AchievementLevel10, "Expert", "Reach level 10", 500,
		func(s AvatarState, _ ActivityStats) bool { return s.Level >= 10 }},
}

// Definitions возвращает каталог достижений в порядке проверки.
func Definitions() []AchievementDefinition {
	out := make([]AchievementDefinition, len(definitions))
	copy(out, definitions)
	return out
}

// Definition возвращает описание достижения по id.
func Definition(id AchievementID) (AchievementDefinition, bool) {
	for _, d := range definitions {
		if d.ID == id {
			return d, true
		}
	}
	return AchievementDefinition{}, false
}

// EvaluateAchievements возвращает достижения, условие которых выполнено,
// но которые ещё не получены. Уже полученные никогда не отзываются.
func EvaluateAchievements(state AvatarState, stats ActivityStats) []AchievementID {
	var unlocked []AchievementID
	for _, d := range definitions {
		if state.Has(d.ID) {
			continue
		}
		if d.Met(state, stats) {
			unlocked = append(unlocked, d.ID)
		}
	}
	return unlocked
}

// UnlockAchievements добавляет достижения с временем получения at.
// Уже существующие не перезаписываются.
func UnlockAchievements(state AvatarState, ids []AchievementID, at time.Time) AvatarState {
	next := state.Clone()
	for _, id := range ids {
		if _, ok := next.Achievements[id]; !ok {
			next.Achievements[id] = at
		}
	}
	return next
}

// AchievementProgress - прогресс к ещё не полученному достижению.
type AchievementProgress struct {
	ID       AchievementID `json:"id"`
	Name     string        `json:"name"`
	Unlocked bool          `json:"unlocked"`
	Progress int           `json:"progress"`
	Total    int           `json:"total"`
}

// ProgressTowards возвращает прогресс по всем достижениям каталога.
func ProgressTowards(state AvatarState, stats ActivityStats) []AchievementProgress {
	value := func(id AchievementID) (int, int) {
		switch id {
		case AchievementFirstLesson:
			return stats.LessonsCompleted, 1
		case AchievementLessonMaster:
			return stats.LessonsCompleted, 10
		case AchievementDedicatedLearner:
			return state.MaxStreak, 7
		case AchievementTaskWarrior:
			return stats.TasksCompleted, 25
		case AchievementGameChampion:
			return stats.GamesPlayed, 15
		case AchievementLevel5:
			return int(state.Level), 5
		case AchievementLevel10:
			return int(state.Level), 10
		}
		return 0, 1
	}

	out := make([]AchievementProgress, 0, len(definitions))
	for _, d := range definitions {
		v, total := value(d.ID)
		if v > total {
			v = total
		}
		out = append(out, AchievementProgress{
			ID:       d.ID,
			Name:     d.Name,
			Unlocked: state.Has(d.ID),
			Progress: v,
			Total:    total,
		})
	}
	return out
}
