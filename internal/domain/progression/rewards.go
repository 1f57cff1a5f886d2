package progression

import (
	"math"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY EVENTS (входные события)
// ══════════════════════════════════════════════════════════════════════════════

// ActivityKind - вид активности, за которую начисляется XP.
type ActivityKind string

const (
	ActivityLessonComplete    ActivityKind = "lesson_complete"
	ActivityTaskComplete      ActivityKind = "task_complete"
	ActivityGameComplete      ActivityKind = "game_complete"
	ActivityQuizCorrect       ActivityKind = "quiz_correct"
	ActivityFirstLoginToday   ActivityKind = "first_login_today"
	ActivityAchievementUnlock ActivityKind = "achievement_unlock"
)

// Difficulty - сложность урока.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// TaskType - тип задачи.
type TaskType string

const (
	TaskDailyHabit        TaskType = "daily_habit"
	TaskLearningGoal      TaskType = "learning_goal"
	TaskPracticalExercise TaskType = "practical_exercise"
	TaskQuiz              TaskType = "quiz"
	TaskProject           TaskType = "project"
)

// Event - эфемерное входное событие (ProgressionEvent). Не сохраняется.
type Event struct {
	Activity   ActivityKind `json:"activity"`
	Difficulty Difficulty   `json:"difficulty,omitempty"`
	TaskType   TaskType     `json:"taskType,omitempty"`

	// Score - результат игры 0..100, если есть.
	Score *int `json:"score,omitempty"`

	// Points - награда за достижение (ActivityAchievementUnlock).
	Points int `json:"points,omitempty"`
}

// Базовые награды.
const (
	XPPerLesson          = 50
	XPPerTask            = 25
	XPPerGame            = 30
	XPPerQuizCorrect     = 10
	XPFirstLoginToday    = 10
	XPAchievementDefault = 100
	XPOther              = 10
)

// StreakMultiplier возвращает бонусный множитель за серию.
func StreakMultiplier(streak int) float64 {
	switch {
	case streak >= 30:
		return 2.0
	case streak >= 14:
		return 1.5
	case streak >= 7:
		return 1.3
	case streak >= 3:
		return 1.2
	default:
		return 1.0
	}
}

// BaseXP возвращает награду без учёта серии.
func BaseXP(e Event) float64 {
	switch e.Activity {
	case ActivityLessonComplete:
		xp := float64(XPPerLesson)
		switch e.Difficulty {
		case DifficultyIntermediate:
			xp *= 1.2
		case DifficultyAdvanced:
			xp *= 1.5
		}
		return xp
	case ActivityTaskComplete:
		xp := float64(XPPerTask)
		switch e.TaskType {
		case TaskProject:
			xp *= 2
		case TaskPracticalExercise:
			xp *= 1.5
		}
		return xp
	case ActivityGameComplete:
		xp := float64(XPPerGame)
		if e.Score != nil {
			switch {
			case *e.Score >= 90:
				xp *= 1.5
			case *e.Score >= 80:
				xp *= 1.2
			}
		}
		return xp
	case ActivityQuizCorrect:
		return XPPerQuizCorrect
	case ActivityFirstLoginToday:
		return XPFirstLoginToday
	case ActivityAchievementUnlock:
		if e.Points > 0 {
			return float64(e.Points)
		}
		return XPAchievementDefault
	default:
		return XPOther
	}
}

// XPReward вычисляет награду за событие с учётом текущей серии.
func XPReward(e Event, streak int) int {
	return int(math.Round(BaseXP(e) * StreakMultiplier(streak)))
}
