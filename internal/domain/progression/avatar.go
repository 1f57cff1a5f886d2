package progression

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RULES
// ══════════════════════════════════════════════════════════════════════════════

// Rules - числовые константы прогресса. Все значения настраиваются.
type Rules struct {
	// LevelXPBase - сколько XP нужно для перехода с 1 на 2 уровень.
	LevelXPBase int

	// LevelXPMultiplier - во сколько раз растёт требование каждого следующего уровня.
	LevelXPMultiplier float64

	// MaxHealth - верхняя граница здоровья (не больше 100).
	MaxHealth int

	// HealthPerTask - сколько здоровья восстанавливает выполненная задача.
	HealthPerTask int

	// HealthLossPerDay - потеря здоровья за каждый полный день без активности.
	HealthLossPerDay int
}

// DefaultRules возвращает значения по умолчанию.
func DefaultRules() Rules {
	return Rules{
		LevelXPBase:       100,
		LevelXPMultiplier: 1.5,
		MaxHealth:         int(shared.MaxHealth),
		HealthPerTask:     10,
		HealthLossPerDay:  5,
	}
}

// Validate проверяет, что правила не приводят к бесконечному циклу в LevelOf.
func (r Rules) Validate() error {
	if r.LevelXPBase <= 0 {
		return shared.NewDomainError("progression", "Rules", shared.ErrValueOutOfRange, "level xp base must be positive")
	}
	if r.LevelXPMultiplier < 1 || math.IsNaN(r.LevelXPMultiplier) || math.IsInf(r.LevelXPMultiplier, 0) {
		return shared.NewDomainError("progression", "Rules", shared.ErrValueOutOfRange, "level xp multiplier must be >= 1")
	}
	if r.MaxHealth <= 0 || r.MaxHealth > int(shared.MaxHealth) {
		return shared.NewDomainError("progression", "Rules", shared.ErrValueOutOfRange,
			fmt.Sprintf("max health must be within 1..%d", shared.MaxHealth))
	}
	if r.HealthPerTask < 0 || r.HealthLossPerDay < 0 {
		return shared.NewDomainError("progression", "Rules", shared.ErrNegativeValue, "health deltas cannot be negative")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// AVATAR STATE
// ══════════════════════════════════════════════════════════════════════════════

// AvatarState - состояние прогресса ученика.
//
// Инварианты: Level == LevelOf(XP); 0 <= Health <= MaxHealth;
// Streak >= 0; MaxStreak >= Streak; Achievements только растут.
type AvatarState struct {
	UserID shared.UserID `json:"userId"`

	Level  shared.Level  `json:"level"`
	XP     shared.XP     `json:"xp"`
	Health shared.Health `json:"health"`

	Streak    int `json:"streak"`
	MaxStreak int `json:"maxStreak"`

	// Achievements - id достижения -> время получения.
	Achievements map[AchievementID]time.Time `json:"achievements"`

	LastActivityAt time.Time `json:"lastActivityAt"`

	// StreakDay - день последнего увеличения серии (не чаще раза в день).
	StreakDay time.Time `json:"streakDay,omitempty"`

	// DecayedThrough - по какой день включительно уже списано здоровье за неактивность.
	DecayedThrough time.Time `json:"decayedThrough,omitempty"`
}

// NewAvatarState создаёт состояние нового аккаунта: уровень 1, 0 XP, полное здоровье.
func NewAvatarState(userID shared.UserID, rules Rules) AvatarState {
	return AvatarState{
		UserID:       userID,
		Level:        shared.MinLevel,
		XP:           0,
		Health:       shared.Health(rules.MaxHealth),
		Achievements: make(map[AchievementID]time.Time),
	}
}

// Clone возвращает копию, не разделяющую карту достижений.
func (s AvatarState) Clone() AvatarState {
	c := s
	c.Achievements = make(map[AchievementID]time.Time, len(s.Achievements))
	for k, v := range s.Achievements {
		c.Achievements[k] = v
	}
	return c
}

// Has проверяет, получено ли достижение.
func (s AvatarState) Has(id AchievementID) bool {
	_, ok := s.Achievements[id]
	return ok
}

// AchievementIDs возвращает полученные достижения в стабильном порядке.
func (s AvatarState) AchievementIDs() []AchievementID {
	ids := make([]AchievementID, 0, len(s.Achievements))
	for id := range s.Achievements {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate проверяет инварианты состояния.
func (s AvatarState) Validate(rules Rules) error {
	switch {
	case s.XP < 0:
		return shared.NewDomainError("progression", "Validate", shared.ErrNegativeValue, "xp is negative")
	case s.Level != rules.LevelOf(s.XP):
		return shared.NewDomainError("progression", "Validate", shared.ErrInvalidState, "level does not match xp")
	case s.Health < 0 || int(s.Health) > rules.MaxHealth:
		return shared.NewDomainError("progression", "Validate", shared.ErrValueOutOfRange, "health out of range")
	case s.Streak < 0:
		return shared.NewDomainError("progression", "Validate", shared.ErrNegativeValue, "streak is negative")
	case s.MaxStreak < s.Streak:
		return shared.NewDomainError("progression", "Validate", shared.ErrInvalidState, "max streak below streak")
	}
	return nil
}

// Normalize восстанавливает инварианты у состояния, пришедшего извне
// (локальное хранилище старой версии, ответ сервера).
func (s AvatarState) Normalize(rules Rules) AvatarState {
	n := s.Clone()
	if n.XP < 0 {
		n.XP = 0
	}
	n.Level = rules.LevelOf(n.XP)
	n.Health = clampHealth(int(n.Health), rules)
	if n.Streak < 0 {
		n.Streak = 0
	}
	if n.MaxStreak < n.Streak {
		n.MaxStreak = n.Streak
	}
	return n
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY STATS
// ══════════════════════════════════════════════════════════════════════════════

// ActivityStats - счётчики, по которым проверяются достижения.
type ActivityStats struct {
	LessonsCompleted int `json:"lessonsCompleted"`
	TasksCompleted   int `json:"tasksCompleted"`
	GamesPlayed      int `json:"gamesPlayed"`
	QuizCorrect      int `json:"quizCorrect"`
}

// Record увеличивает счётчик, соответствующий виду активности.
func (st ActivityStats) Record(kind ActivityKind) ActivityStats {
	switch kind {
	case ActivityLessonComplete:
		st.LessonsCompleted++
	case ActivityTaskComplete:
		st.TasksCompleted++
	case ActivityGameComplete:
		st.GamesPlayed++
	case ActivityQuizCorrect:
		st.QuizCorrect++
	}
	return st
}
