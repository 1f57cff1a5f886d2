package progression

import (
	"math"

	"github.com/finedu/finedu-sync/internal/domain/shared"
)

// LevelOf вычисляет уровень по накопленному XP.
//
// Уровень 1 требует 0 XP, уровень 2 - ещё LevelXPBase, каждый следующий -
// floor(предыдущее требование * LevelXPMultiplier). Функция монотонна по xp.
func (r Rules) LevelOf(xp shared.XP) shared.Level {
	return shared.Level(r.Progress(xp).Level)
}

// LevelProgress - положение внутри текущего уровня.
type LevelProgress struct {
	Level          int     `json:"level"`
	CurrentLevelXP int     `json:"currentLevelXp"`
	XPForNext      int     `json:"xpForNext"`
	Percent        float64 `json:"percent"`
}

// Remaining возвращает, сколько XP осталось до следующего уровня.
func (p LevelProgress) Remaining() int { return p.XPForNext - p.CurrentLevelXP }

// Progress раскладывает xp на уровень и прогресс до следующего.
func (r Rules) Progress(xp shared.XP) LevelProgress {
	total := int(xp)
	if total < 0 {
		total = 0
	}

	base := r.LevelXPBase
	if base <= 0 {
		base = DefaultRules().LevelXPBase
	}
	mult := r.LevelXPMultiplier
	if mult < 1 {
		mult = 1
	}

	level := 1
	required := base
	accumulated := 0
	for total >= accumulated+required {
		accumulated += required
		level++
		next := int(math.Floor(float64(required) * mult))
		if next < required {
			// float overflow on absurd xp; keep the loop finite
			next = required
		}
		required = next
	}

	current := total - accumulated
	return LevelProgress{
		Level:          level,
		CurrentLevelXP: current,
		XPForNext:      required,
		Percent:        float64(current) / float64(required) * 100,
	}
}

// XPForLevel возвращает суммарный XP, с которого начинается уровень.
func (r Rules) XPForLevel(level int) int {
	if level <= 1 {
		return 0
	}
	required := r.LevelXPBase
	total := 0
	for l := 1; l < level; l++ {
		total += required
		required = int(math.Floor(float64(required) * r.LevelXPMultiplier))
	}
	return total
}
