// Package progression содержит машину состояний прогресса ученика FinEdu.
//
// Пакет определяет:
//
//   - AvatarState - состояние аватара: XP, уровень, здоровье, серия, достижения
//   - ActivityStats - счётчики уроков, задач и игр для проверки достижений
//   - Rules - числовые константы прогресса (база уровня, множитель, здоровье)
//   - Engine - чистые переходы состояния, возвращающие новое состояние и события
//   - Repository - интерфейс хранения, реализуемый в infrastructure
//
// # Принципы
//
//  1. Все операции - чистые функции над AvatarState: вход не изменяется,
//     часы передаются явно (now), события возвращаются значениями.
//  2. Уровень никогда не хранится отдельно от XP: Level всегда равен
//     Rules.LevelOf(XP) после любой операции.
//  3. Достижения только добавляются и никогда не отзываются.
//
// # Пример
//
//	engine := progression.NewEngine(progression.DefaultRules(), cal)
//	out := engine.Apply(state, stats, progression.Event{
//	    Activity:   progression.ActivityLessonComplete,
//	    Difficulty: progression.DifficultyAdvanced,
//	}, time.Now())
//	// out.State - новое состояние, out.Events - уведомления
package progression
