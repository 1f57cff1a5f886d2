// Package remote implements the HTTP client for the remote learning service.
// The DTOs here are the wire contract; the reference server speaks them too.
package remote

import (
	"sort"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEADERS
// ══════════════════════════════════════════════════════════════════════════════

// HeaderUserID carries the acting user.
const HeaderUserID = "X-User-Id"

// ══════════════════════════════════════════════════════════════════════════════
// AVATAR
// ══════════════════════════════════════════════════════════════════════════════

// AchievementDTO is an unlocked achievement.
type AchievementDTO struct {
	ID         string    `json:"id"`
	UnlockedAt time.Time `json:"unlockedAt"`
}

// AvatarDTO is the authoritative avatar as the remote returns it.
type AvatarDTO struct {
	UserID         string           `json:"userId"`
	Level          int              `json:"level"`
	XP             int              `json:"xp"`
	Health         int              `json:"health"`
	Streak         int              `json:"streak"`
	MaxStreak      int              `json:"maxStreak"`
	Achievements   []AchievementDTO `json:"achievements"`
	LastActivityAt time.Time        `json:"lastActivityAt,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt,omitempty"`
}

// AvatarPatchDTO is the body of PATCH /api/avatar.
type AvatarPatchDTO = progression.AvatarPatch

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETIONS
// ══════════════════════════════════════════════════════════════════════════════

// CompletionRequestDTO is the body of POST /api/{lessons|tasks|games}/{id}/complete.
type CompletionRequestDTO = offline.CompletionPayload

// CompletionResponseDTO acknowledges a completion. Avatar is set when the
// remote returns its authoritative state.
type CompletionResponseDTO struct {
	Acknowledged bool       `json:"acknowledged"`
	Duplicate    bool       `json:"duplicate,omitempty"`
	Avatar       *AvatarDTO `json:"avatar,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS AND HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// APIErrorDTO is the error body for 4xx/5xx responses.
type APIErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthDTO is returned by GET /health.
type HealthDTO struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// AvatarToDomain converts the wire avatar into domain state. Level is
// recomputed from XP and health is clamped.
func AvatarToDomain(dto AvatarDTO, rules progression.Rules) progression.AvatarState {
	state := progression.NewAvatarState(shared.UserID(dto.UserID), rules)
	state.XP = shared.XP(max(dto.XP, 0))
	state.Health = shared.Health(dto.Health)
	state.Streak = max(dto.Streak, 0)
	state.MaxStreak = max(dto.MaxStreak, state.Streak)
	state.LastActivityAt = dto.LastActivityAt
	for _, a := range dto.Achievements {
		if a.ID == "" {
			continue
		}
		state.Achievements[progression.AchievementID(a.ID)] = a.UnlockedAt
	}
	return state.Normalize(rules)
}

// AvatarFromDomain converts domain state into the wire avatar.
func AvatarFromDomain(state progression.AvatarState) AvatarDTO {
	dto := AvatarDTO{
		UserID:         state.UserID.String(),
		Level:          int(state.Level),
		XP:             int(state.XP),
		Health:         int(state.Health),
		Streak:         state.Streak,
		MaxStreak:      state.MaxStreak,
		LastActivityAt: state.LastActivityAt,
		Achievements:   make([]AchievementDTO, 0, len(state.Achievements)),
	}
	for id, at := range state.Achievements {
		dto.Achievements = append(dto.Achievements, AchievementDTO{ID: string(id), UnlockedAt: at})
	}
	sort.Slice(dto.Achievements, func(i, j int) bool {
		return dto.Achievements[i].ID < dto.Achievements[j].ID
	})
	return dto
}

// completionSegment maps a completion kind to its URL collection.
func completionSegment(kind offline.ActionKind) (string, bool) {
	switch kind {
	case offline.KindLessonCompletion:
		return "lessons", true
	case offline.KindTaskCompletion:
		return "tasks", true
	case offline.KindGameResult:
		return "games", true
	}
	return "", false
}

// KindForSegment is the inverse of the client's path mapping.
func KindForSegment(segment string) (offline.ActionKind, bool) {
	for _, k := range []offline.ActionKind{offline.KindLessonCompletion, offline.KindTaskCompletion, offline.KindGameResult} {
		if s, _ := completionSegment(k); s == segment {
			return k, true
		}
	}
	return "", false
}
