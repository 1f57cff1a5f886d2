package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// TYPES
// ══════════════════════════════════════════════════════════════════════════════

// StoredAvatar is the authoritative avatar with its last write time.
type StoredAvatar struct {
	State     progression.AvatarState
	UpdatedAt time.Time
}

// Completion is one acknowledged lesson, task or game.
type Completion struct {
	Kind    offline.ActionKind
	UserID  shared.UserID
	Payload offline.CompletionPayload
}

// CompletionOutcome is the result of recording a completion.
type CompletionOutcome struct {
	Avatar StoredAvatar

	// Duplicate is set when (kind, entity, user) was already recorded; the
	// avatar is returned unchanged.
	Duplicate bool
}

// ══════════════════════════════════════════════════════════════════════════════
// AVATAR REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AvatarRepository stores avatars and the completion ledger.
type AvatarRepository struct {
	conn    *Connection
	rules   progression.Rules
	retrier *retry.Retrier
	timeout time.Duration
	now     func() time.Time
}

// NewAvatarRepository creates a new AvatarRepository. Deltas are applied
// with rules, so health is clamped to rules.MaxHealth.
func NewAvatarRepository(conn *Connection, rules progression.Rules) *AvatarRepository {
	return &AvatarRepository{
		conn:  conn,
		rules: rules,
		retrier: retry.New(
			retry.WithMaxAttempts(3),
			retry.WithInitialDelay(50*time.Millisecond),
			retry.WithMaxDelay(time.Second),
			retry.WithRetryIf(IsTransient),
		),
		timeout: conn.Config().QueryTimeout,
		now:     time.Now,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

// Avatar returns the user's avatar. An unknown user gets a fresh avatar,
// which is not persisted until the first write.
func (r *AvatarRepository) Avatar(ctx context.Context, userID shared.UserID) (StoredAvatar, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var out StoredAvatar
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		row := r.conn.QueryRow(ctx, selectAvatar+` WHERE user_id = $1`, string(userID))
		a, err := scanAvatar(row, userID)
		if IsNoRows(err) {
			out = StoredAvatar{State: progression.NewAvatarState(userID, r.rules)}
			return nil
		}
		out = a
		return err
	})
	if err != nil {
		return StoredAvatar{}, fmt.Errorf("failed to get avatar: %w", err)
	}
	return out, nil
}

// CompletionCount returns how many completions the user has recorded.
func (r *AvatarRepository) CompletionCount(ctx context.Context, userID shared.UserID) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var n int
	err := r.conn.QueryRow(ctx, `SELECT count(*) FROM completions WHERE user_id = $1`, string(userID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count completions: %w", err)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Commands
// ─────────────────────────────────────────────────────────────────────────────

// Complete records a completion and applies its patch. Replays of the same
// (kind, entity, user) leave the avatar untouched.
func (r *AvatarRepository) Complete(ctx context.Context, c Completion) (CompletionOutcome, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return CompletionOutcome{}, fmt.Errorf("failed to marshal completion: %w", err)
	}

	var out CompletionOutcome
	err = r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			current, err := r.lockAvatar(ctx, tx, c.UserID)
			if err != nil {
				return err
			}

			tag, err := tx.Exec(ctx, `
				INSERT INTO completions (kind, entity_id, user_id, payload, completed_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (kind, entity_id, user_id) DO NOTHING
			`, string(c.Kind), c.Payload.EntityID, string(c.UserID), payload, nullTime(c.Payload.Result.CompletedAt))
			if err != nil {
				return fmt.Errorf("insert completion: %w", err)
			}
			if tag.RowsAffected() == 0 {
				out = CompletionOutcome{Avatar: current, Duplicate: true}
				return nil
			}

			next := progression.ApplyPatch(current.State, c.Payload.Result.Patch, r.rules)
			saved, err := r.saveAvatar(ctx, tx, next)
			if err != nil {
				return err
			}
			out = CompletionOutcome{Avatar: saved}
			return nil
		})
	})
	if err != nil {
		return CompletionOutcome{}, fmt.Errorf("failed to record completion: %w", err)
	}
	return out, nil
}

// Patch applies a delta patch to the user's avatar.
func (r *AvatarRepository) Patch(ctx context.Context, userID shared.UserID, patch progression.AvatarPatch) (StoredAvatar, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var out StoredAvatar
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			current, err := r.lockAvatar(ctx, tx, userID)
			if err != nil {
				return err
			}
			out, err = r.saveAvatar(ctx, tx, progression.ApplyPatch(current.State, patch, r.rules))
			return err
		})
	})
	if err != nil {
		return StoredAvatar{}, fmt.Errorf("failed to patch avatar: %w", err)
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

const selectAvatar = `
	SELECT user_id, level, xp, health, streak, max_streak, achievements,
		   last_activity_at, updated_at
	FROM avatars`

// lockAvatar creates the row if missing and locks it for the transaction.
func (r *AvatarRepository) lockAvatar(ctx context.Context, tx pgx.Tx, userID shared.UserID) (StoredAvatar, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO avatars (user_id, level, xp, health)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, string(userID), int(shared.MinLevel), r.rules.MaxHealth)
	if err != nil {
		return StoredAvatar{}, fmt.Errorf("ensure avatar: %w", err)
	}

	row := tx.QueryRow(ctx, selectAvatar+` WHERE user_id = $1 FOR UPDATE`, string(userID))
	a, err := scanAvatar(row, userID)
	if err != nil {
		return StoredAvatar{}, fmt.Errorf("lock avatar: %w", err)
	}
	return a, nil
}

func (r *AvatarRepository) saveAvatar(ctx context.Context, q Querier, s progression.AvatarState) (StoredAvatar, error) {
	s = s.Normalize(r.rules)
	achievements, err := encodeAchievements(s.Achievements)
	if err != nil {
		return StoredAvatar{}, err
	}

	now := r.now().UTC()
	_, err = q.Exec(ctx, `
		UPDATE avatars SET
			level = $2,
			xp = $3,
			health = $4,
			streak = $5,
			max_streak = $6,
			achievements = $7,
			last_activity_at = $8,
			updated_at = $9
		WHERE user_id = $1
	`, string(s.UserID), int(s.Level), int(s.XP), int(s.Health), s.Streak, s.MaxStreak,
		achievements, nullTime(s.LastActivityAt), now)
	if err != nil {
		return StoredAvatar{}, fmt.Errorf("update avatar: %w", err)
	}
	return StoredAvatar{State: s, UpdatedAt: now}, nil
}

func scanAvatar(row pgx.Row, userID shared.UserID) (StoredAvatar, error) {
	var (
		id           string
		level, xp    int
		health       int
		streak, best int
		achievements []byte
		lastActivity *time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(&id, &level, &xp, &health, &streak, &best, &achievements, &lastActivity, &updatedAt); err != nil {
		return StoredAvatar{}, err
	}

	state := progression.AvatarState{
		UserID:    userID,
		Level:     shared.Level(level),
		XP:        shared.XP(xp),
		Health:    shared.Health(health),
		Streak:    streak,
		MaxStreak: best,
	}
	var err error
	if state.Achievements, err = decodeAchievements(achievements); err != nil {
		return StoredAvatar{}, err
	}
	if lastActivity != nil {
		state.LastActivityAt = lastActivity.UTC()
	}
	return StoredAvatar{State: state, UpdatedAt: updatedAt.UTC()}, nil
}

func encodeAchievements(m map[progression.AchievementID]time.Time) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal achievements: %w", err)
	}
	return b, nil
}

func decodeAchievements(b []byte) (map[progression.AchievementID]time.Time, error) {
	m := make(map[progression.AchievementID]time.Time)
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal achievements: %w", err)
	}
	return m, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *AvatarRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
