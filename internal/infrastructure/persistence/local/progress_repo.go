package local

import (
	"context"
	"errors"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/kvstore"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// ProgressRepository stores the avatar under "avatar_state" and the
// activity counters under "activity_stats".
type ProgressRepository struct {
	store kvstore.Store
	rules progression.Rules
	log   *logger.Logger
}

var _ progression.Repository = (*ProgressRepository)(nil)

// NewProgressRepository creates a repository. Loaded states are normalised
// against rules.
func NewProgressRepository(store kvstore.Store, rules progression.Rules, log *logger.Logger) *ProgressRepository {
	if log == nil {
		log = logger.Nop()
	}
	return &ProgressRepository{
		store: store,
		rules: rules,
		log:   log.With(logger.Component("progress_repo")),
	}
}

// Load implements progression.Repository. A missing avatar yields
// shared.ErrNotFound, and so does a corrupt one after a warning, so callers
// rebuild it and the next remote avatar fills it in. Missing or corrupt
// stats are treated as zero. The returned stats are valid alongside
// ErrNotFound.
func (r *ProgressRepository) Load(ctx context.Context) (progression.Snapshot, error) {
	var snap progression.Snapshot

	err := kvstore.GetJSON(ctx, r.store, KeyActivityStats, &snap.Stats)
	switch {
	case err == nil, errors.Is(err, shared.ErrKeyNotFound):
	case errors.Is(err, shared.ErrCorruptValue):
		r.log.Warn("activity stats are corrupt, resetting", logger.Err(err))
		snap.Stats = progression.ActivityStats{}
	default:
		return snap, err
	}

	err = kvstore.GetJSON(ctx, r.store, KeyAvatarState, &snap.Avatar)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrKeyNotFound):
		return snap, shared.WrapError("progression", "Load", shared.ErrNotFound, "no local avatar", err)
	case errors.Is(err, shared.ErrCorruptValue):
		r.log.Warn("stored avatar is corrupt, rebuilding", logger.Err(err))
		snap.Avatar = progression.AvatarState{}
		return snap, shared.WrapError("progression", "Load", shared.ErrNotFound, "corrupt local avatar", err)
	default:
		return snap, err
	}
	snap.Avatar = snap.Avatar.Normalize(r.rules)
	return snap, nil
}

// LoadOrCreate returns the stored snapshot or a fresh avatar for userID.
func (r *ProgressRepository) LoadOrCreate(ctx context.Context, userID shared.UserID) (progression.Snapshot, error) {
	snap, err := r.Load(ctx)
	if shared.IsNotFound(err) {
		snap.Avatar = progression.NewAvatarState(userID, r.rules)
		return snap, nil
	}
	return snap, err
}

// Save implements progression.Repository.
func (r *ProgressRepository) Save(ctx context.Context, snap progression.Snapshot) error {
	if err := kvstore.SetJSON(ctx, r.store, KeyAvatarState, snap.Avatar); err != nil {
		return err
	}
	return kvstore.SetJSON(ctx, r.store, KeyActivityStats, snap.Stats)
}

// ══════════════════════════════════════════════════════════════════════════════
// SYNC STATE
// ══════════════════════════════════════════════════════════════════════════════

// SyncState records when the queue was last drained.
type SyncState struct {
	store kvstore.Store
}

// NewSyncState creates a SyncState over store.
func NewSyncState(store kvstore.Store) *SyncState {
	return &SyncState{store: store}
}

// LastSync returns the time of the last drain or the zero time.
func (s *SyncState) LastSync(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := kvstore.GetJSON(ctx, s.store, KeyLastSync, &t)
	if errors.Is(err, shared.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	return t, err
}

// SetLastSync records t as the last drain time.
func (s *SyncState) SetLastSync(ctx context.Context, t time.Time) error {
	return kvstore.SetJSON(ctx, s.store, KeyLastSync, t.UTC())
}
