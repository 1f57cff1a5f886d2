package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SYNC PROGRESS COMMAND
// Drains the offline queue and then pulls the authoritative avatar so local
// progression catches up with changes made elsewhere.
// ══════════════════════════════════════════════════════════════════════════════

// SyncProgressCommand requests a manual sync.
type SyncProgressCommand struct {
	// Force bypasses the minimum interval check.
	Force bool

	// PullAvatar fetches and reconciles the remote avatar after draining.
	PullAvatar bool
}

// SyncProgressResult contains the result of synchronization.
type SyncProgressResult struct {
	Skipped bool
	Summary offline.DrainSummary

	// Pulled is set when the remote avatar was fetched and reconciled.
	Pulled bool
	Before progression.AvatarState
	After  progression.AvatarState
}

// Drainer replays the offline queue.
type Drainer interface {
	Drain(ctx context.Context) (offline.DrainSummary, error)
}

// AvatarFetcher reads the remote's authoritative avatar.
type AvatarFetcher interface {
	FetchAvatar(ctx context.Context) (progression.AvatarState, error)
}

// LastSyncReader reports when the queue was last drained.
type LastSyncReader interface {
	LastSync(ctx context.Context) (time.Time, error)
}

// SyncProgressHandlerConfig contains configuration for the handler.
type SyncProgressHandlerConfig struct {
	// MinSyncInterval skips non-forced syncs that come too soon after the
	// previous one.
	MinSyncInterval time.Duration
}

// SyncProgressHandler handles SyncProgressCommand.
type SyncProgressHandler struct {
	drainer  Drainer
	fetcher  AvatarFetcher
	lastSync LastSyncReader
	repo     progression.Repository
	rules    progression.Rules
	events   shared.EventPublisher
	cfg      SyncProgressHandlerConfig
	log      *logger.Logger
	now      func() time.Time
}

// NewSyncProgressHandler creates the handler. fetcher, lastSync and events
// may be nil.
func NewSyncProgressHandler(
	drainer Drainer,
	fetcher AvatarFetcher,
	lastSync LastSyncReader,
	repo progression.Repository,
	rules progression.Rules,
	events shared.EventPublisher,
	cfg SyncProgressHandlerConfig,
	log *logger.Logger,
) *SyncProgressHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &SyncProgressHandler{
		drainer:  drainer,
		fetcher:  fetcher,
		lastSync: lastSync,
		repo:     repo,
		rules:    rules,
		events:   events,
		cfg:      cfg,
		log:      log.With(logger.Component("sync_progress")),
		now:      time.Now,
	}
}

// Handle executes the command. The drain error is returned as is, so callers
// can match shared.ErrNotOnline and shared.ErrDrainInProgress.
func (h *SyncProgressHandler) Handle(ctx context.Context, cmd SyncProgressCommand) (*SyncProgressResult, error) {
	result := &SyncProgressResult{}

	if !cmd.Force && h.cfg.MinSyncInterval > 0 && h.lastSync != nil {
		last, err := h.lastSync.LastSync(ctx)
		if err == nil && !last.IsZero() && h.now().Sub(last) < h.cfg.MinSyncInterval {
			result.Skipped = true
			return result, nil
		}
	}

	summary, err := h.drainer.Drain(ctx)
	result.Summary = summary
	if err != nil {
		return result, err
	}

	if !cmd.PullAvatar || h.fetcher == nil {
		return result, nil
	}
	if err := h.pull(ctx, result); err != nil {
		return result, fmt.Errorf("sync_progress: pull avatar: %w", err)
	}
	return result, nil
}

func (h *SyncProgressHandler) pull(ctx context.Context, result *SyncProgressResult) error {
	remote, err := h.fetcher.FetchAvatar(ctx)
	if err != nil {
		return err
	}

	snap, err := h.repo.Load(ctx)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		snap.Avatar = remote.Normalize(h.rules)
		result.Before = progression.NewAvatarState(remote.UserID, h.rules)
	case err != nil:
		return err
	default:
		result.Before = snap.Avatar
		snap.Avatar = progression.Reconcile(snap.Avatar, remote, h.rules)
	}

	if err := h.repo.Save(ctx, snap); err != nil {
		return err
	}
	result.Pulled = true
	result.After = snap.Avatar

	if result.After.Level > result.Before.Level {
		ev := shared.NewLevelUpEvent(result.After.UserID.String(), result.Before.Level.Int(), result.After.Level.Int(), h.now())
		_ = shared.PublishAll(h.events, ev)
	}
	h.log.Info("avatar reconciled",
		logger.UserID(result.After.UserID.String()),
		logger.Int("xp_before", result.Before.XP.Int()),
		logger.Int("xp_after", result.After.XP.Int()))
	return nil
}
