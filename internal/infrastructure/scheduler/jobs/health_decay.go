package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// Decayer applies daily inactivity decay to an avatar.
type Decayer interface {
	Decay(state progression.AvatarState, now time.Time) (progression.AvatarState, []shared.Event)
}

// Deliverer sends an avatar change already saved locally to the remote.
type Deliverer interface {
	DeliverPatch(ctx context.Context, patch progression.AvatarPatch) error
}

// HealthDecayJob charges health for days without activity. Decay is recorded
// in the avatar itself, so running the job many times a day charges each
// missed day once. The health lost is delivered to the remote as a delta so
// the next reconcile keeps it.
type HealthDecayJob struct {
	repo      progression.Repository
	decayer   Decayer
	deliverer Deliverer
	events  shared.EventPublisher
	now     func() time.Time
	log     *logger.Logger
}

// NewHealthDecayJob creates the job. deliverer and events may be nil; without
// a deliverer decay stays local.
func NewHealthDecayJob(repo progression.Repository, decayer Decayer, deliverer Deliverer, events shared.EventPublisher, log *logger.Logger) *HealthDecayJob {
	if log == nil {
		log = logger.Nop()
	}
	return &HealthDecayJob{
		repo:      repo,
		decayer:   decayer,
		deliverer: deliverer,
		events:    events,
		now:       time.Now,
		log:       log.With(logger.Component("job.health_decay")),
	}
}

// WithClock replaces time.Now. Returns j for chaining.
func (j *HealthDecayJob) WithClock(now func() time.Time) *HealthDecayJob {
	j.now = now
	return j
}

// Name implements scheduler.Job.
func (j *HealthDecayJob) Name() string { return "health_decay" }

// Description implements scheduler.Job.
func (j *HealthDecayJob) Description() string { return "Applies daily health loss for inactivity" }

// Run implements scheduler.Job.
func (j *HealthDecayJob) Run(ctx context.Context) error {
	snap, err := j.repo.Load(ctx)
	if shared.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load avatar: %w", err)
	}

	next, events := j.decayer.Decay(snap.Avatar, j.now())
	if next.DecayedThrough.Equal(snap.Avatar.DecayedThrough) && next.Health == snap.Avatar.Health {
		return nil
	}

	delta := int(next.Health) - int(snap.Avatar.Health)
	snap.Avatar = next
	if err := j.repo.Save(ctx, snap); err != nil {
		return fmt.Errorf("save avatar: %w", err)
	}
	if len(events) > 0 {
		j.log.Info("health decayed",
			logger.UserID(next.UserID.String()),
			logger.Int("health", int(next.Health)))
	}
	if err := shared.PublishAll(j.events, events...); err != nil {
		j.log.Warn("publish decay events", logger.Err(err))
	}

	if delta != 0 && j.deliverer != nil {
		if err := j.deliverer.DeliverPatch(ctx, progression.AvatarPatch{HealthDelta: delta}); err != nil {
			return fmt.Errorf("deliver decay: %w", err)
		}
	}
	return nil
}
