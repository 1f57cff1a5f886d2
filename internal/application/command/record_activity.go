// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/finedu/finedu-sync/internal/application/syncer"
	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD ACTIVITY COMMAND
// Applies a learner activity to local progression right away, then delivers
// it to the remote: directly when online, through the offline queue otherwise.
// ══════════════════════════════════════════════════════════════════════════════

// AvatarEndpoint is where non-completion patches are sent.
const AvatarEndpoint = "/api/avatar"

// RecordActivityCommand contains the data to record an activity.
type RecordActivityCommand struct {
	UserID   shared.UserID
	Activity progression.ActivityKind

	// EntityID is the lesson, task or game id. Required for completions.
	EntityID string

	Difficulty progression.Difficulty
	TaskType   progression.TaskType
	Score      *int
	Points     int

	// OccurredAt defaults to now.
	OccurredAt time.Time
}

// Validate validates the command.
func (c RecordActivityCommand) Validate() error {
	const op = "RecordActivity"
	if c.UserID.IsEmpty() {
		return shared.NewDomainError("command", op, shared.ErrEmptyValue, "user id is required")
	}
	switch c.Activity {
	case progression.ActivityLessonComplete, progression.ActivityTaskComplete, progression.ActivityGameComplete:
		if strings.TrimSpace(c.EntityID) == "" {
			return shared.NewDomainError("command", op, shared.ErrEmptyValue,
				fmt.Sprintf("entity id is required for %s", c.Activity))
		}
	case progression.ActivityQuizCorrect, progression.ActivityFirstLoginToday, progression.ActivityAchievementUnlock:
	default:
		return shared.NewDomainError("command", op, shared.ErrInvalidInput,
			fmt.Sprintf("unknown activity %q", c.Activity))
	}
	if c.Score != nil && (*c.Score < 0 || *c.Score > 100) {
		return shared.NewDomainError("command", op, shared.ErrValueOutOfRange, "score must be within 0..100")
	}
	return nil
}

func (c RecordActivityCommand) event() progression.Event {
	return progression.Event{
		Activity:   c.Activity,
		Difficulty: c.Difficulty,
		TaskType:   c.TaskType,
		Score:      c.Score,
		Points:     c.Points,
	}
}

// Delivery says what happened to the remote side of an activity.
type Delivery string

const (
	DeliverySynced   Delivery = "synced"
	DeliveryQueued   Delivery = "queued"
	DeliveryRejected Delivery = "rejected"
)

// RecordActivityResult contains the result of recording an activity.
type RecordActivityResult struct {
	Avatar progression.AvatarState
	Stats  progression.ActivityStats

	XPDelta     int
	HealthDelta int
	LeveledUp   bool
	Unlocked    []progression.AchievementID

	Delivery Delivery

	// ActionID is set when the activity was queued.
	ActionID string

	// RemoteErr is the reason for a rejected or deferred push.
	RemoteErr error `json:"-"`

	Events []shared.Event `json:"-"`
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Pusher delivers an activity to the remote immediately.
type Pusher interface {
	Complete(ctx context.Context, kind offline.ActionKind, payload offline.CompletionPayload) (*progression.AvatarState, error)
	PushPatch(ctx context.Context, patch progression.AvatarPatch) (progression.AvatarState, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityHandlerConfig contains configuration for the handler.
type RecordActivityHandlerConfig struct {
	// PushTimeout bounds the direct push when online.
	PushTimeout time.Duration
}

// DefaultRecordActivityHandlerConfig returns default configuration.
func DefaultRecordActivityHandlerConfig() RecordActivityHandlerConfig {
	return RecordActivityHandlerConfig{PushTimeout: 10 * time.Second}
}

// RecordActivityHandler handles RecordActivityCommand. Calls are serialized so
// the load-apply-save cycle never interleaves.
type RecordActivityHandler struct {
	mu sync.Mutex

	repo   progression.Repository
	engine *progression.Engine
	queue  offline.Queue
	online syncer.Connectivity
	pusher Pusher
	events shared.EventPublisher
	cfg    RecordActivityHandlerConfig
	log    *logger.Logger
	now    func() time.Time
}

// NewRecordActivityHandler creates a new RecordActivityHandler. pusher and
// events may be nil: without a pusher every activity is queued.
func NewRecordActivityHandler(
	repo progression.Repository,
	engine *progression.Engine,
	queue offline.Queue,
	online syncer.Connectivity,
	pusher Pusher,
	events shared.EventPublisher,
	cfg RecordActivityHandlerConfig,
	log *logger.Logger,
) *RecordActivityHandler {
	if cfg.PushTimeout <= 0 {
		cfg = DefaultRecordActivityHandlerConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RecordActivityHandler{
		repo:   repo,
		engine: engine,
		queue:  queue,
		online: online,
		pusher: pusher,
		events: events,
		cfg:    cfg,
		log:    log.With(logger.Component("record_activity")),
		now:    time.Now,
	}
}

// WithClock replaces time.Now. Returns h for chaining.
func (h *RecordActivityHandler) WithClock(now func() time.Time) *RecordActivityHandler {
	h.now = now
	return h
}

// Handle executes the command. An error means nothing was applied; remote
// failures after the local apply are reported through the result.
func (h *RecordActivityHandler) Handle(ctx context.Context, cmd RecordActivityCommand) (*RecordActivityResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	at := cmd.OccurredAt
	if at.IsZero() {
		at = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	snap, persist := h.load(ctx, cmd.UserID)

	out := h.engine.Apply(snap.Avatar, snap.Stats, cmd.event(), at)
	if persist {
		h.save(ctx, progression.Snapshot{Avatar: out.State, Stats: out.Stats})
	}

	result := &RecordActivityResult{
		Avatar:      out.State,
		Stats:       out.Stats,
		XPDelta:     out.XPDelta,
		HealthDelta: out.HealthDelta,
		LeveledUp:   out.LeveledUp,
		Unlocked:    out.Unlocked,
		Events:      out.Events,
	}
	if err := shared.PublishAll(h.events, out.Events...); err != nil {
		h.log.Warn("publish progression events", logger.Err(err))
	}

	action, err := h.pendingAction(cmd, out, at)
	if err != nil {
		return nil, fmt.Errorf("record_activity: build action: %w", err)
	}

	log := h.log.With(logger.UserID(cmd.UserID.String()), logger.ActionKind(string(action.Kind)))

	d, err := h.deliver(ctx, action, log)
	if err != nil {
		return result, fmt.Errorf("record_activity: %w", err)
	}
	result.Delivery = d.delivery
	result.ActionID = d.actionID
	result.RemoteErr = d.remoteErr

	if d.remote != nil {
		merged := progression.Reconcile(out.State, *d.remote, h.engine.Rules())
		result.Avatar = merged
		if persist {
			h.save(ctx, progression.Snapshot{Avatar: merged, Stats: out.Stats})
		}
	}
	if d.delivery == DeliverySynced {
		log.Debug("activity synced", logger.XPAmount(out.XPDelta))
	}
	return result, nil
}

// DeliverPatch sends an avatar change that was already applied and saved
// locally, such as health decay. It is pushed or queued like an activity.
func (h *RecordActivityHandler) DeliverPatch(ctx context.Context, patch progression.AvatarPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	action, err := patchAction(patch)
	if err != nil {
		return fmt.Errorf("deliver patch: build action: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	d, err := h.deliver(ctx, action, h.log.With(logger.ActionKind(string(action.Kind))))
	if err != nil {
		return fmt.Errorf("deliver patch: %w", err)
	}
	if d.delivery == DeliveryRejected {
		return fmt.Errorf("deliver patch: %w", d.remoteErr)
	}
	if d.remote != nil {
		h.reconcileStored(ctx, *d.remote)
	}
	return nil
}

// load returns the snapshot to apply to and whether it may be written back.
// A store that cannot be read yields a fresh avatar kept in memory only, so
// the stored state is never overwritten by it.
func (h *RecordActivityHandler) load(ctx context.Context, userID shared.UserID) (progression.Snapshot, bool) {
	snap, err := h.repo.Load(ctx)
	switch {
	case err == nil:
		return snap, true
	case shared.IsNotFound(err):
		snap.Avatar = h.engine.NewAvatar(userID)
		return snap, true
	default:
		h.log.Error("load progress failed, applying in memory", logger.Err(err))
		return progression.Snapshot{Avatar: h.engine.NewAvatar(userID)}, false
	}
}

type delivery struct {
	delivery  Delivery
	actionID  string
	remote    *progression.AvatarState
	remoteErr error
}

// deliver pushes action when online and queues it otherwise or after a
// transient push failure. The error is set only when the action was kept
// nowhere.
func (h *RecordActivityHandler) deliver(ctx context.Context, action offline.PendingAction, log *logger.Logger) (delivery, error) {
	var d delivery

	if h.pusher != nil && h.online != nil && h.online.IsOnline() {
		remote, err := h.push(ctx, action)
		if err == nil {
			d.delivery = DeliverySynced
			d.remote = remote
			return d, nil
		}
		d.remoteErr = err
		if !syncer.Transient(err) {
			d.delivery = DeliveryRejected
			log.Error("remote rejected activity", logger.Err(err))
			_ = shared.PublishAll(h.events, shared.NewActionFailedEvent("", string(action.Kind), 0, true, err.Error()))
			return d, nil
		}
		log.Warn("push failed, queueing activity", logger.Err(err))
	}

	id, err := h.queue.Enqueue(ctx, action)
	switch {
	case err == nil:
		log.Debug("activity queued", logger.ActionID(id))
	case id != "" && errors.Is(err, shared.ErrPersistence):
		log.Error("activity queued in memory only", logger.ActionID(id), logger.Err(err))
	default:
		return d, fmt.Errorf("enqueue: %w", err)
	}
	d.delivery = DeliveryQueued
	d.actionID = id
	return d, nil
}

// pendingAction describes the remote mutation for out. Completions go to the
// per-entity endpoint; everything else is an avatar patch.
func (h *RecordActivityHandler) pendingAction(cmd RecordActivityCommand, out progression.Outcome, at time.Time) (offline.PendingAction, error) {
	if kind, ok := offline.ActionKindFor(cmd.Activity); ok {
		return offline.NewPendingAction(kind, offline.CompletionPayload{
			EntityID: cmd.EntityID,
			Result: offline.CompletionResult{
				Difficulty:  cmd.Difficulty,
				TaskType:    cmd.TaskType,
				Score:       cmd.Score,
				CompletedAt: at,
				Patch:       out.Patch(),
			},
		})
	}
	return patchAction(out.Patch())
}

func patchAction(patch progression.AvatarPatch) (offline.PendingAction, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return offline.PendingAction{}, err
	}
	return offline.NewPendingAction(offline.KindGenericCall, offline.GenericCallPayload{
		Method:   http.MethodPatch,
		Endpoint: AvatarEndpoint,
		Body:     body,
	})
}

func (h *RecordActivityHandler) push(ctx context.Context, action offline.PendingAction) (*progression.AvatarState, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.PushTimeout)
	defer cancel()

	if action.Kind.IsCompletion() {
		payload, err := action.Completion()
		if err != nil {
			return nil, err
		}
		return h.pusher.Complete(ctx, action.Kind, payload)
	}

	call, err := action.GenericCall()
	if err != nil {
		return nil, err
	}
	var patch progression.AvatarPatch
	if err := json.Unmarshal(call.Body, &patch); err != nil {
		return nil, err
	}
	avatar, err := h.pusher.PushPatch(ctx, patch)
	if err != nil {
		return nil, err
	}
	return &avatar, nil
}

// reconcileStored merges an authoritative avatar into the stored one.
func (h *RecordActivityHandler) reconcileStored(ctx context.Context, remote progression.AvatarState) {
	snap, err := h.repo.Load(ctx)
	switch {
	case err == nil:
		snap.Avatar = progression.Reconcile(snap.Avatar, remote, h.engine.Rules())
	case shared.IsNotFound(err):
		snap.Avatar = remote.Normalize(h.engine.Rules())
	default:
		h.log.Warn("load progress for reconcile failed", logger.Err(err))
		return
	}
	h.save(ctx, snap)
}

// save logs persistence failures; the in-memory result stays authoritative
// for this call.
func (h *RecordActivityHandler) save(ctx context.Context, snap progression.Snapshot) {
	if err := h.repo.Save(ctx, snap); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Error("save progress failed", logger.Err(err))
	}
}
