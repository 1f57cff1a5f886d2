// Package syncer replays the offline action queue against the remote service
// once the device is back online.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
	"github.com/finedu/finedu-sync/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES (Interfaces)
// ══════════════════════════════════════════════════════════════════════════════

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	IsOnline() bool
}

// SyncState records when the last drain finished.
type SyncState interface {
	SetLastSync(ctx context.Context, at time.Time) error
}

// Outcome is what a successful handler returns.
type Outcome struct {
	// Avatar is the remote's authoritative avatar, when it sent one.
	Avatar *progression.AvatarState
}

// Handler replays one pending action. Errors should carry a retry marker;
// unmarked errors are classified by their domain kind.
type Handler interface {
	Handle(ctx context.Context, action offline.PendingAction) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, action offline.PendingAction) (Outcome, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, action offline.PendingAction) (Outcome, error) {
	return f(ctx, action)
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds drain settings.
type Config struct {
	// MaxRetries is how many transient failures an action survives.
	MaxRetries int

	// CallTimeout bounds each handler call.
	CallTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  offline.DefaultMaxRetries,
		CallTimeout: 10 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Engine drains the queue. Only one drain runs at a time.
type Engine struct {
	queue  offline.Queue
	online Connectivity
	cfg    Config
	log    *logger.Logger
	now    func() time.Time

	progress progression.Repository
	rules    progression.Rules
	state    SyncState
	events   shared.EventPublisher

	hmu      sync.RWMutex
	handlers map[offline.ActionKind]Handler

	draining sync.Mutex
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProgress enables reconciliation of authoritative avatars.
func WithProgress(repo progression.Repository, rules progression.Rules) Option {
	return func(e *Engine) {
		e.progress = repo
		e.rules = rules
	}
}

// WithSyncState records the finish time of every drain.
func WithSyncState(s SyncState) Option {
	return func(e *Engine) { e.state = s }
}

// WithEvents publishes sync.completed and sync.action_failed.
func WithEvents(p shared.EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

// NewEngine creates an engine. A nil online means always online.
func NewEngine(queue offline.Queue, online Connectivity, cfg Config, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	e := &Engine{
		queue:    queue,
		online:   online,
		cfg:      cfg,
		log:      log.With(logger.Component("sync")),
		now:      time.Now,
		rules:    progression.DefaultRules(),
		handlers: make(map[offline.ActionKind]Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the handler for kind, replacing any previous one.
func (e *Engine) Register(kind offline.ActionKind, h Handler) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handlers[kind] = h
}

func (e *Engine) handler(kind offline.ActionKind) (Handler, bool) {
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	h, ok := e.handlers[kind]
	return h, ok
}

// Drain replays a snapshot of the queue in FIFO order.
//
// A concurrent call returns an empty summary and ErrDrainInProgress; an
// offline device gets an empty summary and ErrNotOnline. Both are markers,
// not failures. Cancelling ctx stops the pass; unprocessed actions stay queued.
func (e *Engine) Drain(ctx context.Context) (offline.DrainSummary, error) {
	summary := offline.NewDrainSummary(e.now())

	if !e.draining.TryLock() {
		summary.FinishedAt = summary.StartedAt
		return summary, shared.ErrDrainInProgress
	}
	defer e.draining.Unlock()

	if e.online != nil && !e.online.IsOnline() {
		summary.FinishedAt = summary.StartedAt
		if n, err := e.queue.Len(ctx); err == nil {
			summary.Remaining = n
		}
		return summary, shared.ErrNotOnline
	}

	actions, err := e.queue.List(ctx)
	if err != nil {
		return summary, fmt.Errorf("list queue: %w", err)
	}
	if len(actions) > 0 {
		e.log.Info("drain started", logger.Int("pending", len(actions)))
	}

	for _, action := range actions {
		if ctx.Err() != nil {
			e.log.Info("drain interrupted", logger.Err(ctx.Err()))
			break
		}
		switch e.process(ctx, action) {
		case resultSucceeded:
			summary.SucceededIDs = append(summary.SucceededIDs, action.ID)
		case resultFailed:
			summary.FailedIDs = append(summary.FailedIDs, action.ID)
		}
	}

	summary.FinishedAt = e.now()
	if n, err := e.queue.Len(ctx); err == nil {
		summary.Remaining = n
	}
	e.finish(ctx, summary)
	return summary, nil
}

type result int

const (
	resultSucceeded result = iota
	resultRetained
	resultFailed
)

func (e *Engine) process(ctx context.Context, action offline.PendingAction) result {
	log := e.log.With(logger.ActionID(action.ID), logger.ActionKind(string(action.Kind)))

	h, ok := e.handler(action.Kind)
	if !ok {
		return e.drop(ctx, log, action, shared.WrapError("sync", "Dispatch", shared.ErrNoHandler, string(action.Kind), nil), true)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	outcome, err := h.Handle(callCtx, action)
	cancel()

	if err == nil {
		if rmErr := e.queue.Remove(ctx, action.ID); rmErr != nil {
			log.Warn("remove synced action failed", logger.Err(rmErr))
		}
		if outcome.Avatar != nil {
			e.reconcile(ctx, *outcome.Avatar)
		}
		log.Debug("action synced")
		return resultSucceeded
	}

	// An interrupted drain is not an attempt: the action stays as it was.
	if ctx.Err() != nil {
		log.Debug("action left queued, drain interrupted", logger.Err(err))
		return resultRetained
	}

	if !Transient(err) {
		return e.drop(ctx, log, action, err, true)
	}

	action.RetryCount++
	action.LastError = err.Error()
	if action.Exhausted(e.cfg.MaxRetries) {
		return e.drop(ctx, log, action, err, false)
	}
	if upErr := e.queue.Update(ctx, action); upErr != nil && !errors.Is(upErr, shared.ErrActionNotFound) {
		log.Warn("record retry failed", logger.Err(upErr))
	}
	log.Info("action kept for retry", logger.Int("retry_count", action.RetryCount), logger.Err(err))
	return resultRetained
}

func (e *Engine) drop(ctx context.Context, log *logger.Logger, action offline.PendingAction, cause error, permanent bool) result {
	if err := e.queue.Remove(ctx, action.ID); err != nil {
		log.Warn("remove failed action failed", logger.Err(err))
	}
	log.Warn("action dropped",
		logger.Bool("permanent", permanent),
		logger.Int("retry_count", action.RetryCount),
		logger.Err(cause))
	e.publish(shared.NewActionFailedEvent(action.ID, string(action.Kind), action.RetryCount, permanent, cause.Error()))
	return resultFailed
}

func (e *Engine) reconcile(ctx context.Context, remote progression.AvatarState) {
	if e.progress == nil {
		return
	}
	snap, err := e.progress.Load(ctx)
	switch {
	case err == nil:
		snap.Avatar = progression.Reconcile(snap.Avatar, remote, e.rules)
	case shared.IsNotFound(err):
		snap.Avatar = remote.Normalize(e.rules)
	default:
		e.log.Warn("load progress for reconcile failed", logger.Err(err))
		return
	}
	if err := e.progress.Save(ctx, snap); err != nil {
		e.log.Warn("save reconciled progress failed", logger.Err(err))
	}
}

func (e *Engine) finish(ctx context.Context, summary offline.DrainSummary) {
	if e.state != nil {
		if err := e.state.SetLastSync(ctx, summary.FinishedAt); err != nil {
			e.log.Warn("record last sync failed", logger.Err(err))
		}
	}
	if summary.Processed() > 0 {
		e.log.Info("drain finished",
			logger.Int("succeeded", len(summary.SucceededIDs)),
			logger.Int("failed", len(summary.FailedIDs)),
			logger.Int("remaining", summary.Remaining),
			logger.Duration("took", summary.Duration()))
		if len(summary.FailedIDs) > 0 {
			e.log.Warn("actions failed permanently", logger.Strings("action_ids", summary.FailedIDs))
		}
	}
	e.publish(shared.NewSyncCompletedEvent(summary.SucceededIDs, summary.FailedIDs, summary.Remaining, summary.Duration()))
}

func (e *Engine) publish(ev shared.Event) {
	if err := shared.PublishAll(e.events, ev); err != nil {
		e.log.Warn("publish sync event failed", logger.Err(err))
	}
}

// Transient reports whether a handler error should be retried on a later
// drain. Permanent markers win; timeouts and retryable domain kinds count
// as transient; anything else is permanent.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case retry.IsPermanent(err):
		return false
	case retry.IsRetryable(err), shared.IsRetryable(err):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
