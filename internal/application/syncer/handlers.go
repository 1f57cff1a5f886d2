package syncer

import (
	"context"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/pkg/retry"
)

// Gateway is the remote service as the sync engine sees it.
type Gateway interface {
	// Complete reports a completion and returns the authoritative avatar
	// when the remote sends one.
	Complete(ctx context.Context, kind offline.ActionKind, payload offline.CompletionPayload) (*progression.AvatarState, error)

	// Call performs a generic queued request.
	Call(ctx context.Context, call offline.GenericCallPayload) error
}

// CompletionHandler replays lesson, task and game completions.
func CompletionHandler(gw Gateway) Handler {
	return HandlerFunc(func(ctx context.Context, action offline.PendingAction) (Outcome, error) {
		payload, err := action.Completion()
		if err != nil {
			return Outcome{}, retry.Permanent(err)
		}
		avatar, err := gw.Complete(ctx, action.Kind, payload)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Avatar: avatar}, nil
	})
}

// GenericCallHandler replays GENERIC_CALL actions.
func GenericCallHandler(gw Gateway) Handler {
	return HandlerFunc(func(ctx context.Context, action offline.PendingAction) (Outcome, error) {
		call, err := action.GenericCall()
		if err != nil {
			return Outcome{}, retry.Permanent(err)
		}
		return Outcome{}, gw.Call(ctx, call)
	})
}

// RegisterDefaults installs handlers for every known action kind.
func (e *Engine) RegisterDefaults(gw Gateway) {
	completion := CompletionHandler(gw)
	for _, kind := range offline.Kinds() {
		if kind.IsCompletion() {
			e.Register(kind, completion)
		}
	}
	e.Register(offline.KindGenericCall, GenericCallHandler(gw))
}
