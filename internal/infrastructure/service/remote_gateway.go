package service

import (
	"context"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/infrastructure/external/remote"
)

// RemoteGateway adapts remote.Client to the sync engine's Gateway.
type RemoteGateway struct {
	client *remote.Client
	rules  progression.Rules
}

// NewRemoteGateway creates the adapter.
func NewRemoteGateway(client *remote.Client, rules progression.Rules) *RemoteGateway {
	return &RemoteGateway{client: client, rules: rules}
}

// Complete forwards a completion and maps the returned avatar.
func (g *RemoteGateway) Complete(ctx context.Context, kind offline.ActionKind, payload offline.CompletionPayload) (*progression.AvatarState, error) {
	resp, err := g.client.Complete(ctx, kind, payload)
	if err != nil {
		return nil, err
	}
	if resp.Avatar == nil {
		return nil, nil
	}
	avatar := remote.AvatarToDomain(*resp.Avatar, g.rules)
	return &avatar, nil
}

// Call forwards a generic call and discards the body.
func (g *RemoteGateway) Call(ctx context.Context, call offline.GenericCallPayload) error {
	_, err := g.client.Call(ctx, call)
	return err
}

// PushPatch sends an optimistic patch right away and returns the
// authoritative avatar.
func (g *RemoteGateway) PushPatch(ctx context.Context, patch progression.AvatarPatch) (progression.AvatarState, error) {
	dto, err := g.client.PatchAvatar(ctx, patch)
	if err != nil {
		return progression.AvatarState{}, err
	}
	return remote.AvatarToDomain(dto, g.rules), nil
}

// FetchAvatar returns the remote's authoritative avatar.
func (g *RemoteGateway) FetchAvatar(ctx context.Context) (progression.AvatarState, error) {
	dto, err := g.client.GetAvatar(ctx)
	if err != nil {
		return progression.AvatarState{}, err
	}
	return remote.AvatarToDomain(dto, g.rules), nil
}
