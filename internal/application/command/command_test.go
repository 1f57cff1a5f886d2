package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/kvstore"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/local"
	"github.com/finedu/finedu-sync/pkg/retry"
	"github.com/finedu/finedu-sync/pkg/timeutil"
)

var now = time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)

type onlineFlag struct{ atomic.Bool }

func (o *onlineFlag) IsOnline() bool { return o.Load() }

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) has(t shared.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.EventType() == t {
			return true
		}
	}
	return false
}

type fakePusher struct {
	completions []offline.CompletionPayload
	patches     []progression.AvatarPatch
	avatar      *progression.AvatarState
	err         error
}

func (p *fakePusher) Complete(_ context.Context, _ offline.ActionKind, payload offline.CompletionPayload) (*progression.AvatarState, error) {
	p.completions = append(p.completions, payload)
	if p.err != nil {
		return nil, p.err
	}
	return p.avatar, nil
}

func (p *fakePusher) PushPatch(_ context.Context, patch progression.AvatarPatch) (progression.AvatarState, error) {
	p.patches = append(p.patches, patch)
	if p.err != nil {
		return progression.AvatarState{}, p.err
	}
	if p.avatar == nil {
		return progression.AvatarState{}, errors.New("no avatar configured")
	}
	return *p.avatar, nil
}

type fixture struct {
	repo    *local.ProgressRepository
	queue   *local.Queue
	online  *onlineFlag
	pusher  *fakePusher
	events  *recorder
	handler *RecordActivityHandler
	rules   progression.Rules
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, kvstore.NewMemory())
}

func newFixtureOn(t *testing.T, store kvstore.Store) *fixture {
	t.Helper()
	rules := progression.DefaultRules()
	q, err := local.NewQueue(context.Background(), store, local.DefaultQueueConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)

	f := &fixture{
		repo:   local.NewProgressRepository(store, rules, nil),
		queue:  q,
		online: &onlineFlag{},
		pusher: &fakePusher{},
		events: &recorder{},
		rules:  rules,
	}
	engine := progression.NewEngine(rules, timeutil.NewCalendar(time.UTC))
	f.handler = NewRecordActivityHandler(f.repo, engine, q, f.online, f.pusher, f.events,
		DefaultRecordActivityHandlerConfig(), nil).WithClock(func() time.Time { return now })
	return f
}

// flakyStore fails reads or writes while the matching flag is set.
type flakyStore struct {
	*kvstore.Memory
	failGet atomic.Bool
	failSet atomic.Bool
}

func (s *flakyStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if s.failGet.Load() {
		return nil, errors.New("disk unavailable")
	}
	return s.Memory.Get(ctx, key)
}

func (s *flakyStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if s.failSet.Load() {
		return shared.WrapError("kvstore", "Set", shared.ErrPersistence, "write", errors.New("disk full"))
	}
	return s.Memory.Set(ctx, key, value)
}

func lesson(id string) RecordActivityCommand {
	return RecordActivityCommand{
		UserID:     "u-1",
		Activity:   progression.ActivityLessonComplete,
		EntityID:   id,
		Difficulty: progression.DifficultyBeginner,
	}
}

func TestRecordActivity_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, RecordActivityCommand{Activity: progression.ActivityLessonComplete, EntityID: "l"})
	assert.ErrorIs(t, err, shared.ErrEmptyValue)

	_, err = f.handler.Handle(ctx, RecordActivityCommand{UserID: "u", Activity: progression.ActivityLessonComplete})
	assert.ErrorIs(t, err, shared.ErrEmptyValue)

	_, err = f.handler.Handle(ctx, RecordActivityCommand{UserID: "u", Activity: "dance"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	bad := 120
	cmd := lesson("l")
	cmd.Score = &bad
	_, err = f.handler.Handle(ctx, cmd)
	assert.ErrorIs(t, err, shared.ErrValueOutOfRange)

	n, _ := f.queue.Len(ctx)
	assert.Zero(t, n)
}

func TestRecordActivity_OfflineQueuesCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.handler.Handle(ctx, lesson("lesson-1"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, res.Delivery)
	assert.NotEmpty(t, res.ActionID)
	assert.Positive(t, res.XPDelta)
	assert.Equal(t, shared.XP(res.XPDelta), res.Avatar.XP)
	assert.Contains(t, res.Unlocked, progression.AchievementFirstLesson)
	assert.Empty(t, f.pusher.completions)

	snap, err := f.repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Avatar.XP, snap.Avatar.XP)
	assert.Equal(t, 1, snap.Stats.LessonsCompleted)

	queued, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, offline.KindLessonCompletion, queued[0].Kind)
	payload, err := queued[0].Completion()
	require.NoError(t, err)
	assert.Equal(t, "lesson-1", payload.EntityID)
	assert.Equal(t, res.XPDelta, payload.Result.Patch.XPDelta)
	assert.True(t, payload.Result.CompletedAt.Equal(now))

	assert.True(t, f.events.has(shared.EventXPGained))
	assert.True(t, f.events.has(shared.EventAchievementUnlocked))
}

func TestRecordActivity_OnlinePushesAndReconciles(t *testing.T) {
	f := newFixture(t)
	f.online.Store(true)

	remote := progression.NewAvatarState("u-1", f.rules)
	remote.XP = 1000
	remote.MaxStreak = 12
	f.pusher.avatar = &remote

	res, err := f.handler.Handle(context.Background(), lesson("lesson-1"))
	require.NoError(t, err)
	assert.Equal(t, DeliverySynced, res.Delivery)
	require.Len(t, f.pusher.completions, 1)
	assert.Equal(t, shared.XP(1000), res.Avatar.XP)
	assert.Equal(t, f.rules.LevelOf(1000), res.Avatar.Level)
	assert.Equal(t, 12, res.Avatar.MaxStreak)

	snap, err := f.repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, shared.XP(1000), snap.Avatar.XP)

	n, _ := f.queue.Len(context.Background())
	assert.Zero(t, n)
}

func TestRecordActivity_TransientPushFailureQueues(t *testing.T) {
	f := newFixture(t)
	f.online.Store(true)
	f.pusher.err = retry.Retryable(shared.ErrRemoteUnavailable)

	res, err := f.handler.Handle(context.Background(), lesson("lesson-1"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, res.Delivery)
	assert.ErrorIs(t, res.RemoteErr, shared.ErrRemoteUnavailable)

	n, _ := f.queue.Len(context.Background())
	assert.Equal(t, 1, n)
}

func TestRecordActivity_PermanentPushFailureIsNotQueued(t *testing.T) {
	f := newFixture(t)
	f.online.Store(true)
	f.pusher.err = retry.Permanent(shared.ErrInvalidInput)

	res, err := f.handler.Handle(context.Background(), lesson("lesson-1"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryRejected, res.Delivery)
	assert.True(t, f.events.has(shared.EventActionFailed))

	n, _ := f.queue.Len(context.Background())
	assert.Zero(t, n)

	// the optimistic local apply stays
	snap, err := f.repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Avatar.XP, snap.Avatar.XP)
}

func TestRecordActivity_NonCompletionBecomesAvatarPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd := RecordActivityCommand{UserID: "u-1", Activity: progression.ActivityQuizCorrect}

	res, err := f.handler.Handle(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, DeliveryQueued, res.Delivery)

	queued, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	call, err := queued[0].GenericCall()
	require.NoError(t, err)
	assert.Equal(t, "PATCH", call.Method)
	assert.Equal(t, AvatarEndpoint, call.Endpoint)

	var patch progression.AvatarPatch
	require.NoError(t, json.Unmarshal(call.Body, &patch))
	assert.Equal(t, res.XPDelta, patch.XPDelta)

	f.online.Store(true)
	remote := res.Avatar
	f.pusher.avatar = &remote
	res, err = f.handler.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, DeliverySynced, res.Delivery)
	assert.Len(t, f.pusher.patches, 1)
}

func TestRecordActivity_CorruptAvatarIsRebuilt(t *testing.T) {
	store := kvstore.NewMemory()
	f := newFixtureOn(t, store)
	ctx := context.Background()

	require.NoError(t, kvstore.SetJSON(ctx, store, local.KeyActivityStats, progression.ActivityStats{LessonsCompleted: 4}))
	require.NoError(t, store.Set(ctx, local.KeyAvatarState, json.RawMessage(`"not an avatar"`)))

	for _, id := range []string{"lesson-a", "lesson-b"} {
		res, err := f.handler.Handle(ctx, lesson(id))
		require.NoError(t, err)
		assert.Equal(t, DeliveryQueued, res.Delivery)
	}

	snap, err := f.repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, shared.UserID("u-1"), snap.Avatar.UserID)
	assert.Positive(t, snap.Avatar.XP.Int())
	assert.Equal(t, 6, snap.Stats.LessonsCompleted, "stats survive the rebuild")

	n, _ := f.queue.Len(ctx)
	assert.Equal(t, 2, n)
}

func TestRecordActivity_UnreadableStoreLeavesSavedProgress(t *testing.T) {
	store := &flakyStore{Memory: kvstore.NewMemory()}
	f := newFixtureOn(t, store)
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, lesson("lesson-1"))
	require.NoError(t, err)
	saved, err := f.repo.Load(ctx)
	require.NoError(t, err)

	store.failGet.Store(true)
	res, err := f.handler.Handle(ctx, lesson("lesson-2"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, res.Delivery)
	assert.Positive(t, res.XPDelta)
	store.failGet.Store(false)

	after, err := f.repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved, after)

	n, _ := f.queue.Len(ctx)
	assert.Equal(t, 2, n)
}

func TestRecordActivity_UnpersistedEnqueueIsQueued(t *testing.T) {
	store := &flakyStore{Memory: kvstore.NewMemory()}
	f := newFixtureOn(t, store)
	ctx := context.Background()

	store.failSet.Store(true)
	res, err := f.handler.Handle(ctx, lesson("lesson-1"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, res.Delivery)
	require.NotEmpty(t, res.ActionID)

	queued, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, res.ActionID, queued[0].ID)
}

func TestDeliverPatch_QueuedWhenOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.DeliverPatch(ctx, progression.AvatarPatch{}))
	n, _ := f.queue.Len(ctx)
	assert.Zero(t, n, "empty patch is not sent")

	require.NoError(t, f.handler.DeliverPatch(ctx, progression.AvatarPatch{HealthDelta: -10}))

	queued, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	call, err := queued[0].GenericCall()
	require.NoError(t, err)
	assert.Equal(t, AvatarEndpoint, call.Endpoint)
	assert.JSONEq(t, `{"healthDelta":-10}`, string(call.Body))
}

func TestDeliverPatch_OnlineReconcilesStoredAvatar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored := progression.NewAvatarState("u-1", f.rules)
	stored.XP = 300
	require.NoError(t, f.repo.Save(ctx, progression.Snapshot{Avatar: stored}))

	f.online.Store(true)
	remote := progression.NewAvatarState("u-1", f.rules)
	remote.Health = 80
	f.pusher.avatar = &remote

	require.NoError(t, f.handler.DeliverPatch(ctx, progression.AvatarPatch{HealthDelta: -20}))
	require.Len(t, f.pusher.patches, 1)
	assert.Equal(t, -20, f.pusher.patches[0].HealthDelta)

	snap, err := f.repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, shared.Health(80), snap.Avatar.Health)
	assert.Equal(t, shared.XP(300), snap.Avatar.XP)

	f.pusher.err = retry.Permanent(shared.ErrInvalidInput)
	assert.ErrorIs(t, f.handler.DeliverPatch(ctx, progression.AvatarPatch{HealthDelta: -5}), shared.ErrInvalidInput)
}

// ══════════════════════════════════════════════════════════════════════════════
// SYNC PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

type fakeDrainer struct {
	calls int
	err   error
}

func (d *fakeDrainer) Drain(context.Context) (offline.DrainSummary, error) {
	d.calls++
	s := offline.NewDrainSummary(now)
	return s, d.err
}

type avatarFunc func(ctx context.Context) (progression.AvatarState, error)

func (f avatarFunc) FetchAvatar(ctx context.Context) (progression.AvatarState, error) { return f(ctx) }

type lastSyncAt time.Time

func (l lastSyncAt) LastSync(context.Context) (time.Time, error) { return time.Time(l), nil }

func TestSyncProgress_SkipsWithinInterval(t *testing.T) {
	d := &fakeDrainer{}
	h := NewSyncProgressHandler(d, nil, lastSyncAt(now.Add(-time.Minute)), nil, progression.DefaultRules(), nil,
		SyncProgressHandlerConfig{MinSyncInterval: 5 * time.Minute}, nil)
	h.now = func() time.Time { return now }

	res, err := h.Handle(context.Background(), SyncProgressCommand{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, d.calls)

	res, err = h.Handle(context.Background(), SyncProgressCommand{Force: true})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, d.calls)
}

func TestSyncProgress_OfflineReturnsDrainError(t *testing.T) {
	d := &fakeDrainer{err: shared.ErrNotOnline}
	h := NewSyncProgressHandler(d, nil, nil, nil, progression.DefaultRules(), nil, SyncProgressHandlerConfig{}, nil)

	_, err := h.Handle(context.Background(), SyncProgressCommand{PullAvatar: true})
	assert.ErrorIs(t, err, shared.ErrNotOnline)
}

func TestSyncProgress_PullReconcilesAndAnnouncesLevelUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.handler.Handle(ctx, lesson("lesson-1"))
	require.NoError(t, err)

	remote := progression.NewAvatarState("u-1", f.rules)
	remote.XP = 5000
	events := &recorder{}
	h := NewSyncProgressHandler(&fakeDrainer{}, avatarFunc(func(context.Context) (progression.AvatarState, error) {
		return remote, nil
	}), nil, f.repo, f.rules, events, SyncProgressHandlerConfig{}, nil)

	res, err := h.Handle(ctx, SyncProgressCommand{PullAvatar: true})
	require.NoError(t, err)
	assert.True(t, res.Pulled)
	assert.Equal(t, shared.XP(5000), res.After.XP)
	assert.Greater(t, res.After.Level, res.Before.Level)
	assert.True(t, events.has(shared.EventLevelUp))
	assert.True(t, res.After.Has(progression.AchievementFirstLesson), "local achievements survive the pull")
}
