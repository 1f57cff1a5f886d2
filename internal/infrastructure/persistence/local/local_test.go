package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/kvstore"
)

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

func (r *recorder) count(t shared.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

func lesson(t *testing.T, entity string) offline.PendingAction {
	t.Helper()
	a, err := offline.NewPendingAction(offline.KindLessonCompletion, offline.CompletionPayload{EntityID: entity})
	require.NoError(t, err)
	return a
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

func newTestQueue(t *testing.T, store kvstore.Store, max int, opts ...QueueOption) *Queue {
	t.Helper()
	opts = append([]QueueOption{WithIDGenerator(seqIDs())}, opts...)
	q, err := NewQueue(context.Background(), store, QueueConfig{MaxSize: max}, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

// ══════════════════════════════════════════════════════════════════════════════
// QUEUE
// ══════════════════════════════════════════════════════════════════════════════

func TestQueue_EnqueueAssignsIdentity(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, kvstore.NewMemory(), 0, WithQueueClock(func() time.Time { return now }))

	a := lesson(t, "l-1")
	a.RetryCount = 7
	a.LastError = "stale"

	id, err := q.Enqueue(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "id-001", id)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, now, got.EnqueuedAt)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
}

func TestQueue_FIFOAndRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemory(), 0)

	for _, e := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, lesson(t, e))
		require.NoError(t, err)
	}

	require.NoError(t, q.Remove(ctx, "id-002"))
	require.NoError(t, q.Remove(ctx, "nope"), "removing an absent id is a no-op")

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "id-001", list[0].ID)
	assert.Equal(t, "id-003", list[1].ID)

	// List is a copy
	list[0].RetryCount = 99
	again, _ := q.List(ctx)
	assert.Zero(t, again[0].RetryCount)
}

func TestQueue_BoundEvictsOldest(t *testing.T) {
	ctx := context.Background()
	events := &recorder{}
	q := newTestQueue(t, kvstore.NewMemory(), offline.DefaultMaxQueueSize, WithQueueEvents(events))

	for i := 0; i < offline.DefaultMaxQueueSize+5; i++ {
		_, err := q.Enqueue(ctx, lesson(t, fmt.Sprintf("l-%d", i)))
		require.NoError(t, err)
		n, _ := q.Len(ctx)
		require.LessOrEqual(t, n, offline.DefaultMaxQueueSize)
	}

	list, err := q.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, offline.DefaultMaxQueueSize)
	assert.Equal(t, "id-006", list[0].ID, "the five oldest are gone")
	assert.Equal(t, "id-105", list[len(list)-1].ID)
	assert.Equal(t, 5, events.count(shared.EventActionEvicted))
	assert.Equal(t, offline.DefaultMaxQueueSize+5, events.count(shared.EventActionQueued))
}

func TestQueue_RejectsInvalidAction(t *testing.T) {
	q := newTestQueue(t, kvstore.NewMemory(), 0)
	_, err := q.Enqueue(context.Background(), offline.PendingAction{Kind: "NOPE", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, shared.ErrInvalidActionKind)
}

func TestQueue_UpdateAndClear(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemory(), 0)

	id, err := q.Enqueue(ctx, lesson(t, "l"))
	require.NoError(t, err)

	a, err := q.Get(ctx, id)
	require.NoError(t, err)
	a.RetryCount = 1
	a.LastError = "503"
	require.NoError(t, q.Update(ctx, a))

	got, _ := q.Get(ctx, id)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "503", got.LastError)

	assert.ErrorIs(t, q.Update(ctx, offline.PendingAction{ID: "gone"}), shared.ErrActionNotFound)

	require.NoError(t, q.Clear(ctx))
	n, _ := q.Len(ctx)
	assert.Zero(t, n)
}

func TestQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	q1 := newTestQueue(t, store, 0)
	_, err := q1.Enqueue(ctx, lesson(t, "l-1"))
	require.NoError(t, err)
	_, err = q1.Enqueue(ctx, lesson(t, "l-2"))
	require.NoError(t, err)
	q1.Close()

	raw, err := store.Get(ctx, KeyOfflineData)
	require.NoError(t, err)
	var persisted []map[string]any
	require.NoError(t, json.Unmarshal(raw, &persisted))
	require.Len(t, persisted, 2)
	assert.Equal(t, "LESSON_COMPLETION", persisted[0]["kind"])
	assert.Contains(t, persisted[0], "enqueuedAt")
	assert.Contains(t, persisted[0], "retryCount")

	q2 := newTestQueue(t, store, 0)
	list, err := q2.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "id-001", list[0].ID)
}

func TestQueue_CorruptValueStartsEmpty(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	require.NoError(t, store.Set(ctx, KeyOfflineData, json.RawMessage(`{"not":"a list"}`)))

	q := newTestQueue(t, store, 0)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.Enqueue(ctx, lesson(t, "l"))
	require.NoError(t, err)
	raw, _ := store.Get(ctx, KeyOfflineData)
	assert.True(t, json.Valid(raw))
}

func TestQueue_AdoptsExternalChange(t *testing.T) {
	ctx := context.Background()
	mine := kvstore.NewMemory()
	theirs := mine.Link()

	q := newTestQueue(t, mine, 0)
	_, err := q.Enqueue(ctx, lesson(t, "local"))
	require.NoError(t, err)

	other := newTestQueue(t, theirs, 0, WithIDGenerator(func() string { return "other-1" }))
	require.NoError(t, other.Clear(ctx))
	_, err = other.Enqueue(ctx, lesson(t, "remote"))
	require.NoError(t, err)

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1, "last write wins")
	assert.Equal(t, "other-1", list[0].ID)

	require.NoError(t, theirs.Remove(ctx, KeyOfflineData))
	n, _ := q.Len(ctx)
	assert.Zero(t, n)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

func TestProgressRepository(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	rules := progression.DefaultRules()
	repo := NewProgressRepository(store, rules, nil)

	_, err := repo.Load(ctx)
	assert.True(t, shared.IsNotFound(err))

	snap, err := repo.LoadOrCreate(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, shared.Level(1), snap.Avatar.Level)
	assert.Equal(t, shared.Health(100), snap.Avatar.Health)

	snap.Avatar.XP = 260
	snap.Avatar.Level = 1 // stale on disk, fixed on load
	snap.Avatar.Achievements[progression.AchievementFirstLesson] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snap.Stats.LessonsCompleted = 4
	require.NoError(t, repo.Save(ctx, snap))

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, shared.Level(3), loaded.Avatar.Level)
	assert.Equal(t, 4, loaded.Stats.LessonsCompleted)
	assert.True(t, loaded.Avatar.Has(progression.AchievementFirstLesson))

	require.NoError(t, store.Set(ctx, KeyActivityStats, json.RawMessage(`"garbage"`)))
	loaded, err = repo.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, loaded.Stats.LessonsCompleted)
}

func TestProgressRepository_CorruptAvatarIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	repo := NewProgressRepository(store, progression.DefaultRules(), nil)

	require.NoError(t, repo.Save(ctx, progression.Snapshot{
		Avatar: progression.NewAvatarState("u-1", progression.DefaultRules()),
		Stats:  progression.ActivityStats{LessonsCompleted: 3},
	}))
	require.NoError(t, store.Set(ctx, KeyAvatarState, json.RawMessage(`{"xp":"lots"}`)))

	snap, err := repo.Load(ctx)
	assert.True(t, shared.IsNotFound(err))
	assert.ErrorIs(t, err, shared.ErrCorruptValue)
	assert.Equal(t, 3, snap.Stats.LessonsCompleted)

	snap, err = repo.LoadOrCreate(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, shared.UserID("u-1"), snap.Avatar.UserID)
	assert.Equal(t, 3, snap.Stats.LessonsCompleted)
}

func TestSyncState(t *testing.T) {
	ctx := context.Background()
	s := NewSyncState(kvstore.NewMemory())

	last, err := s.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	at := time.Date(2024, 5, 5, 12, 0, 0, 0, time.FixedZone("X", 3600))
	require.NoError(t, s.SetLastSync(ctx, at))
	last, err = s.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, at.Equal(last))
}
