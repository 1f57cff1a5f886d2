package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/kvstore"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/local"
	"github.com/finedu/finedu-sync/pkg/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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

func (r *recorder) ofType(t shared.EventType) []shared.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.Event
	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeGateway answers per entity id.
type fakeGateway struct {
	mu        sync.Mutex
	calls     []string
	errs      map[string]error
	avatar    *progression.AvatarState
	callErr   error
	block     chan struct{}
	completed chan struct{}
}

func (g *fakeGateway) Complete(ctx context.Context, kind offline.ActionKind, p offline.CompletionPayload) (*progression.AvatarState, error) {
	g.mu.Lock()
	g.calls = append(g.calls, p.EntityID)
	err := g.errs[p.EntityID]
	block := g.block
	g.mu.Unlock()

	if block != nil {
		if g.completed != nil {
			g.completed <- struct{}{}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return g.avatar, nil
}

func (g *fakeGateway) Call(_ context.Context, call offline.GenericCallPayload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call.Method+" "+call.Endpoint)
	return g.callErr
}

type fixture struct {
	queue  *local.Queue
	store  kvstore.Store
	online *onlineFlag
	events *recorder
	gw     *fakeGateway
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := kvstore.NewMemory()
	q, err := local.NewQueue(ctx, store, local.DefaultQueueConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)

	f := &fixture{
		queue:  q,
		store:  store,
		online: &onlineFlag{},
		events: &recorder{},
		gw:     &fakeGateway{errs: map[string]error{}},
	}
	f.online.Store(true)
	f.engine = NewEngine(q, f.online, DefaultConfig(), nil,
		WithEvents(f.events),
		WithSyncState(local.NewSyncState(store)),
		WithProgress(local.NewProgressRepository(store, progression.DefaultRules(), nil), progression.DefaultRules()),
	)
	f.engine.RegisterDefaults(f.gw)
	return f
}

func (f *fixture) enqueue(t *testing.T, kind offline.ActionKind, payload any) string {
	t.Helper()
	a, err := offline.NewPendingAction(kind, payload)
	require.NoError(t, err)
	id, err := f.queue.Enqueue(context.Background(), a)
	require.NoError(t, err)
	return id
}

func completion(entity string) offline.CompletionPayload {
	return offline.CompletionPayload{EntityID: entity, Result: offline.CompletionResult{
		CompletedAt: time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC),
		Patch:       progression.AvatarPatch{XPDelta: 50},
	}}
}

func TestDrain_Empty(t *testing.T) {
	f := newFixture(t)

	summary, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.SucceededIDs)
	assert.Empty(t, summary.FailedIDs)
	assert.NotNil(t, summary.SucceededIDs)
	assert.NotNil(t, summary.FailedIDs)

	assert.Len(t, f.events.ofType(shared.EventSyncCompleted), 1)
	last, err := local.NewSyncState(f.store).LastSync(context.Background())
	require.NoError(t, err)
	assert.False(t, last.IsZero(), "last sync recorded after every drain")
}

func TestDrain_OfflineProcessesNothing(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, offline.KindLessonCompletion, completion("l-1"))
	f.online.Store(false)

	summary, err := f.engine.Drain(context.Background())
	assert.ErrorIs(t, err, shared.ErrNotOnline)
	assert.Zero(t, summary.Processed())
	assert.Equal(t, 1, summary.Remaining)
	assert.Empty(t, f.gw.calls)
}

func TestDrain_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.online.Store(false)

	lesson := f.enqueue(t, offline.KindLessonCompletion, completion("l-1"))
	bad := f.enqueue(t, offline.KindTaskCompletion, completion("t-bad"))
	game := f.enqueue(t, offline.KindGameResult, completion("g-1"))
	f.gw.errs["t-bad"] = retry.Permanent(shared.NewDomainError("remote", "Complete", shared.ErrInvalidInput, "422"))

	f.online.Store(true)
	summary, err := f.engine.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{lesson, game}, summary.SucceededIDs)
	assert.Equal(t, []string{bad}, summary.FailedIDs)
	assert.Zero(t, summary.Remaining)
	assert.Equal(t, []string{"l-1", "t-bad", "g-1"}, f.gw.calls, "FIFO order")

	n, _ := f.queue.Len(context.Background())
	assert.Zero(t, n)

	completed := f.events.ofType(shared.EventSyncCompleted)
	require.Len(t, completed, 1)
	failed := f.events.ofType(shared.EventActionFailed)
	require.Len(t, failed, 1)
}

func TestDrain_TransientUntilMaxRetries(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, offline.KindLessonCompletion, completion("flaky"))
	f.gw.errs["flaky"] = retry.Retryable(errors.New("503 service unavailable"))
	ctx := context.Background()

	for pass := 1; pass < offline.DefaultMaxRetries; pass++ {
		summary, err := f.engine.Drain(ctx)
		require.NoError(t, err)
		assert.Empty(t, summary.SucceededIDs)
		assert.Empty(t, summary.FailedIDs, "pass %d keeps the action", pass)

		a, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, pass, a.RetryCount)
		assert.Contains(t, a.LastError, "503")
	}

	summary, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, summary.FailedIDs)
	assert.Empty(t, summary.SucceededIDs)
	n, _ := f.queue.Len(ctx)
	assert.Zero(t, n)
}

func TestDrain_UnknownKindAndMalformedPayloadAreDropped(t *testing.T) {
	f := newFixture(t)
	f.engine = NewEngine(f.queue, f.online, DefaultConfig(), nil)
	f.engine.Register(offline.KindLessonCompletion, CompletionHandler(f.gw))

	noHandler := f.enqueue(t, offline.KindGameResult, completion("g"))
	malformed := f.enqueue(t, offline.KindLessonCompletion, map[string]string{"entityId": ""})

	summary, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{noHandler, malformed}, summary.FailedIDs)
	assert.Empty(t, f.gw.calls)
}

func TestDrain_GenericCall(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, offline.KindGenericCall, offline.GenericCallPayload{Method: "POST", Endpoint: "/api/feedback"})

	summary, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, summary.SucceededIDs)
	assert.Equal(t, []string{"POST /api/feedback"}, f.gw.calls)
}

func TestDrain_ReconcilesAuthoritativeAvatar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rules := progression.DefaultRules()
	repo := local.NewProgressRepository(f.store, rules, nil)

	snap, err := repo.LoadOrCreate(ctx, "u-1")
	require.NoError(t, err)
	snap.Avatar.XP = 150
	snap.Avatar.MaxStreak = 9
	require.NoError(t, repo.Save(ctx, snap))

	remote := progression.NewAvatarState("u-1", rules)
	remote.XP = 300
	remote.Health = 70
	remote.MaxStreak = 4
	f.gw.avatar = &remote

	f.enqueue(t, offline.KindLessonCompletion, completion("l-1"))
	_, err = f.engine.Drain(ctx)
	require.NoError(t, err)

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, shared.XP(300), got.Avatar.XP)
	assert.Equal(t, rules.LevelOf(300), got.Avatar.Level)
	assert.Equal(t, shared.Health(70), got.Avatar.Health)
	assert.Equal(t, 9, got.Avatar.MaxStreak, "monotonic fields never roll back")
}

func TestDrain_Reentrancy(t *testing.T) {
	f := newFixture(t)
	f.gw.block = make(chan struct{})
	f.gw.completed = make(chan struct{}, 1)
	f.enqueue(t, offline.KindLessonCompletion, completion("slow"))

	done := make(chan offline.DrainSummary, 1)
	go func() {
		s, _ := f.engine.Drain(context.Background())
		done <- s
	}()
	<-f.gw.completed

	summary, err := f.engine.Drain(context.Background())
	assert.ErrorIs(t, err, shared.ErrDrainInProgress)
	assert.Zero(t, summary.Processed())

	close(f.gw.block)
	first := <-done
	assert.Len(t, first.SucceededIDs, 1)
}

func TestDrain_CancelLeavesRestQueued(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.engine.Register(offline.KindLessonCompletion, HandlerFunc(func(context.Context, offline.PendingAction) (Outcome, error) {
		cancel()
		return Outcome{}, nil
	}))
	for i := 0; i < 3; i++ {
		f.enqueue(t, offline.KindLessonCompletion, completion(fmt.Sprintf("l-%d", i)))
	}

	summary, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, summary.SucceededIDs, 1)
	assert.Equal(t, 2, summary.Remaining)
}

func TestDrain_InterruptedCallKeepsRetryCount(t *testing.T) {
	f := newFixture(t)
	f.gw.block = make(chan struct{})
	f.gw.completed = make(chan struct{}, 1)
	id := f.enqueue(t, offline.KindLessonCompletion, completion("l-1"))

	for pass := 0; pass < offline.DefaultMaxRetries+1; pass++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan offline.DrainSummary, 1)
		go func() {
			s, _ := f.engine.Drain(ctx)
			done <- s
		}()
		<-f.gw.completed
		cancel()

		summary := <-done
		assert.Empty(t, summary.FailedIDs, "pass %d", pass)
		assert.Empty(t, summary.SucceededIDs, "pass %d", pass)
	}

	a, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, a.RetryCount)
	assert.Empty(t, a.LastError)
	assert.Empty(t, f.events.ofType(shared.EventActionFailed))
}

func TestDrain_CallTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	f.engine = NewEngine(f.queue, f.online, Config{CallTimeout: 10 * time.Millisecond}, nil)
	f.engine.Register(offline.KindLessonCompletion, HandlerFunc(func(ctx context.Context, _ offline.PendingAction) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}))
	id := f.enqueue(t, offline.KindLessonCompletion, completion("slow"))

	summary, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Processed())

	a, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, a.RetryCount)
}

func TestTransient(t *testing.T) {
	assert.False(t, Transient(nil))
	assert.True(t, Transient(retry.Retryable(errors.New("x"))))
	assert.False(t, Transient(retry.Permanent(shared.ErrRemoteUnavailable)))
	assert.True(t, Transient(shared.ErrRemoteTimeout))
	assert.True(t, Transient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, Transient(errors.New("mystery")))
}
