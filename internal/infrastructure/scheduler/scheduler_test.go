package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type funcJob struct {
	name string
	run  func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Description() string           { return "test job " + j.name }
func (j funcJob) Run(ctx context.Context) error { return j.run(ctx) }

func TestRegister_Validation(t *testing.T) {
	s := New(DefaultConfig(), nil)
	job := funcJob{name: "a", run: func(context.Context) error { return nil }}

	assert.ErrorIs(t, s.Register(nil, Every(time.Minute)), ErrNilJob)
	assert.ErrorIs(t, s.Register(job, nil), ErrNilSchedule)
	require.NoError(t, s.Register(job, Every(time.Minute)))
	assert.ErrorIs(t, s.Register(job, Every(time.Minute)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.SetEnabled("missing", true), ErrJobNotFound)
}

func TestRunNow_RecordsResult(t *testing.T) {
	s := New(DefaultConfig(), nil)
	boom := errors.New("boom")
	require.NoError(t, s.Register(funcJob{name: "ok", run: func(context.Context) error { return nil }}, Every(time.Hour)))
	require.NoError(t, s.Register(funcJob{name: "bad", run: func(context.Context) error { return boom }}, Every(time.Hour)))

	res, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.True(t, res.Manual)

	_, err = s.RunNow(context.Background(), "bad")
	assert.ErrorIs(t, err, boom)

	_, err = s.RunNow(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "bad", jobs[0].Name)
	assert.Equal(t, int64(1), jobs[0].FailCount)
	assert.Equal(t, "@every 1h0m0s", jobs[1].Schedule)

	snap := s.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.Executions)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Len(t, s.History(0), 2)
	assert.Len(t, s.History(1), 1)
}

func TestRunNow_PanicBecomesError(t *testing.T) {
	s := New(DefaultConfig(), nil)
	require.NoError(t, s.Register(funcJob{name: "p", run: func(context.Context) error { panic("x") }}, Every(time.Hour)))

	_, err := s.RunNow(context.Background(), "p")
	assert.ErrorContains(t, err, "panicked")
}

func TestRunDue_SkipsBusyAndDisabledJobs(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Tick = time.Hour
	s := New(cfg, nil, WithClock(func() time.Time { return now }))

	release := make(chan struct{})
	var slow, off atomic.Int32
	require.NoError(t, s.Register(funcJob{name: "slow", run: func(context.Context) error {
		slow.Add(1)
		<-release
		return nil
	}}, Every(time.Second)))
	require.NoError(t, s.Register(funcJob{name: "off", run: func(context.Context) error {
		off.Add(1)
		return nil
	}}, Every(time.Second)))
	require.NoError(t, s.SetEnabled("off", false))

	require.NoError(t, s.Start(context.Background()))

	s.runDue(now.Add(2 * time.Second))
	require.Eventually(t, func() bool { return slow.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.runDue(now.Add(4 * time.Second))

	close(release)
	require.NoError(t, s.Stop())

	assert.Equal(t, int32(1), slow.Load())
	assert.Zero(t, off.Load())
}

func TestStart_RunOnStartAndStopCancels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunOnStart = true
	s := New(cfg, nil)

	var mu sync.Mutex
	var gotCancel bool
	started := make(chan struct{})
	require.NoError(t, s.Register(funcJob{name: "wait", run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		mu.Lock()
		gotCancel = true
		mu.Unlock()
		return ctx.Err()
	}}, Every(time.Hour)))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)
	<-started
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)

	mu.Lock()
	assert.True(t, gotCancel)
	mu.Unlock()
	assert.False(t, s.IsRunning())
}

func TestRun_BlocksUntilCancelled(t *testing.T) {
	s := New(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.IsRunning, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
