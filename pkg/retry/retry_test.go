package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarkers(t *testing.T) {
	base := errors.New("boom")

	assert.Nil(t, Retryable(nil))
	assert.Nil(t, Permanent(nil))

	r := Retryable(base)
	assert.True(t, IsRetryable(r))
	assert.False(t, IsPermanent(r))
	assert.ErrorIs(t, r, base)

	p := Permanent(base)
	assert.True(t, IsPermanent(p))
	assert.False(t, IsRetryable(p))
	assert.ErrorIs(t, p, base)

	wrapped := errors.Join(errors.New("ctx"), r)
	assert.True(t, IsRetryable(wrapped))
}

func TestRetrier_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("flaky"))
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond), WithJitter(0))

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("bad request"))
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond))

	assert.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestRetrier_ExhaustsBudgetKeepingMarker(t *testing.T) {
	calls := 0
	var retried []int
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(errors.New("down"))
	},
		WithMaxAttempts(3),
		WithInitialDelay(time.Millisecond),
		WithOnRetry(func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }),
	)

	assert.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetrier_UnmarkedErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("plain")
	}, WithMaxAttempts(4))

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelay_Capped(t *testing.T) {
	r := New(WithInitialDelay(time.Second), WithMaxDelay(3*time.Second), WithJitter(0))
	assert.Equal(t, time.Second, r.calculateDelay(1))
	assert.Equal(t, 2*time.Second, r.calculateDelay(2))
	assert.Equal(t, 3*time.Second, r.calculateDelay(5))
}

func TestCalculateDelay_Multiplier(t *testing.T) {
	r := New(WithInitialDelay(100*time.Millisecond), WithMultiplier(3), WithMaxDelay(time.Minute), WithJitter(0))
	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 300*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 900*time.Millisecond, r.calculateDelay(3))
}

func TestDoWithData(t *testing.T) {
	v, err := DoWithData(context.Background(), func(context.Context) (int, error) { return 42, nil })
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}
