package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var errDown = errors.New("down")

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	var transitions []string
	cb := New("test",
		WithFailureThreshold(2),
		WithTimeout(time.Minute),
		WithClock(clock.Now),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDown)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDown)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := New("test",
		WithFailureThreshold(1),
		WithSuccessThreshold(1),
		WithTimeout(time.Second),
		WithClock(clock.Now),
	)

	_ = cb.Execute(context.Background(), fail)
	assert.True(t, cb.IsOpen())

	clock.Advance(2 * time.Second)
	assert.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := New("test", WithFailureThreshold(1), WithTimeout(time.Second), WithClock(clock.Now))

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(time.Second)
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), ok), ErrCircuitOpen)
}

func TestBreaker_IsFailureFilters(t *testing.T) {
	permanent := errors.New("bad request")
	cb := New("test",
		WithFailureThreshold(1),
		WithIsFailure(func(err error) bool { return !errors.Is(err, permanent) }),
	)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return permanent })
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 5, cb.Counts().TotalSuccesses)
}

func TestBreaker_FallbackAndReset(t *testing.T) {
	cb := New("test", WithFailureThreshold(1))
	_ = cb.Execute(context.Background(), fail)

	err := cb.ExecuteWithFallback(context.Background(), ok, func(err error) error {
		assert.ErrorIs(t, err, ErrCircuitOpen)
		return nil
	})
	assert.NoError(t, err)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, Counts{}, cb.Counts())
}
