package xbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("store down")

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	var transitions []State
	b := New("test",
		WithThreshold(2),
		WithTimeout(time.Hour),
		WithOnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)
	ctx := context.Background()

	require.ErrorIs(t, b.Do(ctx, func() error { return errDown }), errDown)
	assert.Equal(t, StateClosed, b.State())
	require.ErrorIs(t, b.Do(ctx, func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func() error { called = true; return nil })
	assert.False(t, called)
	require.ErrorIs(t, err, ErrOpen)
	var be *BreakerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "test", be.Name)
	assert.False(t, be.Retryable())
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestBreaker_SuccessPolicy(t *testing.T) {
	errExists := errors.New("exists")
	b := New("test", WithThreshold(1), WithSuccessPolicy(func(err error) bool {
		return err == nil || errors.Is(err, errExists)
	}))

	for range 3 {
		_ = b.Do(context.Background(), func() error { return errExists })
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(0), b.Counts().ConsecutiveFailures)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b := New("test", WithThreshold(1), WithTimeout(20*time.Millisecond), WithMaxRequests(1))
	ctx := context.Background()

	_ = b.Do(ctx, func() error { return errDown })
	require.Equal(t, StateOpen, b.State())

	assert.Eventually(t, func() bool { return b.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Do(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestExecute(t *testing.T) {
	b := New("test")

	got, err := Execute(context.Background(), b, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Execute[int](context.Background(), b, nil)
	assert.ErrorIs(t, err, ErrNilFunc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Execute(ctx, b, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "test", b.Name())
}
