package xdelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xdelay/pkg/resilience/xbreaker"
)

func TestNewBreakerStore_NilStore(t *testing.T) {
	_, err := NewBreakerStore(nil, nil)
	assert.ErrorIs(t, err, ErrNilStore)
}

func TestBreakerStore_TripsOnTransientErrors(t *testing.T) {
	coll := newFakeCollection()
	inner := newMongoStore(coll)
	s, err := NewBreakerStore(inner, NewStoreBreaker("test",
		xbreaker.WithThreshold(3), xbreaker.WithTimeout(time.Hour)))
	require.NoError(t, err)
	ctx := context.Background()

	coll.setErr(errors.New("connection reset"))
	for range 3 {
		_, err := s.Len(ctx)
		require.True(t, IsTransient(err))
	}
	assert.Equal(t, xbreaker.StateOpen, s.Breaker().State())

	coll.setErr(nil)
	_, err = s.Due(ctx, time.Now(), 10)
	assert.True(t, IsTransient(err), "open circuit reports a transient store error")
	assert.ErrorIs(t, err, xbreaker.ErrOpen)
	_, _, err = s.Claim(ctx, "x", time.Now())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestBreakerStore_PassThroughAndPermanentErrors(t *testing.T) {
	inner := newMongoStore(newFakeCollection())
	s, err := NewBreakerStore(inner, NewStoreBreaker("pass", xbreaker.WithThreshold(1)))
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	added, err := s.Add(ctx, Task{ID: "a", DueAt: now.Add(-time.Second)}, false)
	require.NoError(t, err)
	assert.True(t, added)

	ids, err := s.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	tk, ok, err := s.Claim(ctx, "a", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", tk.ID)

	removed, err := s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)

	// 取消的 ctx 不是存储故障，不应触发熔断
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Len(cctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, xbreaker.StateClosed, s.Breaker().State())
}

func TestNewBreakerStore_DefaultBreaker(t *testing.T) {
	s, err := NewBreakerStore(newMongoStore(newFakeCollection()), nil)
	require.NoError(t, err)
	assert.Equal(t, "xdelay-store", s.Breaker().Name())
}
