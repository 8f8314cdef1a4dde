package xdelay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisStore_Keys(t *testing.T) {
	_, client := newMiniredis(t)

	zset, hash := newRedisStore(t, client, "").Keys()
	assert.Equal(t, "{xdelay}:zset", zset)
	assert.Equal(t, "{xdelay}:payload", hash)

	zset, _ = newRedisStore(t, client, "orders").Keys()
	assert.Equal(t, "{orders}:zset", zset)

	_, err := NewRedisStore(nil, "x")
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestRedisStore_AddClaimRemove(t *testing.T) {
	mr, client := newMiniredis(t)
	s := newRedisStore(t, client, "t")
	ctx := context.Background()
	require.NoError(t, s.Warmup(ctx))

	now := time.Now()
	due := now.Add(-time.Second)
	added, err := s.Add(ctx, Task{ID: "a", DueAt: due, Payload: []byte("hello")}, false)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Add(ctx, Task{ID: "a", DueAt: now.Add(time.Hour)}, false)
	require.NoError(t, err)
	assert.False(t, added, "existing id must not be replaced")
	score, err := mr.ZScore("{t}:zset", "a")
	require.NoError(t, err)
	assert.Equal(t, float64(dueScore(due)), score)

	_, err = s.Add(ctx, Task{ID: "b", DueAt: now.Add(time.Hour)}, false)
	require.NoError(t, err)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err := s.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	_, ok, err := s.Claim(ctx, "b", now)
	require.NoError(t, err)
	assert.False(t, ok, "claim must not take an entry that is not due")

	tk, ok, err := s.Claim(ctx, "a", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", tk.ID)
	assert.Equal(t, []byte("hello"), tk.Payload)
	assert.Equal(t, dueScore(due), tk.DueAt.UnixMilli())
	assert.Empty(t, mr.HGet("{t}:payload", "a"))

	_, ok, err = s.Claim(ctx, "a", now)
	require.NoError(t, err)
	assert.False(t, ok, "second claim is lost")

	removed, err := s.Remove(ctx, "b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Remove(ctx, "b")
	require.NoError(t, err)
	assert.False(t, removed)
	n, _ = s.Len(ctx)
	assert.Zero(t, n)
}

func TestRedisStore_Overwrite(t *testing.T) {
	_, client := newMiniredis(t)
	s := newRedisStore(t, client, "ow")
	ctx := context.Background()
	now := time.Now()

	_, err := s.Add(ctx, Task{ID: "a", DueAt: now.Add(time.Hour), Payload: []byte("v1")}, false)
	require.NoError(t, err)
	added, err := s.Add(ctx, Task{ID: "a", DueAt: now.Add(-time.Second), Payload: []byte("v2")}, true)
	require.NoError(t, err)
	assert.True(t, added)

	tk, ok, err := s.Claim(ctx, "a", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), tk.Payload)
}

func TestRedisStore_DueLimitAndOrder(t *testing.T) {
	_, client := newMiniredis(t)
	s := newRedisStore(t, client, "lim")
	ctx := context.Background()
	now := time.Now()
	for i := range 5 {
		_, err := s.Add(ctx, Task{ID: fmt.Sprintf("t%d", i), DueAt: now.Add(-time.Duration(5-i) * time.Second)}, false)
		require.NoError(t, err)
	}
	ids, err := s.Due(ctx, now, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"t0", "t1", "t2"}, ids)
}

func TestRedisStore_ConcurrentClaimSingleWinner(t *testing.T) {
	_, client := newMiniredis(t)
	s := newRedisStore(t, client, "race")
	ctx := context.Background()
	now := time.Now()
	_, err := s.Add(ctx, Task{ID: "hot", DueAt: now.Add(-time.Millisecond)}, false)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			_, ok, err := s.Claim(ctx, "hot", time.Now())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisStore_TransientErrors(t *testing.T) {
	mr, client := newMiniredis(t)
	s := newRedisStore(t, client, "down")
	ctx := context.Background()
	_, err := s.Len(ctx)
	require.NoError(t, err)
	mr.SetError("ERR simulated outage")

	_, err = s.Add(ctx, Task{ID: "a", DueAt: time.Now()}, false)
	assert.True(t, IsTransient(err), "%v", err)
	_, err = s.Due(ctx, time.Now(), 1)
	assert.True(t, IsTransient(err))
	_, _, err = s.Claim(ctx, "a", time.Now())
	assert.True(t, IsTransient(err))
	_, err = s.Remove(ctx, "a")
	assert.True(t, IsTransient(err))
	_, err = s.Len(ctx)
	assert.True(t, IsTransient(err))

	mr.SetError("")
	_, err = s.Len(ctx)
	assert.NoError(t, err)
}

func TestRedisStore_AddIdenticalIsIdempotent(t *testing.T) {
	_, client := newMiniredis(t)
	s := newRedisStore(t, client, "idem")
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	for _, tk := range []Task{
		{ID: "a", DueAt: due, Payload: []byte("close order")},
		{ID: "empty", DueAt: due},
	} {
		added, err := s.Add(ctx, tk, false)
		require.NoError(t, err)
		require.True(t, added)
		added, err = s.Add(ctx, tk, false)
		require.NoError(t, err)
		assert.True(t, added, "re-adding %s unchanged", tk.ID)
	}

	added, err := s.Add(ctx, Task{ID: "a", DueAt: due, Payload: []byte("other")}, false)
	require.NoError(t, err)
	assert.False(t, added, "different payload")
	added, err = s.Add(ctx, Task{ID: "a", DueAt: due.Add(time.Second), Payload: []byte("close order")}, false)
	require.NoError(t, err)
	assert.False(t, added, "different due time")

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
