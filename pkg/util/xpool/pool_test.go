package xpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPool_ProcessesAllAndDrainsOnStop(t *testing.T) {
	var sum atomic.Int64
	p, err := New(4, 8, func(n int) { sum.Add(int64(n)) }, WithLogger(xlog.Discard()))
	require.NoError(t, err)
	p.Start()
	p.Start()

	for i := 1; i <= 100; i++ {
		require.NoError(t, p.Submit(context.Background(), i))
	}
	p.Stop()
	p.Stop()

	assert.Equal(t, int64(5050), sum.Load())
	assert.ErrorIs(t, p.Submit(context.Background(), 1), ErrPoolStopped)
	assert.ErrorIs(t, p.TrySubmit(1), ErrPoolStopped)
}

func TestPool_SubmitBlocksUntilSpace(t *testing.T) {
	release := make(chan struct{})
	var done atomic.Int32
	p, err := New(1, 0, func(int) {
		<-release
		done.Add(1)
	}, WithLogger(xlog.Discard()))
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Submit(context.Background(), 1)) // worker 持有
	assert.ErrorIs(t, p.TrySubmit(2), ErrQueueFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, 2), context.DeadlineExceeded)

	submitted := make(chan error, 1)
	go func() { submitted <- p.Submit(context.Background(), 3) }()
	close(release)
	require.NoError(t, <-submitted)

	p.Stop()
	assert.Equal(t, int32(2), done.Load())
}

func TestPool_StopUnblocksSubmitters(t *testing.T) {
	block := make(chan struct{})
	p, err := New(1, 0, func(int) { <-block }, WithLogger(xlog.Discard()))
	require.NoError(t, err)
	p.Start()
	require.NoError(t, p.Submit(context.Background(), 1))

	var wg sync.WaitGroup
	wg.Add(1)
	var submitErr error
	go func() {
		defer wg.Done()
		submitErr = p.Submit(context.Background(), 2)
	}()

	time.Sleep(20 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	wg.Wait()
	assert.ErrorIs(t, submitErr, ErrPoolStopped)

	close(block)
	<-stopped
}

func TestPool_RecoversPanic(t *testing.T) {
	var handled atomic.Int32
	p, err := New(1, 4, func(n int) {
		if n == 0 {
			panic("bad item")
		}
		handled.Add(1)
	}, WithLogger(xlog.Discard()), WithName("test"))
	require.NoError(t, err)
	p.Start()

	for _, n := range []int{0, 1, 2} {
		require.NoError(t, p.Submit(context.Background(), n))
	}
	p.Stop()
	assert.Equal(t, int32(2), handled.Load())
	assert.Equal(t, 1, p.Workers())
}

func TestPool_StopWithoutStartDrains(t *testing.T) {
	var handled atomic.Int32
	p, err := New(2, 4, func(int) { handled.Add(1) })
	require.NoError(t, err)
	require.NoError(t, p.TrySubmit(1))
	require.NoError(t, p.TrySubmit(2))
	p.Stop()
	assert.Equal(t, int32(2), handled.Load())
}

func TestNew_NilHandler(t *testing.T) {
	_, err := New[int](1, 1, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}
