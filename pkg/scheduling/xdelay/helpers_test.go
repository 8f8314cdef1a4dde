package xdelay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
	"github.com/omeyang/xdelay/pkg/observability/xmetrics"
)

// firing 记录每个任务的实际触发时间
type firing struct {
	mu    sync.Mutex
	fired map[string][]time.Time
	order []string
	tasks map[string]Task
	ch    chan string
}

func newFiring() *firing {
	return &firing{
		fired: make(map[string][]time.Time),
		tasks: make(map[string]Task),
		ch:    make(chan string, 1024),
	}
}

func (f *firing) Handle(_ context.Context, t Task) error {
	now := time.Now()
	f.mu.Lock()
	f.fired[t.ID] = append(f.fired[t.ID], now)
	f.order = append(f.order, t.ID)
	f.tasks[t.ID] = t
	f.mu.Unlock()
	f.ch <- t.ID
	return nil
}

func (f *firing) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired[id])
}

func (f *firing) firstAt(id string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fired[id]) == 0 {
		return time.Time{}
	}
	return f.fired[id][0]
}

func (f *firing) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *firing) sequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// waitFor 等待 n 个任务触发
func (f *firing) waitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for range n {
		select {
		case <-f.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d firings, got %d", n, f.total())
		}
	}
}

func newTestDispatcher(t *testing.T, h Handler, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	opts = append([]DispatcherOption{WithDispatchLogger(xlog.Discard())}, opts...)
	d, err := NewDispatcher(h, opts...)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func newRedisStore(t *testing.T, client redis.UniversalClient, prefix string) *RedisStore {
	t.Helper()
	s, err := NewRedisStore(client, prefix)
	require.NoError(t, err)
	return s
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func mkTask(id string, due time.Time) Task {
	return Task{ID: id, DueAt: due, Payload: []byte(id)}
}

// runInBackground 运行调度器并在测试结束时停止
func runInBackground(t *testing.T, s Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	stop := sync.OnceFunc(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	t.Cleanup(stop)
	return stop
}

// eventObserver 记录离散事件与跨度
type eventObserver struct {
	mu     sync.Mutex
	events map[string]int64
	spans  []xmetrics.Result
}

func newEventObserver() *eventObserver {
	return &eventObserver{events: make(map[string]int64)}
}

func (o *eventObserver) Start(ctx context.Context, _ xmetrics.SpanOptions) (context.Context, xmetrics.Span) {
	return ctx, spanFunc(func(r xmetrics.Result) {
		o.mu.Lock()
		o.spans = append(o.spans, r)
		o.mu.Unlock()
	})
}

func (o *eventObserver) Record(_ context.Context, _, event string, n int64, _ ...xmetrics.Attr) {
	o.mu.Lock()
	o.events[event] += n
	o.mu.Unlock()
}

func (o *eventObserver) event(name string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[name]
}

func (o *eventObserver) results() []xmetrics.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]xmetrics.Result(nil), o.spans...)
}

type spanFunc func(xmetrics.Result)

func (f spanFunc) End(r xmetrics.Result) { f(r) }
