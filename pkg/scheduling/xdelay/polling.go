package xdelay

import (
	"cmp"
	"context"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
)

// PollingRegistry 基线策略：任务存于 map，单个 goroutine 反复全量扫描。
//
// 每轮扫描 O(n)，默认两轮之间没有停顿，会持续占用一个 CPU。
// 扫描在互斥锁内完成"挑出到期项并删除"，释放锁后再分发，
// 因此生产者并发 Schedule/Cancel 不会与迭代交错。
type PollingRegistry struct {
	dispatcher *Dispatcher
	opts       *options
	logger     xlog.Logger

	mu    sync.Mutex
	tasks map[string]Task

	sweeps atomic.Uint64
}

// NewPollingRegistry 创建轮询注册表
func NewPollingRegistry(d *Dispatcher, opts ...Option) (*PollingRegistry, error) {
	if d == nil {
		return nil, ErrNilDispatcher
	}
	o := buildOptions(opts)
	return &PollingRegistry{
		dispatcher: d,
		opts:       o,
		logger:     o.logger.With(xlog.Strategy("polling")),
		tasks:      make(map[string]Task),
	}, nil
}

// Add 等价于 Schedule(context.Background(), task)
func (r *PollingRegistry) Add(task Task) error {
	return r.Schedule(context.Background(), task)
}

func (r *PollingRegistry) Schedule(_ context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; ok && r.opts.duplicate == DuplicateReject {
		return ErrDuplicateID
	}
	r.tasks[task.ID] = task
	return nil
}

func (r *PollingRegistry) Cancel(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return false, nil
	}
	delete(r.tasks, id)
	return true, nil
}

func (r *PollingRegistry) Len(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks), nil
}

// Sweeps 返回已完成的扫描轮数
func (r *PollingRegistry) Sweeps() uint64 {
	return r.sweeps.Load()
}

// Run 持续扫描直到 ctx 结束
func (r *PollingRegistry) Run(ctx context.Context) error {
	r.logger.Info(ctx, "polling registry started")
	defer r.logger.Info(ctx, "polling registry stopped", xlog.Count(int64(r.sweeps.Load())))

	dispatchCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.sweep(dispatchCtx, time.Now())

		if r.opts.pollInterval <= 0 {
			runtime.Gosched()
			continue
		}
		if !sleepContext(ctx, r.opts.pollInterval) {
			return nil
		}
	}
}

// sweep 取出 now 时刻所有到期任务并按到期时间顺序分发，返回分发数量
func (r *PollingRegistry) sweep(ctx context.Context, now time.Time) int {
	var due []Task
	r.mu.Lock()
	for id, t := range r.tasks {
		if t.Due(now) {
			due = append(due, t)
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()
	r.sweeps.Add(1)

	slices.SortFunc(due, func(a, b Task) int {
		return cmp.Or(a.DueAt.Compare(b.DueAt), cmp.Compare(a.ID, b.ID))
	})
	for _, t := range due {
		_ = r.dispatcher.Dispatch(ctx, t)
	}
	return len(due)
}
