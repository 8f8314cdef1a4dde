package xdelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
	"github.com/omeyang/xdelay/pkg/observability/xmetrics"
	"github.com/omeyang/xdelay/pkg/util/xlru"
	"github.com/omeyang/xdelay/pkg/util/xpool"
)

const componentName = "xdelay"

// Dispatcher 把已认领的任务交给 Handler 执行。
//
// 回调的错误与 panic 在这里被吸收：记录日志、上报观测、调用失败钩子，
// 不会传回拥有它的消费循环。
type Dispatcher struct {
	handler   Handler
	logger    xlog.Logger
	observer  xmetrics.Observer
	timeout   time.Duration
	onFailure func(Task, error)
	dedup     *xlru.Cache[string, struct{}]
	pool      *xpool.Pool[dispatchJob]

	dispatched atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
}

type dispatchJob struct {
	ctx  context.Context
	task Task
}

// DispatchStats 分发统计快照
type DispatchStats struct {
	Dispatched uint64
	Failed     uint64
	Skipped    uint64
}

// DispatcherOption 分发器选项
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	logger       xlog.Logger
	observer     xmetrics.Observer
	timeout      time.Duration
	onFailure    func(Task, error)
	dedupSize    int
	dedupTTL     time.Duration
	asyncWorkers int
	asyncQueue   int
}

func WithDispatchLogger(l xlog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithDispatchObserver(o xmetrics.Observer) DispatcherOption {
	return func(c *dispatcherConfig) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithDispatchTimeout 为单次回调设置超时，0 表示不限制
func WithDispatchTimeout(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// WithFailureHook 回调失败时调用 fn，err 为 *DispatchError
func WithFailureHook(fn func(task Task, err error)) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.onFailure = fn
	}
}

// WithDedupWindow 在 ttl 内抑制同一 ID 的重复分发，最多记住 size 个 ID。
// 入池失败或回调失败的 ID 会被移出窗口，之后的重投仍会执行。
// 用于 at-least-once 场景下的进程内去重，不能替代消费端幂等。
func WithDedupWindow(size int, ttl time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) {
		if size > 0 && ttl > 0 {
			c.dedupSize = size
			c.dedupTTL = ttl
		}
	}
}

// WithAsyncDispatch 把回调放入有界 worker 池执行。
// 队列满时 Dispatch 阻塞等待，已认领的任务不会被丢弃。
func WithAsyncDispatch(workers, queue int) DispatcherOption {
	return func(c *dispatcherConfig) {
		if workers > 0 {
			c.asyncWorkers = workers
			c.asyncQueue = max(queue, 0)
		}
	}
}

// NewDispatcher 创建分发器
func NewDispatcher(h Handler, opts ...DispatcherOption) (*Dispatcher, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	cfg := dispatcherConfig{
		logger:   xlog.Default(),
		observer: xmetrics.NoopObserver{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Dispatcher{
		handler:   h,
		logger:    cfg.logger.With(xlog.Component("dispatcher")),
		observer:  cfg.observer,
		timeout:   cfg.timeout,
		onFailure: cfg.onFailure,
	}
	if cfg.dedupSize > 0 {
		dedup, err := xlru.New[string, struct{}](xlru.Config{Size: cfg.dedupSize, TTL: cfg.dedupTTL})
		if err != nil {
			return nil, fmt.Errorf("%w: dedup window: %w", ErrInvalidConfig, err)
		}
		d.dedup = dedup
	}
	if cfg.asyncWorkers > 0 {
		pool, err := xpool.New(cfg.asyncWorkers, cfg.asyncQueue, func(j dispatchJob) {
			_ = d.invoke(j.ctx, j.task)
		}, xpool.WithLogger(cfg.logger), xpool.WithName("xdelay-dispatch"))
		if err != nil {
			d.closeDedup()
			return nil, fmt.Errorf("xdelay: create dispatch pool: %w", err)
		}
		pool.Start()
		d.pool = pool
	}
	return d, nil
}

// Dispatch 执行任务回调。
//
// 同步模式返回回调错误（*DispatchError）；异步模式在任务入池后返回 nil，
// 只有 ctx 结束或分发器已关闭时返回错误。
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) error {
	if d.dedup != nil && !d.dedup.SetIfAbsent(task.ID, struct{}{}) {
		d.skipped.Add(1)
		d.logger.Debug(ctx, "duplicate dispatch suppressed", xlog.TaskID(task.ID))
		xmetrics.Record(ctx, d.observer, componentName, "dispatch.skipped", 1)
		return nil
	}
	if d.pool != nil {
		if err := d.pool.Submit(ctx, dispatchJob{ctx: ctx, task: task}); err != nil {
			d.forget(task.ID)
			d.failed.Add(1)
			d.logger.Error(ctx, "submit claimed task failed", xlog.TaskID(task.ID), xlog.Err(err))
			return fmt.Errorf("xdelay: submit %s: %w", task.ID, err)
		}
		return nil
	}
	return d.invoke(ctx, task)
}

// forget 把未成功执行的 id 移出去重窗口
func (d *Dispatcher) forget(id string) {
	if d.dedup != nil {
		d.dedup.Delete(id)
	}
}

func (d *Dispatcher) closeDedup() {
	if d.dedup != nil {
		d.dedup.Close()
	}
}

func (d *Dispatcher) invoke(ctx context.Context, task Task) (err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx, span := xmetrics.Start(ctx, d.observer, xmetrics.SpanOptions{
		Component: componentName,
		Operation: "dispatch",
		Kind:      xmetrics.KindConsumer,
		Attrs:     []xmetrics.Attr{xmetrics.String("task_id", task.ID)},
	})
	start := time.Now()
	lateness := start.Sub(task.DueAt)

	defer func() {
		if r := recover(); r != nil {
			err = &DispatchError{TaskID: task.ID, Panic: r}
			d.logger.Stack(ctx, "task handler panicked",
				xlog.TaskID(task.ID), slog.String("panic", fmt.Sprint(r)))
		} else if err != nil {
			d.logger.Error(ctx, "task handler failed", xlog.TaskID(task.ID), xlog.Err(err))
		}
		if err != nil {
			d.forget(task.ID)
			d.failed.Add(1)
			if d.onFailure != nil {
				d.onFailure(task, err)
			}
		} else {
			d.dispatched.Add(1)
			d.logger.Debug(ctx, "task dispatched", xlog.TaskID(task.ID),
				xlog.Lateness(lateness), xlog.Duration(time.Since(start)))
		}
		span.End(xmetrics.Result{Err: err, Attrs: []xmetrics.Attr{
			xmetrics.Duration("lateness_ms", lateness),
		}})
	}()

	if herr := d.handler.Handle(ctx, task); herr != nil {
		return &DispatchError{TaskID: task.ID, Err: herr}
	}
	return nil
}

// Stats 返回分发统计快照
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Dispatched: d.dispatched.Load(),
		Failed:     d.failed.Load(),
		Skipped:    d.skipped.Load(),
	}
}

// Close 等待异步池中已入队的任务执行完毕并释放去重窗口，可重复调用。
func (d *Dispatcher) Close() {
	if d.pool != nil {
		d.pool.Stop()
	}
	d.closeDedup()
}
