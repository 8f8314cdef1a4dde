package xdelay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
	"github.com/omeyang/xdelay/pkg/observability/xmetrics"
	"github.com/omeyang/xdelay/pkg/resilience/xretry"
)

// SortedSetQueue 分布式策略：到期时间作为外部有序集合的分数。
//
// 每个消费者循环：查询分数 <= now 的条目，逐个原子认领，
// 只有认领成功的一方分发。多个进程、多个 worker 之间不做任何本地协调，
// 正确性完全依赖存储的原子认领。
type SortedSetQueue struct {
	store      SortedSetStore
	dispatcher *Dispatcher
	opts       *options
	logger     xlog.Logger
	retryer    *xretry.Retryer
	idle       *xretry.ExponentialBackoff
	errBackoff *xretry.ExponentialBackoff

	polls       atomic.Uint64
	claimed     atomic.Uint64
	lost        atomic.Uint64
	storeErrors atomic.Uint64
}

// QueueStats 消费统计快照
type QueueStats struct {
	Polls       uint64
	Claimed     uint64
	LostClaims  uint64
	StoreErrors uint64
}

// NewSortedSetQueue 创建外部有序集合队列
func NewSortedSetQueue(store SortedSetStore, d *Dispatcher, opts ...Option) (*SortedSetQueue, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if d == nil {
		return nil, ErrNilDispatcher
	}
	o := buildOptions(opts)
	if o.consumerID == "" {
		o.consumerID = uuid.NewString()
	}
	q := &SortedSetQueue{
		store:      store,
		dispatcher: d,
		opts:       o,
		logger:     o.logger.With(xlog.Strategy("sortedset"), slog.String("consumer", o.consumerID)),
		idle: xretry.NewExponentialBackoff(
			xretry.WithInitialDelay(o.minBackoff),
			xretry.WithMaxDelay(o.maxBackoff),
		),
		errBackoff: xretry.NewExponentialBackoff(
			xretry.WithInitialDelay(o.minBackoff),
			xretry.WithMaxDelay(max(o.maxBackoff, 10*o.minBackoff)),
		),
	}
	q.retryer = o.retryer
	if q.retryer == nil {
		q.retryer = xretry.NewRetryer(
			xretry.WithAttempts(3),
			xretry.WithBackoff(xretry.NewExponentialBackoff(
				xretry.WithInitialDelay(o.minBackoff),
				xretry.WithMaxDelay(o.maxBackoff),
			)),
			xretry.WithOnRetry(func(attempt int, err error) {
				q.logger.Warn(context.Background(), "schedule retry",
					xlog.Attempt(attempt), xlog.Err(err))
			}),
		)
	}
	return q, nil
}

// ConsumerID 返回消费者标识
func (q *SortedSetQueue) ConsumerID() string { return q.opts.consumerID }

// Schedule 写入任务，瞬时存储错误按退避重试。
// DuplicateReject 策略下 ID 已存在返回 ErrDuplicateID。
func (q *SortedSetQueue) Schedule(ctx context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	overwrite := q.opts.duplicate == DuplicateOverwrite
	added, err := xretry.DoWithResult(ctx, q.retryer, func(ctx context.Context) (bool, error) {
		added, err := q.store.Add(ctx, task, overwrite)
		if err != nil && !IsTransient(err) {
			return false, xretry.NewPermanentError(err)
		}
		return added, err
	})
	var pe *xretry.PermanentError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	if err != nil {
		return err
	}
	if !added {
		return ErrDuplicateID
	}
	return nil
}

// Cancel 移除尚未被认领的任务。与认领竞争时只有一方成功。
func (q *SortedSetQueue) Cancel(ctx context.Context, id string) (bool, error) {
	return q.store.Remove(ctx, id)
}

func (q *SortedSetQueue) Len(ctx context.Context) (int, error) {
	n, err := q.store.Len(ctx)
	return int(n), err
}

// Stats 返回消费统计快照
func (q *SortedSetQueue) Stats() QueueStats {
	return QueueStats{
		Polls:       q.polls.Load(),
		Claimed:     q.claimed.Load(),
		LostClaims:  q.lost.Load(),
		StoreErrors: q.storeErrors.Load(),
	}
}

// Run 启动 workers 个消费循环，阻塞直到 ctx 结束
func (q *SortedSetQueue) Run(ctx context.Context) error {
	q.logger.Info(ctx, "sorted set queue started", xlog.Count(int64(q.opts.workers)))
	var wg sync.WaitGroup
	for i := range q.opts.workers {
		wg.Go(func() { q.consume(ctx, i) })
	}
	wg.Wait()
	q.logger.Info(ctx, "sorted set queue stopped")
	return nil
}

func (q *SortedSetQueue) consume(ctx context.Context, worker int) {
	logger := q.logger.With(xlog.Worker(worker))
	dispatchCtx := context.WithoutCancel(ctx)
	idleAttempt, errAttempt := 0, 0

	for ctx.Err() == nil {
		n, err := q.poll(ctx, dispatchCtx, logger)

		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			idleAttempt = 0
			errAttempt++
			wait = q.errBackoff.NextDelay(errAttempt)
			logger.Warn(ctx, "store unavailable, backing off",
				xlog.Err(err), xlog.Attempt(errAttempt), xlog.Duration(wait))
		case n == 0:
			errAttempt = 0
			idleAttempt++
			wait = q.idle.NextDelay(idleAttempt)
		default:
			idleAttempt, errAttempt = 0, 0
			continue
		}
		if !sleepContext(ctx, wait) {
			return
		}
	}
}

// poll 执行一轮查询与认领，返回本轮认领成功的数量
func (q *SortedSetQueue) poll(ctx, dispatchCtx context.Context, logger xlog.Logger) (int, error) {
	q.polls.Add(1)
	ids, err := q.store.Due(ctx, time.Now(), q.opts.batchSize)
	if err != nil {
		q.storeError(ctx, "due")
		return 0, err
	}

	claimed := 0
	for _, id := range ids {
		task, ok, err := q.store.Claim(ctx, id, time.Now())
		if err != nil {
			if IsTransient(err) || ctx.Err() != nil {
				q.storeError(ctx, "claim")
				return claimed, err
			}
			logger.Error(ctx, "skip unreadable entry", xlog.TaskID(id), xlog.Err(err))
			continue
		}
		if !ok {
			q.lost.Add(1)
			xmetrics.Record(ctx, q.opts.observer, componentName, "claim.lost", 1)
			logger.Debug(ctx, "claim lost", xlog.TaskID(id))
			continue
		}
		q.claimed.Add(1)
		claimed++
		xmetrics.Record(ctx, q.opts.observer, componentName, "claim.ok", 1)
		_ = q.dispatcher.Dispatch(dispatchCtx, task)
	}
	return claimed, nil
}

func (q *SortedSetQueue) storeError(ctx context.Context, op string) {
	q.storeErrors.Add(1)
	xmetrics.Record(ctx, q.opts.observer, componentName, "store.error", 1,
		xmetrics.String("op", op))
}

// sleepContext 等待 d 或 ctx 结束，ctx 结束时返回 false
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
