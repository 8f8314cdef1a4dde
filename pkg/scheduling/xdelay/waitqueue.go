package xdelay

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
)

// PriorityWaitQueue 进程内阻塞最小堆。
//
// 按到期时间排序，到期时间相同按入队顺序。Take 在锁内计算堆顶剩余时间，
// 释放锁后等待"定时器到期 / 堆顶变化广播 / ctx 结束"三者之一，醒来后重新判断，
// 既不忙等也不会错过唤醒。多个 Take 并发时由锁串行化出堆，各自拿到不同任务。
type PriorityWaitQueue struct {
	dispatcher *Dispatcher
	opts       *options
	logger     xlog.Logger

	mu   sync.Mutex
	heap taskHeap
	byID map[string]*heapItem
	seq  uint64
	// wake 在堆顶可能变化时关闭并替换，等待者据此重新计算截止时间
	wake chan struct{}
}

// NewPriorityWaitQueue 创建阻塞队列。d 为 nil 时只能使用 Put/Take，Run 返回 ErrNilDispatcher。
func NewPriorityWaitQueue(d *Dispatcher, opts ...Option) *PriorityWaitQueue {
	o := buildOptions(opts)
	return &PriorityWaitQueue{
		dispatcher: d,
		opts:       o,
		logger:     o.logger.With(xlog.Strategy("heap")),
		byID:       make(map[string]*heapItem),
		wake:       make(chan struct{}),
	}
}

// Put 入队，不阻塞。新任务成为堆顶时唤醒所有等待者。
func (q *PriorityWaitQueue) Put(task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.byID[task.ID]; ok {
		if q.opts.duplicate == DuplicateReject {
			return ErrDuplicateID
		}
		it.task = task
		heap.Fix(&q.heap, it.index)
		q.broadcast()
		return nil
	}

	q.seq++
	it := &heapItem{task: task, seq: q.seq}
	heap.Push(&q.heap, it)
	q.byID[task.ID] = it
	if it.index == 0 {
		q.broadcast()
	}
	return nil
}

// Take 阻塞直到堆顶任务到期，弹出并返回。队列为空时一直等待 Put 或 ctx 结束。
func (q *PriorityWaitQueue) Take(ctx context.Context) (Task, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if task, ok := q.popDueLocked(time.Now()); ok {
			q.mu.Unlock()
			return task, nil
		}
		wake := q.wake
		var deadline <-chan time.Time
		if len(q.heap) > 0 {
			delay := q.heap[0].task.Delay(time.Now())
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			deadline = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-wake:
		case <-deadline:
		}
	}
}

// Poll 非阻塞：堆顶已到期则弹出返回，否则返回 false
func (q *PriorityWaitQueue) Poll() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popDueLocked(time.Now())
}

// PeekDelay 返回堆顶任务的剩余等待时间，已到期为 0；队列为空返回 false
func (q *PriorityWaitQueue) PeekDelay() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].task.Delay(time.Now()), true
}

// Remove 按 ID 移除尚未被取走的任务
func (q *PriorityWaitQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, id)
	return true
}

func (q *PriorityWaitQueue) Schedule(_ context.Context, task Task) error {
	return q.Put(task)
}

func (q *PriorityWaitQueue) Cancel(_ context.Context, id string) (bool, error) {
	return q.Remove(id), nil
}

func (q *PriorityWaitQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap), nil
}

// Run 启动 workers 个消费者循环 Take 并分发，ctx 结束后等待在途分发完成再返回
func (q *PriorityWaitQueue) Run(ctx context.Context) error {
	if q.dispatcher == nil {
		return ErrNilDispatcher
	}
	q.logger.Info(ctx, "wait queue started", xlog.Count(int64(q.opts.workers)))
	dispatchCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := range q.opts.workers {
		wg.Go(func() {
			for {
				task, err := q.Take(ctx)
				if err != nil {
					return
				}
				if derr := q.dispatcher.Dispatch(dispatchCtx, task); derr != nil {
					q.logger.Debug(ctx, "dispatch returned error", xlog.Worker(i), xlog.Err(derr))
				}
			}
		})
	}
	wg.Wait()
	q.logger.Info(ctx, "wait queue stopped")
	return nil
}

func (q *PriorityWaitQueue) popDueLocked(now time.Time) (Task, bool) {
	if len(q.heap) == 0 || !q.heap[0].task.Due(now) {
		return Task{}, false
	}
	it := heap.Pop(&q.heap).(*heapItem)
	delete(q.byID, it.task.ID)
	return it.task, true
}

func (q *PriorityWaitQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type heapItem struct {
	task  Task
	seq   uint64
	index int
}

// taskHeap 实现 heap.Interface
type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if c := h[i].task.DueAt.Compare(h[j].task.DueAt); c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*heapItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
