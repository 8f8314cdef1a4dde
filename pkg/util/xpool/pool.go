// Package xpool 提供固定 worker 数量的泛型任务池。
//
// 与丢弃式提交不同，[Pool.Submit] 在队列满时阻塞直到有空位、ctx 结束或池停止，
// 适合"已经认领、不能丢"的任务；[Pool.TrySubmit] 保留非阻塞语义。
package xpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
)

var (
	ErrNilHandler  = errors.New("xpool: nil handler")
	ErrPoolStopped = errors.New("xpool: pool is stopped")
	ErrQueueFull   = errors.New("xpool: queue is full")
)

// Pool 泛型 worker 池
type Pool[T any] struct {
	handler func(T)
	queue   chan T
	logger  xlog.Logger
	name    string
	workers int

	mu        sync.RWMutex // 读锁保护发送，写锁保护 close(queue)
	stopped   chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

// Option 池选项
type Option func(*options)

type options struct {
	logger xlog.Logger
	name   string
}

func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// New 创建池，workers < 1 视为 1，queueSize < 0 视为 0（无缓冲）
func New[T any](workers, queueSize int, handler func(T), opts ...Option) (*Pool[T], error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	o := options{logger: xlog.Default(), name: "xpool"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool[T]{
		handler: handler,
		queue:   make(chan T, max(queueSize, 0)),
		logger:  o.logger,
		name:    o.name,
		workers: max(workers, 1),
		stopped: make(chan struct{}),
	}, nil
}

// Start 启动 worker，重复调用无效果
func (p *Pool[T]) Start() {
	p.startOnce.Do(func() {
		for i := range p.workers {
			p.wg.Add(1)
			go p.work(i)
		}
	})
}

func (p *Pool[T]) work(id int) {
	defer p.wg.Done()
	for item := range p.queue {
		p.run(id, item)
	}
}

func (p *Pool[T]) run(id int, item T) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Stack(context.Background(), "worker panic recovered",
				xlog.Component(p.name), xlog.Worker(id), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	p.handler(item)
}

// Submit 阻塞提交
func (p *Pool[T]) Submit(ctx context.Context, item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	select {
	case <-p.stopped:
		return ErrPoolStopped
	default:
	}
	select {
	case p.queue <- item:
		return nil
	case <-p.stopped:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 非阻塞提交，队列满时返回 ErrQueueFull
func (p *Pool[T]) TrySubmit(item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	select {
	case <-p.stopped:
		return ErrPoolStopped
	default:
	}
	select {
	case p.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop 拒绝新任务，等待已入队任务处理完毕。可重复调用。
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.mu.Lock()
		close(p.queue)
		p.mu.Unlock()
		p.Start() // 从未启动时也要排空队列
		p.wg.Wait()
	})
}

func (p *Pool[T]) Workers() int { return p.workers }
