package xrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
)

// ErrSignal 收到退出信号。Run 将其视为正常退出。
var ErrSignal = errors.New("received signal")

// SignalError 携带具体信号，errors.Is(err, ErrSignal) 为 true
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("received signal %v", e.Signal)
}

func (e *SignalError) Unwrap() error { return ErrSignal }

// DefaultSignals 返回默认监听的退出信号
func DefaultSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

// Group 基于 errgroup 的服务组：任一服务返回错误即取消全部，Wait 返回首个错误。
type Group struct {
	eg       *errgroup.Group
	parent   context.Context
	ctx      context.Context
	causeCtx context.Context
	cancel   context.CancelCauseFunc
	logger   xlog.Logger
	name     string
}

// Option 服务组选项
type Option func(*runOptions)

type runOptions struct {
	logger  xlog.Logger
	name    string
	signals []os.Signal
	noSig   bool
}

func WithLogger(l xlog.Logger) Option {
	return func(o *runOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithName(name string) Option {
	return func(o *runOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithSignals 替换监听的信号列表
func WithSignals(signals ...os.Signal) Option {
	copied := append([]os.Signal(nil), signals...)
	return func(o *runOptions) {
		o.signals = copied
	}
}

// WithoutSignalHandler 不监听信号，仅靠 ctx 退出
func WithoutSignalHandler() Option {
	return func(o *runOptions) {
		o.noSig = true
	}
}

func buildOptions(opts []Option) *runOptions {
	o := &runOptions{logger: xlog.Default(), name: "xrun", signals: DefaultSignals()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// NewGroup 创建服务组，返回的 ctx 在任一服务失败或 Cancel 时取消
func NewGroup(ctx context.Context, opts ...Option) (*Group, context.Context) {
	o := buildOptions(opts)
	causeCtx, cancel := context.WithCancelCause(ctx)
	eg, egCtx := errgroup.WithContext(causeCtx)
	return &Group{
		eg:       eg,
		parent:   ctx,
		ctx:      egCtx,
		causeCtx: causeCtx,
		cancel:   cancel,
		logger:   o.logger,
		name:     o.name,
	}, egCtx
}

// Go 启动一个命名服务
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		ctx := g.ctx
		g.logger.Debug(ctx, "service starting", xlog.Component(g.name), xlog.Operation(name))
		err := fn(ctx)
		if err != nil && !g.isShutdown(err) {
			g.logger.Warn(ctx, "service exited with error",
				xlog.Component(g.name), xlog.Operation(name), xlog.Err(err))
		} else {
			g.logger.Debug(ctx, "service stopped", xlog.Component(g.name), xlog.Operation(name))
		}
		return err
	})
}

// Cancel 以 cause 取消整个服务组
func (g *Group) Cancel(cause error) {
	g.cancel(cause)
}

// Wait 等待所有服务退出。
// context.Canceled 以及父 ctx 结束（取消或超时）都视为正常退出；
// Cancel 传入的 cause 会被返回。
func (g *Group) Wait() error {
	defer g.cancel(nil)
	err := g.eg.Wait()

	if err != nil && !g.isShutdown(err) {
		return err
	}
	if g.causeCtx.Err() != nil {
		if cause := context.Cause(g.causeCtx); cause != nil && !g.isShutdown(cause) {
			return cause
		}
	}
	return nil
}

// isShutdown 报告 err 是否只是 ctx 结束的结果
func (g *Group) isShutdown(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return g.parent.Err() != nil && errors.Is(err, context.DeadlineExceeded)
}

// Service 可运行的服务，Run 应在 ctx 结束后尽快返回
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc 函数适配器
type ServiceFunc func(ctx context.Context) error

func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

// Run 运行服务直到全部退出、任一失败、ctx 结束或收到信号。
// 收到信号视为正常退出，返回 nil。
func Run(ctx context.Context, services map[string]Service, opts ...Option) error {
	for name, svc := range services {
		if svc == nil {
			return fmt.Errorf("xrun: nil service %q", name)
		}
	}
	o := buildOptions(opts)
	g, _ := NewGroup(ctx, opts...)

	// 所有业务服务退出后信号监听也要退出，否则 Wait 永远不会返回
	var wg sync.WaitGroup
	servicesDone := make(chan struct{})
	for name, svc := range services {
		wg.Add(1)
		g.Go(name, func(ctx context.Context) error {
			defer wg.Done()
			return svc.Run(ctx)
		})
	}
	go func() {
		wg.Wait()
		close(servicesDone)
	}()

	if !o.noSig {
		g.Go("signal", func(ctx context.Context) error {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, o.signals...)
			defer signal.Stop(ch)
			select {
			case sig := <-ch:
				g.logger.Info(ctx, "received signal", xlog.Component(g.name), xlog.Operation(sig.String()))
				g.Cancel(&SignalError{Signal: sig})
			case <-ctx.Done():
			case <-servicesDone:
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, ErrSignal) {
		return nil
	}
	return err
}
