package xbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State 熔断器状态
type State = gobreaker.State

// Counts 统计窗口内的请求计数
type Counts = gobreaker.Counts

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

var (
	ErrNilFunc = errors.New("xbreaker: nil function")
	// ErrOpen 表示熔断器拒绝了请求（Open 或 HalfOpen 下请求过多）
	ErrOpen = errors.New("xbreaker: circuit open")
)

// BreakerError 熔断器拒绝请求时返回的错误，Retryable 为 false
type BreakerError struct {
	Name  string
	State State
	Err   error
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("xbreaker: %s is %s: %v", e.Name, e.State, e.Err)
}

func (e *BreakerError) Unwrap() []error { return []error{ErrOpen, e.Err} }

func (e *BreakerError) Retryable() bool { return false }

// Breaker 基于 sony/gobreaker/v2 的熔断器
type Breaker struct {
	name          string
	threshold     uint32
	timeout       time.Duration
	interval      time.Duration
	maxRequests   uint32
	isSuccessful  func(error) bool
	onStateChange func(name string, from, to State)

	cb *gobreaker.CircuitBreaker[any]
}

// Option 熔断器配置选项
type Option func(*Breaker)

// WithThreshold 连续失败 n 次后熔断，默认 5
func WithThreshold(n uint32) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithTimeout Open 状态持续多久后进入 HalfOpen，默认 60s
func WithTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithInterval Closed 状态下清零计数的周期，0 表示不清零
func WithInterval(d time.Duration) Option {
	return func(b *Breaker) {
		b.interval = max(d, 0)
	}
}

// WithMaxRequests HalfOpen 状态允许通过的请求数，默认 1
func WithMaxRequests(n uint32) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxRequests = n
		}
	}
}

// WithSuccessPolicy 自定义成功判定。返回 true 的错误不计入失败，
// 例如业务上的"已存在"不应触发熔断。
func WithSuccessPolicy(fn func(error) bool) Option {
	return func(b *Breaker) {
		b.isSuccessful = fn
	}
}

func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New 创建熔断器
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:        name,
		threshold:   5,
		timeout:     60 * time.Second,
		maxRequests: 1,
	}
	for _, opt := range opts {
		opt(b)
	}

	threshold := b.threshold
	st := gobreaker.Settings{
		Name:        b.name,
		MaxRequests: b.maxRequests,
		Interval:    b.interval,
		Timeout:     b.timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful:  b.isSuccessful,
		OnStateChange: b.onStateChange,
	}
	b.cb = gobreaker.NewCircuitBreaker[any](st)
	return b
}

// Do 执行受熔断器保护的操作。ctx 只做入口检查。
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	_, err := Execute(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Execute 执行受熔断器保护的带返回值操作
func Execute[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilFunc
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	var result T
	_, err := b.cb.Execute(func() (any, error) {
		var err error
		result, err = fn()
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, &BreakerError{Name: b.name, State: b.cb.State(), Err: err}
	}
	return result, err
}

func (b *Breaker) Name() string   { return b.name }
func (b *Breaker) State() State   { return b.cb.State() }
func (b *Breaker) Counts() Counts { return b.cb.Counts() }
