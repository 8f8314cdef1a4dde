package xretry

import (
	"context"
	"math"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// Retryer 基于 avast/retry-go/v5 的重试执行器
type Retryer struct {
	attempts  int
	backoff   BackoffPolicy
	retryable func(error) bool
	onRetry   func(attempt int, err error)
}

// RetryerOption 执行器配置选项
type RetryerOption func(*Retryer)

// WithAttempts 设置最大尝试次数（包含首次），n <= 0 表示直到成功或 ctx 结束
func WithAttempts(n int) RetryerOption {
	return func(r *Retryer) {
		r.attempts = n
	}
}

func WithBackoff(p BackoffPolicy) RetryerOption {
	return func(r *Retryer) {
		if p != nil {
			r.backoff = p
		}
	}
}

// WithRetryIf 设置错误分类函数，默认 [IsRetryable]
func WithRetryIf(fn func(error) bool) RetryerOption {
	return func(r *Retryer) {
		if fn != nil {
			r.retryable = fn
		}
	}
}

// WithOnRetry 设置重试回调，attempt 从 1 开始
func WithOnRetry(fn func(attempt int, err error)) RetryerOption {
	return func(r *Retryer) {
		if fn != nil {
			r.onRetry = fn
		}
	}
}

// NewRetryer 创建重试执行器，默认 3 次尝试、指数退避
func NewRetryer(opts ...RetryerOption) *Retryer {
	r := &Retryer{
		attempts:  3,
		backoff:   NewExponentialBackoff(),
		retryable: IsRetryable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do 执行 fn 直到成功、遇到不可重试错误、次数耗尽或 ctx 结束，返回最后一个错误
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		return ErrNilContext
	}
	if fn == nil {
		return ErrNilFunc
	}
	return retry.New(r.options(ctx)...).Do(func() error {
		return fn(ctx)
	})
}

// DoWithResult 是带返回值的 Do
func DoWithResult[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		return zero, ErrNilContext
	}
	if fn == nil {
		return zero, ErrNilFunc
	}
	return retry.NewWithData[T](r.options(ctx)...).Do(func() (T, error) {
		return fn(ctx)
	})
}

func (r *Retryer) options(ctx context.Context) []retry.Option {
	opts := make([]retry.Option, 0, 6)
	opts = append(opts, retry.Context(ctx))
	if r.attempts <= 0 {
		opts = append(opts, retry.UntilSucceeded())
	} else {
		opts = append(opts, retry.Attempts(uint(r.attempts)))
	}

	retryable := r.retryable
	opts = append(opts, retry.RetryIf(func(err error) bool {
		return ctx.Err() == nil && retryable(err)
	}))

	backoff := r.backoff
	// retry-go v5 中 DelayType 的 n 从 1 开始
	opts = append(opts, retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
		return backoff.NextDelay(clampInt(n))
	}))

	if r.onRetry != nil {
		onRetry := r.onRetry
		// OnRetry 的 n 从 0 开始
		opts = append(opts, retry.OnRetry(func(n uint, err error) {
			onRetry(clampInt(n)+1, err)
		}))
	}
	return append(opts, retry.LastErrorOnly(true))
}

func clampInt(n uint) int {
	if n > uint(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(n)
}
