package xdelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omeyang/xdelay/pkg/resilience/xbreaker"
)

// BreakerStore 熔断装饰器。
//
// 只有瞬时存储错误计入失败；熔断打开期间请求直接失败，
// 错误同时匹配 ErrStoreUnavailable 与 xbreaker.ErrOpen，消费循环按瞬时错误退避。
type BreakerStore struct {
	next    SortedSetStore
	breaker *xbreaker.Breaker
}

// NewBreakerStore 用 breaker 包装 next。breaker 为 nil 时使用默认配置（连续 5 次失败熔断）。
func NewBreakerStore(next SortedSetStore, breaker *xbreaker.Breaker) (*BreakerStore, error) {
	if next == nil {
		return nil, ErrNilStore
	}
	if breaker == nil {
		breaker = NewStoreBreaker("xdelay-store")
	}
	return &BreakerStore{next: next, breaker: breaker}, nil
}

// NewStoreBreaker 创建把非瞬时错误视为成功的熔断器
func NewStoreBreaker(name string, opts ...xbreaker.Option) *xbreaker.Breaker {
	opts = append([]xbreaker.Option{xbreaker.WithSuccessPolicy(func(err error) bool {
		return err == nil || !IsTransient(err)
	})}, opts...)
	return xbreaker.New(name, opts...)
}

// Breaker 返回底层熔断器
func (s *BreakerStore) Breaker() *xbreaker.Breaker { return s.breaker }

func (s *BreakerStore) Add(ctx context.Context, task Task, overwrite bool) (bool, error) {
	added, err := xbreaker.Execute(ctx, s.breaker, func() (bool, error) {
		return s.next.Add(ctx, task, overwrite)
	})
	return added, s.wrap(err)
}

func (s *BreakerStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := xbreaker.Execute(ctx, s.breaker, func() ([]string, error) {
		return s.next.Due(ctx, now, limit)
	})
	return ids, s.wrap(err)
}

type claimResult struct {
	task Task
	ok   bool
}

func (s *BreakerStore) Claim(ctx context.Context, id string, now time.Time) (Task, bool, error) {
	res, err := xbreaker.Execute(ctx, s.breaker, func() (claimResult, error) {
		t, ok, err := s.next.Claim(ctx, id, now)
		return claimResult{task: t, ok: ok}, err
	})
	return res.task, res.ok, s.wrap(err)
}

func (s *BreakerStore) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := xbreaker.Execute(ctx, s.breaker, func() (bool, error) {
		return s.next.Remove(ctx, id)
	})
	return removed, s.wrap(err)
}

func (s *BreakerStore) Len(ctx context.Context) (int64, error) {
	n, err := xbreaker.Execute(ctx, s.breaker, func() (int64, error) {
		return s.next.Len(ctx)
	})
	return n, s.wrap(err)
}

func (s *BreakerStore) wrap(err error) error {
	if err != nil && errors.Is(err, xbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
