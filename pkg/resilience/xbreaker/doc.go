// Package xbreaker 基于 sony/gobreaker/v2 的熔断器。
//
// 默认连续失败 5 次熔断，60 秒后进入 HalfOpen 试探。熔断拒绝时返回
// [*BreakerError]，可用 errors.Is(err, ErrOpen) 判断。
//
//	b := xbreaker.New("redis-store", xbreaker.WithThreshold(3))
//	err := b.Do(ctx, func() error { return client.Ping(ctx).Err() })
package xbreaker
