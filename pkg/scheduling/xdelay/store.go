package xdelay

import (
	"context"
	"time"
)

// SortedSetStore 外部有序集合存储。
//
// 分数为毫秒时间戳：写入时到期时间向上取整，查询时当前时间向下取整，
// 取整误差只会让任务晚触发，不会提前。
type SortedSetStore interface {
	// Add 写入任务。overwrite 为 false 且 ID 已存在时返回 (false, nil)，原条目不变；
	// 已存在的条目与 task 分数、载荷都相同时视为同一次写入，返回 (true, nil)，
	// 使生产端在应答丢失后的重试保持幂等。
	Add(ctx context.Context, task Task, overwrite bool) (bool, error)
	// Due 返回分数不大于 now 的最多 limit 个 ID，按分数升序
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Claim 原子地移除已到期的条目并返回任务。
	// 条目不存在或尚未到期时返回 ok=false，调用方视为认领丢失。
	Claim(ctx context.Context, id string, now time.Time) (Task, bool, error)
	// Remove 无条件移除条目，返回是否存在
	Remove(ctx context.Context, id string) (bool, error)
	Len(ctx context.Context) (int64, error)
}

var (
	_ SortedSetStore = (*RedisStore)(nil)
	_ SortedSetStore = (*MongoStore)(nil)
	_ SortedSetStore = (*EtcdStore)(nil)
	_ SortedSetStore = (*BreakerStore)(nil)
)

// dueScore 到期时间的毫秒分数，向上取整
func dueScore(t time.Time) int64 {
	ns := t.UnixNano()
	ms := ns / int64(time.Millisecond)
	if ns%int64(time.Millisecond) > 0 {
		ms++
	}
	return ms
}

// nowScore 当前时间的毫秒分数，向下取整
func nowScore(t time.Time) int64 {
	ns := t.UnixNano()
	ms := ns / int64(time.Millisecond)
	if ns%int64(time.Millisecond) < 0 {
		ms--
	}
	return ms
}
