package xdelay

import (
	"context"
	"fmt"
	"strings"
)

// Scheduler 延迟任务调度策略的统一契约。
//
// Schedule 可被任意 goroutine 并发调用；Cancel 与消费并发安全，
// 与到期认领竞争时只有赢得原子移除的一方生效，输家得到 false。
// Run 阻塞直到 ctx 结束，ctx 取消时返回 nil。
type Scheduler interface {
	Schedule(ctx context.Context, task Task) error
	Cancel(ctx context.Context, id string) (bool, error)
	Len(ctx context.Context) (int, error)
	Run(ctx context.Context) error
}

// DuplicatePolicy 重复 ID 的处理策略
type DuplicatePolicy int

const (
	// DuplicateReject 拒绝重复 ID，返回 ErrDuplicateID，原任务保持不变
	DuplicateReject DuplicatePolicy = iota
	// DuplicateOverwrite 用新任务覆盖原任务的到期时间与载荷
	DuplicateOverwrite
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateReject:
		return "reject"
	case DuplicateOverwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("DuplicatePolicy(%d)", int(p))
	}
}

// MarshalText 实现 encoding.TextMarshaler
func (p DuplicatePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler，空字符串视为 reject
func (p *DuplicatePolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "reject":
		*p = DuplicateReject
	case "overwrite":
		*p = DuplicateOverwrite
	default:
		return fmt.Errorf("%w: unknown duplicate policy %q", ErrInvalidConfig, text)
	}
	return nil
}

var (
	_ Scheduler = (*PollingRegistry)(nil)
	_ Scheduler = (*PriorityWaitQueue)(nil)
	_ Scheduler = (*SortedSetQueue)(nil)
)
