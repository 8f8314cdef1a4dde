package xdelay

import (
	"context"
	"fmt"
	"time"

	"github.com/omeyang/xdelay/pkg/util/xid"
)

// Task 延迟任务。
//
// ID 在同一调度器的存储内唯一，用于幂等认领与取消；DueAt 入队后不再变化，
// 改期需要先 Cancel 再 Schedule，或在 DuplicateOverwrite 策略下覆盖写入。
// Payload 对调度器不透明，原样交给 Handler。
type Task struct {
	ID      string
	DueAt   time.Time
	Payload []byte
}

// NewTask 创建在 dueAt 到期的任务，ID 由 sonyflake 生成
func NewTask(dueAt time.Time, payload []byte) (Task, error) {
	id, err := xid.NewString()
	if err != nil {
		return Task{}, fmt.Errorf("xdelay: generate task id: %w", err)
	}
	return Task{ID: id, DueAt: dueAt, Payload: payload}, nil
}

// After 创建 d 之后到期的任务
func After(d time.Duration, payload []byte) (Task, error) {
	return NewTask(time.Now().Add(d), payload)
}

// Due 报告任务在 now 时刻是否已到期（now >= DueAt）
func (t Task) Due(now time.Time) bool {
	return !now.Before(t.DueAt)
}

// Delay 返回距离到期的剩余时间，已到期时为 0
func (t Task) Delay(now time.Time) time.Duration {
	return max(t.DueAt.Sub(now), 0)
}

func (t Task) String() string {
	return fmt.Sprintf("Task{id=%s, due=%s, payload=%dB}",
		t.ID, t.DueAt.Format("2006-01-02 15:04:05.000"), len(t.Payload))
}

func (t Task) validate() error {
	if t.ID == "" {
		return ErrEmptyID
	}
	if t.DueAt.IsZero() {
		return ErrZeroDueAt
	}
	return nil
}

// Handler 执行到期任务。同一任务只会被交付一次（进程崩溃时为至少一次），
// 实现应尽量幂等。
type Handler interface {
	Handle(ctx context.Context, task Task) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, task Task) error

func (f HandlerFunc) Handle(ctx context.Context, task Task) error {
	return f(ctx, task)
}
