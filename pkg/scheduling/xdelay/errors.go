package xdelay

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyID 任务 ID 为空
	ErrEmptyID = errors.New("xdelay: empty task id")
	// ErrZeroDueAt 任务未设置到期时间
	ErrZeroDueAt = errors.New("xdelay: zero due time")
	// ErrDuplicateID 同 ID 任务已在存储中（DuplicateReject 策略）
	ErrDuplicateID = errors.New("xdelay: duplicate task id")
	// ErrClaimLost 认领时条目已被其他消费者取走或已被取消。
	// 消费循环内部把它当作正常分支处理，不向外返回。
	ErrClaimLost = errors.New("xdelay: claim lost")
	// ErrStoreUnavailable 外部存储暂时不可用，可重试
	ErrStoreUnavailable = errors.New("xdelay: store unavailable")

	ErrNilHandler    = errors.New("xdelay: nil handler")
	ErrNilStore      = errors.New("xdelay: nil store")
	ErrNilClient     = errors.New("xdelay: nil store client")
	ErrNilDispatcher = errors.New("xdelay: nil dispatcher")
	ErrInvalidConfig = errors.New("xdelay: invalid config")
	ErrCorruptEntry  = errors.New("xdelay: corrupt store entry")
)

// DispatchError 回调执行失败，Panic 非空表示回调 panic
type DispatchError struct {
	TaskID string
	Err    error
	Panic  any
}

func (e *DispatchError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("xdelay: dispatch %s panicked: %v", e.TaskID, e.Panic)
	}
	return fmt.Sprintf("xdelay: dispatch %s: %v", e.TaskID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsTransient 报告 err 是否为可重试的存储错误
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// storeError 将驱动错误包装为 ErrStoreUnavailable。
// context 错误原样返回，调用方据此区分"被取消"与"存储故障"。
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
