package xretry

import "errors"

var (
	ErrNilContext = errors.New("xretry: nil context")
	ErrNilFunc    = errors.New("xretry: nil function")
)

// PermanentError 包装后立即停止重试，[Do] 返回的错误链中仍能取到原始错误
type PermanentError struct {
	Err error
}

// NewPermanentError 把 err 标记为不可重试
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "xretry: permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// IsRetryable 默认分类函数。nil 不重试；错误链上有实现 Retryable() bool 的错误
// （如 [PermanentError]、熔断器拒绝）时以它为准；其余都重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
