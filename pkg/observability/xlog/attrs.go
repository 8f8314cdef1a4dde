package xlog

import (
	"log/slog"
	"time"
)

// 常用属性 Key
const (
	KeyError     = "error"
	KeyStack     = "stack"
	KeyDuration  = "duration"
	KeyCount     = "count"
	KeyComponent = "component"
	KeyOperation = "operation"

	// 延迟任务相关
	KeyTaskID   = "task_id"
	KeyDueAt    = "due_at"
	KeyLateness = "lateness"
	KeyStrategy = "strategy"
	KeyWorker   = "worker"
	KeyAttempt  = "attempt"
)

// Err 创建错误属性，err 为 nil 时返回空属性（slog 会忽略）
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Duration 创建耗时属性，输出人类可读格式（如 "1.5s"）
func Duration(d time.Duration) slog.Attr {
	return slog.String(KeyDuration, d.String())
}

func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

func Operation(name string) slog.Attr {
	return slog.String(KeyOperation, name)
}

func Count(n int64) slog.Attr {
	return slog.Int64(KeyCount, n)
}

// TaskID 任务标识
func TaskID(id string) slog.Attr {
	return slog.String(KeyTaskID, id)
}

// DueAt 任务到期时间，统一格式化为 RFC3339（毫秒）
func DueAt(t time.Time) slog.Attr {
	return slog.String(KeyDueAt, t.Format("2006-01-02T15:04:05.000Z07:00"))
}

// Lateness 实际触发时间相对到期时间的滞后
func Lateness(d time.Duration) slog.Attr {
	return slog.String(KeyLateness, d.String())
}

// Strategy 调度策略名（polling/heap/redis/...）
func Strategy(name string) slog.Attr {
	return slog.String(KeyStrategy, name)
}

// Worker 消费者编号
func Worker(n int) slog.Attr {
	return slog.Int(KeyWorker, n)
}

func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
