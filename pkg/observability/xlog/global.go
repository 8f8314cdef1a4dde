package xlog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// 全局 Logger，面向命令行工具等简单场景。库代码通过选项显式注入 Logger。
var (
	globalLogger atomic.Pointer[LoggerWithLevel]
	globalMu     sync.Mutex
)

// Default 返回全局 Logger，首次调用时惰性创建（stderr、Info、text）
func Default() LoggerWithLevel {
	if l := globalLogger.Load(); l != nil {
		return *l
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if l := globalLogger.Load(); l != nil {
		return *l
	}

	logger, _, err := New().Build()
	if err != nil {
		// 默认参数不会失败，这里只做降级
		fmt.Fprintf(os.Stderr, "xlog: build default logger: %v\n", err)
		logger = &xlogger{
			handler:    slog.NewTextHandler(os.Stderr, nil),
			levelVar:   new(slog.LevelVar),
			errorCount: new(atomic.Uint64),
		}
	}
	globalLogger.Store(&logger)
	return logger
}

// SetDefault 替换全局 Logger，nil 被忽略
func SetDefault(l LoggerWithLevel) {
	if l == nil {
		return
	}
	globalLogger.Store(&l)
}

// ResetDefault 重置为未初始化状态（测试用）
func ResetDefault() {
	globalLogger.Store(nil)
}

// Discard 返回丢弃所有输出的 Logger，用于测试和未注入 Logger 的组件
func Discard() LoggerWithLevel {
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelError + 1)
	return &xlogger{
		handler:    slog.DiscardHandler,
		levelVar:   levelVar,
		errorCount: new(atomic.Uint64),
	}
}
