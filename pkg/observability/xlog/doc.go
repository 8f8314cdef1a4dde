// Package xlog 基于 log/slog 的结构化日志库。
//
// # 创建 Logger
//
// 使用 Builder 模式（first-error-wins）：
//
//	logger, cleanup, err := xlog.New().
//		SetLevelString("debug").
//		SetFormat("json").
//		SetRotation("/var/log/xdelay.log", xlog.RotationConfig{MaxSizeMB: 100}).
//		Build()
//	defer cleanup()
//
// 构建出的 [LoggerWithLevel] 支持运行时调整级别，派生 logger（With/WithGroup）
// 共享同一个级别变量。
//
// # 便捷属性
//
// 通用：[Err]、[Duration]、[Component]、[Operation]、[Count]。
// 延迟任务：[TaskID]、[DueAt]、[Lateness]、[Strategy]、[Worker]、[Attempt]。
//
// # 全局 Logger
//
// [Default] 惰性创建，[SetDefault] 替换，[Discard] 返回静默实例。
package xlog
