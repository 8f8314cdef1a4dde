// Package observability 提供可观测性相关的子包。
//
// 子包列表：
//   - xlog: 结构化日志，基于 log/slog 扩展，支持运行时调级和文件轮转
//   - xmetrics: 统一观测接口（跨度、事件计数），提供 Noop 与 OpenTelemetry 实现
//
// 调度器、分发器和存储层通过选项注入 Logger 与 Observer，不依赖全局状态。
package observability
