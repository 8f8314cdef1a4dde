// Package util 提供通用工具相关的子包。
//
// 子包列表：
//   - xid: 基于 sonyflake 的分布式唯一 ID，用作延迟任务的默认 ID
//   - xlru: 带 TTL 的 LRU 缓存，可关闭，用作分发去重窗口
//   - xpool: 泛型 Worker Pool，可配置 worker/队列大小、优雅关闭，用于异步分发
package util
