// Package xlru 提供带 TTL 的泛型 LRU 缓存，基于 hashicorp/golang-lru/v2/expirable。
//
// 与直接使用 expirable.LRU 的区别：
//   - Contains 与 Peek 一样过滤已过期条目
//   - SetIfAbsent 在同一把锁内完成检查与写入，可用作短期去重窗口
//   - Close 停止底层的过期清理 goroutine
//
// TTL > 0 时底层库会启动清理 goroutine，用完必须调用 Close。
package xlru
