// Package xretry 提供退避策略与基于 avast/retry-go/v5 的重试执行器。
//
// 退避策略（[BackoffPolicy]）既用于 [Retryer]，也被调度器的消费循环直接使用
// 来计算空轮询与存储故障时的等待时间。
//
// 错误分类：[PermanentError] 不重试，其余错误默认重试；
// 可通过 [WithRetryIf] 替换分类函数。
package xretry
