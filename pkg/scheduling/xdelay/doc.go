// Package xdelay 提供延迟任务调度能力。
//
// # 概述
//
// 任务带有未来的到期时间，调度器保证在到期时刻或之后把任务交给 Handler，
// 并且只交付一次，即使存在多个并发的生产者与消费者。
//
// # 调度策略
//
// 三种策略实现同一个 [Scheduler] 接口：
//
//   - [PollingRegistry]: 基线实现，map + 互斥锁，单 goroutine 全量扫描，
//     默认忙轮询，仅用于对照与小规模场景
//   - [PriorityWaitQueue]: 进程内阻塞最小堆，等待时间精确到堆顶剩余时间
//   - [SortedSetQueue]: 外部有序集合（Redis / MongoDB / etcd），
//     跨进程消费，依赖存储的原子认领保证只分发一次
//
// # 快速开始
//
//	d, _ := xdelay.NewDispatcher(xdelay.HandlerFunc(func(ctx context.Context, t xdelay.Task) error {
//	    return process(ctx, t.Payload)
//	}))
//	q := xdelay.NewPriorityWaitQueue(d, xdelay.WithWorkers(4))
//	go q.Run(ctx)
//
//	task, _ := xdelay.After(30*time.Second, []byte("order_1"))
//	_ = q.Schedule(ctx, task)
//
//	// 分布式
//	store, _ := xdelay.NewRedisStore(redisClient, "orders")
//	q, _ := xdelay.NewSortedSetQueue(store, d,
//	    xdelay.WithWorkers(2),
//	    xdelay.WithBackoff(100*time.Millisecond, time.Second))
//
// # 交付语义
//
// 任务先从存储中移除（认领）再分发。进程在认领之后、回调完成之前崩溃会丢失该任务；
// ctx 取消与认领竞争时，已认领的任务仍会以 context.WithoutCancel 派生的 ctx 分发完毕。
// 需要更强保证时，Handler 应幂等，并配合 [WithDedupWindow] 做进程内去重。
//
// # 重复 ID
//
// 默认 [DuplicateReject]：重复 Schedule 返回 [ErrDuplicateID]，原到期时间不变。
// 外部存储中已有分数与载荷完全相同的条目时，Schedule 视为同一次写入并返回 nil，
// 生产端重试因此是幂等的。
// [DuplicateOverwrite] 用新的到期时间与载荷覆盖。
//
// # 错误
//
//   - [ErrStoreUnavailable]: 瞬时存储错误，消费循环有界指数退避后重试，不会退出
//   - 认领丢失：其他消费者已取走或任务已取消，计数后跳过，不是错误
//   - [*DispatchError]: 回调失败或 panic，记录日志与观测后继续处理下一个任务
package xdelay
