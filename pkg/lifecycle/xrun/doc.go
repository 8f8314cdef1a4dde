// Package xrun 基于 errgroup 的进程生命周期管理。
//
// [Run] 同时运行多个服务并监听退出信号（默认 SIGINT/SIGTERM）：任一服务失败时
// 取消其余服务并返回该错误；收到信号或 ctx 结束时所有服务退出，返回 nil。
//
//	err := xrun.Run(ctx, map[string]xrun.Service{
//		"consumer": scheduler,
//		"config":   xrun.ServiceFunc(watcher.Run),
//	}, xrun.WithLogger(logger))
package xrun
