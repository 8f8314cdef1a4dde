// Package xmetrics 提供统一的可观测性接口（metrics + tracing）。
//
// 业务代码只依赖 Observer/Span/Attr，默认实现基于 OpenTelemetry。
//
//	obs, _ := xmetrics.NewOTelObserver()
//	ctx, span := xmetrics.Start(ctx, obs, xmetrics.SpanOptions{
//		Component: "xdelay",
//		Operation: "dispatch",
//		Kind:      xmetrics.KindConsumer,
//	})
//	defer span.End(xmetrics.Result{Err: err})
//
// 离散事件（不需要跨度）通过 [Record] 计数，observer 未实现 [Recorder] 时忽略。
//
// # 指标命名
//
//   - xdelay.operation.total / xdelay.operation.duration：component / operation / status
//   - xdelay.event.total：component / event
package xmetrics
