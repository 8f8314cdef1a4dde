package xmetrics

import (
	"context"
	"strconv"
)

// Kind 表示观测跨度类型。
type Kind int

const (
	KindInternal Kind = iota
	KindClient
	KindProducer
	KindConsumer
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "Internal"
	case KindClient:
		return "Client"
	case KindProducer:
		return "Producer"
	case KindConsumer:
		return "Consumer"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Status 表示观测结果状态。
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
	// StatusSkipped 表示操作未执行（如去重命中、认领失败）。
	StatusSkipped Status = "skipped"
)

// Attr 表示观测属性。
type Attr struct {
	Key   string
	Value any
}

// SpanOptions 定义观测跨度的创建参数。
type SpanOptions struct {
	Component string
	Operation string
	Kind      Kind
	Attrs     []Attr
}

// Result 表示观测跨度结束时的结果，Status 为空时根据 Err 推导。
type Result struct {
	Status Status
	Err    error
	Attrs  []Attr
}

// Span 表示一次观测跨度。
type Span interface {
	End(result Result)
}

// Observer 定义统一观测接口。
type Observer interface {
	Start(ctx context.Context, opts SpanOptions) (context.Context, Span)
}

// Recorder 是可选能力：记录不需要跨度的离散事件（认领丢失、存储错误等）。
type Recorder interface {
	Record(ctx context.Context, component, event string, n int64, attrs ...Attr)
}

// NoopObserver 是空实现。
type NoopObserver struct{}

func (NoopObserver) Start(ctx context.Context, _ SpanOptions) (context.Context, Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, NoopSpan{}
}

func (NoopObserver) Record(context.Context, string, string, int64, ...Attr) {}

// NoopSpan 是空跨度实现。
type NoopSpan struct{}

func (NoopSpan) End(Result) {}

var (
	_ Observer = NoopObserver{}
	_ Recorder = NoopObserver{}
)

// Start 使用 observer 开始观测，保证返回非 nil 的 context 与 Span。
func Start(ctx context.Context, observer Observer, opts SpanOptions) (context.Context, Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if observer == nil {
		return ctx, NoopSpan{}
	}
	retCtx, span := observer.Start(ctx, opts)
	if retCtx == nil {
		retCtx = ctx
	}
	if span == nil {
		span = NoopSpan{}
	}
	return retCtx, span
}

// Record 在 observer 支持 [Recorder] 时记录事件，否则忽略。
func Record(ctx context.Context, observer Observer, component, event string, n int64, attrs ...Attr) {
	if r, ok := observer.(Recorder); ok && n > 0 {
		if ctx == nil {
			ctx = context.Background()
		}
		r.Record(ctx, component, event, n, attrs...)
	}
}
