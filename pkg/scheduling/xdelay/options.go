package xdelay

import (
	"time"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
	"github.com/omeyang/xdelay/pkg/observability/xmetrics"
	"github.com/omeyang/xdelay/pkg/resilience/xretry"
)

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = time.Second
	defaultBatchSize  = 100
)

// Option 调度策略选项，三种策略共用，各自忽略不相关的字段
type Option func(*options)

type options struct {
	logger       xlog.Logger
	observer     xmetrics.Observer
	workers      int
	duplicate    DuplicatePolicy
	pollInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	batchSize    int
	retryer      *xretry.Retryer
	consumerID   string
}

func defaultOptions() *options {
	return &options{
		logger:     xlog.Default(),
		observer:   xmetrics.NoopObserver{},
		workers:    1,
		duplicate:  DuplicateReject,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		batchSize:  defaultBatchSize,
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.maxBackoff < o.minBackoff {
		o.maxBackoff = o.minBackoff
	}
	return o
}

func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver 设置事件观测器（认领丢失、存储错误等）
func WithObserver(obs xmetrics.Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithWorkers 设置并发消费者数量，n < 1 时忽略
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(o *options) {
		o.duplicate = p
	}
}

// WithPollInterval 轮询注册表两次扫描之间的固定停顿，默认 0（忙轮询）
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.pollInterval = d
		}
	}
}

// WithBackoff 设置空轮询退避的上下界，min 必须为正
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		if minDelay > 0 {
			o.minBackoff = minDelay
			o.maxBackoff = maxDelay
		}
	}
}

// WithBatchSize 单次查询最多取回的到期条目数
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithProducerRetry 设置 Schedule 写入外部存储时的重试器
func WithProducerRetry(r *xretry.Retryer) Option {
	return func(o *options) {
		o.retryer = r
	}
}

// WithConsumerID 设置消费者标识，默认随机 UUID
func WithConsumerID(id string) Option {
	return func(o *options) {
		o.consumerID = id
	}
}
