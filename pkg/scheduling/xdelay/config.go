package xdelay

import (
	"errors"
	"fmt"
	"time"
)

// 调度策略名
const (
	StrategyPolling = "polling"
	StrategyHeap    = "heap"
	StrategyRedis   = "redis"
	StrategyMongo   = "mongo"
	StrategyEtcd    = "etcd"
)

// Config 调度器配置，字段标签供 xconf（koanf）解码
type Config struct {
	Strategy     string         `koanf:"strategy"`
	Workers      int            `koanf:"workers"`
	Duplicate    string         `koanf:"duplicate"`
	PollInterval time.Duration  `koanf:"poll_interval"`
	MinBackoff   time.Duration  `koanf:"min_backoff"`
	MaxBackoff   time.Duration  `koanf:"max_backoff"`
	BatchSize    int            `koanf:"batch_size"`
	Dispatch     DispatchConfig `koanf:"dispatch"`
	Redis        RedisConfig    `koanf:"redis"`
	Mongo        MongoConfig    `koanf:"mongo"`
	Etcd         EtcdConfig     `koanf:"etcd"`
	Breaker      BreakerConfig  `koanf:"breaker"`
}

// DispatchConfig 分发器配置
type DispatchConfig struct {
	Timeout      time.Duration `koanf:"timeout"`
	AsyncWorkers int           `koanf:"async_workers"`
	AsyncQueue   int           `koanf:"async_queue"`
	DedupSize    int           `koanf:"dedup_size"`
	DedupTTL     time.Duration `koanf:"dedup_ttl"`
}

type RedisConfig struct {
	Addrs       []string      `koanf:"addrs"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	Prefix      string        `koanf:"prefix"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

type MongoConfig struct {
	URI            string        `koanf:"uri"`
	Database       string        `koanf:"database"`
	Collection     string        `koanf:"collection"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	Prefix      string        `koanf:"prefix"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// BreakerConfig 外部存储熔断配置，仅外部策略生效
type BreakerConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Threshold uint32        `koanf:"threshold"`
	Timeout   time.Duration `koanf:"timeout"`
}

// DefaultConfig 返回默认配置：进程内堆策略，单消费者，拒绝重复 ID
func DefaultConfig() Config {
	return Config{
		Strategy:   StrategyHeap,
		Workers:    1,
		Duplicate:  DuplicateReject.String(),
		MinBackoff: defaultMinBackoff,
		MaxBackoff: defaultMaxBackoff,
		BatchSize:  defaultBatchSize,
		Redis: RedisConfig{
			Addrs:       []string{"127.0.0.1:6379"},
			Prefix:      defaultKeyPrefix,
			DialTimeout: 5 * time.Second,
		},
		Mongo: MongoConfig{
			URI:            "mongodb://127.0.0.1:27017",
			Database:       defaultKeyPrefix,
			Collection:     "delayed_tasks",
			ConnectTimeout: 10 * time.Second,
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"127.0.0.1:2379"},
			Prefix:      "/" + defaultKeyPrefix,
			DialTimeout: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Timeout:   30 * time.Second,
		},
	}
}

// External 报告策略是否依赖外部存储
func (c Config) External() bool {
	switch c.Strategy {
	case StrategyRedis, StrategyMongo, StrategyEtcd:
		return true
	}
	return false
}

// DuplicateMode 解析重复 ID 策略
func (c Config) DuplicateMode() (DuplicatePolicy, error) {
	var p DuplicatePolicy
	err := p.UnmarshalText([]byte(c.Duplicate))
	return p, err
}

// Validate 校验配置，所有问题合并返回，均匹配 ErrInvalidConfig
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Strategy {
	case StrategyPolling, StrategyHeap:
	case StrategyRedis:
		if len(c.Redis.Addrs) == 0 {
			add("redis.addrs is empty")
		}
	case StrategyMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" || c.Mongo.Collection == "" {
			add("mongo.uri, mongo.database and mongo.collection are required")
		}
	case StrategyEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			add("etcd.endpoints is empty")
		}
	default:
		add("unknown strategy %q", c.Strategy)
	}
	if c.Workers < 1 {
		add("workers must be >= 1, got %d", c.Workers)
	}
	if _, err := c.DuplicateMode(); err != nil {
		errs = append(errs, err)
	}
	if c.PollInterval < 0 {
		add("poll_interval must be >= 0")
	}
	if c.MinBackoff <= 0 {
		add("min_backoff must be > 0")
	}
	if c.MaxBackoff < c.MinBackoff {
		add("max_backoff %s is below min_backoff %s", c.MaxBackoff, c.MinBackoff)
	}
	if c.BatchSize < 1 {
		add("batch_size must be >= 1")
	}
	if c.Dispatch.Timeout < 0 || c.Dispatch.AsyncWorkers < 0 || c.Dispatch.AsyncQueue < 0 {
		add("dispatch values must be >= 0")
	}
	if c.Dispatch.DedupSize > 0 && c.Dispatch.DedupTTL <= 0 {
		add("dispatch.dedup_ttl must be > 0 when dedup_size is set")
	}
	if c.Breaker.Enabled && c.Breaker.Threshold == 0 {
		add("breaker.threshold must be > 0")
	}
	return errors.Join(errs...)
}

// Options 把配置转换为调度策略选项。调用前应先 Validate。
func (c Config) Options() []Option {
	dup, _ := c.DuplicateMode()
	return []Option{
		WithWorkers(c.Workers),
		WithDuplicatePolicy(dup),
		WithPollInterval(c.PollInterval),
		WithBackoff(c.MinBackoff, c.MaxBackoff),
		WithBatchSize(c.BatchSize),
	}
}

// DispatcherOptions 把配置转换为分发器选项
func (c Config) DispatcherOptions() []DispatcherOption {
	opts := []DispatcherOption{WithDispatchTimeout(c.Dispatch.Timeout)}
	if c.Dispatch.AsyncWorkers > 0 {
		opts = append(opts, WithAsyncDispatch(c.Dispatch.AsyncWorkers, c.Dispatch.AsyncQueue))
	}
	if c.Dispatch.DedupSize > 0 {
		opts = append(opts, WithDedupWindow(c.Dispatch.DedupSize, c.Dispatch.DedupTTL))
	}
	return opts
}
