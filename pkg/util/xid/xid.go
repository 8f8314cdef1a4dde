// Package xid 基于 sony/sonyflake/v2 的分布式唯一 ID 生成器。
//
// ID 按时间单调递增，字符串形式为 base36 编码（约 12 个字符），
// 用作未指定 ID 的延迟任务的标识。
package xid

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"sync"

	"github.com/sony/sonyflake/v2"
)

// EnvMachineID 显式指定机器 ID（0-65535）的环境变量
const EnvMachineID = "XDELAY_MACHINE_ID"

var (
	ErrInvalidConfig = errors.New("xid: invalid config")
	ErrOverTimeLimit = errors.New("xid: time component overflow")
)

// Generator 并发安全的 ID 生成器
type Generator struct {
	next func() (int64, error)
}

// Option 生成器选项
type Option func(*options)

type options struct {
	machineID      func() (uint16, error)
	checkMachineID func(uint16) bool
}

// WithMachineID 自定义机器 ID 来源，默认 [DefaultMachineID]
func WithMachineID(fn func() (uint16, error)) Option {
	return func(o *options) {
		o.machineID = fn
	}
}

// WithCheckMachineID 校验机器 ID 唯一性（例如到注册中心登记）
func WithCheckMachineID(fn func(uint16) bool) Option {
	return func(o *options) {
		o.checkMachineID = fn
	}
}

// NewGenerator 创建独立的生成器
func NewGenerator(opts ...Option) (*Generator, error) {
	o := &options{machineID: DefaultMachineID}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	machineID := o.machineID
	settings := sonyflake.Settings{
		MachineID: func() (int, error) {
			id, err := machineID()
			return int(id), err
		},
	}
	if o.checkMachineID != nil {
		check := o.checkMachineID
		settings.CheckMachineID = func(id int) bool {
			return check(uint16(id))
		}
	}

	sf, err := sonyflake.New(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Generator{next: sf.NextID}, nil
}

// New 生成 int64 ID
func (g *Generator) New() (int64, error) {
	id, err := g.next()
	if errors.Is(err, sonyflake.ErrOverTimeLimit) {
		return 0, fmt.Errorf("%w: %w", ErrOverTimeLimit, err)
	}
	return id, err
}

// NewString 生成 base36 字符串 ID
func (g *Generator) NewString() (string, error) {
	id, err := g.New()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 36), nil
}

// DefaultMachineID 依次尝试 XDELAY_MACHINE_ID 环境变量和主机名哈希。
// 主机名哈希存在碰撞可能，多实例部署应显式分配。
func DefaultMachineID() (uint16, error) {
	if s := os.Getenv(EnvMachineID); s != "" {
		id, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("xid: invalid %s value %q: %w", EnvMachineID, s, err)
		}
		return uint16(id), nil
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return 0, fmt.Errorf("xid: resolve hostname: %w", errors.Join(err, errors.New("empty hostname")))
	}
	return hashToMachineID(host), nil
}

// hashToMachineID FNV-1a 32 位哈希异或折叠为 16 位
func hashToMachineID(s string) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	sum := h.Sum32()
	return uint16(sum>>16) ^ uint16(sum&0xFFFF)
}

var (
	defaultOnce sync.Once
	defaultGen  *Generator
	defaultErr  error
)

// NewString 使用包级默认生成器
func NewString() (string, error) {
	defaultOnce.Do(func() {
		defaultGen, defaultErr = NewGenerator()
	})
	if defaultErr != nil {
		return "", defaultErr
	}
	return defaultGen.NewString()
}
