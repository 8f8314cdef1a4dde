package xconf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Format 配置文件格式。
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

var (
	ErrEmptyPath         = errors.New("xconf: empty config path")
	ErrUnsupportedFormat = errors.New("xconf: unsupported config format")
	ErrLoadFailed        = errors.New("xconf: failed to load config")
	ErrParseFailed       = errors.New("xconf: failed to parse config")
	ErrUnmarshalFailed   = errors.New("xconf: failed to unmarshal config")
	ErrNotReloadable     = errors.New("xconf: config created from bytes cannot be reloaded")
)

// Config 基于 koanf 的配置。并发安全，Reload 原子替换底层实例。
type Config struct {
	mu    sync.RWMutex
	k     *koanf.Koanf
	path  string
	fmt   Format
	delim string
	tag   string
}

// Option 配置加载选项
type Option func(*Config)

// WithDelim 设置键分隔符，默认 "."
func WithDelim(delim string) Option {
	return func(c *Config) {
		if delim != "" {
			c.delim = delim
		}
	}
}

// WithTag 设置结构体标签名，默认 "koanf"
func WithTag(tag string) Option {
	return func(c *Config) {
		if tag != "" {
			c.tag = tag
		}
	}
}

// New 从文件创建配置，按扩展名识别格式（.yaml/.yml/.json）。
func New(path string, opts ...Option) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	format, err := detectFormat(path)
	if err != nil {
		return nil, err
	}
	c := newConfig(format, opts)
	c.path = path
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromBytes 从字节创建配置，空数据得到空配置。
func NewFromBytes(data []byte, format Format, opts ...Option) (*Config, error) {
	if format != FormatYAML && format != FormatJSON {
		return nil, ErrUnsupportedFormat
	}
	c := newConfig(format, opts)
	k, err := c.parse(data)
	if err != nil {
		return nil, err
	}
	c.k = k
	return c, nil
}

func newConfig(format Format, opts []Option) *Config {
	c := &Config{fmt: format, delim: ".", tag: "koanf"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Client 返回底层 koanf 实例（Reload 后会变化，不要长期持有）。
func (c *Config) Client() *koanf.Koanf {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.k
}

// Unmarshal 将 path 下的配置解到 target，path 为空时解整个配置。
func (c *Config) Unmarshal(path string, target any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.k.UnmarshalWithConf(path, target, koanf.UnmarshalConf{Tag: c.tag}); err != nil {
		return fmt.Errorf("%w: %w", ErrUnmarshalFailed, err)
	}
	return nil
}

// Reload 重新读取文件。解析失败时保留旧配置。
func (c *Config) Reload() error {
	if c.path == "" {
		return ErrNotReloadable
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	k, err := c.parse(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.k = k
	c.mu.Unlock()
	return nil
}

func (c *Config) Path() string   { return c.path }
func (c *Config) Format() Format { return c.fmt }

func (c *Config) parse(data []byte) (*koanf.Koanf, error) {
	k := koanf.New(c.delim)
	if len(data) == 0 {
		return k, nil
	}
	var parser koanf.Parser = yaml.Parser()
	if c.fmt == FormatJSON {
		parser = json.Parser()
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return k, nil
}

func detectFormat(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %q", ErrUnsupportedFormat, ext)
	}
}
