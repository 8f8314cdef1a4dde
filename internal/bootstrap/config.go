// Package bootstrap 根据配置文件装配日志、存储客户端、分发器和调度策略，供命令行入口使用。
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/omeyang/xdelay/pkg/config/xconf"
	"github.com/omeyang/xdelay/pkg/observability/xlog"
	"github.com/omeyang/xdelay/pkg/scheduling/xdelay"
)

// LogConfig 日志配置。File 为空时输出到 stderr。
type LogConfig struct {
	Level     string              `koanf:"level"`
	Format    string              `koanf:"format"`
	AddSource bool                `koanf:"add_source"`
	File      string              `koanf:"file"`
	Rotation  xlog.RotationConfig `koanf:"rotation"`
}

// FileConfig 配置文件的完整结构
type FileConfig struct {
	Log       LogConfig     `koanf:"log"`
	Scheduler xdelay.Config `koanf:"scheduler"`
}

func DefaultFileConfig() FileConfig {
	return FileConfig{
		Log:       LogConfig{Level: "info", Format: "text"},
		Scheduler: xdelay.DefaultConfig(),
	}
}

// LoadConfig 读取并校验配置文件。path 为空时返回默认配置，此时 *xconf.Config 为 nil。
func LoadConfig(path string) (FileConfig, *xconf.Config, error) {
	if path == "" {
		cfg := DefaultFileConfig()
		return cfg, nil, cfg.Scheduler.Validate()
	}
	c, err := xconf.New(path)
	if err != nil {
		return FileConfig{}, nil, err
	}
	cfg, err := Decode(c)
	if err != nil {
		return FileConfig{}, nil, err
	}
	return cfg, c, nil
}

// Decode 在默认配置之上解码 c，文件中未出现的字段保留默认值
func Decode(c *xconf.Config) (FileConfig, error) {
	cfg := DefaultFileConfig()
	if err := c.Unmarshal("", &cfg); err != nil {
		return FileConfig{}, err
	}
	if _, err := xlog.ParseLevel(cfg.Log.Level); err != nil {
		return FileConfig{}, fmt.Errorf("%w: log.level: %w", xdelay.ErrInvalidConfig, err)
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// NewLogger 按配置构建 Logger，cleanup 负责关闭轮转文件
func NewLogger(cfg LogConfig) (xlog.LoggerWithLevel, func() error, error) {
	b := xlog.New().
		SetLevelString(cfg.Level).
		SetFormat(cfg.Format).
		SetAddSource(cfg.AddSource)
	if cfg.File != "" {
		b.SetRotation(cfg.File, cfg.Rotation)
	}
	return b.Build()
}

// WatchLogLevel 监视配置文件，文件变更后重新应用 log.level。
// 只有日志级别支持热更新，调度相关配置需要重启生效。
func WatchLogLevel(c *xconf.Config, logger xlog.LoggerWithLevel) (*xconf.Watcher, error) {
	return xconf.Watch(c, func(c *xconf.Config, err error) {
		applyReload(context.Background(), c, err, logger)
	})
}

func applyReload(ctx context.Context, c *xconf.Config, err error, logger xlog.LoggerWithLevel) {
	if err != nil {
		logger.Warn(ctx, "config reload failed, keeping previous settings", xlog.Err(err))
		return
	}
	var lc LogConfig
	if err := c.Unmarshal("log", &lc); err != nil {
		logger.Warn(ctx, "config reload: decode log section", xlog.Err(err))
		return
	}
	level, err := xlog.ParseLevel(lc.Level)
	if err != nil {
		logger.Warn(ctx, "config reload: invalid log level", xlog.Err(err))
		return
	}
	if level != logger.GetLevel() {
		logger.SetLevel(level)
		logger.Info(ctx, "log level changed", slog.String("level", level.String()))
	}
}
