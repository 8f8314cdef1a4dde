package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xdelay/internal/bootstrap"
	"github.com/omeyang/xdelay/pkg/config/xconf"
	"github.com/omeyang/xdelay/pkg/lifecycle/xrun"
	"github.com/omeyang/xdelay/pkg/observability/xlog"
	"github.com/omeyang/xdelay/pkg/scheduling/xdelay"
)

// exitError 表示命令已完成输出，只需设置退出码
type exitError struct {
	code int
}

func (e *exitError) Error() string { return "" }

// usageError 参数错误，退出码 2
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// isCLIUsageError 识别 urfave/cli 自身产生的参数错误（未知 flag、缺少参数值等）
func isCLIUsageError(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"flag provided but not defined",
		"flag needs an argument",
		"invalid value",
		"No help topic for",
		"Required flag",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func createCommands(out io.Writer) []*cli.Command {
	return []*cli.Command{
		createRunCommand(),
		createScheduleCommand(out),
		createCancelCommand(out),
		createLenCommand(out),
		createDemoCommand(out),
	}
}

func createRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "启动消费者，到期任务以日志形式输出",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "workers",
				Usage: "覆盖配置中的消费者数量",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdRun(ctx, cmd.String("config"), cmd.String("strategy"), cmd.Int("workers"))
		},
	}
}

func createScheduleCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "投递一个延迟任务（仅外部策略）",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "id",
				Usage: "任务 ID，为空时自动生成",
			},
			&cli.DurationFlag{
				Name:    "delay",
				Aliases: []string{"d"},
				Usage:   "相对当前时间的延迟",
			},
			&cli.StringFlag{
				Name:  "at",
				Usage: "绝对到期时间 (RFC3339)，与 --delay 二选一",
			},
			&cli.StringFlag{
				Name:    "payload",
				Aliases: []string{"p"},
				Usage:   "任务负载",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			task, err := taskFromFlags(cmd.String("id"), cmd.IsSet("delay"), cmd.Duration("delay"),
				cmd.String("at"), cmd.String("payload"), time.Now())
			if err != nil {
				return err
			}
			return withExternalScheduler(ctx, cmd, func(ctx context.Context, s xdelay.Scheduler) error {
				if err := s.Schedule(ctx, task); err != nil {
					return err
				}
				fmt.Fprintf(out, "scheduled %s due %s\n", task.ID, task.DueAt.Format(time.RFC3339Nano))
				return nil
			})
		},
	}
}

func createCancelCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "取消尚未触发的任务（仅外部策略）",
		ArgsUsage: "<id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return usagef("cancel 需要且只需要一个任务 ID")
			}
			id := cmd.Args().First()
			return withExternalScheduler(ctx, cmd, func(ctx context.Context, s xdelay.Scheduler) error {
				ok, err := s.Cancel(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(out, "not found: %s\n", id)
					return &exitError{code: 1}
				}
				fmt.Fprintf(out, "cancelled %s\n", id)
				return nil
			})
		},
	}
}

func createLenCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "len",
		Usage: "查看待触发任务数（仅外部策略）",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withExternalScheduler(ctx, cmd, func(ctx context.Context, s xdelay.Scheduler) error {
				n, err := s.Len(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, n)
				return nil
			})
		},
	}
}

func createDemoCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "进程内演示：三个任务分别在 1/3/5 个时间单位后触发",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "unit",
				Usage: "时间单位",
				Value: time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			// demo 不读取配置文件，--strategy 只接受进程内策略，默认 heap
			strategy := cmd.String("strategy")
			if strategy == "" {
				strategy = xdelay.StrategyHeap
			}
			return cmdDemo(ctx, out, strategy, cmd.Duration("unit"))
		},
	}
}

// loadConfig 读取配置并应用命令行覆盖
func loadConfig(path, strategy string) (bootstrap.FileConfig, *xconf.Config, error) {
	cfg, c, err := bootstrap.LoadConfig(path)
	if err != nil {
		return cfg, nil, err
	}
	if strategy != "" {
		cfg.Scheduler.Strategy = strategy
		if err := cfg.Scheduler.Validate(); err != nil {
			return cfg, nil, err
		}
	}
	return cfg, c, nil
}

func newLogger(cfg bootstrap.LogConfig) (xlog.LoggerWithLevel, func() error, error) {
	logger, cleanup, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return nil, nil, usagef("log: %v", err)
	}
	return logger, cleanup, nil
}

func cmdRun(ctx context.Context, path, strategy string, workers int) error {
	cfg, c, err := loadConfig(path, strategy)
	if err != nil {
		return err
	}
	if workers < 0 {
		return usagef("--workers 不能为负数: %d", workers)
	}
	if workers > 0 {
		cfg.Scheduler.Workers = workers
	}
	logger, cleanup, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	app, err := bootstrap.New(ctx, cfg.Scheduler, logHandler{logger: logger}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.WithoutCancel(ctx)) }()

	services := map[string]xrun.Service{"scheduler": app.Scheduler}
	if c != nil {
		w, err := bootstrap.WatchLogLevel(c, logger)
		if err != nil {
			logger.Warn(ctx, "config watch disabled", xlog.Err(err))
		} else {
			services["config-watch"] = w
		}
	}

	logger.Info(ctx, "xdelayctl running", xlog.Strategy(cfg.Scheduler.Strategy), xlog.Count(int64(cfg.Scheduler.Workers)))
	err = xrun.Run(ctx, services, xrun.WithLogger(logger), xrun.WithName("xdelayctl"))

	st := app.Dispatcher.Stats()
	logger.Info(context.WithoutCancel(ctx), "xdelayctl stopped",
		slog.Uint64("dispatched", st.Dispatched),
		slog.Uint64("failed", st.Failed),
		slog.Uint64("skipped", st.Skipped),
	)
	return err
}

// withExternalScheduler 装配外部策略的调度器执行 fn，只用于投递/取消/查询，不启动消费
func withExternalScheduler(ctx context.Context, cmd *cli.Command, fn func(context.Context, xdelay.Scheduler) error) error {
	cfg, _, err := loadConfig(cmd.String("config"), cmd.String("strategy"))
	if err != nil {
		return err
	}
	if !cfg.Scheduler.External() {
		return usagef("%s 需要外部策略 (redis/mongo/etcd)，当前为 %q", cmd.Name, cfg.Scheduler.Strategy)
	}
	logger, cleanup, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	app, err := bootstrap.New(ctx, cfg.Scheduler, xdelay.HandlerFunc(discardTask), logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.WithoutCancel(ctx)) }()
	return fn(ctx, app.Scheduler)
}

func discardTask(context.Context, xdelay.Task) error { return nil }

// taskFromFlags 由命令行参数构造任务，--delay 与 --at 必须且只能给出一个
func taskFromFlags(id string, hasDelay bool, delay time.Duration, at, payload string, now time.Time) (xdelay.Task, error) {
	var dueAt time.Time
	switch {
	case hasDelay && at != "":
		return xdelay.Task{}, usagef("--delay 与 --at 不能同时使用")
	case hasDelay:
		if delay < 0 {
			return xdelay.Task{}, usagef("--delay 不能为负数: %s", delay)
		}
		dueAt = now.Add(delay)
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return xdelay.Task{}, usagef("--at: %v", err)
		}
		dueAt = t
	default:
		return xdelay.Task{}, usagef("需要 --delay 或 --at")
	}

	if id == "" {
		task, err := xdelay.NewTask(dueAt, []byte(payload))
		if err != nil {
			return xdelay.Task{}, err
		}
		return task, nil
	}
	return xdelay.Task{ID: id, DueAt: dueAt, Payload: []byte(payload)}, nil
}

// logHandler run 命令使用的处理器，到期任务以日志形式输出
type logHandler struct {
	logger xlog.Logger
}

func (h logHandler) Handle(ctx context.Context, t xdelay.Task) error {
	h.logger.Info(ctx, "task fired",
		xlog.TaskID(t.ID),
		xlog.DueAt(t.DueAt),
		xlog.Lateness(time.Since(t.DueAt)),
		slog.String("payload", string(t.Payload)),
	)
	return nil
}

// demoTasks 演示任务，按到期时间乱序投递
var demoTasks = []struct {
	id    string
	units int
}{
	{"task-5", 5},
	{"task-1", 1},
	{"task-3", 3},
}

func cmdDemo(ctx context.Context, out io.Writer, strategy string, unit time.Duration) error {
	if strategy != xdelay.StrategyPolling && strategy != xdelay.StrategyHeap {
		return usagef("demo 只支持 polling 或 heap，当前为 %q", strategy)
	}
	if unit <= 0 {
		return usagef("--unit 必须为正数: %s", unit)
	}

	cfg := xdelay.DefaultConfig()
	cfg.Strategy = strategy
	if strategy == xdelay.StrategyPolling {
		cfg.PollInterval = max(unit/100, time.Millisecond)
	}

	start := time.Now()
	var (
		mu    sync.Mutex
		fired int
	)
	done := make(chan struct{})
	handler := xdelay.HandlerFunc(func(_ context.Context, t xdelay.Task) error {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "fired %s at +%s (%s)\n", t.ID, time.Since(start).Round(time.Millisecond), t.Payload)
		fired++
		if fired == len(demoTasks) {
			close(done)
		}
		return nil
	})

	app, err := bootstrap.New(ctx, cfg, handler, xlog.Discard())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.WithoutCancel(ctx)) }()

	for _, dt := range demoTasks {
		task := xdelay.Task{
			ID:      dt.id,
			DueAt:   start.Add(time.Duration(dt.units) * unit),
			Payload: []byte(fmt.Sprintf("due after %d units", dt.units)),
		}
		if err := app.Scheduler.Schedule(ctx, task); err != nil {
			return err
		}
		fmt.Fprintf(out, "scheduled %s\n", task)
	}

	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- app.Scheduler.Run(runCtx) }()

	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()
	if err := <-runErr; err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("demo interrupted: %w", context.Cause(ctx))
	}
	fmt.Fprintf(out, "demo finished on %s in %s\n", strategy, time.Since(start).Round(time.Millisecond))
	return nil
}

// setupSignalHandler 第一次信号取消 ctx，第二次信号强制退出（退出码 130）。
// run 命令另外由 xrun 处理信号并优雅退出。
func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()

		<-sigCh
		signal.Stop(sigCh)
		os.Exit(130)
	}()
}

var _ xdelay.Handler = logHandler{}
