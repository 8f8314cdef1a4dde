// xdelayctl 是延迟任务调度器的命令行工具。
//
// 用法:
//
//	xdelayctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config    配置文件路径（.yaml/.yml/.json，也可用 XDELAY_CONFIG 环境变量）
//	    --strategy  覆盖配置中的调度策略 (polling/heap/redis/mongo/etcd)
//	-t, --timeout   schedule/cancel/len 的超时时间 (默认: 10s)
//
// 命令:
//
//	run             启动消费者，到期任务以日志形式输出，收到 SIGINT/SIGTERM 后优雅退出
//	schedule        向外部存储投递一个延迟任务
//	cancel <id>     取消尚未触发的任务
//	len             查看待触发任务数
//	demo            进程内演示：1s/3s/5s 后到期的三个任务
//
// run 命令会监视配置文件，log.level 的修改即时生效；其余配置需要重启。
// schedule/cancel/len 只对外部策略有意义，进程内策略的任务不跨进程共享。
//
// 退出码:
//
//	0: 成功
//	1: 运行失败（存储不可用、任务不存在、重复 ID 等）
//	2: 参数或配置错误
//
// 示例:
//
//	xdelayctl demo                                            # 堆策略演示
//	xdelayctl demo --strategy polling                         # 轮询策略演示
//	xdelayctl -c xdelay.yaml run                              # 按配置启动消费者
//	xdelayctl -c xdelay.yaml schedule --id order_1 --delay 30m --payload 'close order'
//	xdelayctl -c xdelay.yaml cancel order_1
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xdelay/pkg/config/xconf"
	"github.com/omeyang/xdelay/pkg/scheduling/xdelay"
)

// defaultTimeout 单次存储操作命令的默认超时
const defaultTimeout = 10 * time.Second

// 版本信息（可通过 -ldflags "-X main.Version=..." 注入）
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// createApp 创建 CLI 应用，命令输出写到 stdout
func createApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "xdelayctl",
		Usage:     "延迟任务调度器命令行工具",
		Version:   fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				Sources: cli.EnvVars("XDELAY_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "strategy",
				Usage: "覆盖配置中的调度策略",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "schedule/cancel/len 的超时时间",
				Value:   defaultTimeout,
			},
		},
		Commands: createCommands(stdout),
		// 退出码由 run 统一映射，禁止 urfave/cli 直接 os.Exit
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(stderr, err)
			}
		},
	}
}

// run 执行命令并返回退出码
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	err := createApp(stdout, stderr).Run(ctx, args)
	if err == nil {
		return 0
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(stderr, "参数错误: %v\n", usageErr)
		return 2
	}
	if isConfigError(err) {
		fmt.Fprintf(stderr, "配置错误: %v\n", err)
		return 2
	}
	if isCLIUsageError(err) {
		fmt.Fprintf(stderr, "参数错误: %v\n", err)
		return 2
	}
	fmt.Fprintf(stderr, "错误: %v\n", err)
	return 1
}

func isConfigError(err error) bool {
	return errors.Is(err, xdelay.ErrInvalidConfig) ||
		errors.Is(err, xconf.ErrEmptyPath) ||
		errors.Is(err, xconf.ErrUnsupportedFormat) ||
		errors.Is(err, xconf.ErrLoadFailed) ||
		errors.Is(err, xconf.ErrParseFailed) ||
		errors.Is(err, xconf.ErrUnmarshalFailed)
}
