package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cwsearch/internal/diag"
)

// version 由 -ldflags "-X main.version=..." 注入。
var version = "dev"

// flags: 全局旗标（persistent）。
type flags struct {
	config      string
	outdir      string
	logLevel    string
	concurrency int
	clean       bool
	metricsAddr string
	status      bool
	parMethod   string
}

// exitError 携带退出码；3 为配置/数据错误，1 为运行期错误。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch diag.Classify(err) {
	case diag.CodeConfig, diag.CodeData:
		return 3
	}
	return 1
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "错误: %v\n", err)
	}
	return exitCode(err)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "cwsearch",
		Short:         "glitch 感知的连续波参数空间搜索（PT-MCMC / 网格）",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	pf := root.PersistentFlags()
	pf.StringVar(&f.config, "config", "", "配置文件路径（YAML）；缺省读取 ./config.yaml（若存在）")
	pf.StringVar(&f.outdir, "outdir", "", "输出目录（覆盖配置）")
	pf.StringVar(&f.logLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	pf.IntVar(&f.concurrency, "concurrency", 0, "并发评估数（覆盖配置）")
	pf.BoolVar(&f.clean, "clean", false, "忽略并备份已有检查点")
	pf.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus /metrics 监听地址（例如 :9090）")
	pf.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	mcmcCmd := &cobra.Command{
		Use:   "mcmc",
		Short: "并行回火 MCMC 搜索",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSearch(cmd.Context(), kindMCMC, f, stdout, stderr)
		},
	}
	mcmcCmd.Flags().StringVar(&f.parMethod, "par-method", "med", "par 文件取值方法 med|twoFmax")

	gridCmd := &cobra.Command{
		Use:   "grid",
		Short: "网格搜索",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSearch(cmd.Context(), kindGrid, f, stdout, stderr)
		},
	}

	initCmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "生成默认 config.yaml 与 .env 模板（已存在则跳过，不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return initConfig(dir, stderr)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "打印版本",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(stdout, "cwsearch", version)
		},
	}

	root.AddCommand(mcmcCmd, gridCmd, initCmd, versionCmd)
	return root
}
