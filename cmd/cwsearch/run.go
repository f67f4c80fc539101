package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	cfgpkg "cwsearch/internal/config"
	"cwsearch/internal/diag"
	"cwsearch/internal/search"
	rfs "cwsearch/plugins/reader/filesystem"
)

const (
	kindMCMC = cfgpkg.KindMCMC
	kindGrid = cfgpkg.KindGrid
)

// loadConfig 按优先级合并：CLI > ENV（含 .env）> YAML > 默认。
func loadConfig(kind string, f flags) (cfgpkg.Config, error) {
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")

	path := f.config
	if path == "" {
		path = os.Getenv("CWSEARCH_CONFIG_FILE")
	}
	// 默认读取工作目录下 config.yaml（若存在）
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg := cfgpkg.Defaults()
	if path != "" {
		base, err := cfgpkg.LoadYAML(path, nil)
		if err != nil {
			return cfg, &exitError{code: 3, err: fmt.Errorf("配置解析失败: %w", err)}
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, &exitError{code: 3, err: fmt.Errorf("环境变量解析失败: %w", err)}
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	var overCLI cfgpkg.Config
	overCLI.Search.Kind = kind
	overCLI.Outdir = f.outdir
	overCLI.Logging.Level = f.logLevel
	if f.concurrency > 0 {
		overCLI.MCMC.Concurrency = f.concurrency
		overCLI.Grid.Concurrency = f.concurrency
	}
	overCLI.Clean = f.clean
	overCLI.Metrics.Addr = f.metricsAddr
	cfg = cfgpkg.Merge(cfg, overCLI)
	return cfg, nil
}

func runSearch(ctx context.Context, kind string, f flags, stdout, stderr io.Writer) (rerr error) {
	start := time.Now()
	corrID := uuid.NewString()

	cfg, err := loadConfig(kind, f)
	if err != nil {
		return err
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(stderr, cfg)
		return &exitError{code: 3, err: err}
	}

	logger := diag.NewLogger(corrID, cfg.Logging.Level, cfg.Logging.Dir)
	defer func() { _ = logger.Sync() }()
	defer func() {
		if rerr != nil {
			code := string(diag.Classify(rerr))
			logger.Error("cli", code, "first error", &start)
			diag.IncOp("cli", "error", "error")
			if code != string(diag.CodeUnknown) {
				diag.IncError("cli", code)
			}
		}
	}()

	// 预检：输出目录可写
	if err := preflightCheckOutputDir(cfg.Outdir); err != nil {
		return &exitError{code: 3, err: fmt.Errorf("输出目录不可写或无法创建: %w", err)}
	}

	as, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return &exitError{code: 3, err: fmt.Errorf("装配失败: %w", err)}
	}

	// 数据预检：确认观测文件存在，并以最早修改时间作为检查点新鲜度
	if cfg.Data.SFTDir != "" {
		ids, err := as.Reader.Discover(ctx, cfg.Data.SFTDir, cfg.Data.SFTLabel)
		if err != nil {
			return &exitError{code: 3, err: err}
		}
		if cfg.DataFreshness.IsZero() {
			if ts, err := rfs.OldestModTime(ids); err == nil {
				as.MCMC.DataFreshness = ts
			}
		}
		logger.Info("cli", "data discovered", map[string]string{"files": strconv.Itoa(len(ids)), "dir": cfg.Data.SFTDir})
	}

	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, logger)
		defer stopMetrics()
	}

	logger.DebugStart("config", "effective", "", "", map[string]string{
		"label":     cfg.Label,
		"kind":      cfg.Search.Kind,
		"nglitch":   strconv.Itoa(cfg.Search.NGlitch),
		"evaluator": cfg.Evaluator.Name,
		"outdir":    cfg.Outdir,
		"rate_key":  string(as.GateKey),
	})

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	conc := cfg.MCMC.Concurrency
	if kind == kindGrid {
		conc = cfg.Grid.Concurrency
	}
	if term != nil {
		term.RunStart(conc, cfg.Evaluator.Name)
	}

	t := logger.StartWith("cli", "run", cfg.Label, kind)
	if kind == kindGrid {
		err = runGrid(ctx, as, logger, stdout)
	} else {
		err = runMCMC(ctx, as, f.parMethod, logger, stdout)
	}
	if term != nil {
		term.RunFinish(err == nil, time.Since(start))
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("运行失败: %w", err)
	}
	if t != nil {
		t.Finish("run", 0)
	}
	diag.IncOp("cli", "finish", "success")
	diag.ObserveDuration("cli", "finish", time.Since(start).Milliseconds())
	return nil
}

func runMCMC(ctx context.Context, as cfgpkg.Assembled, parMethod string, logger *diag.Logger, stdout io.Writer) error {
	s, err := search.NewMCMC(ctx, as.MCMC, as.Evaluator, as.Store, logger)
	if err != nil {
		return err
	}
	if err := s.Run(ctx); err != nil {
		return err
	}
	if err := s.WritePar(ctx, parMethod); err != nil {
		return err
	}
	d, maxV, err := s.MaxStatistic(search.DefaultThreshold)
	if err != nil {
		return err
	}
	return search.Summary(stdout, d, maxV)
}

func runGrid(ctx context.Context, as cfgpkg.Assembled, logger *diag.Logger, stdout io.Writer) error {
	g, err := search.NewGrid(as.Grid, as.Evaluator, as.Store, logger)
	if err != nil {
		return err
	}
	if err := g.Run(ctx); err != nil {
		return err
	}
	maxV, row, err := g.MaxStatistic()
	if err != nil {
		return err
	}
	d := make(map[string]float64, 2*len(row))
	for j, k := range g.Keys() {
		d[k] = row[j]
		d[k+"_std"] = 0
	}
	return search.Summary(stdout, d, maxV)
}

// serveMetrics 在后台提供 /metrics；返回关闭函数。
func serveMetrics(addr string, logger *diag.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", diag.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("cli", string(diag.Classify(err)), "metrics server", map[string]string{"addr": addr, "error": err.Error()})
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "有效配置:\n%s\n", strings.TrimRight(string(b), "\n"))
	return err
}
