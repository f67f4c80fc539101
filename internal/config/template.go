package config

import (
	"gopkg.in/yaml.v3"

	"cwsearch/internal/prior"
	"cwsearch/internal/search"
	"cwsearch/plugins/statistic/analytic"
)

// 模板时间范围：100 天观测，glitch 注入在第 40 天。
const (
	templateTstart = 1000000000.0
	templateDays   = 100.0
	day            = 86400.0
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 analytic 评估器（离线调试友好），注入 F0=30Hz 的合成信号；
// - 单 glitch MCMC，输出到 ./data；
// - 组件名采用仓库内置实现。
func DefaultTemplateConfig() Config {
	d := Defaults()
	tstart := templateTstart
	tend := tstart + templateDays*day
	tg := tstart + 40*day

	cfg := d
	cfg.Label = "demo"
	cfg.Data = Data{SFTDir: "sfts", SFTLabel: "demo", Reader: d.Data.Reader}
	cfg.Tref = tstart
	cfg.Tstart = tstart
	cfg.Tend = tend
	cfg.Search.NGlitch = 1
	cfg.MCMC.NSteps = []int{50, 50, 100}
	cfg.MCMC.NWalkers = 50
	cfg.MCMC.NTemps = 2
	cfg.MCMC.Concurrency = 4
	cfg.Grid.Concurrency = 4
	cfg.Grid.Axes = map[string]search.Axis{
		"F0":      search.Range(30-1e-6, 30+1e-6, 1e-7),
		"F1":      search.Value(-1e-10),
		"tglitch": search.Value(tg),
	}
	cfg.Prior = prior.Spec{
		"F0":       prior.Free(prior.Distribution{Type: prior.Uniform, Lower: 30 - 1e-6, Upper: 30 + 1e-6}),
		"F1":       prior.Fixed(-1e-10),
		"F2":       prior.Fixed(0),
		"Alpha":    prior.Fixed(1.0),
		"Delta":    prior.Fixed(0.5),
		"delta_F0": prior.Free(prior.Distribution{Type: prior.Uniform, Lower: 0, Upper: 1e-5}),
		"delta_F1": prior.Fixed(0),
		"tglitch":  prior.Free(prior.Distribution{Type: prior.Uniform, Lower: tstart + 10*day, Upper: tend - 10*day}),
	}
	cfg.Evaluator.Name = "analytic"
	_ = cfg.Evaluator.Options.Encode(analytic.Options{
		F0: 30, F1: -1e-10, Alpha: 1.0, Delta: 0.5, Tref: tstart,
		Glitches: []analytic.Glitch{{Tglitch: tg, DeltaF0: 3e-6}},
	})
	cfg.Evaluator.Rate.RPM = 0
	return cfg
}

// TemplateYAML 编码模板配置。
func TemplateYAML() ([]byte, error) {
	return yaml.Marshal(DefaultTemplateConfig())
}

// TemplateEnv 返回 .env 模板（KEY=VALUE 行）。
func TemplateEnv() string {
	return `# cwsearch 环境变量（已存在的进程环境优先）
# CWSEARCH_LOG_LEVEL=info
# CWSEARCH_CONCURRENCY=4
# CWSEARCH_OUTDIR=data
# remote 评估器的 bearer token
CWSEARCH_EVAL_TOKEN=
`
}
