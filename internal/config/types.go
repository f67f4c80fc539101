package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"cwsearch/internal/prior"
	"cwsearch/internal/rate"
	"cwsearch/internal/search"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Label  string `yaml:"label" json:"label"`
	Outdir string `yaml:"outdir" json:"outdir"`
	Data   Data   `yaml:"data" json:"data"`

	// 时间均为 GPS 秒。Tref 为 0 时取 Tstart。
	Tref   float64 `yaml:"tref" json:"tref"`
	Tstart float64 `yaml:"tstart" json:"tstart"`
	Tend   float64 `yaml:"tend" json:"tend"`

	Search Search     `yaml:"search" json:"search"`
	MCMC   MCMC       `yaml:"mcmc" json:"mcmc"`
	Grid   Grid       `yaml:"grid" json:"grid"`
	Prior  prior.Spec `yaml:"prior,omitempty" json:"prior,omitempty"`

	Evaluator Evaluator `yaml:"evaluator" json:"evaluator"`
	Writer    Component `yaml:"writer" json:"writer"`

	Logging Logging `yaml:"logging" json:"logging"`
	Metrics Metrics `yaml:"metrics" json:"metrics"`

	// Clean: 运行前将已有检查点重命名为 .old。
	Clean bool `yaml:"clean,omitempty" json:"clean,omitempty"`
	// DataFreshness: 显式给出的数据时间戳；零值时由 CLI 从观测文件推断。
	DataFreshness time.Time `yaml:"data_freshness,omitempty" json:"data_freshness,omitempty"`
}

// Data: 观测数据选择。
type Data struct {
	SFTDir   string `yaml:"sft_dir" json:"sft_dir"`
	SFTLabel string `yaml:"sft_label" json:"sft_label"`
	// Detector: 探测器约束（例如 H1）；reader 选项未给出 detector 时注入。
	Detector string `yaml:"detector,omitempty" json:"detector,omitempty"`
	Reader   string `yaml:"reader,omitempty" json:"reader,omitempty"`
	// Options: reader 的原样 YAML 选项。
	Options yaml.Node `yaml:"options,omitempty" json:"-"`
}

// Search: 搜索种类与参数空间形状。
type Search struct {
	Kind        string  `yaml:"kind" json:"kind"` // mcmc | grid
	NGlitch     int     `yaml:"nglitch,omitempty" json:"nglitch,omitempty"`
	Binary      bool    `yaml:"binary,omitempty" json:"binary,omitempty"`
	DtGlitchMin float64 `yaml:"dtglitchmin,omitempty" json:"dtglitchmin,omitempty"`
}

// MCMC: 采样器设置。
type MCMC struct {
	NSteps       []int          `yaml:"nsteps,omitempty" json:"nsteps,omitempty"`
	NWalkers     int            `yaml:"nwalkers,omitempty" json:"nwalkers,omitempty"`
	NTemps       int            `yaml:"ntemps,omitempty" json:"ntemps,omitempty"`
	Betas        []float64      `yaml:"betas,omitempty" json:"betas,omitempty"`
	ScatterVal   float64        `yaml:"scatter_val,omitempty" json:"scatter_val,omitempty"`
	Seed         uint64         `yaml:"seed,omitempty" json:"seed,omitempty"`
	ThetaInitial search.Initial `yaml:"theta_initial,omitempty" json:"theta_initial,omitempty"`
	Concurrency  int            `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// Grid: 网格设置。
type Grid struct {
	Axes        map[string]search.Axis `yaml:"axes,omitempty" json:"-"`
	WriteAfter  int                    `yaml:"write_after,omitempty" json:"write_after,omitempty"`
	Concurrency int                    `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	// MaxRetries: 网络类失败（远端评估器）的重试次数。缺省 0，即评估失败立即终止；仅网格使用。
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// Component: 注册表实现名 + 原样 YAML 选项。
type Component struct {
	Name    string    `yaml:"name,omitempty" json:"name,omitempty"`
	Options yaml.Node `yaml:"options,omitempty" json:"-"`
}

// Evaluator: 统计量评估器选择与限额。
type Evaluator struct {
	Name    string      `yaml:"name" json:"name"`
	Options yaml.Node   `yaml:"options,omitempty" json:"-"`
	Rate    rate.Limits `yaml:"rate,omitempty" json:"rate,omitempty"`
}

// Logging: 日志等级与目录（空目录写 stderr）。
type Logging struct {
	Level string `yaml:"level,omitempty" json:"level,omitempty"`
	Dir   string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// Metrics: 为空则不启动 /metrics。
type Metrics struct {
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`
}
