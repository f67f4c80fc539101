package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cwsearch/internal/prior"
	"cwsearch/internal/search"
	"cwsearch/pkg/contract"
)

// EnvPrefix 为环境变量覆盖前缀。
const EnvPrefix = "CWSEARCH_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：label、时间范围、evaluator 不设默认。
func Defaults() Config {
	return Config{
		Outdir: "data",
		Data:   Data{Reader: "fs"},
		Search: Search{Kind: KindMCMC, DtGlitchMin: search.DefaultDtGlitchMin},
		MCMC: MCMC{
			NSteps:      []int{100, 100},
			NWalkers:    search.DefaultNWalkers,
			NTemps:      1,
			ScatterVal:  search.DefaultScatterVal,
			Concurrency: 1,
		},
		Grid:    Grid{WriteAfter: search.DefaultWriteAfter, Concurrency: 1},
		Writer:  Component{Name: "fs"},
		Logging: Logging{Level: "info"},
	}
}

// 搜索种类。
const (
	KindMCMC = "mcmc"
	KindGrid = "grid"
)

// LoadYAML 从文件路径或原始 YAML 解析 Config（严格拒绝未知字段）。
func LoadYAML(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, fmt.Errorf("no config source provided: %w", contract.ErrConfig)
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("%s: %v: %w", path, err, contract.ErrConfig)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量/字符串/原样 YAML 为“替换”；prior 与 axes 按键替换。
func Merge(base, over Config) Config {
	out := base
	setStr(&out.Label, over.Label)
	setStr(&out.Outdir, over.Outdir)
	setStr(&out.Data.SFTDir, over.Data.SFTDir)
	setStr(&out.Data.SFTLabel, over.Data.SFTLabel)
	setStr(&out.Data.Detector, over.Data.Detector)
	setStr(&out.Data.Reader, over.Data.Reader)
	setNode(&out.Data.Options, over.Data.Options)
	setFloat(&out.Tref, over.Tref)
	setFloat(&out.Tstart, over.Tstart)
	setFloat(&out.Tend, over.Tend)

	setStr(&out.Search.Kind, over.Search.Kind)
	setInt(&out.Search.NGlitch, over.Search.NGlitch)
	if over.Search.Binary {
		out.Search.Binary = true
	}
	setFloat(&out.Search.DtGlitchMin, over.Search.DtGlitchMin)

	if len(over.MCMC.NSteps) > 0 {
		out.MCMC.NSteps = append([]int(nil), over.MCMC.NSteps...)
	}
	setInt(&out.MCMC.NWalkers, over.MCMC.NWalkers)
	setInt(&out.MCMC.NTemps, over.MCMC.NTemps)
	if len(over.MCMC.Betas) > 0 {
		out.MCMC.Betas = append([]float64(nil), over.MCMC.Betas...)
	}
	setFloat(&out.MCMC.ScatterVal, over.MCMC.ScatterVal)
	if over.MCMC.Seed != 0 {
		out.MCMC.Seed = over.MCMC.Seed
	}
	if len(over.MCMC.ThetaInitial.Dists) > 0 || len(over.MCMC.ThetaInitial.Point) > 0 {
		out.MCMC.ThetaInitial = over.MCMC.ThetaInitial
	}
	setInt(&out.MCMC.Concurrency, over.MCMC.Concurrency)

	if len(over.Grid.Axes) > 0 {
		axes := make(map[string]search.Axis, len(out.Grid.Axes)+len(over.Grid.Axes))
		for k, v := range out.Grid.Axes {
			axes[k] = v
		}
		for k, v := range over.Grid.Axes {
			axes[k] = v
		}
		out.Grid.Axes = axes
	}
	setInt(&out.Grid.WriteAfter, over.Grid.WriteAfter)
	setInt(&out.Grid.Concurrency, over.Grid.Concurrency)
	setInt(&out.Grid.MaxRetries, over.Grid.MaxRetries)

	if len(over.Prior) > 0 {
		p := make(prior.Spec, len(out.Prior)+len(over.Prior))
		for k, v := range out.Prior {
			p[k] = v
		}
		for k, v := range over.Prior {
			p[k] = v
		}
		out.Prior = p
	}

	setStr(&out.Evaluator.Name, over.Evaluator.Name)
	setNode(&out.Evaluator.Options, over.Evaluator.Options)
	setInt(&out.Evaluator.Rate.RPM, over.Evaluator.Rate.RPM)
	setInt(&out.Evaluator.Rate.Burst, over.Evaluator.Rate.Burst)
	setStr(&out.Writer.Name, over.Writer.Name)
	setNode(&out.Writer.Options, over.Writer.Options)

	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)
	setStr(&out.Metrics.Addr, over.Metrics.Addr)
	if over.Clean {
		out.Clean = true
	}
	if !over.DataFreshness.IsZero() {
		out.DataFreshness = over.DataFreshness
	}
	return out
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setNode(dst *yaml.Node, v yaml.Node) {
	if v.Kind != 0 {
		*dst = v
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 CWSEARCH_；集合之外的键忽略（例如评估器 token）。
// 数值解析失败返回 ErrConfig。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := strings.TrimPrefix(kv[:eq], EnvPrefix)
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			continue
		}
		var err error
		switch key {
		case "LABEL":
			over.Label = val
		case "OUTDIR":
			over.Outdir = val
		case "SFT_DIR":
			over.Data.SFTDir = val
		case "SFT_LABEL":
			over.Data.SFTLabel = val
		case "DETECTOR":
			over.Data.Detector = val
		case "TREF":
			over.Tref, err = atof(val)
		case "TSTART":
			over.Tstart, err = atof(val)
		case "TEND":
			over.Tend, err = atof(val)
		case "SEARCH_KIND":
			over.Search.Kind = val
		case "NGLITCH":
			over.Search.NGlitch, err = atoi(val)
		case "BINARY":
			over.Search.Binary, err = strconv.ParseBool(val)
		case "CONCURRENCY":
			var n int
			n, err = atoi(val)
			over.MCMC.Concurrency, over.Grid.Concurrency = n, n
		case "NSTEPS":
			over.MCMC.NSteps, err = atoiList(val)
		case "NWALKERS":
			over.MCMC.NWalkers, err = atoi(val)
		case "NTEMPS":
			over.MCMC.NTemps, err = atoi(val)
		case "SEED":
			over.MCMC.Seed, err = strconv.ParseUint(val, 10, 64)
		case "EVALUATOR":
			over.Evaluator.Name = val
		case "EVALUATOR_RPM":
			over.Evaluator.Rate.RPM, err = atoi(val)
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "METRICS_ADDR":
			over.Metrics.Addr = val
		case "CLEAN":
			over.Clean, err = strconv.ParseBool(val)
		case "DATA_FRESHNESS":
			over.DataFreshness, err = time.Parse(time.RFC3339, val)
		}
		if err != nil {
			return Config{}, fmt.Errorf("env %s%s=%q: %v: %w", EnvPrefix, key, val, err, contract.ErrConfig)
		}
	}
	return over, nil
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func atof(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func atoiList(s string) ([]int, error) {
	parts := splitComma(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
