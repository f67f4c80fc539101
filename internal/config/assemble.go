package config

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"cwsearch/internal/rate"
	"cwsearch/internal/search"
	"cwsearch/pkg/contract"
	"cwsearch/pkg/registry"
)

// Validate 对最小必要边界做静态校验；错误均包装 ErrConfig。
// 先验与步数的细节校验在 search.NewMCMC / NewGrid 中进行。
func Validate(cfg Config) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("config: %v: %w", err, contract.ErrConfig)
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Label) == "" {
		return fmt.Errorf("label empty")
	}
	if strings.ContainsAny(cfg.Label, `/\`) {
		return fmt.Errorf("label %q contains path separator", cfg.Label)
	}
	if strings.TrimSpace(cfg.Outdir) == "" {
		return fmt.Errorf("outdir empty")
	}
	for name, v := range map[string]float64{"tref": cfg.Tref, "tstart": cfg.Tstart, "tend": cfg.Tend} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s not finite", name)
		}
	}
	if !(cfg.Tstart < cfg.Tend) {
		return fmt.Errorf("tstart(%v) must be < tend(%v)", cfg.Tstart, cfg.Tend)
	}
	if cfg.Search.NGlitch < 0 {
		return fmt.Errorf("nglitch must be >= 0")
	}
	switch cfg.Search.Kind {
	case KindMCMC:
		if len(cfg.Prior) == 0 {
			return fmt.Errorf("prior empty")
		}
		if cfg.MCMC.Concurrency < 1 {
			return fmt.Errorf("mcmc.concurrency must be >= 1")
		}
	case KindGrid:
		if cfg.Search.NGlitch > 1 {
			return fmt.Errorf("grid supports nglitch 0 or 1, got %d", cfg.Search.NGlitch)
		}
		if cfg.Grid.Concurrency < 1 {
			return fmt.Errorf("grid.concurrency must be >= 1")
		}
		if cfg.Grid.MaxRetries < 0 {
			return fmt.Errorf("grid.max_retries must be >= 0")
		}
	default:
		return fmt.Errorf("search.kind %q (want %s|%s)", cfg.Search.Kind, KindMCMC, KindGrid)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q", cfg.Logging.Level)
	}
	if cfg.Evaluator.Rate.RPM < 0 || cfg.Evaluator.Rate.Burst < 0 {
		return fmt.Errorf("evaluator.rate must be >= 0")
	}
	if cfg.Evaluator.Name == "" {
		return fmt.Errorf("evaluator not set")
	}
	if registry.Evaluator[cfg.Evaluator.Name] == nil {
		return fmt.Errorf("evaluator %q not registered", cfg.Evaluator.Name)
	}
	if name := effName(cfg.Data.Reader, Defaults().Data.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("reader %q not registered", name)
	}
	if name := effName(cfg.Writer.Name, Defaults().Writer.Name); registry.Writer[name] == nil {
		return fmt.Errorf("writer %q not registered", name)
	}
	return nil
}

// Assembled: 一次运行所需的全部实例与设置。
type Assembled struct {
	Evaluator contract.Evaluator
	Reader    contract.Reader
	Store     search.Store
	MCMC      search.MCMCSettings
	Grid      search.GridSettings
	// Gate 为 nil 表示未限流。
	Gate    rate.Gate
	GateKey rate.LimitKey
}

// endpointer: 远端评估器暴露端点与 token 变量名，用于派生限流键。
type endpointer interface {
	Endpoint() string
	TokenEnv() string
}

// Assemble 构造评估器、存储、reader 与搜索设置。
// 严格 Options 解析在 registry（工厂）层进行；此处只传原样 YAML。
func Assemble(cfg Config) (Assembled, error) {
	if err := Validate(cfg); err != nil {
		return Assembled{}, err
	}
	d := Defaults()

	ev, err := registry.Evaluator[cfg.Evaluator.Name](optNode(cfg.Evaluator.Options))
	if err != nil {
		return Assembled{}, fmt.Errorf("evaluator %s: %w", cfg.Evaluator.Name, err)
	}
	var out Assembled
	// 限流 Gate（按评估器限额构造；远端评估器的分组键从端点 + token 派生）
	if cfg.Evaluator.Rate.RPM > 0 {
		key := rate.LimitKey(cfg.Evaluator.Name)
		if ep, ok := ev.(endpointer); ok {
			if k, derr := rate.DeriveKey(cfg.Evaluator.Name, ep.Endpoint(), ep.TokenEnv()); derr == nil {
				key = k
			}
		}
		out.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{key: cfg.Evaluator.Rate}, nil)
		out.GateKey = key
		ev = &rate.Evaluator{Inner: ev, Gate: out.Gate, Key: key}
	}
	out.Evaluator = ev

	rn := effName(cfg.Data.Reader, d.Data.Reader)
	rnode, err := readerNode(cfg.Data)
	if err != nil {
		return Assembled{}, err
	}
	if out.Reader, err = registry.Reader[rn](rnode); err != nil {
		return Assembled{}, fmt.Errorf("reader %s: %w", rn, err)
	}

	wn := effName(cfg.Writer.Name, d.Writer.Name)
	w, err := registry.Writer[wn](optNode(cfg.Writer.Options), cfg.Outdir)
	if err != nil {
		return Assembled{}, fmt.Errorf("writer %s: %v: %w", wn, err, contract.ErrConfig)
	}
	st, ok := w.(search.Store)
	if !ok {
		return Assembled{}, fmt.Errorf("writer %s cannot reopen artifacts: %w", wn, contract.ErrConfig)
	}
	out.Store = st

	tref := cfg.Tref
	if tref == 0 {
		tref = cfg.Tstart
	}
	out.MCMC = search.MCMCSettings{
		Label:         cfg.Label,
		Tref:          tref,
		Tstart:        cfg.Tstart,
		Tend:          cfg.Tend,
		NGlitch:       cfg.Search.NGlitch,
		Binary:        cfg.Search.Binary,
		DtGlitchMin:   cfg.Search.DtGlitchMin,
		Prior:         cfg.Prior.Clone(),
		ThetaInitial:  cfg.MCMC.ThetaInitial,
		NSteps:        append([]int(nil), cfg.MCMC.NSteps...),
		NWalkers:      cfg.MCMC.NWalkers,
		NTemps:        cfg.MCMC.NTemps,
		Betas:         append([]float64(nil), cfg.MCMC.Betas...),
		ScatterVal:    cfg.MCMC.ScatterVal,
		Seed:          cfg.MCMC.Seed,
		Concurrency:   cfg.MCMC.Concurrency,
		Clean:         cfg.Clean,
		DataFreshness: cfg.DataFreshness,
	}
	out.Grid = search.GridSettings{
		Label:       cfg.Label,
		Tref:        tref,
		Tstart:      cfg.Tstart,
		Tend:        cfg.Tend,
		Glitch:      cfg.Search.NGlitch == 1,
		Binary:      cfg.Search.Binary,
		Axes:        cfg.Grid.Axes,
		WriteAfter:  cfg.Grid.WriteAfter,
		Concurrency: cfg.Grid.Concurrency,
		MaxRetries:  cfg.Grid.MaxRetries,
	}
	return out, nil
}

func optNode(n yaml.Node) *yaml.Node {
	if n.Kind == 0 {
		return nil
	}
	return &n
}

// readerNode: reader 未显式配置 detector 时注入 data.detector。
func readerNode(d Data) (*yaml.Node, error) {
	if d.Detector == "" {
		return optNode(d.Options), nil
	}
	m := map[string]any{}
	if d.Options.Kind != 0 {
		if err := d.Options.Decode(&m); err != nil {
			return nil, fmt.Errorf("data.options: %v: %w", err, contract.ErrConfig)
		}
	}
	if _, ok := m["detector"]; !ok {
		m["detector"] = d.Detector
	}
	var n yaml.Node
	if err := n.Encode(m); err != nil {
		return nil, fmt.Errorf("data.options: %v: %w", err, contract.ErrConfig)
	}
	return &n, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
