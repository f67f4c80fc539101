package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cwsearch/internal/diag"
	"cwsearch/internal/glitch"
	"cwsearch/internal/mcmc"
	"cwsearch/internal/prior"
	"cwsearch/pkg/contract"
)

// 默认值。
const (
	DefaultScatterVal  = 1e-4
	DefaultDtGlitchMin = 20 * 86400
	DefaultNWalkers    = 100
)

// Initial: 初始集合的来源；三者择一。
//   - Dists 非空：按自由维逐一抽样；
//   - Point 非空：在该点附近按 ScatterVal 乘性扰动；
//   - 皆空：从先验抽样。
type Initial struct {
	Dists map[string]prior.Distribution `yaml:"dists,omitempty" json:"dists,omitempty"`
	Point []float64                     `yaml:"point,omitempty" json:"point,omitempty"`
}

// MCMCSettings: MCMC 搜索参数。
type MCMCSettings struct {
	Label       string
	Tref        float64
	Tstart      float64
	Tend        float64
	NGlitch     int
	Binary      bool
	DtGlitchMin float64

	Prior        prior.Spec
	ThetaInitial Initial
	// NSteps: 前 len-2 项为初始化阶段步数，末两项为 nburn、nprod。
	NSteps      []int
	NWalkers    int
	NTemps      int
	Betas       []float64
	ScatterVal  float64
	Seed        uint64 // 0 表示按时间取种子
	Concurrency int

	// Clean: 运行前将已有检查点重命名为 .old。
	Clean bool
	// DataFreshness: 观测数据的时间戳；早于它的检查点视为过期。零值表示不检查。
	DataFreshness time.Time
}

// MCMCSearch: 分阶段并行回火 MCMC 驱动。单 goroutine 使用。
type MCMCSearch struct {
	set    MCMCSettings
	layout prior.Layout
	eval   *glitch.Evaluator
	store  Store
	logger *diag.Logger

	// 运行结果
	Samples SampleSet
	State   mcmc.State
	Reused  bool
	RunID   string
}

// NewMCMC 校验参数、解包先验，并按需执行 Clean。
func NewMCMC(ctx context.Context, set MCMCSettings, ev contract.Evaluator, st Store, logger *diag.Logger) (*MCMCSearch, error) {
	if logger == nil {
		logger = diag.Nop()
	}
	if ev == nil || st == nil {
		return nil, fmt.Errorf("mcmc search: nil evaluator/store: %w", contract.ErrConfig)
	}
	if set.Label == "" {
		return nil, fmt.Errorf("mcmc search: empty label: %w", contract.ErrConfig)
	}
	if len(set.NSteps) < 2 {
		return nil, fmt.Errorf("mcmc search: nsteps=%v needs at least [nburn, nprod]: %w", set.NSteps, contract.ErrConfig)
	}
	for _, n := range set.NSteps {
		if n < 0 {
			return nil, fmt.Errorf("mcmc search: negative step count in %v: %w", set.NSteps, contract.ErrConfig)
		}
	}
	if set.NSteps[len(set.NSteps)-1] < 1 {
		return nil, fmt.Errorf("mcmc search: nprod must be >= 1: %w", contract.ErrConfig)
	}
	if set.Tstart >= set.Tend {
		return nil, fmt.Errorf("mcmc search: tstart=%v >= tend=%v: %w", set.Tstart, set.Tend, contract.ErrConfig)
	}
	if set.NWalkers == 0 {
		set.NWalkers = DefaultNWalkers
	}
	if set.NTemps == 0 {
		set.NTemps = 1
	}
	if set.ScatterVal == 0 {
		set.ScatterVal = DefaultScatterVal
	}
	if set.DtGlitchMin == 0 {
		set.DtGlitchMin = DefaultDtGlitchMin
	}
	layout, err := prior.Unpack(set.Prior, set.NGlitch, set.Binary)
	if err != nil {
		return nil, err
	}
	if layout.Ndim() == 0 {
		return nil, fmt.Errorf("mcmc search: no free parameters: %w", contract.ErrConfig)
	}
	s := &MCMCSearch{
		set:    set,
		layout: layout,
		eval: &glitch.Evaluator{
			Inner: ev, Tref: set.Tref, Tstart: set.Tstart, Tend: set.Tend,
			NGlitch: set.NGlitch, Binary: set.Binary,
		},
		store:  st,
		logger: logger,
	}
	if set.Clean {
		b, ok := st.(Backuper)
		if !ok {
			return nil, fmt.Errorf("mcmc search: clean requested but store cannot back up: %w", contract.ErrConfig)
		}
		moved, err := b.Backup(ctx, s.checkpointID())
		if err != nil {
			return nil, fmt.Errorf("clean checkpoint: %w", err)
		}
		if moved {
			logger.Info("mcmc_search", "checkpoint moved aside", map[string]string{"target": string(s.checkpointID()) + ".old"})
		}
	}
	logger.Info("mcmc_search", "set up", map[string]string{
		"label":   set.Label,
		"nglitch": strconv.Itoa(set.NGlitch),
		"ndim":    strconv.Itoa(layout.Ndim()),
		"keys":    fmt.Sprint(layout.ThetaKeys),
	})
	return s, nil
}

// Layout 返回参数布局。
func (s *MCMCSearch) Layout() prior.Layout { return s.layout }

func (s *MCMCSearch) checkpointID() contract.ArtifactID { return CheckpointID(s.set.Label) }

// Fingerprint 返回本次运行的指纹。
func (s *MCMCSearch) Fingerprint() Fingerprint {
	return Fingerprint{
		Prior:      s.set.Prior.Clone(),
		NSteps:     append([]int(nil), s.set.NSteps...),
		NWalkers:   s.set.NWalkers,
		NTemps:     s.set.NTemps,
		ThetaKeys:  append([]string(nil), s.layout.ThetaKeys...),
		ScatterVal: s.set.ScatterVal,

		Tref:        s.set.Tref,
		Tstart:      s.set.Tstart,
		Tend:        s.set.Tend,
		NGlitch:     s.set.NGlitch,
		Binary:      s.set.Binary,
		DtGlitchMin: s.set.DtGlitchMin,
		Betas:       append([]float64(nil), s.set.Betas...),
	}
}

// LogPrior: 自由维先验之和；nglitch>1 时要求 tstart<t1<…<tn<tend 且间隔 >= DtGlitchMin。
func (s *MCMCSearch) LogPrior(theta []float64) float64 {
	if n := s.layout.NGlitch; n > 1 {
		full := s.layout.Full(theta)
		epochs := full[len(full)-n:]
		if contract.ValidateBoundaries(contract.Boundaries(s.set.Tstart, epochs, s.set.Tend), s.set.DtGlitchMin) != nil {
			return math.Inf(-1)
		}
	}
	return s.layout.LogPrior(theta)
}

// LogLike: 以分段统计量之和作为似然。
func (s *MCMCSearch) LogLike(ctx context.Context, theta []float64) (float64, error) {
	return s.eval.Statistic(ctx, s.layout.Full(theta))
}

var _ mcmc.Model = (*MCMCSearch)(nil)

// Run 执行搜索。若检查点可复用则直接载入并返回。
func (s *MCMCSearch) Run(ctx context.Context) error {
	timer := s.logger.StartWith("mcmc_search", "run", s.set.Label, "")
	if ok, err := s.tryReuse(ctx); err != nil {
		return err
	} else if ok {
		timer.Finish("reuse", int64(s.Samples.Len()))
		return nil
	}

	seed := s.set.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s.RunID = uuid.NewString()
	s.logger.Info("mcmc_search", "sampler seed", map[string]string{"seed": strconv.FormatUint(seed, 10), "run_id": s.RunID})

	sampler, err := mcmc.New(mcmc.Config{
		NTemps:      s.set.NTemps,
		NWalkers:    s.set.NWalkers,
		NDim:        s.layout.Ndim(),
		Betas:       s.set.Betas,
		Concurrency: s.set.Concurrency,
		Rand:        rng,
		Logger:      s.logger,
		OnStep: func(done, total int, accept float64) {
			if t := diag.GetTerminal(); t != nil {
				t.RoundProgress(done, total, accept)
			}
		},
	}, s)
	if err != nil {
		return err
	}

	p0, err := s.initialEnsemble(rng)
	if err != nil {
		return err
	}
	s.correct(p0)
	s.checkInitial(p0)

	ninit := len(s.set.NSteps) - 2
	for j, n := range s.set.NSteps[:ninit] {
		round := fmt.Sprintf("init %d/%d", j+1, ninit)
		if err := s.stage(ctx, sampler, p0, n, round); err != nil {
			return err
		}
		best, nan, ok := sampler.Best()
		if nan > 0 {
			s.logger.Warn("mcmc_search", string(diag.CodeNumeric), "sampler produced NaN log-probabilities",
				map[string]string{"count": strconv.Itoa(nan), "round": round})
		}
		if !ok {
			return fmt.Errorf("%s: no finite walker to rescatter from: %w", round, contract.ErrInvariantViolation)
		}
		p0 = mcmc.Scatter(best, s.set.ScatterVal, s.set.NTemps, s.set.NWalkers, rng)
		s.correct(p0)
		s.checkInitial(p0)
		sampler.Reset()
	}

	nburn := s.set.NSteps[ninit]
	nprod := s.set.NSteps[ninit+1]
	if err := s.stage(ctx, sampler, p0, nburn+nprod, "production"); err != nil {
		return err
	}
	s.Samples = s.production(sampler, nburn)
	s.State = sampler.Snapshot()

	cp := Checkpoint{
		RunID:       s.RunID,
		Fingerprint: s.Fingerprint(),
		CreatedAt:   time.Now().UTC(),
		Samples:     s.Samples,
		State:       s.State,
	}
	if err := SaveCheckpoint(ctx, s.store, s.checkpointID(), cp); err != nil {
		s.logger.ErrorWith("mcmc_search", string(diag.Classify(err)), err.Error(), nil, s.set.Label, "")
		return err
	}
	timer.Finish("run", int64(s.Samples.Len()))
	return nil
}

func (s *MCMCSearch) stage(ctx context.Context, sampler *mcmc.Sampler, p0 mcmc.Ensemble, n int, round string) error {
	s.logger.Info("mcmc_search", "stage start", map[string]string{"round": round, "steps": strconv.Itoa(n)})
	if t := diag.GetTerminal(); t != nil {
		t.RoundStart(round, n)
	}
	t0 := time.Now()
	err := sampler.Run(ctx, p0, n)
	if t := diag.GetTerminal(); t != nil {
		t.RoundFinish(err == nil, time.Since(t0))
	}
	if err != nil {
		code := diag.Classify(err)
		s.logger.ErrorWith("mcmc_search", string(code), "stage failed: "+err.Error(), &t0, s.set.Label, round)
		diag.IncOp("mcmc_search", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("mcmc_search", string(code))
		}
		return fmt.Errorf("%s: %w", round, err)
	}
	s.logger.InfoFinish("mcmc_search", "stage "+round, t0, int64(n))
	diag.IncOp("mcmc_search", "finish", "success")
	return nil
}

// production 取最冷温度、burn 之后的各行者样本（按行者、再按步展开）。
func (s *MCMCSearch) production(sampler *mcmc.Sampler, nburn int) SampleSet {
	chain := sampler.Chain()[0]
	lnp := sampler.LnProbability()[0]
	lnl := sampler.LnLikelihood()[0]
	out := SampleSet{Labels: s.layout.Labels()}
	for w := range chain {
		for k := nburn; k < len(chain[w]); k++ {
			out.Samples = append(out.Samples, append([]float64(nil), chain[w][k]...))
			out.LnProbs = append(out.LnProbs, lnp[w][k])
			out.LnLikes = append(out.LnLikes, lnl[w][k])
		}
	}
	return out
}

func (s *MCMCSearch) tryReuse(ctx context.Context) (bool, error) {
	cp, ok, err := LoadCheckpoint(ctx, s.store, s.checkpointID())
	if err != nil {
		if errors.Is(err, contract.ErrCheckpointMismatch) {
			s.logger.Warn("mcmc_search", string(diag.CodeCheckpoint), "unreadable checkpoint ignored", map[string]string{"err": err.Error()})
			return false, nil
		}
		return false, err
	}
	if !ok {
		s.logger.Info("mcmc_search", "no saved data found", nil)
		return false, nil
	}
	if err := cp.Usable(s.Fingerprint(), s.set.DataFreshness, s.logger); err != nil {
		s.logger.Warn("mcmc_search", string(diag.CodeCheckpoint), "saved data not reused", map[string]string{"reason": err.Error()})
		return false, nil
	}
	s.logger.Warn("mcmc_search", string(diag.CodeCheckpoint), "using saved data", map[string]string{"target": string(s.checkpointID())})
	s.Samples = cp.Samples
	s.State = cp.State
	s.RunID = cp.RunID
	s.Reused = true
	return true, nil
}

// initialEnsemble 按 ThetaInitial 生成 [ntemps][nwalkers][ndim] 初始集合。
func (s *MCMCSearch) initialEnsemble(rng *rand.Rand) (mcmc.Ensemble, error) {
	nt, nw, nd := s.set.NTemps, s.set.NWalkers, s.layout.Ndim()
	init := s.set.ThetaInitial
	switch {
	case len(init.Dists) > 0:
		dists := make([]prior.Distribution, nd)
		for j, k := range s.layout.ThetaKeys {
			d, ok := init.Dists[k]
			if !ok {
				return nil, fmt.Errorf("theta_initial missing key %s: %w", k, contract.ErrConfig)
			}
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("theta_initial %s: %w", k, err)
			}
			dists[j] = d
		}
		return sampleEnsemble(dists, nt, nw, rng), nil
	case len(init.Point) > 0:
		if len(init.Point) != nd {
			return nil, fmt.Errorf("theta_initial point has %d values, want %d: %w", len(init.Point), nd, contract.ErrConfig)
		}
		return mcmc.Scatter(init.Point, s.set.ScatterVal, nt, nw, rng), nil
	default:
		return sampleEnsemble(s.layout.Priors, nt, nw, rng), nil
	}
}

func sampleEnsemble(dists []prior.Distribution, nt, nw int, rng *rand.Rand) mcmc.Ensemble {
	e := mcmc.NewEnsemble(nt, nw, len(dists))
	for t := range e {
		for w := range e[t] {
			for d, dist := range dists {
				e[t][w][d] = dist.Sample(rng)
			}
		}
	}
	return e
}

// correct: nglitch>1 时对每个行者的 glitch 历元升序排列。
func (s *MCMCSearch) correct(p0 mcmc.Ensemble) {
	if s.layout.NGlitch > 1 {
		p0.SortDims(s.layout.Dims("tglitch"))
	}
}

// checkInitial 统计最冷温度下先验为 0 的初始点并告警。
func (s *MCMCSearch) checkInitial(p0 mcmc.Ensemble) int {
	bad := 0
	for _, p := range p0[0] {
		if math.IsInf(s.LogPrior(p), -1) {
			bad++
		}
	}
	if bad > 0 {
		s.logger.Warn("mcmc_search", string(diag.CodeNumeric), "initial values outside prior support", map[string]string{
			"total":   strconv.Itoa(len(p0[0])),
			"neg_inf": strconv.Itoa(bad),
		})
	}
	return bad
}

// MaxStatistic 代理到生产样本。
func (s *MCMCSearch) MaxStatistic(threshold float64) (map[string]float64, float64, error) {
	return s.Samples.MaxStatistic(threshold, s.logger)
}

// MedianStds 代理到生产样本。
func (s *MCMCSearch) MedianStds() (map[string]float64, error) { return s.Samples.MedianStds() }

// Par 方法名。
const (
	ParMedian = "med"
	ParMax    = "twoFmax"
)

// WritePar 按方法写出 <label>.par。
func (s *MCMCSearch) WritePar(ctx context.Context, method string) error {
	var (
		d   map[string]float64
		err error
	)
	switch method {
	case ParMedian, "":
		d, err = s.MedianStds()
	case ParMax:
		d, _, err = s.MaxStatistic(DefaultThreshold)
	default:
		return fmt.Errorf("par method %q: %w", method, contract.ErrConfig)
	}
	if err != nil {
		return err
	}
	s.logger.Info("mcmc_search", "write par", map[string]string{"target": string(ParID(s.set.Label)), "method": method})
	return WritePar(ctx, s.store, ParID(s.set.Label), d)
}
