// Package mcmc 实现并行回火的仿射不变系综采样器（stretch move + 相邻温度交换）。
package mcmc

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"golang.org/x/sync/errgroup"

	"cwsearch/internal/diag"
	"cwsearch/pkg/contract"
)

// Model: 采样目标。LogPrior 须廉价且无副作用；LogLike 可能昂贵并可并发调用。
type Model interface {
	LogPrior(theta []float64) float64
	LogLike(ctx context.Context, theta []float64) (float64, error)
}

// Config: 采样器参数。
type Config struct {
	NTemps      int
	NWalkers    int // 须为正偶数
	NDim        int
	Betas       []float64 // 为空时使用 DefaultBetas
	A           float64   // stretch 尺度，默认 2
	Concurrency int       // 单个半步内 LogLike 并发上限，默认 1
	Rand        *rand.Rand
	Logger      *diag.Logger
	// OnStep 每步结束回调（done/total/冷链平均接受率），用于进度显示。
	OnStep func(done, total int, accept float64)
}

// Sampler 非并发安全：同一时刻只允许一个 Run。
type Sampler struct {
	cfg   Config
	model Model
	rng   *rand.Rand
	betas []float64

	pos  Ensemble
	lp   [][]float64 // 当前先验
	ll   [][]float64 // 当前似然
	post [][]float64 // 当前回火后验

	chain  [][][][]float64 // [t][w][step][d]
	lnprob [][][]float64   // [t][w][step]
	lnlike [][][]float64

	naccepted [][]float64
	nswap     []float64
	nswapAcc  []float64
	iters     int
}

// DefaultBetas 返回几何温度梯：β_k = tstep^-k，tstep = 1 + 2√ln4/√ndim。
func DefaultBetas(ntemps, ndim int) []float64 {
	if ntemps <= 0 {
		return nil
	}
	if ndim < 1 {
		ndim = 1
	}
	tstep := 1 + 2*math.Sqrt(math.Log(4))/math.Sqrt(float64(ndim))
	out := make([]float64, ntemps)
	for k := range out {
		out[k] = math.Exp(-float64(k) * math.Log(tstep))
	}
	return out
}

// New 校验参数并构造采样器。
func New(cfg Config, model Model) (*Sampler, error) {
	if model == nil {
		return nil, fmt.Errorf("mcmc: nil model: %w", contract.ErrConfig)
	}
	if cfg.NTemps < 1 || cfg.NDim < 1 {
		return nil, fmt.Errorf("mcmc: ntemps=%d ndim=%d: %w", cfg.NTemps, cfg.NDim, contract.ErrConfig)
	}
	if cfg.NWalkers < 2 || cfg.NWalkers%2 != 0 {
		return nil, fmt.Errorf("mcmc: nwalkers=%d must be a positive even number: %w", cfg.NWalkers, contract.ErrConfig)
	}
	betas := cfg.Betas
	if len(betas) == 0 {
		betas = DefaultBetas(cfg.NTemps, cfg.NDim)
	}
	if len(betas) != cfg.NTemps {
		return nil, fmt.Errorf("mcmc: %d betas for %d temperatures: %w", len(betas), cfg.NTemps, contract.ErrConfig)
	}
	for i, b := range betas {
		if math.IsNaN(b) || b < 0 || b > 1 || (i > 0 && b > betas[i-1]) {
			return nil, fmt.Errorf("mcmc: betas must be non-increasing within [0,1], got %v: %w", betas, contract.ErrConfig)
		}
	}
	if cfg.A <= 1 {
		cfg.A = 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(1, 2))
	}
	if cfg.Logger == nil {
		cfg.Logger = diag.Nop()
	}
	s := &Sampler{cfg: cfg, model: model, rng: cfg.Rand, betas: append([]float64(nil), betas...)}
	s.Reset()
	return s, nil
}

// Reset 清空链历史与接受计数（温度梯保持不变）。
func (s *Sampler) Reset() {
	nt, nw := s.cfg.NTemps, s.cfg.NWalkers
	s.chain = make([][][][]float64, nt)
	s.lnprob = make([][][]float64, nt)
	s.lnlike = make([][][]float64, nt)
	s.naccepted = make([][]float64, nt)
	for t := 0; t < nt; t++ {
		s.chain[t] = make([][][]float64, nw)
		s.lnprob[t] = make([][]float64, nw)
		s.lnlike[t] = make([][]float64, nw)
		s.naccepted[t] = make([]float64, nw)
	}
	s.nswap = make([]float64, nt)
	s.nswapAcc = make([]float64, nt)
	s.iters = 0
}

// posterior: 回火后验。先验为 -Inf 时不看似然（避免 -Inf + NaN）；β=0 时仅取先验。
func posterior(lp, ll, beta float64) float64 {
	if math.IsInf(lp, -1) || beta == 0 {
		return lp
	}
	return lp + beta*ll
}

// Run 从 p0 出发运行 nsteps 步，链历史在已有历史之后追加。
// 任一 LogLike 失败即中止本步并返回错误。
func (s *Sampler) Run(ctx context.Context, p0 Ensemble, nsteps int) error {
	nt, nw, nd := p0.Shape()
	if nt != s.cfg.NTemps || nw != s.cfg.NWalkers || nd != s.cfg.NDim {
		return fmt.Errorf("mcmc: p0 shape (%d,%d,%d) want (%d,%d,%d): %w",
			nt, nw, nd, s.cfg.NTemps, s.cfg.NWalkers, s.cfg.NDim, contract.ErrInvalidInput)
	}
	if nsteps < 0 {
		return fmt.Errorf("mcmc: nsteps=%d: %w", nsteps, contract.ErrInvalidInput)
	}
	s.pos = p0.Clone()
	flat := make([][]float64, 0, nt*nw)
	for t := 0; t < nt; t++ {
		flat = append(flat, s.pos[t]...)
	}
	lps, lls, err := s.evaluate(ctx, flat)
	if err != nil {
		return err
	}
	s.lp = make([][]float64, nt)
	s.ll = make([][]float64, nt)
	s.post = make([][]float64, nt)
	for t := 0; t < nt; t++ {
		s.lp[t] = lps[t*nw : (t+1)*nw]
		s.ll[t] = lls[t*nw : (t+1)*nw]
		s.post[t] = make([]float64, nw)
		for w := 0; w < nw; w++ {
			s.post[t][w] = posterior(s.lp[t][w], s.ll[t][w], s.betas[t])
		}
	}

	for step := 0; step < nsteps; step++ {
		for half := 0; half < 2; half++ {
			if err := s.stretch(ctx, half); err != nil {
				return fmt.Errorf("mcmc: step %d: %w", step, err)
			}
		}
		if nt > 1 {
			s.swap()
		}
		s.record()
		if s.cfg.OnStep != nil {
			s.cfg.OnStep(step+1, nsteps, s.meanAcceptance(0))
		}
	}
	for t := 0; t < nt; t++ {
		diag.SetAcceptance(t, s.meanAcceptance(t))
	}
	return nil
}

// stretch 更新奇/偶半集合：提案顺序生成（可复现），似然并发评估。
func (s *Sampler) stretch(ctx context.Context, half int) error {
	nt, nw, nd := s.cfg.NTemps, s.cfg.NWalkers, s.cfg.NDim
	a := s.cfg.A
	var upd, smp []int
	for w := 0; w < nw; w++ {
		if w%2 == half {
			upd = append(upd, w)
		} else {
			smp = append(smp, w)
		}
	}
	props := make([][]float64, 0, nt*len(upd))
	zs := make([]float64, 0, nt*len(upd))
	for t := 0; t < nt; t++ {
		for _, w := range upd {
			u := (a-1)*s.rng.Float64() + 1
			z := u * u / a
			partner := s.pos[t][smp[s.rng.IntN(len(smp))]]
			q := make([]float64, nd)
			for d := 0; d < nd; d++ {
				q[d] = partner[d] + z*(s.pos[t][w][d]-partner[d])
			}
			props = append(props, q)
			zs = append(zs, z)
		}
	}
	lps, lls, err := s.evaluate(ctx, props)
	if err != nil {
		return err
	}
	i := 0
	for t := 0; t < nt; t++ {
		for _, w := range upd {
			qpost := posterior(lps[i], lls[i], s.betas[t])
			logAccept := float64(nd-1)*math.Log(zs[i]) + qpost - s.post[t][w]
			// NaN 比较恒为 false：NaN 提案不会被接受
			if math.Log(s.rng.Float64()) < logAccept {
				s.pos[t][w] = props[i]
				s.lp[t][w] = lps[i]
				s.ll[t][w] = lls[i]
				s.post[t][w] = qpost
				s.naccepted[t][w]++
			}
			i++
		}
	}
	return nil
}

// swap 相邻温度间交换（从最热开始）。
func (s *Sampler) swap() {
	nt, nw := s.cfg.NTemps, s.cfg.NWalkers
	for i := nt - 1; i > 0; i-- {
		dbeta := s.betas[i-1] - s.betas[i]
		iperm := s.rng.Perm(nw)
		i1perm := s.rng.Perm(nw)
		for k := 0; k < nw; k++ {
			a, b := iperm[k], i1perm[k]
			paccept := dbeta * (s.ll[i][a] - s.ll[i-1][b])
			s.nswap[i]++
			s.nswap[i-1]++
			if !(math.Log(s.rng.Float64()) < paccept) {
				continue
			}
			s.nswapAcc[i]++
			s.nswapAcc[i-1]++
			s.pos[i][a], s.pos[i-1][b] = s.pos[i-1][b], s.pos[i][a]
			s.lp[i][a], s.lp[i-1][b] = s.lp[i-1][b], s.lp[i][a]
			s.ll[i][a], s.ll[i-1][b] = s.ll[i-1][b], s.ll[i][a]
			s.post[i][a] = posterior(s.lp[i][a], s.ll[i][a], s.betas[i])
			s.post[i-1][b] = posterior(s.lp[i-1][b], s.ll[i-1][b], s.betas[i-1])
		}
	}
}

func (s *Sampler) record() {
	for t := range s.pos {
		for w := range s.pos[t] {
			s.chain[t][w] = append(s.chain[t][w], append([]float64(nil), s.pos[t][w]...))
			s.lnprob[t][w] = append(s.lnprob[t][w], s.post[t][w])
			s.lnlike[t][w] = append(s.lnlike[t][w], s.ll[t][w])
		}
	}
	s.iters++
}

// evaluate 计算一批点的先验与似然；先验为 -Inf 的点不调用似然（记为 -Inf）。
func (s *Sampler) evaluate(ctx context.Context, pts [][]float64) ([]float64, []float64, error) {
	lps := make([]float64, len(pts))
	lls := make([]float64, len(pts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	calls := 0
	for i := range pts {
		lps[i] = s.model.LogPrior(pts[i])
		if math.IsInf(lps[i], -1) {
			lls[i] = math.Inf(-1)
			continue
		}
		calls++
		g.Go(func() error {
			v, err := s.model.LogLike(gctx, pts[i])
			if err != nil {
				return err
			}
			lls[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	diag.AddEvaluations(calls)
	nan := 0
	for _, v := range lls {
		if math.IsNaN(v) {
			nan++
		}
	}
	if nan > 0 {
		s.cfg.Logger.Warn("mcmc", string(diag.CodeNumeric), "likelihood returned NaN",
			map[string]string{"count": strconv.Itoa(nan), "batch": strconv.Itoa(len(pts))})
	}
	return lps, lls, nil
}

func (s *Sampler) meanAcceptance(t int) float64 {
	if s.iters == 0 || t >= len(s.naccepted) {
		return 0
	}
	var sum float64
	for _, n := range s.naccepted[t] {
		sum += n
	}
	return sum / float64(len(s.naccepted[t])*s.iters)
}

// Best 返回冷链最后一步 lnprob 最大（忽略 NaN）的行者位置及 NaN 个数。
// 按后验（先验 + 似然）而非单纯似然选取：先验为 -Inf 的行者不会被选中重撒。
func (s *Sampler) Best() ([]float64, int, bool) {
	if s.iters == 0 {
		return nil, 0, false
	}
	best, bestV, nan := -1, math.Inf(-1), 0
	last := s.iters - 1
	for w := range s.lnprob[0] {
		v := s.lnprob[0][w][last]
		if math.IsNaN(v) {
			nan++
			continue
		}
		if best < 0 || v > bestV {
			best, bestV = w, v
		}
	}
	if best < 0 {
		return nil, nan, false
	}
	return append([]float64(nil), s.chain[0][best][last]...), nan, true
}

// Iterations 返回自上次 Reset 以来记录的步数。
func (s *Sampler) Iterations() int { return s.iters }

// Betas 返回温度梯副本。
func (s *Sampler) Betas() []float64 { return append([]float64(nil), s.betas...) }

// Chain 返回链历史 [t][w][step][d]（只读视图）。
func (s *Sampler) Chain() [][][][]float64 { return s.chain }

// LnProbability 返回 [t][w][step] 回火后验。
func (s *Sampler) LnProbability() [][][]float64 { return s.lnprob }

// LnLikelihood 返回 [t][w][step] 似然。
func (s *Sampler) LnLikelihood() [][][]float64 { return s.lnlike }

// Position 返回当前集合副本。
func (s *Sampler) Position() Ensemble { return s.pos.Clone() }

// AcceptanceFraction 返回 [t][w] 接受率。
func (s *Sampler) AcceptanceFraction() [][]float64 {
	out := make([][]float64, len(s.naccepted))
	for t := range s.naccepted {
		out[t] = make([]float64, len(s.naccepted[t]))
		if s.iters == 0 {
			continue
		}
		for w, n := range s.naccepted[t] {
			out[t][w] = n / float64(s.iters)
		}
	}
	return out
}

// TswapAcceptanceFraction 返回每个温度的交换接受率。
func (s *Sampler) TswapAcceptanceFraction() []float64 {
	out := make([]float64, len(s.nswap))
	for t := range s.nswap {
		if s.nswap[t] > 0 {
			out[t] = s.nswapAcc[t] / s.nswap[t]
		}
	}
	return out
}

// State: 采样器终态（用于检查点）。
type State struct {
	Betas          []float64
	Position       Ensemble
	LnProb         [][]float64
	LnLike         [][]float64
	Acceptance     [][]float64
	SwapAcceptance []float64
}

// Snapshot 导出终态副本。
func (s *Sampler) Snapshot() State {
	cp := func(in [][]float64) [][]float64 {
		out := make([][]float64, len(in))
		for i := range in {
			out[i] = append([]float64(nil), in[i]...)
		}
		return out
	}
	return State{
		Betas:          s.Betas(),
		Position:       s.pos.Clone(),
		LnProb:         cp(s.post),
		LnLike:         cp(s.ll),
		Acceptance:     s.AcceptanceFraction(),
		SwapAcceptance: s.TswapAcceptanceFraction(),
	}
}
