// Package analytic 提供闭式合成统计量：对注入信号按频率/频率导数失配计分。
// 用于测试与演示，不读取任何观测数据。
package analytic

import (
	"context"
	"fmt"
	"math"
	"sort"

	"cwsearch/internal/glitch"
	"cwsearch/internal/taylor"
	"cwsearch/pkg/contract"
)

// Glitch: 注入信号的一次跳变。
type Glitch struct {
	Tglitch float64 `yaml:"tglitch"`
	DeltaF0 float64 `yaml:"delta_F0"`
	DeltaF1 float64 `yaml:"delta_F1"`
}

// Options: 注入信号与计分参数。
type Options struct {
	F0    float64 `yaml:"F0"`
	F1    float64 `yaml:"F1"`
	F2    float64 `yaml:"F2"`
	Alpha float64 `yaml:"Alpha"`
	Delta float64 `yaml:"Delta"`
	Tref  float64 `yaml:"tref"`
	// Depth: 每秒信号强度；统计量 = 4 + Depth·T·exp(-mismatch)。默认 1e-4。
	Depth float64 `yaml:"depth,omitempty"`
	// SkyScale: 天区失配系数（每弧度平方）。默认 1e4。
	SkyScale float64  `yaml:"sky_scale,omitempty"`
	Glitches []Glitch `yaml:"glitches,omitempty"`

	// 透传给评估器的数据选择项（仅做范围检查）。
	Detector     string  `yaml:"detector,omitempty"`
	MinCoverFreq float64 `yaml:"min_cover_freq,omitempty"`
	MaxCoverFreq float64 `yaml:"max_cover_freq,omitempty"`
}

// Evaluator: 并发安全（只读状态）。
type Evaluator struct {
	opt    Options
	theta  contract.ParameterVector
	epochs []float64
	thetas []contract.ParameterVector // 各信号段在 tref 处的系数
}

// New 构造评估器；跳变按历元排序。
func New(opts *Options) (*Evaluator, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	if o.Depth == 0 {
		o.Depth = 1e-4
	}
	if o.SkyScale == 0 {
		o.SkyScale = 1e4
	}
	if o.Depth < 0 || o.SkyScale < 0 {
		return nil, fmt.Errorf("analytic: negative depth/sky_scale: %w", contract.ErrConfig)
	}
	if o.MaxCoverFreq != 0 && o.MaxCoverFreq < o.MinCoverFreq {
		return nil, fmt.Errorf("analytic: cover band [%v,%v]: %w", o.MinCoverFreq, o.MaxCoverFreq, contract.ErrConfig)
	}
	gl := append([]Glitch(nil), o.Glitches...)
	sort.Slice(gl, func(i, j int) bool { return gl[i].Tglitch < gl[j].Tglitch })
	o.Glitches = gl

	e := &Evaluator{opt: o, theta: contract.ParameterVector{0, o.F0, o.F1, o.F2}}
	jumps := make([]contract.ParameterVector, len(gl))
	for i, g := range gl {
		jumps[i] = contract.ParameterVector{0, g.DeltaF0, g.DeltaF1, 0}
		e.epochs = append(e.epochs, g.Tglitch)
	}
	// 首尾边界不参与平移，仅占位
	e.thetas = glitch.Thetas(e.theta, jumps, contract.Boundaries(math.Inf(-1), e.epochs, math.Inf(1)), o.Tref)
	return e, nil
}

// signalAt 返回时刻 t 所在信号段在 tref 处的系数。
func (e *Evaluator) signalAt(t float64) contract.ParameterVector {
	k := sort.SearchFloat64s(e.epochs, t)
	// t 恰为历元时属于跳变之后
	if k < len(e.epochs) && e.epochs[k] == t {
		k++
	}
	return e.thetas[k]
}

// Statistic 实现 contract.Evaluator。
func (e *Evaluator) Statistic(ctx context.Context, iv contract.Interval, d contract.Doppler) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := contract.ValidateInterval(iv); err != nil {
		return 0, err
	}
	if len(d.Fkdot) < 2 {
		return 0, fmt.Errorf("analytic: fkdot len=%d: %w", len(d.Fkdot), contract.ErrInvalidInput)
	}
	T := iv.Duration()
	mid := iv.Start + T/2
	q := taylor.Shift(d.Fkdot, mid-e.opt.Tref)
	if e.opt.MaxCoverFreq != 0 && (q[1] < e.opt.MinCoverFreq || q[1] > e.opt.MaxCoverFreq) {
		return 0, fmt.Errorf("analytic: F0=%v outside cover band [%v,%v]: %w", q[1], e.opt.MinCoverFreq, e.opt.MaxCoverFreq, contract.ErrInvalidInput)
	}
	s := taylor.Shift(e.signalAt(mid), mid-e.opt.Tref)
	df0 := q[1] - s[1]
	var df1 float64
	if len(q) > 2 {
		df1 = q[2] - s[2]
	}
	// 相位失配度量：频率误差 ~ (πΔf T)²/3，频率导数误差 ~ (πΔḟ T²)²/180
	m := math.Pow(math.Pi*df0*T, 2)/3 + math.Pow(math.Pi*df1*T*T, 2)/180
	da, dd := d.Sky.Alpha-e.opt.Alpha, d.Sky.Delta-e.opt.Delta
	m += e.opt.SkyScale * (da*da + dd*dd)
	return 4 + e.opt.Depth*T*math.Exp(-m), nil
}

var _ contract.Evaluator = (*Evaluator)(nil)
