// Package prior 描述参数的先验（固定值或分布），并将其映射到规范参数向量布局。
package prior

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"cwsearch/pkg/contract"
)

// 支持的分布类型。
const (
	Uniform    = "unif"
	Normal     = "norm"
	HalfNormal = "halfnorm"
	LogNormal  = "lognorm"
)

// Distribution: 自由参数的先验分布描述。
// unif 使用 Lower/Upper；norm/halfnorm 使用 Loc/Scale；lognorm 的 Loc/Scale 为对数空间的均值/标准差。
type Distribution struct {
	Type  string  `yaml:"type" json:"type"`
	Lower float64 `yaml:"lower,omitempty" json:"lower,omitempty"`
	Upper float64 `yaml:"upper,omitempty" json:"upper,omitempty"`
	Loc   float64 `yaml:"loc,omitempty" json:"loc,omitempty"`
	Scale float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Validate 检查类型与形状参数。
func (d Distribution) Validate() error {
	switch d.Type {
	case Uniform:
		if !(d.Upper > d.Lower) {
			return fmt.Errorf("unif requires lower < upper (got %v, %v): %w", d.Lower, d.Upper, contract.ErrConfig)
		}
	case Normal, HalfNormal, LogNormal:
		if !(d.Scale > 0) {
			return fmt.Errorf("%s requires scale > 0 (got %v): %w", d.Type, d.Scale, contract.ErrConfig)
		}
	case "":
		return fmt.Errorf("distribution type missing: %w", contract.ErrConfig)
	default:
		return fmt.Errorf("unrecognised distribution type %q: %w", d.Type, contract.ErrConfig)
	}
	return nil
}

// LogPDF 返回 x 处的对数密度；支撑集外为 -Inf。
// unif 为开区间 (lower, upper)。未知类型返回 NaN（应在 Unpack 时被拒绝）。
func (d Distribution) LogPDF(x float64) float64 {
	switch d.Type {
	case Uniform:
		if x > d.Lower && x < d.Upper {
			return -math.Log(d.Upper - d.Lower)
		}
		return math.Inf(-1)
	case Normal:
		return distuv.Normal{Mu: d.Loc, Sigma: d.Scale}.LogProb(x)
	case HalfNormal:
		if x < 0 {
			return math.Inf(-1)
		}
		z := x - d.Loc
		return -0.5 * (z*z/(d.Scale*d.Scale) + math.Log(0.5*math.Pi*d.Scale*d.Scale))
	case LogNormal:
		if !(x > 0) {
			return math.Inf(-1)
		}
		return distuv.LogNormal{Mu: d.Loc, Sigma: d.Scale}.LogProb(x)
	}
	return math.NaN()
}

// Sample 从分布抽取一个值。halfnorm 取正态样本的绝对值。
func (d Distribution) Sample(src rand.Source) float64 {
	switch d.Type {
	case Uniform:
		return distuv.Uniform{Min: d.Lower, Max: d.Upper, Src: src}.Rand()
	case Normal:
		return distuv.Normal{Mu: d.Loc, Sigma: d.Scale, Src: src}.Rand()
	case HalfNormal:
		return math.Abs(distuv.Normal{Mu: d.Loc, Sigma: d.Scale, Src: src}.Rand())
	case LogNormal:
		return distuv.LogNormal{Mu: d.Loc, Sigma: d.Scale, Src: src}.Rand()
	}
	return math.NaN()
}
