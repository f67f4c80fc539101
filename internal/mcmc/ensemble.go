package mcmc

import (
	"math/rand/v2"
	"sort"
)

// Ensemble: 行者位置 [ntemps][nwalkers][ndim]。
type Ensemble [][][]float64

// NewEnsemble 分配全零集合。
func NewEnsemble(ntemps, nwalkers, ndim int) Ensemble {
	e := make(Ensemble, ntemps)
	for t := range e {
		e[t] = make([][]float64, nwalkers)
		for w := range e[t] {
			e[t][w] = make([]float64, ndim)
		}
	}
	return e
}

// Shape 返回 (ntemps, nwalkers, ndim)；不规则时 ndim 取首个行者。
func (e Ensemble) Shape() (int, int, int) {
	if len(e) == 0 || len(e[0]) == 0 {
		return len(e), 0, 0
	}
	return len(e), len(e[0]), len(e[0][0])
}

// Clone 深拷贝。
func (e Ensemble) Clone() Ensemble {
	out := make(Ensemble, len(e))
	for t := range e {
		out[t] = make([][]float64, len(e[t]))
		for w := range e[t] {
			out[t][w] = append([]float64(nil), e[t][w]...)
		}
	}
	return out
}

// SortDims 对每个行者在给定维度上的取值升序重排（例如多个 glitch 历元）。
func (e Ensemble) SortDims(dims []int) {
	if len(dims) < 2 {
		return
	}
	vals := make([]float64, len(dims))
	for t := range e {
		for w := range e[t] {
			for i, d := range dims {
				vals[i] = e[t][w][d]
			}
			sort.Float64s(vals)
			for i, d := range dims {
				e[t][w][d] = vals[i]
			}
		}
	}
}

// Scatter 在 p 附近生成新集合：p + scale·p·N(0,1)（逐分量乘性扰动）。
func Scatter(p []float64, scale float64, ntemps, nwalkers int, r *rand.Rand) Ensemble {
	e := NewEnsemble(ntemps, nwalkers, len(p))
	for t := range e {
		for w := range e[t] {
			for d, v := range p {
				e[t][w][d] = v + scale*v*r.NormFloat64()
			}
		}
	}
	return e
}
