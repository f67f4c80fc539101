// Package glitch 将观测区间按 glitch 历元切分为若干段，逐段调用外部统计量评估器并求和。
package glitch

import (
	"context"
	"fmt"

	"cwsearch/internal/taylor"
	"cwsearch/pkg/contract"
)

// 规范参数向量中固定部分的长度。
const (
	baseLen   = 5 // F0 F1 F2 Alpha Delta
	binaryLen = 5 // asini period ecc tp argp
)

// Point: 解码后的一次评估输入。
// Theta 为 [phase=0, F0, F1, F2]（tref 处）；Jumps[i] 为第 i 个 glitch 的跳变向量 [0, ΔF0, ΔF1, 0]。
type Point struct {
	Theta  contract.ParameterVector
	Sky    contract.SkyPosition
	Binary *contract.BinaryOrbit
	Jumps  []contract.ParameterVector
	Epochs []float64
}

// Width 返回规范全向量长度。
func Width(nglitch int, binary bool) int {
	n := baseLen + 3*nglitch
	if binary {
		n += binaryLen
	}
	return n
}

// Decode 按规范键序解码全向量：
// F0 F1 F2 Alpha Delta [asini period ecc tp argp] [delta_F0×n delta_F1×n tglitch×n]。
func Decode(full []float64, nglitch int, binary bool) (Point, error) {
	if nglitch < 0 {
		return Point{}, fmt.Errorf("nglitch=%d: %w", nglitch, contract.ErrInvalidInput)
	}
	if want := Width(nglitch, binary); len(full) != want {
		return Point{}, fmt.Errorf("full vector len=%d want=%d: %w", len(full), want, contract.ErrInvalidInput)
	}
	p := Point{
		Theta: contract.ParameterVector{0, full[0], full[1], full[2]},
		Sky:   contract.SkyPosition{Alpha: full[3], Delta: full[4]},
	}
	off := baseLen
	if binary {
		p.Binary = &contract.BinaryOrbit{
			Asini: full[off], Period: full[off+1], Ecc: full[off+2], Tp: full[off+3], Argp: full[off+4],
		}
		off += binaryLen
	}
	if nglitch > 0 {
		p.Jumps = make([]contract.ParameterVector, nglitch)
		p.Epochs = make([]float64, nglitch)
		for i := 0; i < nglitch; i++ {
			p.Jumps[i] = contract.ParameterVector{0, full[off+i], full[off+nglitch+i], 0}
			p.Epochs[i] = full[off+2*nglitch+i]
		}
	}
	return p, nil
}

// Thetas 返回每段在 tref 处的系数向量：
// thetas[0] = theta；thetas[i+1] 由 thetas[i] 平移到 bounds[i+1]，叠加 jumps[i]，再平移回 tref。
func Thetas(theta contract.ParameterVector, jumps []contract.ParameterVector, bounds []float64, tref float64) []contract.ParameterVector {
	out := make([]contract.ParameterVector, 0, len(jumps)+1)
	out = append(out, theta.Clone())
	for i, jump := range jumps {
		if i+1 >= len(bounds) {
			break
		}
		te := bounds[i+1]
		at := taylor.Shift(out[i], te-tref)
		for k := 0; k < len(at) && k < len(jump); k++ {
			at[k] += jump[k]
		}
		out = append(out, taylor.Shift(at, tref-te))
	}
	return out
}

// Evaluator: glitch 感知的统计量评估（并发安全，前提是 Inner 并发安全）。
type Evaluator struct {
	Inner   contract.Evaluator
	Tref    float64
	Tstart  float64
	Tend    float64
	NGlitch int
	Binary  bool
}

// Statistic 对规范全向量求分段统计量之和。
// 边界 [tstart, t1..tn, tend] 视为已由调用方校验有序。
func (e *Evaluator) Statistic(ctx context.Context, full []float64) (float64, error) {
	p, err := Decode(full, e.NGlitch, e.Binary)
	if err != nil {
		return 0, err
	}
	return e.Evaluate(ctx, p)
}

// Evaluate 对已解码的 Point 求分段统计量之和。
func (e *Evaluator) Evaluate(ctx context.Context, p Point) (float64, error) {
	if e.Inner == nil {
		return 0, fmt.Errorf("glitch evaluator without inner evaluator: %w", contract.ErrConfig)
	}
	bounds := contract.Boundaries(e.Tstart, p.Epochs, e.Tend)
	thetas := Thetas(p.Theta, p.Jumps, bounds, e.Tref)
	var sum float64
	for i, th := range thetas {
		ts, te := bounds[i], bounds[i+1]
		// glitch 落在 tend：其后各段长度为 0，不再调用评估器
		if i > 0 && ts == e.Tend {
			break
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		v, err := e.Inner.Statistic(ctx, contract.Interval{Start: ts, End: te}, contract.Doppler{
			Fkdot:  th,
			Sky:    p.Sky,
			Binary: p.Binary,
		})
		if err != nil {
			return 0, fmt.Errorf("segment %d [%v,%v): %w", i, ts, te, err)
		}
		sum += v
	}
	return sum, nil
}
