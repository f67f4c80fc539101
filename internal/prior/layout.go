package prior

import (
	"fmt"
	"math"
	"strings"

	"cwsearch/pkg/contract"
)

// 规范键。
var (
	BaseKeys   = []string{"F0", "F1", "F2", "Alpha", "Delta"}
	BinaryKeys = []string{"asini", "period", "ecc", "tp", "argp"}
	GlitchKeys = []string{"delta_F0", "delta_F1", "tglitch"}
)

// CanonicalKeys 返回全向量键序（glitch 键各展开 nglitch 份）。
func CanonicalKeys(nglitch int, binary bool) []string {
	keys := append([]string(nil), BaseKeys...)
	if binary {
		keys = append(keys, BinaryKeys...)
	}
	for _, gk := range GlitchKeys {
		for i := 0; i < nglitch; i++ {
			keys = append(keys, gk)
		}
	}
	return keys
}

// Layout: 自由/固定参数布局，Unpack 之后只读。
type Layout struct {
	FullKeys   []string
	ThetaKeys  []string // 可重复（glitch 副本）
	ThetaIdxs  []int    // 严格递增
	FixedTheta []float64
	Priors     []Distribution // 与 ThetaKeys 对齐
	NGlitch    int
	Binary     bool
}

// Unpack 将先验字典映射为规范布局。
// 每个 glitch 副本在全向量中占独立槽位，因此 ThetaIdxs 天然互异且递增。
func Unpack(spec Spec, nglitch int, binary bool) (Layout, error) {
	if nglitch < 0 {
		return Layout{}, fmt.Errorf("nglitch=%d: %w", nglitch, contract.ErrConfig)
	}
	full := CanonicalKeys(nglitch, binary)
	known := make(map[string]struct{}, len(full))
	for _, k := range full {
		known[k] = struct{}{}
	}
	var missing, extra []string
	seen := make(map[string]struct{}, len(full))
	for _, k := range full {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := spec[k]; !ok {
			missing = append(missing, k)
		}
	}
	for _, k := range spec.Keys() {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, "missing keys: "+strings.Join(missing, ", "))
		}
		if len(extra) > 0 {
			parts = append(parts, "unexpected keys: "+strings.Join(extra, ", "))
		}
		return Layout{}, fmt.Errorf("prior %s: %w", strings.Join(parts, "; "), contract.ErrConfig)
	}
	for _, k := range spec.Keys() {
		if err := spec[k].Validate(); err != nil {
			return Layout{}, fmt.Errorf("prior %s: %w", k, err)
		}
	}

	l := Layout{
		FullKeys:   full,
		FixedTheta: make([]float64, len(full)),
		NGlitch:    nglitch,
		Binary:     binary,
	}
	for i, k := range full {
		p := spec[k]
		if p.Free != nil {
			l.ThetaKeys = append(l.ThetaKeys, k)
			l.ThetaIdxs = append(l.ThetaIdxs, i)
			l.Priors = append(l.Priors, *p.Free)
			continue
		}
		l.FixedTheta[i] = *p.Fixed
	}
	return l, nil
}

// Ndim 返回自由维数。
func (l Layout) Ndim() int { return len(l.ThetaIdxs) }

// Full 以 FixedTheta 为底，覆盖自由槽位，返回新切片。
func (l Layout) Full(theta []float64) []float64 {
	out := make([]float64, len(l.FixedTheta))
	copy(out, l.FixedTheta)
	for j, idx := range l.ThetaIdxs {
		if j < len(theta) {
			out[idx] = theta[j]
		}
	}
	return out
}

// LogPrior 对自由维的对数密度求和；遇到 -Inf 立即返回。
func (l Layout) LogPrior(theta []float64) float64 {
	var sum float64
	for j, d := range l.Priors {
		v := d.LogPDF(theta[j])
		if math.IsInf(v, -1) {
			return v
		}
		sum += v
	}
	return sum
}

// Dims 返回某键对应的自由维下标（按顺序）。
func (l Layout) Dims(key string) []int {
	var out []int
	for j, k := range l.ThetaKeys {
		if k == key {
			out = append(out, j)
		}
	}
	return out
}

// Labels 返回去重后的自由维名：重复键依次为 key、key_1、key_2 ...
func (l Layout) Labels() []string {
	out := make([]string, len(l.ThetaKeys))
	count := make(map[string]int, len(l.ThetaKeys))
	for j, k := range l.ThetaKeys {
		n := count[k]
		if n == 0 {
			out[j] = k
		} else {
			out[j] = fmt.Sprintf("%s_%d", k, n)
		}
		count[k] = n + 1
	}
	return out
}
