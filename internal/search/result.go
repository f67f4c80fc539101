package search

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"cwsearch/internal/diag"
	"cwsearch/pkg/contract"
)

// DefaultThreshold: MaxStatistic 的默认相对邻域阈值。
const DefaultThreshold = 0.05

// SampleSet: 生产阶段样本（最冷温度），行与 LnProbs/LnLikes 对齐。
type SampleSet struct {
	Labels  []string    // 自由维名（重复键已加 _1、_2 后缀）
	Samples [][]float64 // [n][ndim]
	LnProbs []float64
	LnLikes []float64
}

// Len 返回样本数。
func (s SampleSet) Len() int { return len(s.Samples) }

// Column 返回第 d 维的样本副本。
func (s SampleSet) Column(d int) []float64 {
	out := make([]float64, len(s.Samples))
	for i, row := range s.Samples {
		out[i] = row[d]
	}
	return out
}

// MaxStatistic 返回统计量（似然）最大的有限样本点及其值。
// 每维附带 <key>_std：与最大值相对差小于 threshold 的样本的总体标准差。
// 只读；±Inf/NaN 仅记录日志并忽略。
func (s SampleSet) MaxStatistic(threshold float64, logger *diag.Logger) (map[string]float64, float64, error) {
	if logger == nil {
		logger = diag.Nop()
	}
	logNonFinite(logger, s.LnLikes)
	maxV, jmax := finiteMax(s.LnLikes)
	if jmax < 0 {
		return nil, math.NaN(), fmt.Errorf("no finite statistic among %d samples: %w", len(s.LnLikes), contract.ErrInvalidInput)
	}
	var near []int
	for i, v := range s.LnLikes {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if math.Abs((maxV-v)/maxV) < threshold {
			near = append(near, i)
		}
	}
	// maxV 为 0 时相对差无定义，邻域退化为最大点本身
	if len(near) == 0 {
		near = []int{jmax}
	}
	out := make(map[string]float64, 2*len(s.Labels))
	col := make([]float64, len(near))
	for d, k := range s.Labels {
		out[k] = s.Samples[jmax][d]
		for i, idx := range near {
			col[i] = s.Samples[idx][d]
		}
		_, std := stat.PopMeanStdDev(col, nil)
		out[k+"_std"] = std
	}
	return out, maxV, nil
}

// MedianStds 返回每维的中位数与总体标准差（<key>、<key>_std）。
func (s SampleSet) MedianStds() (map[string]float64, error) {
	if s.Len() == 0 {
		return nil, fmt.Errorf("empty sample set: %w", contract.ErrInvalidInput)
	}
	out := make(map[string]float64, 2*len(s.Labels))
	for d, k := range s.Labels {
		col := s.Column(d)
		_, std := stat.PopMeanStdDev(col, nil)
		out[k] = median(col)
		out[k+"_std"] = std
	}
	return out, nil
}

// median: 偶数个样本时取中间两数的均值。会对 x 原地排序。
func median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	sort.Float64s(x)
	n := len(x)
	if n%2 == 1 {
		return x[n/2]
	}
	return (x[n/2-1] + x[n/2]) / 2
}

func logNonFinite(logger *diag.Logger, v []float64) {
	var pos, neg, nan int
	for _, x := range v {
		switch {
		case math.IsNaN(x):
			nan++
		case math.IsInf(x, 1):
			pos++
		case math.IsInf(x, -1):
			neg++
		}
	}
	if pos+neg+nan == 0 {
		return
	}
	logger.Info("result", "statistic contains non-finite values", map[string]string{
		"pos_inf": strconv.Itoa(pos),
		"neg_inf": strconv.Itoa(neg),
		"nan":     strconv.Itoa(nan),
	})
}

// ParID 返回 <label>.par。
func ParID(label string) contract.ArtifactID { return contract.ArtifactID(label + ".par") }

// FormatPar 生成 par 文本：每行 "key = %1.16e"，按键排序。
func FormatPar(d map[string]float64) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s = %1.16e\n", k, d[k])
	}
	return sb.String()
}

// WritePar 写出 par 文件。
func WritePar(ctx context.Context, w contract.Writer, id contract.ArtifactID, d map[string]float64) error {
	if err := w.Write(ctx, id, strings.NewReader(FormatPar(d))); err != nil {
		return fmt.Errorf("write par %s: %w", id, err)
	}
	return nil
}

// ReadPar 解析 "key = value" 行；空行跳过，其余格式错误返回 ErrInvalidInput。
func ReadPar(r io.Reader) (map[string]float64, error) {
	out := map[string]float64{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		k, v, ok := strings.Cut(text, " = ")
		if !ok {
			return nil, fmt.Errorf("par line %d %q: %w", line, text, contract.ErrInvalidInput)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("par line %d: %v: %w", line, err, contract.ErrInvalidInput)
		}
		out[strings.TrimSpace(k)] = f
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary 输出最大统计量与各维取值 ± 标准差（按键排序）。
func Summary(w io.Writer, d map[string]float64, maxStat float64) error {
	keys := make([]string, 0, len(d))
	for k := range d {
		if strings.HasSuffix(k, "_std") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if _, err := fmt.Fprintf(w, "Max twoF: %v\n", maxStat); err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%-10s = %1.9e +/- %1.9e\n", k, d[k], d[k+"_std"]); err != nil {
			return err
		}
	}
	return nil
}

// finiteMax 返回有限值中的最大值及下标；无有限值时 idx=-1。
func finiteMax(v []float64) (float64, int) {
	fin := make([]float64, 0, len(v))
	pos := make([]int, 0, len(v))
	for i, x := range v {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			fin = append(fin, x)
			pos = append(pos, i)
		}
	}
	if len(fin) == 0 {
		return math.NaN(), -1
	}
	j := floats.MaxIdx(fin)
	return fin[j], pos[j]
}
