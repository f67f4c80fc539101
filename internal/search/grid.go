package search

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"cwsearch/internal/diag"
	"cwsearch/internal/glitch"
	"cwsearch/internal/pipeline"
	"cwsearch/internal/prior"
	"cwsearch/pkg/contract"
)

// DefaultWriteAfter: 每累计多少个点落盘一次。
const DefaultWriteAfter = 1000

// Axis: 单个参数的网格取值：固定值或端点包含的等步长范围。
type Axis struct {
	Fixed *float64
	Min   float64
	Max   float64
	Step  float64
}

// Value 构造固定轴。
func Value(v float64) Axis { return Axis{Fixed: &v} }

// Range 构造范围轴。
func Range(min, max, step float64) Axis { return Axis{Min: min, Max: max, Step: step} }

// Values 展开轴取值。Step<=0 或 Min==Max 时只取 Min；端点在浮点容差内包含。
func (a Axis) Values() ([]float64, error) {
	if a.Fixed != nil {
		return []float64{*a.Fixed}, nil
	}
	for _, v := range []float64{a.Min, a.Max, a.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("grid axis %+v not finite: %w", a, contract.ErrConfig)
		}
	}
	if a.Step <= 0 || a.Min == a.Max {
		return []float64{a.Min}, nil
	}
	if a.Max < a.Min {
		return nil, fmt.Errorf("grid axis max %v < min %v: %w", a.Max, a.Min, contract.ErrConfig)
	}
	n := int(math.Floor((a.Max-a.Min)/a.Step+1e-10)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = a.Min + float64(i)*a.Step
	}
	return out, nil
}

// UnmarshalYAML: 数值或单元素列表 -> 固定；[min, max, step] 或 {min,max,step} 映射 -> 范围。
func (a *Axis) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := n.Decode(&v); err != nil {
			return fmt.Errorf("line %d: grid value %q: %w", n.Line, n.Value, contract.ErrConfig)
		}
		*a = Value(v)
		return nil
	case yaml.SequenceNode:
		var vs []float64
		if err := n.Decode(&vs); err != nil {
			return fmt.Errorf("line %d: grid axis: %v: %w", n.Line, err, contract.ErrConfig)
		}
		switch len(vs) {
		case 1:
			*a = Value(vs[0])
		case 3:
			*a = Range(vs[0], vs[1], vs[2])
		default:
			return fmt.Errorf("line %d: grid axis needs [v] or [min, max, step], got %d values: %w", n.Line, len(vs), contract.ErrConfig)
		}
		return nil
	case yaml.MappingNode:
		var r struct {
			Min  float64 `yaml:"min"`
			Max  float64 `yaml:"max"`
			Step float64 `yaml:"step"`
		}
		if err := n.Decode(&r); err != nil {
			return fmt.Errorf("line %d: grid axis: %v: %w", n.Line, err, contract.ErrConfig)
		}
		for i := 0; i+1 < len(n.Content); i += 2 {
			switch n.Content[i].Value {
			case "min", "max", "step":
			default:
				return fmt.Errorf("line %d: unknown grid axis field %q: %w", n.Content[i].Line, n.Content[i].Value, contract.ErrConfig)
			}
		}
		*a = Range(r.Min, r.Max, r.Step)
		return nil
	}
	return fmt.Errorf("line %d: unsupported grid axis: %w", n.Line, contract.ErrConfig)
}

// MarshalYAML 与 UnmarshalYAML 对称。
func (a Axis) MarshalYAML() (any, error) {
	if a.Fixed != nil {
		return *a.Fixed, nil
	}
	return []float64{a.Min, a.Max, a.Step}, nil
}

// GridSettings: 网格搜索参数。
type GridSettings struct {
	Label  string
	Tref   float64
	Tstart float64
	Tend   float64
	// Glitch: 使用单 glitch 分段评估（tglitch 缺省为 tend，即不分段）。
	Glitch bool
	Binary bool
	// Axes: 规范键 -> 轴；缺省键取 0。
	Axes        map[string]Axis
	WriteAfter  int
	Concurrency int
	MaxRetries  int
}

// GridSearch: 网格枚举驱动。
type GridSearch struct {
	set    GridSettings
	keys   []string
	eval   *glitch.Evaluator
	store  Store
	logger *diag.Logger

	points [][]float64
	// Data: 每行 = 参数列 + 统计量
	Data   [][]float64
	Reused bool
}

// GridID 返回 <label>_gridFS.txt。
func GridID(label string) contract.ArtifactID { return contract.ArtifactID(label + "_gridFS.txt") }

// NewGrid 校验轴并枚举全部网格点。
func NewGrid(set GridSettings, ev contract.Evaluator, st Store, logger *diag.Logger) (*GridSearch, error) {
	if logger == nil {
		logger = diag.Nop()
	}
	if ev == nil || st == nil {
		return nil, fmt.Errorf("grid search: nil evaluator/store: %w", contract.ErrConfig)
	}
	if set.Label == "" {
		return nil, fmt.Errorf("grid search: empty label: %w", contract.ErrConfig)
	}
	if set.Tstart >= set.Tend {
		return nil, fmt.Errorf("grid search: tstart=%v >= tend=%v: %w", set.Tstart, set.Tend, contract.ErrConfig)
	}
	if set.WriteAfter <= 0 {
		set.WriteAfter = DefaultWriteAfter
	}
	nglitch := 0
	if set.Glitch {
		nglitch = 1
	}
	g := &GridSearch{
		set:  set,
		keys: prior.CanonicalKeys(nglitch, set.Binary),
		eval: &glitch.Evaluator{
			Inner: ev, Tref: set.Tref, Tstart: set.Tstart, Tend: set.Tend,
			NGlitch: nglitch, Binary: set.Binary,
		},
		store:  st,
		logger: logger,
	}
	pts, err := g.enumerate()
	if err != nil {
		return nil, err
	}
	g.points = pts
	logger.Info("grid_search", "set up", map[string]string{
		"label":  set.Label,
		"points": strconv.Itoa(len(pts)),
		"keys":   strings.Join(g.keys, " "),
	})
	return g, nil
}

// Keys 返回参数列键序。
func (g *GridSearch) Keys() []string { return append([]string(nil), g.keys...) }

// Points 返回枚举的网格点（只读）。
func (g *GridSearch) Points() [][]float64 { return g.points }

// enumerate: 规范键序的笛卡尔积，末键变化最快。
func (g *GridSearch) enumerate() ([][]float64, error) {
	known := make(map[string]struct{}, len(g.keys))
	for _, k := range g.keys {
		known[k] = struct{}{}
	}
	var extra []string
	for k := range g.set.Axes {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("grid unexpected keys: %s: %w", strings.Join(extra, ", "), contract.ErrConfig)
	}
	arrays := make([][]float64, len(g.keys))
	total := 1
	for i, k := range g.keys {
		ax, ok := g.set.Axes[k]
		if !ok {
			ax = Value(0)
			if k == "tglitch" {
				ax = Value(g.set.Tend)
			}
		}
		vs, err := ax.Values()
		if err != nil {
			return nil, fmt.Errorf("grid %s: %w", k, err)
		}
		if k == "tglitch" {
			for _, t := range vs {
				if err := contract.ValidateSegmentBounds([]float64{g.set.Tstart, t, g.set.Tend}); err != nil {
					return nil, fmt.Errorf("grid tglitch %v outside [tstart, tend]: %w", t, contract.ErrConfig)
				}
			}
		}
		arrays[i] = vs
		total *= len(vs)
	}
	pts := make([][]float64, 0, total)
	idx := make([]int, len(arrays))
	for {
		p := make([]float64, len(arrays))
		for i, a := range arrays {
			p[i] = a[idx[i]]
		}
		pts = append(pts, p)
		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(arrays[i]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return pts, nil
}

// Run 评估全部网格点；已有结果文件的参数列与网格完全一致时直接载入。
func (g *GridSearch) Run(ctx context.Context) error {
	id := GridID(g.set.Label)
	timer := g.logger.StartWith("grid_search", "run", string(id), "")
	if ok, err := g.tryReuse(ctx, id); err != nil {
		return err
	} else if ok {
		timer.Finish("reuse", int64(len(g.Data)))
		return nil
	}
	g.logger.Info("grid_search", "total number of grid points", map[string]string{"count": strconv.Itoa(len(g.points))})

	app, canAppend := g.store.(contract.Appender)
	var all bytes.Buffer
	all.WriteString(g.header())
	first := true
	data := make([][]float64, 0, len(g.points))
	commit := func(ctx context.Context, rows []pipeline.Result) error {
		var buf bytes.Buffer
		for _, r := range rows {
			row := append(append([]float64(nil), r.Point...), r.Value)
			data = append(data, row)
			buf.WriteString(FormatRow(row))
		}
		switch {
		case first || !canAppend:
			all.Write(buf.Bytes())
			first = false
			return g.store.Write(ctx, id, bytes.NewReader(all.Bytes()))
		default:
			return app.Append(ctx, id, &buf)
		}
	}
	err := pipeline.Run(ctx, g.points, g.eval.Statistic, commit, pipeline.Settings{
		Name:        "grid " + g.set.Label,
		Concurrency: g.set.Concurrency,
		Chunk:       g.set.WriteAfter,
		MaxRetries:  g.set.MaxRetries,
	}, g.logger)
	if err != nil {
		return err
	}
	g.Data = data
	g.logger.Info("grid_search", "saved data", map[string]string{"target": string(id)})
	timer.Finish("run", int64(len(data)))
	return nil
}

func (g *GridSearch) tryReuse(ctx context.Context, id contract.ArtifactID) (bool, error) {
	rc, err := g.store.Open(ctx, id)
	if err != nil {
		if isNotExist(err) {
			g.logger.Info("grid_search", "no old data found, continuing with grid search", nil)
			return false, nil
		}
		return false, err
	}
	defer rc.Close()
	br := bufio.NewReader(rc)
	head, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	if head != g.header() {
		g.logger.Info("grid_search", "old data found, span or tref differs, continuing with grid search", map[string]string{"header": strings.TrimSpace(head)})
		return false, nil
	}
	rows, err := ParseRows(br)
	if err != nil {
		g.logger.Warn("grid_search", string(diag.Classify(err)), "old data unreadable, continuing with grid search", map[string]string{"err": err.Error()})
		return false, nil
	}
	if !sameGrid(rows, g.points) {
		g.logger.Info("grid_search", "old data found, input differs, continuing with grid search", nil)
		return false, nil
	}
	g.logger.Info("grid_search", "old data found with matching input, no search performed", nil)
	g.Data = rows
	g.Reused = true
	return true, nil
}

// header: 结果文件首行，记录参考时间与时间跨度；跨度或 tref 不同的旧文件不复用。
func (g *GridSearch) header() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'e', -1, 64) }
	return "# tref " + f(g.set.Tref) + " tstart " + f(g.set.Tstart) + " tend " + f(g.set.Tend) + "\n"
}

func sameGrid(rows, pts [][]float64) bool {
	if len(rows) != len(pts) {
		return false
	}
	for i, r := range rows {
		if len(r) != len(pts[i])+1 {
			return false
		}
		for j, v := range pts[i] {
			if r[j] != v {
				return false
			}
		}
	}
	return true
}

// FormatRow 以空格分隔输出一行（最短可往返表示）。
func FormatRow(row []float64) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = strconv.FormatFloat(v, 'e', -1, 64)
	}
	return strings.Join(parts, " ") + "\n"
}

// ParseRows 解析空格分隔的数值表；各行列数须一致。以 # 开头的行为注释。
func ParseRows(r io.Reader) ([][]float64, error) {
	var out [][]float64
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d col %d: %v: %w", line, i, err, contract.ErrInvalidInput)
			}
			row[i] = v
		}
		if len(out) > 0 && len(row) != len(out[0]) {
			return nil, fmt.Errorf("row %d has %d columns, want %d: %w", line, len(row), len(out[0]), contract.ErrInvalidInput)
		}
		out = append(out, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MaxStatistic 返回网格中最大的有限统计量及所在行。
func (g *GridSearch) MaxStatistic() (float64, []float64, error) {
	col := g.Statistic()
	logNonFinite(g.logger, col)
	v, idx := finiteMax(col)
	if idx < 0 {
		return math.NaN(), nil, fmt.Errorf("no finite statistic in grid: %w", contract.ErrInvalidInput)
	}
	return v, append([]float64(nil), g.Data[idx]...), nil
}

// Axes 返回每个参数列的去重升序取值（供外部作 1D/2D 切片）。
func (g *GridSearch) Axes() map[string][]float64 {
	out := make(map[string][]float64, len(g.keys))
	for j, k := range g.keys {
		seen := map[float64]struct{}{}
		var vs []float64
		for _, r := range g.Data {
			if _, ok := seen[r[j]]; ok {
				continue
			}
			seen[r[j]] = struct{}{}
			vs = append(vs, r[j])
		}
		sort.Float64s(vs)
		out[k] = vs
	}
	return out
}

// Statistic 返回统计量列。
func (g *GridSearch) Statistic() []float64 {
	out := make([]float64, len(g.Data))
	for i, r := range g.Data {
		out[i] = r[len(r)-1]
	}
	return out
}
