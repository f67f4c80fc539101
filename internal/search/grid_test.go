package search

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"cwsearch/internal/diag"
	"cwsearch/pkg/contract"
)

func gridSettings() GridSettings {
	return GridSettings{
		Label:  "g",
		Tref:   tstart,
		Tstart: tstart,
		Tend:   tend,
		Axes: map[string]Axis{
			"F0":    Range(29.99, 30.01, 0.01),
			"F1":    Value(0),
			"Alpha": Value(1),
			"Delta": Value(0.5),
		},
		WriteAfter:  2,
		Concurrency: 2,
	}
}

// 3×1 网格：3 个点，结果文件 3 行，每行参数列 + 统计量
func TestGridCountAndFile(t *testing.T) {
	dir := t.TempDir()
	ev := newPeak()
	g, err := NewGrid(gridSettings(), ev, newStore(t, dir), diag.Nop())
	require.NoError(t, err)
	require.Len(t, g.Points(), 3)
	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, int64(3), ev.calls.Load())
	require.Len(t, g.Data, 3)
	assert.Len(t, g.Data[0], len(g.Keys())+1)

	b, err := os.ReadFile(filepath.Join(dir, "g_gridFS.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 4, "首行为 tref/tstart/tend 注释")
	assert.True(t, strings.HasPrefix(lines[0], "# tref "))
	assert.Len(t, strings.Fields(lines[1]), 6)

	v, row, err := g.MaxStatistic()
	require.NoError(t, err)
	assert.InDelta(t, 100, v, 1e-6)
	assert.InDelta(t, 30, row[0], 1e-12)
	assert.Len(t, g.Axes()["F0"], 3)
	assert.Equal(t, []float64{0}, g.Axes()["F2"])
}

// 参数列完全一致时复用结果文件；网格变化则重算
func TestGridReuse(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ev := newPeak()
	g1, err := NewGrid(gridSettings(), ev, newStore(t, dir), diag.Nop())
	require.NoError(t, err)
	require.NoError(t, g1.Run(ctx))

	g2, err := NewGrid(gridSettings(), ev, newStore(t, dir), diag.Nop())
	require.NoError(t, err)
	require.NoError(t, g2.Run(ctx))
	assert.True(t, g2.Reused)
	assert.Equal(t, int64(3), ev.calls.Load())
	assert.Equal(t, g1.Data, g2.Data)

	set := gridSettings()
	set.Axes["F1"] = Range(0, 1e-10, 1e-10)
	g3, err := NewGrid(set, ev, newStore(t, dir), diag.Nop())
	require.NoError(t, err)
	require.NoError(t, g3.Run(ctx))
	assert.False(t, g3.Reused)
	assert.Equal(t, int64(3+6), ev.calls.Load())
	assert.Len(t, g3.Data, 6)
}

// 时间跨度或参考时间变化时不复用旧结果文件
func TestGridReuseRequiresSameSpan(t *testing.T) {
	ctx := context.Background()
	cases := map[string]func(*GridSettings){
		"tend":   func(s *GridSettings) { s.Tend += 100 * 86400 },
		"tstart": func(s *GridSettings) { s.Tstart -= 86400 },
		"tref":   func(s *GridSettings) { s.Tref += 86400 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			ev := newPeak()
			g1, err := NewGrid(gridSettings(), ev, newStore(t, dir), diag.Nop())
			require.NoError(t, err)
			require.NoError(t, g1.Run(ctx))

			set := gridSettings()
			mutate(&set)
			g2, err := NewGrid(set, ev, newStore(t, dir), diag.Nop())
			require.NoError(t, err)
			require.NoError(t, g2.Run(ctx))
			assert.False(t, g2.Reused)
			assert.Equal(t, int64(6), ev.calls.Load())
		})
	}
}

// 无首行注释的旧格式文件视为不匹配
func TestGridReuseIgnoresHeaderlessFile(t *testing.T) {
	dir := t.TempDir()
	ev := newPeak()
	g, err := NewGrid(gridSettings(), ev, newStore(t, dir), diag.Nop())
	require.NoError(t, err)
	var body strings.Builder
	for _, p := range g.Points() {
		body.WriteString(FormatRow(append(append([]float64(nil), p...), 1)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g_gridFS.txt"), []byte(body.String()), 0o644))
	require.NoError(t, g.Run(context.Background()))
	assert.False(t, g.Reused)
	assert.Equal(t, int64(3), ev.calls.Load())
}

// glitch 网格：tglitch 缺省为 tend，尾段零长不调用评估器
func TestGridGlitchDefaultsToTend(t *testing.T) {
	set := gridSettings()
	set.Glitch = true
	set.Axes["delta_F0"] = Value(1e-6)
	ev := newPeak()
	g, err := NewGrid(set, ev, newStore(t, t.TempDir()), diag.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"F0", "F1", "F2", "Alpha", "Delta", "delta_F0", "delta_F1", "tglitch"}, g.Keys())
	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, int64(3), ev.calls.Load())
	assert.Equal(t, tend, g.Data[0][7])

	set.Axes["tglitch"] = Value(tstart + 50*86400)
	ev2 := newPeak()
	g, err = NewGrid(set, ev2, newStore(t, t.TempDir()), diag.Nop())
	require.NoError(t, err)
	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, int64(6), ev2.calls.Load(), "两段各评估一次")

	set.Axes["tglitch"] = Value(tend + 1)
	_, err = NewGrid(set, ev2, newStore(t, t.TempDir()), diag.Nop())
	require.ErrorIs(t, err, contract.ErrConfig)
}

func TestGridValidation(t *testing.T) {
	set := gridSettings()
	set.Axes["tglitch"] = Value(tend)
	_, err := NewGrid(set, newPeak(), newStore(t, t.TempDir()), diag.Nop())
	require.ErrorIs(t, err, contract.ErrConfig, "非 glitch 网格不接受 tglitch")

	set = gridSettings()
	set.Axes["F0"] = Range(2, 1, 0.1)
	_, err = NewGrid(set, newPeak(), newStore(t, t.TempDir()), diag.Nop())
	require.ErrorIs(t, err, contract.ErrConfig)
}

func TestGridEvaluatorFailure(t *testing.T) {
	ev := newPeak()
	ev.fail = contract.ErrInvalidInput
	g, err := NewGrid(gridSettings(), ev, newStore(t, t.TempDir()), diag.Nop())
	require.NoError(t, err)
	require.ErrorIs(t, g.Run(context.Background()), contract.ErrInvalidInput)
}

func TestAxisValues(t *testing.T) {
	vs, err := Range(0, 0.3, 0.1).Values()
	require.NoError(t, err)
	assert.Len(t, vs, 4, "端点在浮点容差内包含")

	vs, err = Range(1, 2, 0).Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, vs)
	vs, err = Range(5, 5, 1).Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{5}, vs)
	vs, err = Value(7).Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{7}, vs)
}

func TestAxisYAML(t *testing.T) {
	var axes map[string]Axis
	src := "F0: [29, 31, 0.5]\nF1: -1e-10\nF2: [0]\nAlpha: {min: 0, max: 1, step: 0.25}\n"
	require.NoError(t, yaml.Unmarshal([]byte(src), &axes))
	require.Nil(t, axes["F0"].Fixed)
	assert.Equal(t, Range(29, 31, 0.5), axes["F0"])
	require.NotNil(t, axes["F1"].Fixed)
	assert.Equal(t, -1e-10, *axes["F1"].Fixed)
	require.NotNil(t, axes["F2"].Fixed)
	assert.Equal(t, Range(0, 1, 0.25), axes["Alpha"])

	require.ErrorIs(t, yaml.Unmarshal([]byte("F0: [1, 2]\n"), &axes), contract.ErrConfig)
	require.ErrorIs(t, yaml.Unmarshal([]byte("F0: {lo: 1}\n"), &axes), contract.ErrConfig)
	require.ErrorIs(t, yaml.Unmarshal([]byte("F0: x\n"), &axes), contract.ErrConfig)
}

func TestParseRows(t *testing.T) {
	rows, err := ParseRows(strings.NewReader(FormatRow([]float64{1.5, -2e-10, 3}) + "\n" + "4 5 NaN\n"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, -2e-10, rows[0][1])

	rows, err = ParseRows(strings.NewReader("# tref 1 tstart 1 tend 2\n1 2\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}}, rows)

	_, err = ParseRows(strings.NewReader("1 2\n1 2 3\n"))
	require.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = ParseRows(strings.NewReader("1 x\n"))
	require.ErrorIs(t, err, contract.ErrInvalidInput)
}
