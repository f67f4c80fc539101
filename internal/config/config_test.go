package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"cwsearch/internal/rate"
	"cwsearch/internal/search"
	"cwsearch/pkg/contract"
	rfs "cwsearch/plugins/reader/filesystem"
	"cwsearch/plugins/statistic/analytic"
)

// 模板经 YAML 往返后仍可校验与装配
func TestTemplateRoundTrip(t *testing.T) {
	b, err := TemplateYAML()
	require.NoError(t, err)
	cfg, err := LoadYAML("", b)
	require.NoError(t, err)
	cfg.Outdir = t.TempDir()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "analytic", cfg.Evaluator.Name)
	assert.True(t, cfg.Prior["tglitch"].IsFree())
	assert.Equal(t, -1e-10, *cfg.Prior["F1"].Fixed)

	as, err := Assemble(cfg)
	require.NoError(t, err)
	assert.IsType(t, &analytic.Evaluator{}, as.Evaluator)
	assert.Nil(t, as.Gate)
	assert.Equal(t, cfg.Tstart, as.MCMC.Tref)
	assert.Equal(t, 1, as.MCMC.NGlitch)
	assert.True(t, as.Grid.Glitch)
	assert.Len(t, as.Grid.Axes, 3)
	require.NotNil(t, as.Store)
	require.NotNil(t, as.Reader)
}

func TestLoadYAMLFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
label: run1
outdir: out
tstart: 100
tend: 200
search: {kind: grid, nglitch: 1}
grid:
  axes:
    F0: [29, 31, 1]
    tglitch: 150
evaluator:
  name: analytic
  options: {F0: 30}
  rate: {rpm: 600}
data_freshness: 2024-01-02T03:04:05Z
`
	require.NoError(t, os.WriteFile(p, []byte(raw), 0o644))
	cfg, err := LoadYAML(p, nil)
	require.NoError(t, err)
	assert.Equal(t, KindGrid, cfg.Search.Kind)
	vals, err := cfg.Grid.Axes["F0"].Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{29, 30, 31}, vals)
	assert.Equal(t, 600, cfg.Evaluator.Rate.RPM)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), cfg.DataFreshness.UTC())

	cfg = Merge(Defaults(), cfg)
	cfg.Outdir = t.TempDir()
	as, err := Assemble(cfg)
	require.NoError(t, err)
	require.NotNil(t, as.Gate)
	assert.Equal(t, rate.LimitKey("analytic"), as.GateKey)
	assert.IsType(t, &rate.Evaluator{}, as.Evaluator)
	assert.Equal(t, 150.0, *as.Grid.Axes["tglitch"].Fixed)
}

func TestLoadYAMLUnknown(t *testing.T) {
	_, err := LoadYAML("", []byte("unknown: 1\n"))
	require.ErrorIs(t, err, contract.ErrConfig)
	_, err = LoadYAML("", []byte("mcmc: {nwalker: 3}\n"))
	require.ErrorIs(t, err, contract.ErrConfig)
	_, err = LoadYAML("", nil)
	require.ErrorIs(t, err, contract.ErrConfig)
}

func TestEnvOverlay(t *testing.T) {
	env := []string{
		"CWSEARCH_LABEL=x",
		"CWSEARCH_CONCURRENCY=3",
		"CWSEARCH_NSTEPS=10, 20,30",
		"CWSEARCH_TSTART=1e9",
		"CWSEARCH_CLEAN=true",
		"CWSEARCH_EVAL_TOKEN=secret",
		"CWSEARCH_SEED=",
		"OTHER=1",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, "x", over.Label)
	assert.Equal(t, 3, over.MCMC.Concurrency)
	assert.Equal(t, 3, over.Grid.Concurrency)
	assert.Equal(t, []int{10, 20, 30}, over.MCMC.NSteps)
	assert.Equal(t, 1e9, over.Tstart)
	assert.True(t, over.Clean)
	assert.Zero(t, over.MCMC.Seed)

	_, err = EnvOverlay([]string{"CWSEARCH_NWALKERS=many"})
	require.ErrorIs(t, err, contract.ErrConfig)
}

func TestMerge(t *testing.T) {
	base := Defaults()
	base.Grid.Axes = map[string]search.Axis{"F0": search.Value(1), "F1": search.Value(2)}
	over := Config{Label: "b", MCMC: MCMC{NWalkers: 8}, Grid: Grid{Axes: map[string]search.Axis{"F1": search.Value(3)}}}
	out := Merge(base, over)
	assert.Equal(t, "b", out.Label)
	assert.Equal(t, 8, out.MCMC.NWalkers)
	assert.Equal(t, 1, out.MCMC.NTemps)
	assert.Equal(t, 1.0, *out.Grid.Axes["F0"].Fixed)
	assert.Equal(t, 3.0, *out.Grid.Axes["F1"].Fixed)
	// base 不被修改
	assert.Equal(t, 2.0, *base.Grid.Axes["F1"].Fixed)
}

func TestValidateErrors(t *testing.T) {
	good := DefaultTemplateConfig()
	require.NoError(t, Validate(good))
	cases := map[string]func(*Config){
		"label":       func(c *Config) { c.Label = "" },
		"label sep":   func(c *Config) { c.Label = "a/b" },
		"times":       func(c *Config) { c.Tend = c.Tstart },
		"kind":        func(c *Config) { c.Search.Kind = "nested" },
		"grid glitch": func(c *Config) { c.Search.Kind = KindGrid; c.Search.NGlitch = 2 },
		"prior":       func(c *Config) { c.Prior = nil },
		"evaluator":   func(c *Config) { c.Evaluator.Name = "nope" },
		"writer":      func(c *Config) { c.Writer.Name = "s3" },
		"level":       func(c *Config) { c.Logging.Level = "loud" },
		"rate":        func(c *Config) { c.Evaluator.Rate.RPM = -1 },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultTemplateConfig()
			mut(&c)
			require.ErrorIs(t, Validate(c), contract.ErrConfig)
		})
	}
}

func TestAssembleRemoteGateKey(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Outdir = t.TempDir()
	cfg.Evaluator.Name = "remote"
	cfg.Evaluator.Options = *nodeOf(t, map[string]any{"base_url": "http://localhost:9", "token_env": "TEST_CFG_TOKEN"})
	cfg.Evaluator.Rate = rate.Limits{RPM: 60}
	t.Setenv("TEST_CFG_TOKEN", "abc")
	as, err := Assemble(cfg)
	require.NoError(t, err)
	want, err := rate.DeriveKey("remote", "http://localhost:9/v1/twoF", "TEST_CFG_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, want, as.GateKey)
}

func TestAssembleInjectsDetector(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"H-1_H1_demo-1.sft", "L-1_L1_demo-1.sft"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	cfg := DefaultTemplateConfig()
	cfg.Outdir = t.TempDir()
	cfg.Data.SFTDir = dir
	cfg.Data.Detector = "H1"
	as, err := Assemble(cfg)
	require.NoError(t, err)
	require.IsType(t, &rfs.FileSystem{}, as.Reader)
	ids, err := as.Reader.Discover(context.Background(), dir, "demo")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Contains(t, string(ids[0]), "H1")
}

func TestSplitCommaAtoi(t *testing.T) {
	parts := splitComma("a, b , ,c")
	require.Equal(t, []string{"a", "b", "c"}, parts)
	v, err := atoi(" 10")
	require.NoError(t, err)
	require.Equal(t, 10, v)
}

func nodeOf(t *testing.T, v any) *yaml.Node {
	t.Helper()
	var n yaml.Node
	require.NoError(t, n.Encode(v))
	return &n
}
