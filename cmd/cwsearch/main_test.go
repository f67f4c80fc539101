package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	cfgpkg "cwsearch/internal/config"
	"cwsearch/internal/search"
)

// writeConfig 基于模板生成小规模配置，返回路径与输出目录。
func writeConfig(t *testing.T, mut func(*cfgpkg.Config)) (string, string) {
	t.Helper()
	dir := t.TempDir()
	sfts := filepath.Join(dir, "sfts")
	require.NoError(t, os.MkdirAll(sfts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sfts, "H-1_H1_demo-1000.sft"), []byte("x"), 0o644))

	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Data.SFTDir = sfts
	cfg.Outdir = filepath.Join(dir, "out")
	cfg.MCMC.NSteps = []int{2, 3}
	cfg.MCMC.NWalkers = 8
	cfg.MCMC.NTemps = 1
	cfg.MCMC.Seed = 5
	cfg.Logging.Level = "error"
	cfg.Logging.Dir = filepath.Join(dir, "logs")
	if mut != nil {
		mut(&cfg)
	}
	b, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p, cfg.Outdir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := execute(context.Background(), append(args, "--status=false"), &out, &errb)
	return code, out.String(), errb.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	require.Equal(t, 0, code)
	assert.Equal(t, "cwsearch dev\n", out)
}

func TestInitConfigDoesNotOverwrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "init")
	code, _, _ := run(t, "init-config", dir)
	require.Equal(t, 0, code)
	b, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	_, err = cfgpkg.LoadYAML("", b)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".env"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("label: mine\n"), 0o644))
	code, _, _ = run(t, "init-config", dir)
	require.Equal(t, 0, code)
	b, err = os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "label: mine\n", string(b))
}

func TestRunMCMC(t *testing.T) {
	p, outdir := writeConfig(t, nil)
	code, out, errOut := run(t, "mcmc", "--config", p, "--concurrency", "2", "--par-method", "twoFmax")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Max twoF:")
	assert.Contains(t, out, "tglitch")

	f, err := os.Open(filepath.Join(outdir, "demo.par"))
	require.NoError(t, err)
	defer f.Close()
	par, err := search.ReadPar(f)
	require.NoError(t, err)
	assert.Contains(t, par, "F0")
	assert.Contains(t, par, "delta_F0_std")
	_, err = os.Stat(filepath.Join(outdir, "demo_saved_data.gob"))
	require.NoError(t, err)

	// 第二次运行复用检查点；--clean 时旧检查点改名为 .old
	code, _, errOut = run(t, "mcmc", "--config", p, "--clean")
	require.Equal(t, 0, code, errOut)
	_, err = os.Stat(filepath.Join(outdir, "demo_saved_data.gob.old"))
	require.NoError(t, err)
}

func TestRunGrid(t *testing.T) {
	p, outdir := writeConfig(t, nil)
	code, out, errOut := run(t, "grid", "--config", p)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Max twoF:")

	b, err := os.ReadFile(filepath.Join(outdir, "demo_gridFS.txt"))
	require.NoError(t, err)
	rows, err := search.ParseRows(bytes.NewReader(b))
	require.NoError(t, err)
	// 仅 F0 轴多点，其余轴单点
	vals, err := cfgpkg.DefaultTemplateConfig().Grid.Axes["F0"].Values()
	require.NoError(t, err)
	assert.Len(t, rows, len(vals))
	assert.Greater(t, len(vals), 1)
}

func TestRunExitCodes(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		p, _ := writeConfig(t, func(c *cfgpkg.Config) { c.Tend = c.Tstart })
		code, _, errOut := run(t, "mcmc", "--config", p)
		assert.Equal(t, 3, code)
		assert.Contains(t, errOut, "有效配置")
	})
	t.Run("unknown field", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(p, []byte("labels: x\n"), 0o644))
		code, _, _ := run(t, "mcmc", "--config", p)
		assert.Equal(t, 3, code)
	})
	t.Run("missing data", func(t *testing.T) {
		p, _ := writeConfig(t, func(c *cfgpkg.Config) { c.Data.SFTLabel = "nothing" })
		code, _, _ := run(t, "mcmc", "--config", p)
		assert.Equal(t, 3, code)
	})
	t.Run("evaluator failure", func(t *testing.T) {
		p, _ := writeConfig(t, func(c *cfgpkg.Config) {
			c.Evaluator.Name = "flaky"
			c.Evaluator.Options = yaml.Node{}
			require.NoError(t, c.Evaluator.Options.Encode(map[string]any{"fail_at": 5, "signal": map[string]any{"F0": 30}}))
		})
		code, _, errOut := run(t, "mcmc", "--config", p)
		assert.Equal(t, 1, code)
		assert.Contains(t, errOut, "upstream")
	})
}

func TestLoadDotEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"# comment",
		"export CWSEARCH_TEST_A=1",
		`CWSEARCH_TEST_B="x\ty"`,
		"CWSEARCH_TEST_C='keep'",
		"CWSEARCH_TEST_D=new",
		"bad line",
	}, "\n")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	t.Setenv("CWSEARCH_TEST_D", "old")
	for _, k := range []string{"CWSEARCH_TEST_A", "CWSEARCH_TEST_B", "CWSEARCH_TEST_C"} {
		k := k
		t.Cleanup(func() { _ = os.Unsetenv(k) })
	}
	require.NoError(t, loadDotEnv(p))
	assert.Equal(t, "1", os.Getenv("CWSEARCH_TEST_A"))
	assert.Equal(t, "x\ty", os.Getenv("CWSEARCH_TEST_B"))
	assert.Equal(t, "keep", os.Getenv("CWSEARCH_TEST_C"))
	assert.Equal(t, "old", os.Getenv("CWSEARCH_TEST_D"))
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing")))
}

func TestPreflightCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, preflightCheckOutputDir(dir))
	require.NoError(t, preflightCheckOutputDir(filepath.Join(dir, "new")))
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	require.Error(t, preflightCheckOutputDir(file))
	require.Error(t, preflightCheckOutputDir(filepath.Join(dir, "a", "b")))
}
