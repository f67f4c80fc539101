package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"gopkg.in/yaml.v3"

	cfgpkg "cwsearch/internal/config"
	"cwsearch/internal/diag"
	"cwsearch/internal/rate"
	"cwsearch/internal/search"
	"cwsearch/pkg/contract"
	"cwsearch/plugins/statistic/analytic"
)

// wireReq 与远端评估协议对齐（仅测试所需字段）。
type wireReq struct {
	Interval struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"interval"`
	Doppler struct {
		Fkdot []float64 `json:"fkdot"`
		Alpha float64   `json:"alpha"`
		Delta float64   `json:"delta"`
	} `json:"doppler"`
}

// signal 返回模板配置中的注入信号选项。
func signal(t *testing.T) analytic.Options {
	t.Helper()
	var o analytic.Options
	n := cfgpkg.DefaultTemplateConfig().Evaluator.Options
	if err := n.Decode(&o); err != nil {
		t.Fatalf("decode template signal: %v", err)
	}
	return o
}

// statServer 以 analytic 评估器提供远端统计量服务；failFirst 个请求返回 503。
func statServer(t *testing.T, failFirst int64, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	o := signal(t)
	ev, err := analytic.New(&o)
	if err != nil {
		t.Fatalf("analytic: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failFirst {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		var req wireReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, err := ev.Statistic(r.Context(), contract.Interval{Start: req.Interval.Start, End: req.Interval.End}, contract.Doppler{
			Fkdot: req.Doppler.Fkdot,
			Sky:   contract.SkyPosition{Alpha: req.Doppler.Alpha, Delta: req.Doppler.Delta},
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]float64{"twoF": v})
	}))
}

func baseConfig(t *testing.T, outDir string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Search.Kind = cfgpkg.KindGrid
	cfg.Outdir = outDir
	cfg.Data.SFTDir = ""
	cfg.Logging.Level = "error"
	cfg.Grid.WriteAfter = 7
	return cfg
}

func remoteOptions(t *testing.T, url string) yaml.Node {
	t.Helper()
	var n yaml.Node
	if err := n.Encode(map[string]any{"base_url": url, "token": "e2e"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return n
}

func runGrid(t *testing.T, cfg cfgpkg.Config) (*search.GridSearch, error) {
	t.Helper()
	as, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return nil, err
	}
	g, err := search.NewGrid(as.Grid, as.Evaluator, as.Store, diag.Nop())
	if err != nil {
		return nil, err
	}
	return g, g.Run(context.Background())
}

// 远端评估（经 JSON 往返）与进程内 analytic 结果逐位一致
func TestE2ERemoteMatchesAnalytic(t *testing.T) {
	var calls atomic.Int64
	srv := statServer(t, 0, &calls)
	defer srv.Close()

	local, err := runGrid(t, baseConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("local grid: %v", err)
	}

	outDir := t.TempDir()
	cfg := baseConfig(t, outDir)
	cfg.Evaluator.Name = "remote"
	cfg.Evaluator.Options = remoteOptions(t, srv.URL)
	cfg.Evaluator.Rate = rate.Limits{RPM: 600000, Burst: 64}
	remote, err := runGrid(t, cfg)
	if err != nil {
		t.Fatalf("remote grid: %v", err)
	}
	if len(remote.Data) != len(local.Data) || len(remote.Data) == 0 {
		t.Fatalf("rows: remote=%d local=%d", len(remote.Data), len(local.Data))
	}
	for i := range local.Data {
		for j := range local.Data[i] {
			if local.Data[i][j] != remote.Data[i][j] {
				t.Fatalf("row %d col %d: local=%v remote=%v", i, j, local.Data[i][j], remote.Data[i][j])
			}
		}
	}
	// tglitch 位于观测区间内，每点两段
	if got, want := calls.Load(), int64(2*len(local.Data)); got != want {
		t.Fatalf("remote calls=%d want %d", got, want)
	}
	b, err := os.ReadFile(filepath.Join(outDir, string(search.GridID(cfg.Label))))
	if err != nil {
		t.Fatalf("read grid: %v", err)
	}
	// 首行为 tref/tstart/tend 注释
	if n := strings.Count(string(b), "\n") - 1; n != len(local.Data) {
		t.Fatalf("grid file rows=%d want %d", n, len(local.Data))
	}
	if !strings.HasPrefix(string(b), "# tref ") {
		t.Fatalf("grid file header missing: %q", strings.SplitN(string(b), "\n", 2)[0])
	}
}

func TestE2ERetry(t *testing.T) {
	var calls atomic.Int64
	srv := statServer(t, 2, &calls)
	defer srv.Close()

	cfg := baseConfig(t, t.TempDir())
	cfg.Evaluator.Name = "remote"
	cfg.Evaluator.Options = remoteOptions(t, srv.URL)
	cfg.Grid.MaxRetries = 3
	cfg.Grid.Concurrency = 1
	g, err := runGrid(t, cfg)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if got, want := calls.Load(), int64(2*len(g.Data)+2); got != want {
		t.Fatalf("calls=%d want %d", got, want)
	}
}

func TestE2EFatalEvaluator(t *testing.T) {
	var calls atomic.Int64
	srv := statServer(t, 1<<30, &calls)
	defer srv.Close()

	cfg := baseConfig(t, t.TempDir())
	cfg.Evaluator.Name = "remote"
	cfg.Evaluator.Options = remoteOptions(t, srv.URL)
	_, err := runGrid(t, cfg)
	if err == nil {
		t.Fatalf("expect upstream error")
	}
	var ue contract.UpstreamError
	if !errors.As(err, &ue) || ue.UpstreamStatus() != http.StatusServiceUnavailable {
		t.Fatalf("unexpected error: %v", err)
	}
	if diag.Classify(err) != diag.CodeNetwork {
		t.Fatalf("classify=%s", diag.Classify(err))
	}
}
