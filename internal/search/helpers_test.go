package search

import (
	"context"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cwsearch/pkg/contract"
	wfs "cwsearch/plugins/writer/filesystem"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

// peakEvaluator: 统计量在 F0=f0 处达峰，按段长比例计分（分段求和与整段一致）。
type peakEvaluator struct {
	f0, width, span float64
	calls          atomic.Int64
	fail           error
}

func (p *peakEvaluator) Statistic(ctx context.Context, iv contract.Interval, d contract.Doppler) (float64, error) {
	p.calls.Add(1)
	if p.fail != nil {
		return 0, p.fail
	}
	x := (d.Fkdot[1] - p.f0) / p.width
	return 100 * math.Exp(-0.5*x*x) * iv.Duration() / p.span, nil
}

func newStore(t *testing.T, dir string) *wfs.FS {
	t.Helper()
	st, err := wfs.New(&wfs.Options{OutputDir: dir})
	require.NoError(t, err)
	return st
}

func newRand() *rand.Rand { return rand.New(rand.NewPCG(7, 11)) }
