package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cwsearch/internal/diag"
	"cwsearch/pkg/contract"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func mkPoints(n int) [][]float64 {
	pts := make([][]float64, n)
	for i := range pts {
		pts[i] = []float64{float64(i)}
	}
	return pts
}

// 乱序完成的评估仍按序号提交，且按块切分
func TestRunOrderedChunks(t *testing.T) {
	pts := mkPoints(23)
	eval := func(ctx context.Context, p []float64) (float64, error) {
		// 偶数点更慢，制造乱序
		if int(p[0])%2 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		return 10 * p[0], nil
	}
	var mu sync.Mutex
	var chunks [][]Result
	commit := func(ctx context.Context, rows []Result) error {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, append([]Result(nil), rows...))
		return nil
	}
	err := Run(context.Background(), pts, eval, commit, Settings{Concurrency: 4, Chunk: 5}, diag.Nop())
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	next := 0
	for ci, c := range chunks {
		if ci < 4 {
			assert.Len(t, c, 5)
		} else {
			assert.Len(t, c, 3)
		}
		for _, r := range c {
			assert.Equal(t, next, r.Index)
			assert.Equal(t, float64(10*next), r.Value)
			next++
		}
	}
}

func TestRunFirstErrorCancels(t *testing.T) {
	pts := mkPoints(200)
	var calls atomic.Int64
	boom := fmt.Errorf("boom: %w", contract.ErrInvalidInput)
	eval := func(ctx context.Context, p []float64) (float64, error) {
		calls.Add(1)
		if p[0] == 3 {
			return 0, boom
		}
		return 1, nil
	}
	err := Run(context.Background(), pts, eval, func(context.Context, []Result) error { return nil }, Settings{Concurrency: 2, Chunk: 1}, nil)
	require.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.Less(t, calls.Load(), int64(200), "首错后应停止派发")
}

func TestRunCommitError(t *testing.T) {
	pts := mkPoints(10)
	eval := func(ctx context.Context, p []float64) (float64, error) { return 0, nil }
	werr := errors.New("disk full")
	err := Run(context.Background(), pts, eval, func(context.Context, []Result) error { return werr }, Settings{Concurrency: 3, Chunk: 2}, nil)
	require.ErrorIs(t, err, werr)
}

func TestRunRetryNetwork(t *testing.T) {
	var calls atomic.Int64
	eval := func(ctx context.Context, p []float64) (float64, error) {
		if calls.Add(1) == 1 {
			return 0, fmt.Errorf("503: %w", contract.ErrUpstream)
		}
		return 7, nil
	}
	var got []Result
	err := Run(context.Background(), mkPoints(1), eval, func(_ context.Context, rows []Result) error {
		got = append(got, rows...)
		return nil
	}, Settings{Concurrency: 1, MaxRetries: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	require.Len(t, got, 1)
	assert.Equal(t, 7.0, got[0].Value)

	// 非网络错误不重试
	calls.Store(0)
	eval2 := func(ctx context.Context, p []float64) (float64, error) {
		calls.Add(1)
		return 0, contract.ErrInvalidInput
	}
	err = Run(context.Background(), mkPoints(1), eval2, func(context.Context, []Result) error { return nil }, Settings{MaxRetries: 3}, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

// 缺省不重试：首个网络错误即致命
func TestRunNoRetryByDefault(t *testing.T) {
	var calls atomic.Int64
	eval := func(ctx context.Context, p []float64) (float64, error) {
		calls.Add(1)
		return 0, fmt.Errorf("503: %w", contract.ErrUpstream)
	}
	err := Run(context.Background(), mkPoints(1), eval, func(context.Context, []Result) error { return nil }, Settings{Concurrency: 1}, nil)
	require.ErrorIs(t, err, contract.ErrUpstream)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRunEmptyAndCancelled(t *testing.T) {
	called := false
	err := Run(context.Background(), nil, func(context.Context, []float64) (float64, error) { return 0, nil },
		func(context.Context, []Result) error { called = true; return nil }, Settings{}, nil)
	require.NoError(t, err)
	assert.False(t, called)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Run(ctx, mkPoints(50), func(ctx context.Context, _ []float64) (float64, error) { return 0, ctx.Err() },
		func(context.Context, []Result) error { return nil }, Settings{Concurrency: 2}, nil)
	require.ErrorIs(t, err, context.Canceled)

	require.Error(t, Run(context.Background(), mkPoints(1), nil, nil, Settings{}, nil))
}

// 并发度上限
func TestRunConcurrencyBound(t *testing.T) {
	var cur, peak atomic.Int64
	eval := func(ctx context.Context, p []float64) (float64, error) {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		cur.Add(-1)
		return 0, nil
	}
	require.NoError(t, Run(context.Background(), mkPoints(40), eval, func(context.Context, []Result) error { return nil }, Settings{Concurrency: 3, Chunk: 8}, nil))
	assert.LessOrEqual(t, peak.Load(), int64(3))
}
