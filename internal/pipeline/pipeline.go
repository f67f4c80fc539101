package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cwsearch/internal/diag"
)

// - 单点并发：仅此层管理网格点的并发与背压；评估函数本身为同步调用。
// - 顺序门闩：结果按点序号严格递增提交；乱序结果暂存，连续冲刷。
// - 首错取消：任一点评估失败，记录首错并取消整体；排空后返回该错误。
// - 分块提交：每累计 Chunk 个有序结果调用一次 Commit（末尾不足一块也提交）。

// Result 为单个网格点的评估结果。
type Result struct {
	Index int
	Point []float64
	Value float64
}

// EvalFunc 对单个点计算检测统计量。
type EvalFunc func(ctx context.Context, point []float64) (float64, error)

// CommitFunc 按序接收一块连续结果。
type CommitFunc func(ctx context.Context, rows []Result) error

// Settings 运行期配置（最小必要）。
type Settings struct {
	// Name: 终端/日志中的阶段名
	Name        string
	Concurrency int
	// Chunk: 每块结果数；<=0 表示全部完成后一次提交
	Chunk int
	// MaxRetries: 网络类错误的最大重试次数（>=0）
	MaxRetries int
}

// Run 并发评估全部点，结果按序分块提交。
func Run(ctx context.Context, points [][]float64, eval EvalFunc, commit CommitFunc, set Settings, logger *diag.Logger) error {
	if eval == nil || commit == nil {
		return errors.New("pipeline: missing eval/commit")
	}
	if logger == nil {
		logger = diag.Nop()
	}
	workers := set.Concurrency
	if workers < 1 {
		workers = 1
	}
	chunk := set.Chunk
	if chunk <= 0 {
		chunk = len(points)
	}
	name := set.Name
	if name == "" {
		name = "grid"
	}

	total := len(points)
	t0 := time.Now()
	if t := diag.GetTerminal(); t != nil {
		t.RoundStart(name, total)
	}
	ok := false
	defer func() {
		if t := diag.GetTerminal(); t != nil {
			t.RoundFinish(ok, time.Since(t0))
		}
	}()
	timer := logger.StartWithKV("pipeline", "run", name, "", map[string]string{
		"points":      strconv.Itoa(total),
		"concurrency": strconv.Itoa(workers),
		"chunk":       strconv.Itoa(chunk),
	})
	if total == 0 {
		timer.Finish("run", 0)
		ok = true
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	// 有界通道：2×并发度，形成自然背压
	inCh := make(chan int, workers*2)
	outCh := make(chan Result, workers*2)

	// 生产者
	g.Go(func() error {
		defer close(inCh)
		for i := range points {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case inCh <- i:
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			defer wg.Done()
			for i := range inCh {
				v, err := evalWithRetry(gctx, points[i], eval, set, logger, i)
				if err != nil {
					return fmt.Errorf("point %d: %w", i, err)
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				case outCh <- Result{Index: i, Point: points[i], Value: v}:
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(outCh)
	}()

	// 提交门闩：按 Index 连续冲刷
	g.Go(func() error {
		expect := 0
		buf := make(map[int]Result)
		pending := make([]Result, 0, chunk)
		flush := func() error {
			if len(pending) == 0 {
				return nil
			}
			if err := commit(gctx, pending); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			pending = make([]Result, 0, chunk)
			return nil
		}
		for r := range outCh {
			buf[r.Index] = r
			for {
				nr, ok := buf[expect]
				if !ok {
					break
				}
				delete(buf, expect)
				pending = append(pending, nr)
				expect++
				if len(pending) >= chunk {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			diag.AddEvaluations(1)
			if t := diag.GetTerminal(); t != nil {
				t.RoundProgress(expect, total, 0)
			}
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		return flush()
	})

	if err := g.Wait(); err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("pipeline", string(code), "run failed: "+err.Error(), nil, name, "")
		diag.IncOp("pipeline", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("pipeline", string(code))
		}
		return err
	}
	timer.Finish("run", int64(total))
	diag.IncOp("pipeline", "finish", "success")
	ok = true
	return nil
}

func evalWithRetry(ctx context.Context, p []float64, eval EvalFunc, set Settings, logger *diag.Logger, idx int) (float64, error) {
	attempts := set.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := eval(ctx, p)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt+1 < attempts && shouldRetry(err) {
			logger.Warn("pipeline", string(diag.Classify(err)), "retry evaluation", map[string]string{
				"point":   strconv.Itoa(idx),
				"attempt": strconv.Itoa(attempt + 1),
			})
			if serr := sleepWithCtx(ctx, backoff(attempt)); serr != nil {
				return 0, serr
			}
			continue
		}
		break
	}
	return 0, lastErr
}

// shouldRetry: 仅网络类错误重试；取消/配置/数值错误不重试。
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return diag.Classify(err) == diag.CodeNetwork
}

func backoff(attempt int) time.Duration {
	d := 200 * time.Millisecond << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// sleepWithCtx: 可取消的 sleep（最小实现）。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
