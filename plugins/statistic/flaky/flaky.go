package flaky

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"cwsearch/pkg/contract"
	"cwsearch/plugins/statistic/analytic"
)

// 故障模式。
const (
	ModeUpstream    = "upstream"
	ModeRateLimited = "rate_limited"
	ModeNaN         = "nan"
)

// Options 定义可选项。
type Options struct {
	// FailAt: 第 N 次调用（从 1 计）开始失败；0 表示从不失败。
	FailAt int64 `yaml:"fail_at"`
	// Repeat: 为 true 时 FailAt 之后每次都失败，否则只失败一次。
	Repeat bool   `yaml:"repeat,omitempty"`
	Mode   string `yaml:"mode,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string            `yaml:"log_path,omitempty"`
	Signal  *analytic.Options `yaml:"signal,omitempty"`
}

// Evaluator 是带状态的评估器：第 FailAt 次调用按 Mode 失败，其余转发给 analytic。
type Evaluator struct {
	inner   *analytic.Evaluator
	failAt  int64
	repeat  bool
	mode    string
	logPath string
	count   atomic.Int64
}

// New 构造 Evaluator。
func New(opts *Options) (*Evaluator, error) {
	if opts == nil {
		opts = &Options{}
	}
	mode := opts.Mode
	switch mode {
	case "":
		mode = ModeUpstream
	case ModeUpstream, ModeRateLimited, ModeNaN:
	default:
		return nil, fmt.Errorf("flaky: unknown mode %q: %w", mode, contract.ErrConfig)
	}
	if opts.FailAt < 0 {
		return nil, fmt.Errorf("flaky: fail_at=%d: %w", opts.FailAt, contract.ErrConfig)
	}
	inner, err := analytic.New(opts.Signal)
	if err != nil {
		return nil, err
	}
	return &Evaluator{inner: inner, failAt: opts.FailAt, repeat: opts.Repeat, mode: mode, logPath: opts.LogPath}, nil
}

// Calls 返回累计调用次数。
func (e *Evaluator) Calls() int64 { return e.count.Load() }

func (e *Evaluator) log(s string) {
	if e.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(e.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

func (e *Evaluator) failing(n int64) bool {
	if e.failAt == 0 {
		return false
	}
	if e.repeat {
		return n >= e.failAt
	}
	return n == e.failAt
}

// Statistic 实现 contract.Evaluator。
func (e *Evaluator) Statistic(ctx context.Context, iv contract.Interval, d contract.Doppler) (float64, error) {
	n := e.count.Add(1)
	if !e.failing(n) {
		e.log("ok")
		return e.inner.Statistic(ctx, iv, d)
	}
	e.log(e.mode)
	switch e.mode {
	case ModeRateLimited:
		return 0, fmt.Errorf("flaky: call %d: %w", n, contract.ErrRateLimited)
	case ModeNaN:
		return math.NaN(), nil
	default:
		return 0, fmt.Errorf("flaky: call %d: %w", n, contract.ErrUpstream)
	}
}

var _ contract.Evaluator = (*Evaluator)(nil)
