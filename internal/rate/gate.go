package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cwsearch/pkg/contract"
)

// LimitKey: 限流分组键（例如远端评估服务地址）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示不启用。
type Limits struct {
	RPM   int `yaml:"rpm" json:"rpm"`     // requests per minute
	Burst int `yaml:"burst" json:"burst"` // 突发上限；<=0 时取 max(1, RPM/60)
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 默认为 1；必须 >=1
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；超过突发上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (avail float64)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 未配置的分组不限流。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*rate.Limiter, len(m))}
	for k, lim := range m {
		g.m[k] = newLimiter(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*rate.Limiter
}

func newLimiter(lim Limits) *rate.Limiter {
	if lim.RPM <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := lim.Burst
	if burst <= 0 {
		burst = lim.RPM / 60
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(float64(lim.RPM)/60.0), burst)
}

func (g *gate) get(key LimitKey) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.m[key]
	if !ok {
		l = rate.NewLimiter(rate.Inf, 0)
		g.m[key] = l
	}
	return l
}

func (g *gate) Try(a Ask) bool {
	if a.Requests <= 0 {
		return false
	}
	return g.get(a.Key).AllowN(g.clk(), a.Requests)
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if a.Requests <= 0 {
		return contract.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l := g.get(a.Key)
	if l.Limit() != rate.Inf && a.Requests > l.Burst() {
		return fmt.Errorf("rate: ask %d exceeds burst %d: %w", a.Requests, l.Burst(), contract.ErrInvalidInput)
	}
	now := g.clk()
	r := l.ReserveN(now, a.Requests)
	if !r.OK() {
		return contract.ErrInvalidInput
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.CancelAt(g.clk())
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 返回当前可用请求额度（仅诊断）；不限流分组返回 -1。
func (g *gate) Snapshot(key LimitKey) float64 {
	l := g.get(key)
	if l.Limit() == rate.Inf {
		return -1
	}
	return l.TokensAt(g.clk())
}

// 接口断言（可选）。
var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
