package contract

import (
	"context"
	"errors"
)

// Evaluator: 外部检测统计量（例如 2F）评估器。
// 单次调用、同步返回；核心流程视其为昂贵的纯函数，不做重试。
// 失败即致命：调用方应中止当前步骤并上抛错误。
type Evaluator interface {
	Statistic(ctx context.Context, iv Interval, d Doppler) (float64, error)
}

// EvaluatorFunc 允许以函数实现 Evaluator（测试/适配用）。
type EvaluatorFunc func(ctx context.Context, iv Interval, d Doppler) (float64, error)

// Statistic 实现 Evaluator。
func (f EvaluatorFunc) Statistic(ctx context.Context, iv Interval, d Doppler) (float64, error) {
	return f(ctx, iv, d)
}

// 评估器相关错误分类。
var (
	ErrUpstream        = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)
