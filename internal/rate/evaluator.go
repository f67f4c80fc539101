package rate

import (
	"context"

	"cwsearch/pkg/contract"
)

// Evaluator 在每次统计量调用前向闸门申请一次请求额度。
type Evaluator struct {
	Inner contract.Evaluator
	Gate  Gate
	Key   LimitKey
}

// Statistic 实现 contract.Evaluator；闸门错误（通常为取消）直接上抛。
func (e *Evaluator) Statistic(ctx context.Context, iv contract.Interval, d contract.Doppler) (float64, error) {
	if e.Gate != nil {
		if err := e.Gate.Wait(ctx, Ask{Key: e.Key, Requests: 1}); err != nil {
			return 0, err
		}
	}
	return e.Inner.Statistic(ctx, iv, d)
}

var _ contract.Evaluator = (*Evaluator)(nil)
