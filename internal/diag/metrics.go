package diag

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标：
// - cwsearch_op_total{comp,stage,result}
// - cwsearch_error_total{comp,code}
// - cwsearch_op_duration_ms{comp,stage}
// - cwsearch_evaluations_total
// - cwsearch_acceptance_fraction{temp}

// Registry 为本进程的指标注册表（不使用全局 DefaultRegisterer，便于测试隔离）。
var Registry = prometheus.NewRegistry()

var (
	factory = promauto.With(Registry)

	opTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cwsearch",
		Name:      "op_total",
		Help:      "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cwsearch",
		Name:      "error_total",
		Help:      "Errors by component and classification code.",
	}, []string{"comp", "code"})

	opDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cwsearch",
		Name:      "op_duration_ms",
		Help:      "Stage durations in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"comp", "stage"})

	evaluations = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "cwsearch",
		Name:      "evaluations_total",
		Help:      "Detection-statistic evaluations performed.",
	})

	acceptance = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cwsearch",
		Name:      "acceptance_fraction",
		Help:      "Mean acceptance fraction per temperature of the last sampler round.",
	}, []string{"temp"})
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// AddEvaluations 累加统计量评估次数。
func AddEvaluations(n int) {
	if n > 0 {
		evaluations.Add(float64(n))
	}
}

// SetAcceptance 记录某温度的平均接受率。
func SetAcceptance(temp int, frac float64) {
	acceptance.WithLabelValues(strconv.Itoa(temp)).Set(frac)
}

// Handler 暴露 Registry 的 /metrics 处理器。
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
