// Package remote 通过 HTTP JSON 调用外部统计量服务。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"cwsearch/pkg/contract"
)

// DefaultTokenEnv 为默认的 bearer token 环境变量名。
const DefaultTokenEnv = "CWSEARCH_EVAL_TOKEN"

// Options: 最小必需配置。
type Options struct {
	BaseURL        string `yaml:"base_url"`                  // 例如 http://localhost:8080
	EndpointPath   string `yaml:"endpoint_path,omitempty"`   // 默认 /v1/twoF；可为完整 URL
	TokenEnv       string `yaml:"token_env,omitempty"`       // 优先从环境变量读取
	Token          string `yaml:"token,omitempty"`           // 明文传入（仅测试）
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"` // client 级超时（秒），默认 60
	// 追加/覆盖请求头
	ExtraHeaders map[string]string `yaml:"extra_headers,omitempty"`

	// 数据选择项，原样转发给服务端
	Detector     string  `yaml:"detector,omitempty"`
	MinCoverFreq float64 `yaml:"min_cover_freq,omitempty"`
	MaxCoverFreq float64 `yaml:"max_cover_freq,omitempty"`
}

func (o *Options) defaults() {
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1/twoF"
	}
	if o.TokenEnv == "" {
		o.TokenEnv = DefaultTokenEnv
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Evaluator: 并发安全（http.Client 可共享）。
type Evaluator struct {
	url      string
	token    string
	tokenEnv string
	extraH   map[string]string
	sel      selection
	do       func(*http.Request) (*http.Response, error)
}

// New 构造远端评估器。token 缺失时不注入 Authorization。
func New(opts *Options) (*Evaluator, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.defaults()
	fullURL := o.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		if o.BaseURL == "" {
			return nil, fmt.Errorf("remote: base_url required: %w", contract.ErrConfig)
		}
		fullURL = strings.TrimRight(o.BaseURL, "/") + "/" + strings.TrimLeft(o.EndpointPath, "/")
	}
	key := o.Token
	if key == "" {
		key = os.Getenv(o.TokenEnv)
	}
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	return &Evaluator{
		url:      fullURL,
		token:    key,
		tokenEnv: o.TokenEnv,
		extraH:   o.ExtraHeaders,
		sel:      selection{Detector: o.Detector, MinCoverFreq: o.MinCoverFreq, MaxCoverFreq: o.MaxCoverFreq},
		do:       hc.Do,
	}, nil
}

// Endpoint 返回完整请求 URL（用于派生限流键）。
func (e *Evaluator) Endpoint() string { return e.url }

// TokenEnv 返回 token 所在的环境变量名。
func (e *Evaluator) TokenEnv() string { return e.tokenEnv }

type selection struct {
	Detector     string  `json:"detector,omitempty"`
	MinCoverFreq float64 `json:"min_cover_freq,omitempty"`
	MaxCoverFreq float64 `json:"max_cover_freq,omitempty"`
}

type wireInterval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type wireBinary struct {
	Asini  float64 `json:"asini"`
	Period float64 `json:"period"`
	Ecc    float64 `json:"ecc"`
	Tp     float64 `json:"tp"`
	Argp   float64 `json:"argp"`
}

type wireDoppler struct {
	Fkdot  []float64   `json:"fkdot"`
	Alpha  float64     `json:"alpha"`
	Delta  float64     `json:"delta"`
	Binary *wireBinary `json:"binary,omitempty"`
}

type request struct {
	Interval wireInterval `json:"interval"`
	Doppler  wireDoppler  `json:"doppler"`
	selection
}

type response struct {
	TwoF *float64 `json:"twoF"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("remote upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func encode(iv contract.Interval, d contract.Doppler, sel selection) ([]byte, error) {
	req := request{
		Interval:  wireInterval{Start: iv.Start, End: iv.End},
		Doppler:   wireDoppler{Fkdot: d.Fkdot, Alpha: d.Sky.Alpha, Delta: d.Sky.Delta},
		selection: sel,
	}
	if d.Binary != nil {
		b := *d.Binary
		req.Doppler.Binary = &wireBinary{Asini: b.Asini, Period: b.Period, Ecc: b.Ecc, Tp: b.Tp, Argp: b.Argp}
	}
	// JSON 无法表达 NaN/Inf
	for _, v := range d.Fkdot {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("remote: non-finite fkdot %v: %w", d.Fkdot, contract.ErrInvalidInput)
		}
	}
	return json.Marshal(&req)
}

// Statistic: 单次调用，同步返回；不做重试。
func (e *Evaluator) Statistic(ctx context.Context, iv contract.Interval, d contract.Doppler) (float64, error) {
	if err := contract.ValidateInterval(iv); err != nil {
		return 0, err
	}
	body, err := encode(iv, d, e.sel)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return 0, err
		}
		return 0, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("new request: %v: %w", err, contract.ErrConfig)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range e.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := e.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		// 4xx 视为输入无效；5xx/408 视为上游问题
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return 0, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return 0, fmt.Errorf("remote upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, fmt.Errorf("decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if r.TwoF == nil {
		return 0, fmt.Errorf("missing twoF: %w", contract.ErrResponseInvalid)
	}
	return *r.TwoF, nil
}

var (
	_ contract.Evaluator     = (*Evaluator)(nil)
	_ contract.UpstreamError = upstreamError{}
)
