package registry

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"cwsearch/pkg/contract"
	rfs "cwsearch/plugins/reader/filesystem"
	"cwsearch/plugins/statistic/analytic"
	"cwsearch/plugins/statistic/flaky"
	"cwsearch/plugins/statistic/remote"
	wfs "cwsearch/plugins/writer/filesystem"
)

// strictDecode: 使用 KnownFields 严格解码，拒绝未知字段。
func strictDecode(node *yaml.Node, v any) error {
	if node == nil || node.Kind == 0 {
		// 保持零值（默认选项）
		return nil
	}
	// yaml.Node.Decode 不支持 KnownFields，经一次编码后用 Decoder 重解
	b, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("options: %v: %w", err, contract.ErrConfig)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("options: %v: %w", err, contract.ErrConfig)
	}
	return nil
}

// NewEvaluator 工厂签名：接收原样 YAML Options。
type NewEvaluator func(node *yaml.Node) (contract.Evaluator, error)

// NewReader 工厂签名：接收原样 YAML Options。
type NewReader func(node *yaml.Node) (contract.Reader, error)

// NewWriter 工厂签名：outdir 在选项未给出 output_dir 时生效。
type NewWriter func(node *yaml.Node, outdir string) (contract.Writer, error)

// Evaluator 工厂注册表（显式、零反射）。
var Evaluator = map[string]NewEvaluator{
	// analytic: 闭式合成信号
	"analytic": func(node *yaml.Node) (contract.Evaluator, error) {
		var opts analytic.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return analytic.New(&opts)
	},
	// flaky: 第 N 次调用失败
	"flaky": func(node *yaml.Node) (contract.Evaluator, error) {
		var opts flaky.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return flaky.New(&opts)
	},
	"remote": func(node *yaml.Node) (contract.Evaluator, error) {
		var opts remote.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return remote.New(&opts)
	},
}

// Reader 工厂注册表。
var Reader = map[string]NewReader{
	// fs: <dir>/*_<label>*sft
	"fs": func(node *yaml.Node) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统工件存储（原子替换 + .old 备份）
	"fs": func(node *yaml.Node, outdir string) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		if opts.OutputDir == "" {
			opts.OutputDir = outdir
		}
		return wfs.New(&opts)
	},
}
