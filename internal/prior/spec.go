package prior

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"cwsearch/pkg/contract"
)

// Parameter: 固定值或自由分布二选一。
type Parameter struct {
	Fixed *float64
	Free  *Distribution
}

// Fixed 构造固定值参数。
func Fixed(v float64) Parameter { return Parameter{Fixed: &v} }

// Free 构造自由参数。
func Free(d Distribution) Parameter { return Parameter{Free: &d} }

// IsFree 报告是否为自由参数。
func (p Parameter) IsFree() bool { return p.Free != nil }

// Validate 要求恰好一种变体，自由参数的分布须合法。
func (p Parameter) Validate() error {
	switch {
	case p.Fixed != nil && p.Free != nil:
		return fmt.Errorf("parameter is both fixed and free: %w", contract.ErrConfig)
	case p.Fixed == nil && p.Free == nil:
		return fmt.Errorf("parameter is neither fixed nor free: %w", contract.ErrConfig)
	case p.Free != nil:
		return p.Free.Validate()
	}
	return nil
}

var distFields = map[string]struct{}{"type": {}, "lower": {}, "upper": {}, "loc": {}, "scale": {}}

// UnmarshalYAML: 数值 -> 固定值；映射 -> 分布（未知字段报错）；其它形态为配置错误。
func (p *Parameter) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return fmt.Errorf("line %d: empty prior value: %w", n.Line, contract.ErrConfig)
		}
		var v float64
		if err := n.Decode(&v); err != nil {
			return fmt.Errorf("line %d: value %q not a number: %w", n.Line, n.Value, contract.ErrConfig)
		}
		*p = Fixed(v)
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i].Value
			if _, ok := distFields[k]; !ok {
				return fmt.Errorf("line %d: unknown distribution field %q: %w", n.Content[i].Line, k, contract.ErrConfig)
			}
		}
		var d Distribution
		if err := n.Decode(&d); err != nil {
			return fmt.Errorf("line %d: %v: %w", n.Line, err, contract.ErrConfig)
		}
		*p = Free(d)
		return nil
	}
	return fmt.Errorf("line %d: unsupported prior value: %w", n.Line, contract.ErrConfig)
}

// MarshalYAML 与 UnmarshalYAML 对称。
func (p Parameter) MarshalYAML() (any, error) {
	if p.Free != nil {
		return *p.Free, nil
	}
	if p.Fixed != nil {
		return *p.Fixed, nil
	}
	return nil, fmt.Errorf("empty parameter: %w", contract.ErrConfig)
}

// paramWire: gob 形态。gob 会把指向零值的指针当作缺省省略，Fixed(0) 需显式标记。
type paramWire struct {
	Kind  uint8 // 1 固定，2 自由
	Value float64
	Dist  Distribution
}

// GobEncode 实现 gob.GobEncoder。
func (p Parameter) GobEncode() ([]byte, error) {
	var w paramWire
	switch {
	case p.Free != nil:
		w.Kind, w.Dist = 2, *p.Free
	case p.Fixed != nil:
		w.Kind, w.Value = 1, *p.Fixed
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode 实现 gob.GobDecoder。
func (p *Parameter) GobDecode(b []byte) error {
	var w paramWire
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return err
	}
	switch w.Kind {
	case 1:
		*p = Fixed(w.Value)
	case 2:
		*p = Free(w.Dist)
	default:
		*p = Parameter{}
	}
	return nil
}

// Spec: 参数名 -> 先验。
type Spec map[string]Parameter

// Keys 返回排序后的键。
func (s Spec) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone 深拷贝。
func (s Spec) Clone() Spec {
	if s == nil {
		return nil
	}
	out := make(Spec, len(s))
	for k, p := range s {
		var c Parameter
		if p.Fixed != nil {
			v := *p.Fixed
			c.Fixed = &v
		}
		if p.Free != nil {
			d := *p.Free
			c.Free = &d
		}
		out[k] = c
	}
	return out
}
