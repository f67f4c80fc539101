package contract

// FileID: 逻辑文件ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// ParameterVector: 相位演化的 Taylor 系数（参考历元处）。
// 约束：顺序有意义，元素 0 恒为相位，其后依次为 F0、F1、F2 ...
type ParameterVector []float64

// Clone 返回独立副本（nil 保持 nil）。
func (p ParameterVector) Clone() ParameterVector {
	if p == nil {
		return nil
	}
	out := make(ParameterVector, len(p))
	copy(out, p)
	return out
}

// Interval: 观测时间区间 [Start, End)，单位为 GPS 秒。
type Interval struct {
	Start float64
	End   float64
}

// Duration 返回区间时长（可能为 0）。
func (iv Interval) Duration() float64 { return iv.End - iv.Start }

// SkyPosition: 赤经/赤纬（弧度）。
type SkyPosition struct {
	Alpha float64
	Delta float64
}

// BinaryOrbit: 可选的双星轨道参数；核心流程不读取其含义。
type BinaryOrbit struct {
	Asini  float64
	Period float64
	Ecc    float64
	Tp     float64
	Argp   float64
}

// Doppler: 统计量评估器的一次输入。
// Fkdot 为完整 ParameterVector（含相位槽位），参考时刻由评估器配置的 tref 决定。
type Doppler struct {
	Fkdot  ParameterVector
	Sky    SkyPosition
	Binary *BinaryOrbit // 为空表示孤立源
}
