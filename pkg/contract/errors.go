package contract

import "errors"

// 最小错误分类（上层据此决定退出码/日志代码）。
var (
	// ErrConfig: 配置错误（先验键集不匹配、未知分布类型、theta_initial 形状错误等），立即失败。
	ErrConfig = errors.New("configuration error")
	// ErrDataUnavailable: 未找到与 label/目录匹配的观测数据文件。
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrCheckpointMismatch: 已保存的检查点与当前配置指纹不一致，或早于数据新鲜度时间戳。
	ErrCheckpointMismatch = errors.New("checkpoint mismatch")
)
