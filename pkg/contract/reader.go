package contract

import "context"

// Reader: 观测数据发现（仅确认可用性，不解析数据格式）。
// 约束：
// 1) 返回按 FileID 排序的匹配文件；
// 2) 无匹配时返回包装 ErrDataUnavailable 的错误；
// 3) 不在内部起并发。
type Reader interface {
	Discover(ctx context.Context, dir, label string) ([]FileID, error)
}
