// Package search 实现两类搜索驱动：分阶段并行回火 MCMC 与网格枚举，以及结果提取。
package search

import (
	"context"
	"errors"
	"io/fs"

	"cwsearch/pkg/contract"
)

// Store: 搜索驱动读写工件（检查点、网格结果表、par 文件）的最小能力。
type Store interface {
	contract.Writer
	contract.Opener
}

// Backuper: 可选扩展。将已存在工件重命名为 <name>.old。
type Backuper interface {
	Backup(ctx context.Context, id contract.ArtifactID) (bool, error)
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
