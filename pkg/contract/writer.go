package contract

import (
	"context"
	"io"
)

// ArtifactID: 持久化工件标识（检查点、网格结果表、par 文件）。
type ArtifactID = FileID

// Writer: 将工件以流式方式持久化到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者（检查点不加锁，后写者胜出）；
//  2. 流式写入，按字节透传，不读取/修改业务内容；
//  3. ctx 取消需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// Appender: 可选扩展。对已存在工件追加字节（网格增量落盘）。
type Appender interface {
	Append(ctx context.Context, id ArtifactID, r io.Reader) error
}

// Opener: 可选扩展。读取已持久化的工件；不存在时返回 os.ErrNotExist 语义的错误。
type Opener interface {
	Open(ctx context.Context, id ArtifactID) (io.ReadCloser, error)
}
