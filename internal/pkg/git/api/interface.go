package api

import "context"

// GitProvider Git平台提供者接口, repo 为 owner/name 形式的完整路径
type GitProvider interface {
	// GetPlatformType 获取平台类型
	GetPlatformType() PlatformType

	// TestConnection 测试连接
	TestConnection(ctx context.Context) error

	// ResolveRef 解析分支或标签, 同名分支与标签同时存在时返回 ErrAmbiguousRef
	ResolveRef(ctx context.Context, repo, ref string) (*RefInfo, error)

	// GetCommit 获取提交
	GetCommit(ctx context.Context, repo, sha string) (*CommitInfo, error)

	// GetFile 读取指定提交下的文件内容
	GetFile(ctx context.Context, repo, sha, path string) ([]byte, error)
}
