// Package memory 内存中的 Git 提供者, 用于测试和本地运行
package memory

import (
	"context"
	"sync"

	"ci-scheduler/internal/pkg/git/api"
)

// Provider 内存提供者
type Provider struct {
	mu       sync.RWMutex
	branches map[string]map[string]string // repo -> branch -> sha
	tags     map[string]map[string]string
	commits  map[string]map[string]string            // repo -> sha -> message
	files    map[string]map[string]map[string][]byte // repo -> sha -> path -> content
}

// New 创建内存提供者
func New() *Provider {
	return &Provider{
		branches: map[string]map[string]string{},
		tags:     map[string]map[string]string{},
		commits:  map[string]map[string]string{},
		files:    map[string]map[string]map[string][]byte{},
	}
}

var _ api.GitProvider = (*Provider)(nil)

// GetPlatformType 获取平台类型
func (p *Provider) GetPlatformType() api.PlatformType {
	return api.PlatformMemory
}

// TestConnection 总是成功
func (p *Provider) TestConnection(context.Context) error {
	return nil
}

// AddCommit 新增提交, 并可指定文件
func (p *Provider) AddCommit(repo, sha, message string, files map[string]string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	ensure(p.commits, repo)[sha] = message
	if p.files[repo] == nil {
		p.files[repo] = map[string]map[string][]byte{}
	}
	tree := map[string][]byte{}
	for path, content := range files {
		tree[path] = []byte(content)
	}
	p.files[repo][sha] = tree
	return p
}

// SetBranch 设置分支指向
func (p *Provider) SetBranch(repo, name, sha string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	ensure(p.branches, repo)[name] = sha
	return p
}

// SetTag 设置标签指向
func (p *Provider) SetTag(repo, name, sha string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	ensure(p.tags, repo)[name] = sha
	return p
}

// ResolveRef 解析分支或标签
func (p *Provider) ResolveRef(ctx context.Context, repo, ref string) (*api.RefInfo, error) {
	return api.ResolveRef(ctx, repo, ref, p.lookup(p.branches, false), p.lookup(p.tags, true))
}

func (p *Provider) lookup(refs map[string]map[string]string, tag bool) api.LookupFunc {
	return func(_ context.Context, repo, name string) (*api.RefInfo, error) {
		p.mu.RLock()
		defer p.mu.RUnlock()
		sha, ok := refs[repo][name]
		if !ok {
			return nil, api.ErrNotFound
		}
		return &api.RefInfo{Name: name, SHA: sha, Tag: tag}, nil
	}
}

// GetCommit 获取提交
func (p *Provider) GetCommit(_ context.Context, repo, sha string) (*api.CommitInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg, ok := p.commits[repo][sha]
	if !ok {
		return nil, api.ErrNotFound
	}
	return &api.CommitInfo{SHA: sha, Message: msg}, nil
}

// GetFile 读取文件
func (p *Provider) GetFile(_ context.Context, repo, sha, path string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	content, ok := p.files[repo][sha][path]
	if !ok {
		return nil, api.ErrNotFound
	}
	return content, nil
}

func ensure(m map[string]map[string]string, repo string) map[string]string {
	if m[repo] == nil {
		m[repo] = map[string]string{}
	}
	return m[repo]
}
