// Package git 代码托管平台访问: 解析 ref, 读取提交与 CI 配置文件
package git

import (
	"fmt"
	"sync"

	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/internal/pkg/git/api"
	"ci-scheduler/internal/pkg/git/gitea"
	"ci-scheduler/internal/pkg/git/github"
	"ci-scheduler/internal/pkg/git/gitlab"
)

// Registry 按源名称管理提供者
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]api.GitProvider
	defaultName string
}

// NewRegistry 创建空注册表
func NewRegistry(defaultName string) *Registry {
	return &Registry{providers: map[string]api.GitProvider{}, defaultName: defaultName}
}

// NewRegistryFromConfig 根据配置创建, 跳过未启用的源
func NewRegistryFromConfig(cfg config.GitConfig) (*Registry, error) {
	r := NewRegistry(cfg.Default)
	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		p, err := NewProvider(api.PlatformType(src.Platform), &api.ProviderConfig{BaseURL: src.BaseURL, Token: src.Token})
		if err != nil {
			return nil, fmt.Errorf("git source %s: %w", src.Name, err)
		}
		r.Register(src.Name, p)
	}
	return r, nil
}

// NewProvider 按平台类型创建提供者
func NewProvider(platform api.PlatformType, cfg *api.ProviderConfig) (api.GitProvider, error) {
	switch platform {
	case api.PlatformGitLab:
		return gitlab.NewProvider(cfg)
	case api.PlatformGitea:
		return gitea.NewProvider(cfg)
	case api.PlatformGitHub:
		return github.NewProvider(cfg)
	default:
		return nil, fmt.Errorf("不支持的平台类型: %s", platform)
	}
}

// Register 注册提供者
func (r *Registry) Register(name string, p api.GitProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// Get 按名称获取, 名称为空时使用默认源
func (r *Registry) Get(name string) (api.GitProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("git source %q not configured", name)
	}
	return p, nil
}
