package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ci-scheduler/internal/pkg/git/api"
)

const defaultBaseURL = "https://api.github.com"

// Provider GitHub平台提供者
type Provider struct {
	config     *api.ProviderConfig
	httpClient *http.Client
}

// NewProvider 创建GitHub提供者, BaseURL 为空时使用 api.github.com
func NewProvider(config *api.ProviderConfig) (api.GitProvider, error) {
	cfg := *config
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	return &Provider{
		config: &cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// GetPlatformType 获取平台类型
func (p *Provider) GetPlatformType() api.PlatformType {
	return api.PlatformGitHub
}

// TestConnection 测试连接
func (p *Provider) TestConnection(ctx context.Context) error {
	req, err := p.newRequest(ctx, "/user")
	if err != nil {
		return err
	}
	_, err = api.Do(p.httpClient, req)
	return err
}

// ResolveRef 解析分支或标签
func (p *Provider) ResolveRef(ctx context.Context, repo, ref string) (*api.RefInfo, error) {
	return api.ResolveRef(ctx, repo, ref, p.branch, p.tag)
}

func (p *Provider) branch(ctx context.Context, repo, name string) (*api.RefInfo, error) {
	req, err := p.newRequest(ctx, fmt.Sprintf("/repos/%s/branches/%s", repo, url.PathEscape(name)))
	if err != nil {
		return nil, err
	}
	var out struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := api.DoJSON(p.httpClient, req, &out); err != nil {
		return nil, err
	}
	return &api.RefInfo{Name: out.Name, SHA: out.Commit.SHA}, nil
}

func (p *Provider) tag(ctx context.Context, repo, name string) (*api.RefInfo, error) {
	req, err := p.newRequest(ctx, fmt.Sprintf("/repos/%s/git/ref/tags/%s", repo, url.PathEscape(name)))
	if err != nil {
		return nil, err
	}
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := api.DoJSON(p.httpClient, req, &out); err != nil {
		return nil, err
	}
	return &api.RefInfo{Name: name, SHA: out.Object.SHA, Tag: true}, nil
}

// GetCommit 获取提交
func (p *Provider) GetCommit(ctx context.Context, repo, sha string) (*api.CommitInfo, error) {
	req, err := p.newRequest(ctx, fmt.Sprintf("/repos/%s/commits/%s", repo, url.PathEscape(sha)))
	if err != nil {
		return nil, err
	}
	var out struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
		} `json:"commit"`
	}
	if err := api.DoJSON(p.httpClient, req, &out); err != nil {
		return nil, err
	}
	return &api.CommitInfo{SHA: out.SHA, Message: out.Commit.Message}, nil
}

// GetFile 读取文件原始内容
func (p *Provider) GetFile(ctx context.Context, repo, sha, path string) ([]byte, error) {
	req, err := p.newRequest(ctx, fmt.Sprintf("/repos/%s/contents/%s?ref=%s", repo, path, url.QueryEscape(sha)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	return api.Do(p.httpClient, req)
}

func (p *Provider) newRequest(ctx context.Context, path string) (*http.Request, error) {
	baseURL := strings.TrimSuffix(p.config.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if p.config.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("token %s", p.config.Token))
	}
	return req, nil
}
