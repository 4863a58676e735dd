package api

import (
	"errors"
	"strings"
)

// PlatformType 平台类型
type PlatformType string

const (
	PlatformGitea  PlatformType = "gitea"
	PlatformGitLab PlatformType = "gitlab"
	PlatformGitHub PlatformType = "github"
	PlatformMemory PlatformType = "memory"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAmbiguousRef = errors.New("ref is ambiguous")
)

const (
	branchPrefix = "refs/heads/"
	tagPrefix    = "refs/tags/"
)

// RefInfo 分支或标签
type RefInfo struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
	Tag  bool   `json:"tag"`
}

// CommitInfo 提交信息
type CommitInfo struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// ProviderConfig 通用平台配置
type ProviderConfig struct {
	BaseURL string // 平台基础URL
	Token   string // 访问Token
}

// SplitRef 完整 ref 直接指定类型; 短名返回 explicit=false
func SplitRef(ref string) (name string, tag bool, explicit bool) {
	switch {
	case strings.HasPrefix(ref, branchPrefix):
		return strings.TrimPrefix(ref, branchPrefix), false, true
	case strings.HasPrefix(ref, tagPrefix):
		return strings.TrimPrefix(ref, tagPrefix), true, true
	}
	return ref, false, false
}
