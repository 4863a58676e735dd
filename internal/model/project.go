package model

import (
	"path"

	"ci-scheduler/pkg/constants"
)

const ProjectTableName = "projects"

// Project 项目模型
type Project struct {
	BaseModelWithSoftDelete
	FullPath                   string `gorm:"size:255;not null;uniqueIndex" json:"full_path"`
	Name                       string `gorm:"size:100;not null" json:"name"`
	DefaultBranch              string `gorm:"size:255;not null" json:"default_branch"`
	CIConfigPath               string `gorm:"column:ci_config_path;size:255" json:"ci_config_path"`
	Visibility                 string `gorm:"size:20;not null" json:"visibility"` // private, internal, public
	BuildsEnabled              bool   `gorm:"not null" json:"builds_enabled"`
	SharedRunnersEnabled       bool   `gorm:"not null" json:"shared_runners_enabled"`
	AutoCancelPendingPipelines bool   `gorm:"not null" json:"auto_cancel_pending_pipelines"`
	GitSource                  string `gorm:"size:100" json:"git_source"` // 对应 git.sources[].name
}

func (Project) TableName() string {
	return ProjectTableName
}

// CIConfigPathOrDefault 项目未配置时使用默认文件
func (p *Project) CIConfigPathOrDefault() string {
	if p.CIConfigPath == "" {
		return constants.DefaultCIConfigPath
	}
	return p.CIConfigPath
}

// IsPublic 公开项目
func (p *Project) IsPublic() bool {
	return p.Visibility == "public"
}

// ProjectMember 项目成员
type ProjectMember struct {
	BaseModel
	ProjectID int64  `gorm:"not null;uniqueIndex:uk_project_user" json:"project_id"`
	UserID    int64  `gorm:"not null;uniqueIndex:uk_project_user" json:"user_id"`
	Role      string `gorm:"size:20;not null" json:"role"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (ProjectMember) TableName() string {
	return "project_members"
}

// ProtectedBranch 受保护分支, Name 支持 * 通配
type ProtectedBranch struct {
	BaseModel
	ProjectID int64  `gorm:"not null;index" json:"project_id"`
	Name      string `gorm:"size:255;not null" json:"name"`
	PushRole  string `gorm:"size:20;not null" json:"push_role"` // 允许推送的最低角色
}

func (ProtectedBranch) TableName() string {
	return "protected_branches"
}

// Matches 分支名是否命中
func (b *ProtectedBranch) Matches(ref string) bool {
	if b.Name == ref {
		return true
	}
	ok, err := path.Match(b.Name, ref)
	return err == nil && ok
}
