package model

import (
	"time"

	"github.com/samber/lo"
	"gorm.io/datatypes"

	"ci-scheduler/pkg/constants"
)

// Runner 执行器
type Runner struct {
	BaseModel
	Token       string                      `gorm:"size:64;not null;uniqueIndex" json:"-"`
	Description string                      `gorm:"size:255" json:"description"`
	RunnerType  string                      `gorm:"size:32;not null;index" json:"runner_type"`
	Active      bool                        `gorm:"not null" json:"active"`
	RunUntagged bool                        `gorm:"not null" json:"run_untagged"`
	AccessLevel string                      `gorm:"size:32;not null" json:"access_level"`
	Tags        datatypes.JSONSlice[string] `gorm:"type:json" json:"tags"`
	ContactedAt *time.Time                  `gorm:"index" json:"contacted_at"`
}

func (Runner) TableName() string {
	return "ci_runners"
}

// IsInstanceType 共享 Runner
func (r *Runner) IsInstanceType() bool {
	return r.RunnerType == constants.RunnerTypeInstance
}

// RefProtected 只运行受保护分支的任务
func (r *Runner) RefProtected() bool {
	return r.AccessLevel == constants.RunnerAccessRefProtected
}

// Online 最近 timeout 内有心跳
func (r *Runner) Online(now time.Time, timeout time.Duration) bool {
	return r.ContactedAt != nil && r.ContactedAt.After(now.Add(-timeout))
}

// MatchesBuild 标签与保护级别匹配
func (r *Runner) MatchesBuild(b *Build) bool {
	if r.RefProtected() && !b.Protected {
		return false
	}
	if len(b.Tags) == 0 {
		return r.RunUntagged
	}
	return lo.Every(r.Tags, b.Tags)
}

// RunnerProject 项目专属 Runner 关联
type RunnerProject struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunnerID  int64     `gorm:"not null;uniqueIndex:uk_runner_project" json:"runner_id"`
	ProjectID int64     `gorm:"not null;uniqueIndex:uk_runner_project" json:"project_id"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}

func (RunnerProject) TableName() string {
	return "ci_runner_projects"
}
