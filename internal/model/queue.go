package model

import (
	"time"

	"gorm.io/datatypes"
)

// PendingBuild 待调度队列条目, 存在当且仅当 build 处于 pending
type PendingBuild struct {
	ID                     int64                       `gorm:"primaryKey;autoIncrement" json:"id"`
	BuildID                int64                       `gorm:"not null;uniqueIndex" json:"build_id"`
	ProjectID              int64                       `gorm:"not null;index" json:"project_id"`
	Protected              bool                        `gorm:"not null" json:"protected"`
	InstanceRunnersEnabled bool                        `gorm:"not null" json:"instance_runners_enabled"`
	Tags                   datatypes.JSONSlice[string] `gorm:"type:json" json:"tags"`
	CreatedAt              time.Time                   `gorm:"not null;autoCreateTime" json:"created_at"`

	Build *Build `gorm:"foreignKey:BuildID" json:"build,omitempty"`
}

func (PendingBuild) TableName() string {
	return "ci_pending_builds"
}

// RunningBuild 共享 Runner 上运行中的 build
type RunningBuild struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BuildID    int64     `gorm:"not null;uniqueIndex" json:"build_id"`
	ProjectID  int64     `gorm:"not null;index" json:"project_id"`
	RunnerID   int64     `gorm:"not null;index" json:"runner_id"`
	RunnerType string    `gorm:"size:32;not null" json:"runner_type"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}

func (RunningBuild) TableName() string {
	return "ci_running_builds"
}
