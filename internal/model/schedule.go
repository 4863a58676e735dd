package model

import "time"

// PipelineSchedule 定时流水线
type PipelineSchedule struct {
	BaseModel
	ProjectID   int64      `gorm:"not null;index" json:"project_id"`
	Description string     `gorm:"size:255" json:"description"`
	Ref         string     `gorm:"size:255;not null" json:"ref"`
	Cron        string     `gorm:"size:100;not null" json:"cron"` // 标准 5 段 cron
	OwnerID     int64      `gorm:"not null" json:"owner_id"`
	Active      bool       `gorm:"not null;index" json:"active"`
	NextRunAt   *time.Time `gorm:"index" json:"next_run_at"`

	Project *Project `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	Owner   *User    `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
}

func (PipelineSchedule) TableName() string {
	return "ci_pipeline_schedules"
}

// MergeRequest 合并请求, 只保留 head pipeline 相关字段
type MergeRequest struct {
	BaseModel
	ProjectID      int64  `gorm:"not null;index:idx_mr_source" json:"project_id"`
	SourceBranch   string `gorm:"size:255;not null;index:idx_mr_source" json:"source_branch"`
	TargetBranch   string `gorm:"size:255;not null" json:"target_branch"`
	State          string `gorm:"size:20;not null" json:"state"`
	HeadPipelineID *int64 `json:"head_pipeline_id"`
}

func (MergeRequest) TableName() string {
	return "merge_requests"
}
