package dto

import "time"

// VariableItem CI 变量
type VariableItem struct {
	Key   string `json:"key" binding:"required,max=255"`
	Value string `json:"value"`
}

// CreatePipelineRequest 创建流水线
type CreatePipelineRequest struct {
	ProjectID int64          `json:"project_id" binding:"required,min=1"`
	Ref       string         `json:"ref" binding:"required,max=255"`
	Source    string         `json:"source" binding:"omitempty,oneof=api web trigger chat external"` // 默认 api
	Variables []VariableItem `json:"variables" binding:"omitempty,dive"`
}

// PipelineListQuery 流水线列表
type PipelineListQuery struct {
	PageQuery
	ProjectID int64  `form:"project_id" binding:"required,min=1"`
	Ref       string `form:"ref"`
	Status    string `form:"status" binding:"omitempty,oneof=created pending running success failed canceled skipped manual scheduled"`
	Source    string `form:"source"`
}

// PipelineResponse 流水线
type PipelineResponse struct {
	ID               int64          `json:"id"`
	ProjectID        int64          `json:"project_id"`
	Ref              string         `json:"ref"`
	SHA              string         `json:"sha"`
	Tag              bool           `json:"tag"`
	Source           string         `json:"source"`
	Status           string         `json:"status"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	YamlErrors       string         `json:"yaml_errors,omitempty"`
	UserID           *int64         `json:"user_id"`
	SourceJobID      *int64         `json:"source_job_id,omitempty"`
	ParentPipelineID *int64         `json:"parent_pipeline_id,omitempty"`
	AutoCanceledByID *int64         `json:"auto_canceled_by_id,omitempty"`
	Variables        []VariableItem `json:"variables,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at"`
	Duration         int            `json:"duration"`
}
