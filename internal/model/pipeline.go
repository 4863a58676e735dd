package model

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"gorm.io/datatypes"

	"ci-scheduler/pkg/constants"
)

const PipelineTableName = "ci_pipelines"

// Pipeline 流水线
type Pipeline struct {
	BaseModel
	ProjectID        int64                        `gorm:"not null;index:idx_pipeline_project_ref" json:"project_id"`
	Ref              string                       `gorm:"size:255;not null;index:idx_pipeline_project_ref" json:"ref"`
	SHA              string                       `gorm:"column:sha;size:64;index" json:"sha"`
	BeforeSHA        string                       `gorm:"column:before_sha;size:64" json:"before_sha"`
	Tag              bool                         `gorm:"not null" json:"tag"`
	Source           string                       `gorm:"size:32;not null" json:"source"`
	Status           string                       `gorm:"size:32;not null;index" json:"status"`
	UserID           *int64                       `gorm:"index" json:"user_id"`
	SourceJobID      *int64                       `gorm:"uniqueIndex" json:"source_job_id"` // 触发该流水线的 bridge, 一个 bridge 至多一个下游
	SourceProjectID  *int64                       `json:"source_project_id"`
	ParentPipelineID *int64                       `gorm:"index" json:"parent_pipeline_id"`
	AutoCanceledByID *int64                       `json:"auto_canceled_by_id"`
	FailureReason    string                       `gorm:"size:64" json:"failure_reason,omitempty"`
	YamlErrors       string                       `gorm:"type:text" json:"yaml_errors,omitempty"`
	Variables        datatypes.JSONSlice[Variable] `gorm:"type:json" json:"variables"`
	LockVersion      int                          `gorm:"not null;default:0" json:"lock_version"`
	StartedAt        *time.Time                   `json:"started_at"`
	FinishedAt       *time.Time                   `json:"finished_at"`
	Duration         int                          `json:"duration"` // 秒

	Project *Project `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	User    *User    `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Builds  []*Build `gorm:"foreignKey:PipelineID" json:"builds,omitempty"`

	// Errors 校验错误, 不落库
	Errors []string `gorm:"-" json:"errors,omitempty"`
}

func (Pipeline) TableName() string {
	return PipelineTableName
}

func (p *Pipeline) GetStatus() string         { return p.Status }
func (p *Pipeline) SetStatus(status string)   { p.Status = status }
func (p *Pipeline) GetLockVersion() int       { return p.LockVersion }
func (p *Pipeline) SetLockVersion(v int)      { p.LockVersion = v }
func (p *Pipeline) AddError(message string)   { p.Errors = append(p.Errors, message) }
func (p *Pipeline) HasErrors() bool           { return len(p.Errors) > 0 }
func (p *Pipeline) IsChildPipeline() bool     { return p.Source == constants.SourceParentPipeline }
func (p *Pipeline) IsTriggeredByBridge() bool { return p.SourceJobID != nil }

// IsCompleted 终态
func (p *Pipeline) IsCompleted() bool {
	return constants.IsCompleted(p.Status)
}

// VariablesMap 流水线变量
func (p *Pipeline) VariablesMap() map[string]string {
	return VariablesToMap(p.Variables)
}

// StageIndexes 已加载 builds 的阶段序号(升序去重)
func (p *Pipeline) StageIndexes() []int {
	idx := lo.Uniq(lo.Map(p.Builds, func(b *Build, _ int) int { return b.StageIdx }))
	sort.Ints(idx)
	return idx
}
