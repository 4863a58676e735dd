package model

import (
	"time"

	"gorm.io/datatypes"

	"ci-scheduler/pkg/constants"
)

const BuildTableName = "ci_builds"

// Build 流水线中的任务, Type=bridge 时为触发下游流水线的桥接任务
type Build struct {
	BaseModel
	PipelineID       int64                              `gorm:"not null;index" json:"pipeline_id"`
	ProjectID        int64                              `gorm:"not null;index" json:"project_id"`
	Type             string                             `gorm:"size:16;not null" json:"type"`
	Name             string                             `gorm:"size:255;not null" json:"name"`
	Stage            string                             `gorm:"size:255" json:"stage"`
	StageIdx         int                                `gorm:"not null;index" json:"stage_idx"`
	Status           string                             `gorm:"size:32;not null;index" json:"status"`
	When             string                             `gorm:"size:16;not null" json:"when"`
	StartIn          string                             `gorm:"size:64" json:"start_in,omitempty"`
	ScheduledAt      *time.Time                         `gorm:"index" json:"scheduled_at"`
	AllowFailure     bool                               `gorm:"not null" json:"allow_failure"`
	Tags             datatypes.JSONSlice[string]        `gorm:"type:json" json:"tags"`
	Ref              string                             `gorm:"size:255" json:"ref"`
	SHA              string                             `gorm:"column:sha;size:64" json:"sha"`
	Protected        bool                               `gorm:"not null" json:"protected"`
	RunnerID         *int64                             `gorm:"index" json:"runner_id"`
	UserID           *int64                             `json:"user_id"`
	FailureReason    string                             `gorm:"size:64" json:"failure_reason,omitempty"`
	Options          datatypes.JSONType[BuildOptions]   `gorm:"type:json" json:"options"`
	YamlVariables    datatypes.JSONSlice[Variable]      `gorm:"type:json" json:"yaml_variables"`
	AutoCanceledByID *int64                             `json:"auto_canceled_by_id"`
	LockVersion      int                                `gorm:"not null;default:0" json:"lock_version"`
	QueuedAt         *time.Time                         `json:"queued_at"`
	StartedAt        *time.Time                         `json:"started_at"`
	FinishedAt       *time.Time                         `json:"finished_at"`

	Pipeline *Pipeline `gorm:"foreignKey:PipelineID" json:"pipeline,omitempty"`
	Project  *Project  `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	Runner   *Runner   `gorm:"foreignKey:RunnerID" json:"runner,omitempty"`
	User     *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (Build) TableName() string {
	return BuildTableName
}

// BuildOptions 任务配置中与调度相关的部分
type BuildOptions struct {
	Script  []string        `json:"script,omitempty"`
	Trigger *TriggerOptions `json:"trigger,omitempty"`
}

// TriggerOptions bridge 的 trigger 配置
type TriggerOptions struct {
	Project  string          `json:"project,omitempty"`  // 跨项目: 下游项目路径
	Branch   string          `json:"branch,omitempty"`   // 跨项目: 下游分支
	Strategy string          `json:"strategy,omitempty"` // depend
	Include  []string        `json:"include,omitempty"`  // 子流水线: 配置文件
	Forward  *ForwardOptions `json:"forward,omitempty"`
}

// ForwardOptions 下游变量透传, nil 时使用默认值
type ForwardOptions struct {
	YamlVariables     *bool `json:"yaml_variables,omitempty"`
	PipelineVariables *bool `json:"pipeline_variables,omitempty"`
}

func (b *Build) GetStatus() string       { return b.Status }
func (b *Build) SetStatus(status string) { b.Status = status }
func (b *Build) GetLockVersion() int     { return b.LockVersion }
func (b *Build) SetLockVersion(v int)    { b.LockVersion = v }

// IsBridge 是否桥接任务
func (b *Build) IsBridge() bool {
	return b.Type == constants.BuildTypeBridge
}

// Trigger bridge 的触发配置, 非 bridge 返回 nil
func (b *Build) Trigger() *TriggerOptions {
	if !b.IsBridge() {
		return nil
	}
	return b.Options.Data().Trigger
}

// Schedulable 延时任务且配置了 start_in
func (b *Build) Schedulable() bool {
	if b.IsBridge() {
		return false
	}
	return b.When == constants.WhenDelayed && b.StartIn != ""
}

// Action 需要人工触发
func (b *Build) Action() bool {
	if b.IsBridge() {
		return b.When == constants.WhenManual
	}
	return b.When == constants.WhenManual || b.When == constants.WhenDelayed
}

// Dependent 下游流水线结束后再决定自身状态
func (b *Build) Dependent() bool {
	t := b.Trigger()
	return t != nil && t.Strategy == constants.TriggerStrategyDepend
}

// TriggersChildPipeline 触发同项目子流水线
func (b *Build) TriggersChildPipeline() bool {
	t := b.Trigger()
	return t != nil && len(t.Include) > 0
}

// TriggersCrossProjectPipeline 触发其他项目流水线
func (b *Build) TriggersCrossProjectPipeline() bool {
	t := b.Trigger()
	return t != nil && t.Project != ""
}

// ForwardYamlVariables 默认 true
func (b *Build) ForwardYamlVariables() bool {
	t := b.Trigger()
	if t == nil || t.Forward == nil || t.Forward.YamlVariables == nil {
		return true
	}
	return *t.Forward.YamlVariables
}

// ForwardPipelineVariables 默认 false
func (b *Build) ForwardPipelineVariables() bool {
	t := b.Trigger()
	if t == nil || t.Forward == nil || t.Forward.PipelineVariables == nil {
		return false
	}
	return *t.Forward.PipelineVariables
}

// StartInDuration 解析 start_in
func (b *Build) StartInDuration() (time.Duration, error) {
	return ParseHumanDuration(b.StartIn)
}

// IsCompleted 终态
func (b *Build) IsCompleted() bool {
	return constants.IsCompleted(b.Status)
}
