package model

import (
	"time"

	"gorm.io/gorm"
)

type BaseModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// GetID 主键
func (m *BaseModel) GetID() int64 {
	return m.ID
}

// Persisted 是否已落库
func (m *BaseModel) Persisted() bool {
	return m != nil && m.ID != 0
}

// BaseModelWithSoftDelete 基础模型
type BaseModelWithSoftDelete struct {
	BaseModel
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// Variable CI 变量
type Variable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// VariablesToMap 后出现的同名变量覆盖先出现的
func VariablesToMap(vars ...[]Variable) map[string]string {
	m := make(map[string]string)
	for _, list := range vars {
		for _, v := range list {
			m[v.Key] = v.Value
		}
	}
	return m
}

// AllModels 需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&Project{},
		&User{},
		&ProjectMember{},
		&ProtectedBranch{},
		&Pipeline{},
		&Build{},
		&PendingBuild{},
		&RunningBuild{},
		&Runner{},
		&RunnerProject{},
		&PipelineSchedule{},
		&MergeRequest{},
	}
}
