package repository

import (
	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	pkgErrors "ci-scheduler/pkg/errors"
)

// PipelineFilter 流水线列表过滤条件
type PipelineFilter struct {
	ProjectID int64
	Ref       string
	Status    string
	Source    string
}

// PipelineRepository 流水线仓储接口
type PipelineRepository interface {
	FindByID(id int64, opts ...QueryOption) (*model.Pipeline, error)
	List(page, pageSize int, filter PipelineFilter) ([]*model.Pipeline, int64, error)
	ListByStatus(statuses []string, limit int) ([]*model.Pipeline, error)
	ListDownstream(pipelineID int64) ([]*model.Pipeline, error)
}

type pipelineRepository struct {
	db *gorm.DB
}

// NewPipelineRepository 创建流水线仓储实例
func NewPipelineRepository(db *gorm.DB) PipelineRepository {
	return &pipelineRepository{db: db}
}

func (r *pipelineRepository) FindByID(id int64, opts ...QueryOption) (*model.Pipeline, error) {
	return first[model.Pipeline](apply(r.db.Where("id = ?", id), opts), pkgErrors.ErrRecordNotFound, "查询流水线失败")
}

func (r *pipelineRepository) List(page, pageSize int, filter PipelineFilter) ([]*model.Pipeline, int64, error) {
	var pipelines []*model.Pipeline
	var total int64

	query := r.db.Model(&model.Pipeline{}).Where("project_id = ?", filter.ProjectID)
	if filter.Ref != "" {
		query = query.Where("ref = ?", filter.Ref)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "统计流水线数量失败", err)
	}

	offset := (page - 1) * pageSize
	if err := query.Offset(offset).Limit(pageSize).Order("id DESC").Find(&pipelines).Error; err != nil {
		return nil, 0, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询流水线列表失败", err)
	}
	return pipelines, total, nil
}

// ListByStatus 按 id 升序, limit<=0 不限制
func (r *pipelineRepository) ListByStatus(statuses []string, limit int) ([]*model.Pipeline, error) {
	var pipelines []*model.Pipeline
	query := r.db.Where("status IN ?", statuses).Order("id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&pipelines).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询流水线失败", err)
	}
	return pipelines, nil
}

// ListDownstream 由该流水线中 bridge 触发的下游流水线
func (r *pipelineRepository) ListDownstream(pipelineID int64) ([]*model.Pipeline, error) {
	var pipelines []*model.Pipeline
	sub := r.db.Model(&model.Build{}).Select("id").Where("pipeline_id = ?", pipelineID)
	if err := r.db.Where("source_job_id IN (?)", sub).Order("id").Find(&pipelines).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询下游流水线失败", err)
	}
	return pipelines, nil
}
