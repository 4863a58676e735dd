package repository

import (
	"time"

	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
	pkgErrors "ci-scheduler/pkg/errors"
)

// BuildRepository 任务仓储接口
type BuildRepository interface {
	FindByID(id int64, opts ...QueryOption) (*model.Build, error)
	ListByPipeline(pipelineID int64) ([]*model.Build, error)
	ListDueScheduled(now time.Time, limit int) ([]*model.Build, error)
}

type buildRepository struct {
	db *gorm.DB
}

// NewBuildRepository 创建任务仓储实例
func NewBuildRepository(db *gorm.DB) BuildRepository {
	return &buildRepository{db: db}
}

// FindByID 根据ID查询任务
func (r *buildRepository) FindByID(id int64, opts ...QueryOption) (*model.Build, error) {
	return first[model.Build](apply(r.db.Where("id = ?", id), opts), pkgErrors.ErrRecordNotFound, "查询任务失败")
}

// ListByPipeline 按阶段与 id 排序
func (r *buildRepository) ListByPipeline(pipelineID int64) ([]*model.Build, error) {
	var builds []*model.Build
	if err := r.db.Where("pipeline_id = ?", pipelineID).Order("stage_idx, id").Find(&builds).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询任务列表失败", err)
	}
	return builds, nil
}

// ListDueScheduled 到期的延时任务
func (r *buildRepository) ListDueScheduled(now time.Time, limit int) ([]*model.Build, error) {
	var builds []*model.Build
	query := r.db.Where("status = ? AND scheduled_at <= ?", constants.StatusScheduled, now).Order("scheduled_at, id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&builds).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询延时任务失败", err)
	}
	return builds, nil
}
