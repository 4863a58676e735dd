package repository

import (
	"time"

	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	pkgErrors "ci-scheduler/pkg/errors"
)

// ScheduleRepository 定时流水线仓储接口
type ScheduleRepository interface {
	Create(schedule *model.PipelineSchedule) error
	ListDue(now time.Time) ([]*model.PipelineSchedule, error)
	UpdateNextRun(schedule *model.PipelineSchedule, next time.Time) error
}

type scheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository 创建定时流水线仓储实例
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &scheduleRepository{db: db}
}

func (r *scheduleRepository) Create(schedule *model.PipelineSchedule) error {
	if err := r.db.Create(schedule).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建定时流水线失败", err)
	}
	return nil
}

// ListDue 启用且到期(或从未计算过下次运行时间)的定时流水线
func (r *scheduleRepository) ListDue(now time.Time) ([]*model.PipelineSchedule, error) {
	var schedules []*model.PipelineSchedule
	err := r.db.Preload("Project").Preload("Owner").
		Where("active = ? AND (next_run_at IS NULL OR next_run_at <= ?)", true, now).
		Order("id").Find(&schedules).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询定时流水线失败", err)
	}
	return schedules, nil
}

func (r *scheduleRepository) UpdateNextRun(schedule *model.PipelineSchedule, next time.Time) error {
	if err := r.db.Model(schedule).UpdateColumn("next_run_at", next).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新定时流水线失败", err)
	}
	schedule.NextRunAt = &next
	return nil
}
