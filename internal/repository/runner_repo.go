package repository

import (
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	pkgErrors "ci-scheduler/pkg/errors"
)

// RunnerRepository Runner 仓储接口
type RunnerRepository interface {
	Create(runner *model.Runner) error
	FindByToken(token string) (*model.Runner, error)
	Touch(runner *model.Runner, at time.Time) error
	ListQueueFor(runner *model.Runner, limit int) ([]*model.PendingBuild, error)
}

const defaultQueuePageSize = 100

type runnerRepository struct {
	db *gorm.DB
}

// NewRunnerRepository 创建 Runner 仓储实例
func NewRunnerRepository(db *gorm.DB) RunnerRepository {
	return &runnerRepository{db: db}
}

func (r *runnerRepository) Create(runner *model.Runner) error {
	if err := r.db.Create(runner).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建Runner失败", err)
	}
	return nil
}

// FindByToken 令牌不存在或 Runner 已停用时返回 ErrRunnerForbidden
func (r *runnerRepository) FindByToken(token string) (*model.Runner, error) {
	if token == "" {
		return nil, pkgErrors.ErrRunnerForbidden
	}
	runner, err := first[model.Runner](r.db.Where("token = ?", token), pkgErrors.ErrRunnerForbidden, "查询Runner失败")
	if err != nil {
		return nil, err
	}
	if !runner.Active {
		return nil, pkgErrors.ErrRunnerForbidden
	}
	return runner, nil
}

// Touch 记录心跳
func (r *runnerRepository) Touch(runner *model.Runner, at time.Time) error {
	if err := r.db.Model(runner).UpdateColumn("contacted_at", at).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新Runner心跳失败", err)
	}
	runner.ContactedAt = &at
	return nil
}

// ListQueueFor Runner 可领取的队列条目, 按入队顺序, 最多 limit 条.
// 标签匹配在内存中完成, 按 id 游标分页扫描直到凑满 limit 或队列扫描完毕
func (r *runnerRepository) ListQueueFor(runner *model.Runner, limit int) ([]*model.PendingBuild, error) {
	pageSize := limit
	if pageSize <= 0 {
		pageSize = defaultQueuePageSize
	}

	var (
		matched []*model.PendingBuild
		cursor  int64
	)
	for {
		page, err := r.queuePage(runner, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		for _, e := range lo.Filter(page, func(e *model.PendingBuild, _ int) bool {
			return e.Build != nil && runner.MatchesBuild(e.Build)
		}) {
			matched = append(matched, e)
			if limit > 0 && len(matched) == limit {
				return matched, nil
			}
		}
		if len(page) < pageSize {
			return matched, nil
		}
		cursor = page[len(page)-1].ID
	}
}

func (r *runnerRepository) queuePage(runner *model.Runner, afterID int64, size int) ([]*model.PendingBuild, error) {
	query := r.db.Preload("Build").Where("id > ?", afterID).Order("id").Limit(size)
	if runner.IsInstanceType() {
		query = query.Where("instance_runners_enabled = ?", true)
	} else {
		projects := r.db.Model(&model.RunnerProject{}).Select("project_id").Where("runner_id = ?", runner.ID)
		query = query.Where("project_id IN (?)", projects)
	}
	if runner.RefProtected() {
		query = query.Where("protected = ?", true)
	}

	var entries []*model.PendingBuild
	if err := query.Find(&entries).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询待调度任务失败", err)
	}
	return entries, nil
}
