package queue

import (
	"context"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// DBRunnerFinder 从数据库查询在线且可服务该项目的 runner
type DBRunnerFinder struct {
	db            *gorm.DB
	onlineTimeout time.Duration
	now           func() time.Time
}

// NewRunnerFinder 创建 runner 查询
func NewRunnerFinder(db *gorm.DB, onlineTimeout time.Duration) *DBRunnerFinder {
	return &DBRunnerFinder{db: db, onlineTimeout: onlineTimeout, now: time.Now}
}

// AvailableRunners 项目专属 runner 与 (项目开启时的) 共享 runner, 按 id 排序
func (f *DBRunnerFinder) AvailableRunners(ctx context.Context, build *model.Build) ([]*model.Runner, error) {
	db := f.db.WithContext(ctx)

	var sharedEnabled bool
	if err := db.Model(&model.Project{}).Select("shared_runners_enabled").
		Where("id = ?", build.ProjectID).Scan(&sharedEnabled).Error; err != nil {
		return nil, err
	}

	query := db.Where("active = ? AND contacted_at > ?", true, f.now().Add(-f.onlineTimeout))
	projectRunners := db.Model(&model.RunnerProject{}).Select("runner_id").Where("project_id = ?", build.ProjectID)
	if sharedEnabled {
		query = query.Where(db.Where("id IN (?)", projectRunners).Or("runner_type = ?", constants.RunnerTypeInstance))
	} else {
		query = query.Where("id IN (?)", projectRunners)
	}

	var runners []*model.Runner
	if err := query.Order("id").Find(&runners).Error; err != nil {
		return nil, err
	}
	return lo.Filter(runners, func(r *model.Runner, _ int) bool {
		return r.MatchesBuild(build)
	}), nil
}
