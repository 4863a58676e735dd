// Package queue 维护待调度队列与共享 Runner 运行记录
package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/metrics"
	"ci-scheduler/pkg/constants"
)

// ErrInvalidQueueTransition 队列操作与状态流转不匹配, 属于调用方错误
var ErrInvalidQueueTransition = errors.New("invalid queue transition")

// InvalidTransitionError 携带具体的操作与流转
type InvalidTransitionError struct {
	Operation string
	BuildID   int64
	From      string
	To        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: build %d %s -> %s: %v", e.Operation, e.BuildID, e.From, e.To, ErrInvalidQueueTransition)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidQueueTransition
}

// Metrics 队列指标, 实现方不得影响控制流
type Metrics interface {
	IncrementQueueOperation(operation string)
	IncrementRunnerTick(runner *model.Runner)
	ObserveActiveRunners(count int)
}

// RunnerFinder 解析可为 build 服务的 runner
type RunnerFinder interface {
	AvailableRunners(ctx context.Context, build *model.Build) ([]*model.Runner, error)
}

// RunnerPicker runner 侧的领取通知, 竞争由实现方自行解决
type RunnerPicker interface {
	PickBuild(ctx context.Context, runner *model.Runner, build *model.Build) (bool, error)
}

// Manager 队列管理
type Manager struct {
	db      *gorm.DB
	metrics Metrics
	runners RunnerFinder
	picker  RunnerPicker
	logger  *zap.Logger
}

// NewManager 创建队列管理
func NewManager(db *gorm.DB, m Metrics, runners RunnerFinder, picker RunnerPicker, logger *zap.Logger) *Manager {
	return &Manager{db: db, metrics: m, runners: runners, picker: picker, logger: logger}
}

// Push 进入 pending 时写入队列条目, 已存在时为 no-op 并返回 0
func (m *Manager) Push(ctx context.Context, build *model.Build, tr statemachine.Transition) (int64, error) {
	if tr.To != constants.StatusPending {
		return 0, &InvalidTransitionError{Operation: "push", BuildID: build.ID, From: tr.From, To: tr.To}
	}
	tx := tr.Tx.WithContext(ctx)

	var instanceRunnersEnabled bool
	if err := tx.Model(&model.Project{}).Select("shared_runners_enabled").
		Where("id = ?", build.ProjectID).Scan(&instanceRunnersEnabled).Error; err != nil {
		return 0, err
	}

	entry := &model.PendingBuild{
		BuildID:                build.ID,
		ProjectID:              build.ProjectID,
		Protected:              build.Protected,
		InstanceRunnersEnabled: instanceRunnersEnabled,
		Tags:                   build.Tags,
	}
	result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "build_id"}}, DoNothing: true}).Create(entry)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, nil
	}

	m.metrics.IncrementQueueOperation(metrics.OperationBuildQueuePush)
	return entry.ID, nil
}

// Pop 离开 pending 时删除队列条目
func (m *Manager) Pop(ctx context.Context, build *model.Build, tr statemachine.Transition) (int64, error) {
	if tr.From != constants.StatusPending {
		return 0, &InvalidTransitionError{Operation: "pop", BuildID: build.ID, From: tr.From, To: tr.To}
	}
	return m.removeEntries(tr.Tx.WithContext(ctx), build)
}

// Remove 无状态校验的强制删除
func (m *Manager) Remove(ctx context.Context, build *model.Build) (int64, error) {
	return m.removeEntries(m.db.WithContext(ctx), build)
}

func (m *Manager) removeEntries(tx *gorm.DB, build *model.Build) (int64, error) {
	result := tx.Where("build_id = ?", build.ID).Delete(&model.PendingBuild{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, nil
	}

	m.metrics.IncrementQueueOperation(metrics.OperationBuildQueuePop)
	return build.ID, nil
}

// Track 共享 Runner 开始运行时记录
func (m *Manager) Track(ctx context.Context, build *model.Build, tr statemachine.Transition) (int64, error) {
	tx := tr.Tx.WithContext(ctx)
	runner, err := sharedRunner(tx, build)
	if err != nil || runner == nil {
		return 0, err
	}
	if tr.To != constants.StatusRunning {
		return 0, &InvalidTransitionError{Operation: "track", BuildID: build.ID, From: tr.From, To: tr.To}
	}

	entry := &model.RunningBuild{
		BuildID:    build.ID,
		ProjectID:  build.ProjectID,
		RunnerID:   runner.ID,
		RunnerType: runner.RunnerType,
	}
	result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "build_id"}}, DoNothing: true}).Create(entry)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, nil
	}

	m.metrics.IncrementQueueOperation(metrics.OperationSharedRunnerBuildNew)
	return build.ID, nil
}

// Untrack 共享 Runner 运行结束时删除记录
func (m *Manager) Untrack(ctx context.Context, build *model.Build, tr statemachine.Transition) (int64, error) {
	tx := tr.Tx.WithContext(ctx)
	runner, err := sharedRunner(tx, build)
	if err != nil || runner == nil {
		return 0, err
	}
	if tr.From != constants.StatusRunning {
		return 0, &InvalidTransitionError{Operation: "untrack", BuildID: build.ID, From: tr.From, To: tr.To}
	}

	result := tx.Where("build_id = ?", build.ID).Delete(&model.RunningBuild{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, nil
	}

	m.metrics.IncrementQueueOperation(metrics.OperationSharedRunnerBuildDone)
	return build.ID, nil
}

// sharedRunner 返回 build 使用的共享 runner, 非共享返回 nil
func sharedRunner(tx *gorm.DB, build *model.Build) (*model.Runner, error) {
	if build.RunnerID == nil {
		return nil, nil
	}
	var runner model.Runner
	err := tx.Select("id", "runner_type").First(&runner, *build.RunnerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !runner.IsInstanceType() {
		return nil, nil
	}
	return &runner, nil
}

// Tick 通知可用 runner 有新任务
func (m *Manager) Tick(ctx context.Context, build *model.Build) error {
	runners, err := m.runners.AvailableRunners(ctx, build)
	if err != nil {
		return fmt.Errorf("resolve runners for build %d: %w", build.ID, err)
	}
	m.metrics.ObserveActiveRunners(len(runners))

	for _, runner := range runners {
		m.metrics.IncrementRunnerTick(runner)
		if _, err := m.picker.PickBuild(ctx, runner, build); err != nil {
			m.logger.Warn("runner tick failed",
				zap.Int64("runner_id", runner.ID),
				zap.Int64("build_id", build.ID),
				zap.Error(err))
		}
	}
	return nil
}
