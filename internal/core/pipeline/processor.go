// Package pipeline 按阶段推进流水线并维护流水线状态
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ci-scheduler/internal/core/locking"
	"ci-scheduler/internal/core/processor"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/core/status"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// statusEvents 聚合状态 -> 流水线事件
var statusEvents = map[string]statemachine.Event{
	constants.StatusPending:   statemachine.EventEnqueue,
	constants.StatusRunning:   statemachine.EventRun,
	constants.StatusSuccess:   statemachine.EventSucceed,
	constants.StatusFailed:    statemachine.EventDrop,
	constants.StatusCanceled:  statemachine.EventCancel,
	constants.StatusSkipped:   statemachine.EventSkip,
	constants.StatusManual:    statemachine.EventBlock,
	constants.StatusScheduled: statemachine.EventDelay,
}

// Processor 流水线处理
type Processor struct {
	db           *gorm.DB
	builds       *processor.Service
	buildMachine *statemachine.Machine[*model.Build]
	machine      *statemachine.Machine[*model.Pipeline]
	lockRetries  int
	logger       *zap.Logger
}

// NewProcessor 创建流水线处理
func NewProcessor(
	db *gorm.DB,
	builds *processor.Service,
	buildMachine *statemachine.Machine[*model.Build],
	machine *statemachine.Machine[*model.Pipeline],
	lockRetries int,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		db:           db,
		builds:       builds,
		buildMachine: buildMachine,
		machine:      machine,
		lockRetries:  lockRetries,
		logger:       logger,
	}
}

// Machine 流水线状态机
func (p *Processor) Machine() *statemachine.Machine[*model.Pipeline] {
	return p.machine
}

// ProcessByID 异步任务入口
func (p *Processor) ProcessByID(ctx context.Context, id int64) error {
	var pipeline model.Pipeline
	if err := p.db.WithContext(ctx).First(&pipeline, id).Error; err != nil {
		return fmt.Errorf("load pipeline %d: %w", id, err)
	}
	_, err := p.Process(ctx, &pipeline)
	return err
}

// Process 依次处理仍有 created 任务的阶段, 返回是否有任务被处理
func (p *Processor) Process(ctx context.Context, pipeline *model.Pipeline) (bool, error) {
	var stages []int
	if err := p.db.WithContext(ctx).Model(&model.Build{}).
		Where("pipeline_id = ? AND status = ?", pipeline.ID, constants.StatusCreated).
		Distinct("stage_idx").Order("stage_idx").Pluck("stage_idx", &stages).Error; err != nil {
		return false, err
	}

	processed := false
	for _, idx := range stages {
		ok, err := p.processStage(ctx, pipeline, idx)
		if err != nil {
			return processed, err
		}
		processed = processed || ok
	}

	if err := p.UpdateStatus(ctx, pipeline); err != nil {
		return processed, err
	}
	return processed, nil
}

func (p *Processor) processStage(ctx context.Context, pipeline *model.Pipeline, idx int) (bool, error) {
	prior, err := p.priorStatus(ctx, pipeline.ID, idx)
	if err != nil {
		return false, err
	}
	if prior != status.PriorNone && (constants.IsBlocked(prior) || !constants.IsCompleted(prior)) {
		return false, nil
	}

	var builds []*model.Build
	if err := p.db.WithContext(ctx).
		Where("pipeline_id = ? AND stage_idx = ? AND status = ?", pipeline.ID, idx, constants.StatusCreated).
		Order("id").Find(&builds).Error; err != nil {
		return false, err
	}

	processed := false
	for _, b := range builds {
		if _, err := p.builds.Process(ctx, b, prior); err != nil {
			// 并发处理时其他 worker 已推进该任务
			var invalid *statemachine.InvalidTransitionError
			if errors.As(err, &invalid) || errors.Is(err, locking.ErrStaleObject) {
				continue
			}
			return processed, err
		}
		processed = true
	}
	return processed, nil
}

// priorStatus 前置阶段的聚合状态, 没有前置阶段时为 PriorNone
func (p *Processor) priorStatus(ctx context.Context, pipelineID int64, idx int) (string, error) {
	items, err := p.statusItems(ctx, p.db.WithContext(ctx).Where("pipeline_id = ? AND stage_idx < ?", pipelineID, idx))
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return status.PriorNone, nil
	}
	return status.Composite(items), nil
}

func (p *Processor) statusItems(ctx context.Context, scope *gorm.DB) ([]status.Item, error) {
	var items []status.Item
	err := scope.Model(&model.Build{}).Select("status", "allow_failure").Scan(&items).Error
	return items, err
}

// CompositeStatus 流水线全部任务的聚合状态
func (p *Processor) CompositeStatus(ctx context.Context, pipelineID int64) (string, error) {
	items, err := p.statusItems(ctx, p.db.WithContext(ctx).Where("pipeline_id = ?", pipelineID))
	if err != nil {
		return "", err
	}
	return status.Composite(items), nil
}

// UpdateStatus 将流水线状态更新为任务的聚合状态
func (p *Processor) UpdateStatus(ctx context.Context, pipeline *model.Pipeline) error {
	if _, err := p.reload(ctx, pipeline); err != nil {
		return err
	}
	return locking.Retry(ctx, pipeline, p.reload, func(pl *model.Pipeline) error {
		composite, err := p.CompositeStatus(ctx, pl.ID)
		if err != nil {
			return err
		}
		event, ok := statusEvents[composite]
		if !ok || composite == pl.Status || !p.machine.Can(pl, event) {
			return nil
		}

		err = p.machine.Fire(ctx, pl, event)
		var invalid *statemachine.InvalidTransitionError
		if errors.As(err, &invalid) {
			// 持久化状态已经一致
			return nil
		}
		return err
	}, locking.WithName("pipeline"), locking.WithMaxAttempts(p.lockRetries))
}

func (p *Processor) reload(ctx context.Context, pl *model.Pipeline) (*model.Pipeline, error) {
	fresh := &model.Pipeline{}
	if err := p.db.WithContext(ctx).First(fresh, pl.ID).Error; err != nil {
		return nil, err
	}
	fresh.Project, fresh.User, fresh.Builds, fresh.Errors = pl.Project, pl.User, pl.Builds, pl.Errors
	*pl = *fresh
	return pl, nil
}

// CancelRunning 取消流水线及其未结束的任务
func (p *Processor) CancelRunning(ctx context.Context, pipeline *model.Pipeline, opts ...statemachine.TransitionOption) error {
	if err := p.machine.Fire(ctx, pipeline, statemachine.EventCancel, opts...); err != nil {
		return err
	}
	if err := p.cancelBuilds(ctx, pipeline, constants.CancelReasonPipelineCanceled, nil); err != nil {
		return err
	}
	return p.UpdateStatus(ctx, pipeline)
}

// AutoCancelRunning 被新流水线取代时取消, 记录 auto_canceled_by
func (p *Processor) AutoCancelRunning(ctx context.Context, pipeline *model.Pipeline, superseding *model.Pipeline) error {
	by := superseding.ID
	err := p.machine.Fire(ctx, pipeline, statemachine.EventCancel,
		statemachine.WithReason(constants.CancelReasonAutoCanceled),
		statemachine.WithModelEffects(func() { pipeline.AutoCanceledByID = &by }))
	if err != nil {
		return err
	}
	if err := p.cancelBuilds(ctx, pipeline, constants.CancelReasonAutoCanceled, &by); err != nil {
		return err
	}
	return p.UpdateStatus(ctx, pipeline)
}

func (p *Processor) cancelBuilds(ctx context.Context, pipeline *model.Pipeline, reason string, autoCanceledBy *int64) error {
	var builds []*model.Build
	if err := p.db.WithContext(ctx).
		Where("pipeline_id = ? AND status IN ?", pipeline.ID, constants.CancelableStatuses).
		Order("id").Find(&builds).Error; err != nil {
		return err
	}

	reload := func(ctx context.Context, b *model.Build) (*model.Build, error) {
		fresh := &model.Build{}
		return fresh, p.db.WithContext(ctx).First(fresh, b.ID).Error
	}
	for _, b := range builds {
		err := locking.Retry(ctx, b, reload, func(b *model.Build) error {
			opts := []statemachine.TransitionOption{statemachine.WithReason(reason)}
			if autoCanceledBy != nil {
				opts = append(opts, statemachine.WithModelEffects(func() { b.AutoCanceledByID = autoCanceledBy }))
			}
			return p.buildMachine.Fire(ctx, b, statemachine.EventCancel, opts...)
		}, locking.WithName("build"), locking.WithMaxAttempts(p.lockRetries))

		var invalid *statemachine.InvalidTransitionError
		if errors.As(err, &invalid) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cancel build %d: %w", b.ID, err)
		}
	}

	p.logger.Info("pipeline canceled",
		zap.Int64("pipeline_id", pipeline.ID),
		zap.String("reason", reason),
		zap.Int("builds", len(builds)))
	return nil
}
