package chain

import (
	"context"
	"fmt"

	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// activeStatuses 计入活跃流水线上限的状态
var activeStatuses = []string{constants.StatusCreated, constants.StatusPending, constants.StatusRunning}

// LimitActivity 项目活跃流水线上限, 0 表示不限制; 超限时已落库的流水线被置为失败
type LimitActivity struct {
	incomplete
	limit int
}

func (LimitActivity) Name() string { return "limit_activity" }

func (s LimitActivity) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	if s.limit <= 0 {
		return Continue
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Pipeline{}).
		Where("project_id = ? AND status IN ?", p.ProjectID, activeStatuses).
		Count(&count).Error; err != nil {
		return halt(p, fmt.Sprintf("Failed to count active pipelines: %v", err))
	}
	excess := int(count) - s.limit
	if excess <= 0 {
		return Continue
	}

	p.AddError(fmt.Sprintf("Active pipelines limit exceeded by %s!", pluralize(excess, "pipeline")))
	if err := s.persist(ctx, p, statemachine.EventDrop, constants.StatusFailed, constants.FailureReasonActivityLimitExceeded); err != nil {
		p.AddError("Failed to drop the pipeline: " + err.Error())
	}
	return Result{Break: true}
}
