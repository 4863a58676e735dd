package transitions

import (
	"context"

	"go.uber.org/zap"

	"ci-scheduler/internal/adapter/jobs"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
)

// TriggerDownstream bridge 进入 pending 后异步创建下游流水线
type TriggerDownstream struct {
	dispatcher jobs.Dispatcher
	logger     *zap.Logger
}

func (h TriggerDownstream) Handle(context.Context, *model.Build, statemachine.Transition) error {
	return nil
}

func (h TriggerDownstream) After(ctx context.Context, b *model.Build, tr statemachine.Transition) {
	if !b.IsBridge() {
		return
	}
	if err := h.dispatcher.Dispatch(ctx, jobs.CreateDownstreamPipeline, b.ID); err != nil {
		h.logger.Error("dispatch downstream pipeline failed", zap.Int64("bridge_id", b.ID), zap.Error(err))
	}
}

// ProcessPipeline 任务状态推进后重新处理所属流水线
type ProcessPipeline struct {
	dispatcher jobs.Dispatcher
	logger     *zap.Logger
}

func (h ProcessPipeline) Handle(context.Context, *model.Build, statemachine.Transition) error {
	return nil
}

func (h ProcessPipeline) After(ctx context.Context, b *model.Build, tr statemachine.Transition) {
	if err := h.dispatcher.Dispatch(ctx, jobs.PipelineProcess, b.PipelineID); err != nil {
		h.logger.Error("dispatch pipeline process failed",
			zap.Int64("build_id", b.ID),
			zap.Int64("pipeline_id", b.PipelineID),
			zap.Error(err))
	}
}
