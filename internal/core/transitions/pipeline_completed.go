package transitions

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ci-scheduler/internal/adapter/notification"
	"ci-scheduler/internal/core/locking"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// NotifyPipelineCompleted 流水线结束通知
type NotifyPipelineCompleted struct {
	notifier notification.Notifier
	logger   *zap.Logger
}

func (h NotifyPipelineCompleted) Handle(context.Context, *model.Pipeline, statemachine.Transition) error {
	return nil
}

func (h NotifyPipelineCompleted) After(ctx context.Context, p *model.Pipeline, tr statemachine.Transition) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, notification.PipelineEvent(p, tr.To)); err != nil {
		h.logger.Warn("send pipeline notification failed", zap.Int64("pipeline_id", p.ID), zap.Error(err))
	}
}

// InheritBridgeStatus depend 策略的 bridge 继承下游流水线的结果
type InheritBridgeStatus struct {
	machine     *statemachine.Machine[*model.Build]
	lockRetries int
	logger      *zap.Logger
}

func (h *InheritBridgeStatus) Handle(context.Context, *model.Pipeline, statemachine.Transition) error {
	return nil
}

func (h *InheritBridgeStatus) After(ctx context.Context, p *model.Pipeline, tr statemachine.Transition) {
	if p.SourceJobID == nil || h.machine == nil {
		return
	}

	var bridge model.Build
	err := h.machine.DB().WithContext(ctx).First(&bridge, *p.SourceJobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		h.logger.Error("load source bridge failed", zap.Int64("pipeline_id", p.ID), zap.Error(err))
		return
	}
	if !bridge.IsBridge() || !bridge.Dependent() {
		return
	}

	event, opts := statemachine.EventDrop, []statemachine.TransitionOption{
		statemachine.WithReason(constants.FailureReasonDownstreamPipelineFailed),
	}
	if tr.To == constants.StatusSuccess {
		event, opts = statemachine.EventSuccess, nil
	}

	reload := func(ctx context.Context, b *model.Build) (*model.Build, error) {
		fresh := &model.Build{}
		return fresh, h.machine.DB().WithContext(ctx).First(fresh, b.ID).Error
	}
	err = locking.Retry(ctx, &bridge, reload, func(b *model.Build) error {
		if !h.machine.Can(b, event) {
			return nil
		}
		return h.machine.Fire(ctx, b, event, opts...)
	}, locking.WithName("inherit_bridge_status"), locking.WithMaxAttempts(h.lockRetries))
	if err != nil {
		h.logger.Error("inherit downstream status failed",
			zap.Int64("bridge_id", bridge.ID),
			zap.Int64("pipeline_id", p.ID),
			zap.String("status", tr.To),
			zap.Error(err))
	}
}
