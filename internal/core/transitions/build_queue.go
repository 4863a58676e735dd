package transitions

import (
	"context"

	"go.uber.org/zap"

	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
)

// EnqueueBuild 进入 pending 时写入队列, 提交后通知 runner
type EnqueueBuild struct {
	queue  QueueManager
	logger *zap.Logger
}

func (h EnqueueBuild) Handle(ctx context.Context, b *model.Build, tr statemachine.Transition) error {
	if b.IsBridge() {
		return nil
	}
	_, err := h.queue.Push(ctx, b, tr)
	return err
}

func (h EnqueueBuild) After(ctx context.Context, b *model.Build, tr statemachine.Transition) {
	if b.IsBridge() {
		return
	}
	if err := h.queue.Tick(ctx, b); err != nil {
		h.logger.Warn("tick runners failed", zap.Int64("build_id", b.ID), zap.Error(err))
	}
}

// DequeueBuild 离开 pending 时移出队列
type DequeueBuild struct {
	queue QueueManager
}

func (h DequeueBuild) Handle(ctx context.Context, b *model.Build, tr statemachine.Transition) error {
	if b.IsBridge() {
		return nil
	}
	_, err := h.queue.Pop(ctx, b, tr)
	return err
}

func (h DequeueBuild) After(context.Context, *model.Build, statemachine.Transition) {}

// TrackBuild 共享 runner 开始运行
type TrackBuild struct {
	queue QueueManager
}

func (h TrackBuild) Handle(ctx context.Context, b *model.Build, tr statemachine.Transition) error {
	if b.IsBridge() {
		return nil
	}
	_, err := h.queue.Track(ctx, b, tr)
	return err
}

func (h TrackBuild) After(context.Context, *model.Build, statemachine.Transition) {}

// UntrackBuild 共享 runner 运行结束
type UntrackBuild struct {
	queue QueueManager
}

func (h UntrackBuild) Handle(ctx context.Context, b *model.Build, tr statemachine.Transition) error {
	if b.IsBridge() {
		return nil
	}
	_, err := h.queue.Untrack(ctx, b, tr)
	return err
}

func (h UntrackBuild) After(context.Context, *model.Build, statemachine.Transition) {}
