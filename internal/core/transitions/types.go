// Package transitions 状态流转钩子: 队列维护、时间戳、异步任务与下游状态继承
package transitions

import (
	"context"

	"go.uber.org/zap"

	"ci-scheduler/internal/adapter/jobs"
	"ci-scheduler/internal/adapter/notification"
	"ci-scheduler/internal/core/queue"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
)

// QueueManager 队列操作, 由 queue.Manager 实现
type QueueManager interface {
	Push(ctx context.Context, build *model.Build, tr statemachine.Transition) (int64, error)
	Pop(ctx context.Context, build *model.Build, tr statemachine.Transition) (int64, error)
	Track(ctx context.Context, build *model.Build, tr statemachine.Transition) (int64, error)
	Untrack(ctx context.Context, build *model.Build, tr statemachine.Transition) (int64, error)
	Tick(ctx context.Context, build *model.Build) error
}

var _ QueueManager = (*queue.Manager)(nil)

// Deps 钩子依赖
type Deps struct {
	Queue        QueueManager
	Dispatcher   jobs.Dispatcher
	Notifier     notification.Notifier
	BuildMachine *statemachine.Machine[*model.Build]
	LockRetries  int
	Logger       *zap.Logger
}
