package transitions

import (
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// RegisterBuild 注册任务状态机钩子
func RegisterBuild(m *statemachine.Machine[*model.Build], deps Deps) {
	logger := deps.Logger.Named("build_transitions")

	// 时间戳与失败原因
	m.RegisterBefore("queued_at", statemachine.ToAny(constants.StatusPending), stampQueuedAt)
	m.RegisterBefore("started_at", statemachine.ToAny(constants.StatusRunning), stampStartedAt)
	m.RegisterBefore("finished_at", statemachine.ToAny(constants.CompletedStatuses...), stampFinishedAt)
	m.RegisterBefore("failure_reason", statemachine.OnEvent(statemachine.EventDrop), stampFailureReason)

	// 进入 pending: 入队, 提交后通知 runner
	m.Register("queue_push", statemachine.ToAny(constants.StatusPending), EnqueueBuild{queue: deps.Queue, logger: logger})
	// 离开 pending: 出队
	m.Register("queue_pop", statemachine.FromAny(constants.StatusPending), DequeueBuild{queue: deps.Queue})
	// 共享 runner 运行记录
	m.Register("runner_track", statemachine.ToAny(constants.StatusRunning), TrackBuild{queue: deps.Queue})
	m.Register("runner_untrack", statemachine.FromAny(constants.StatusRunning), UntrackBuild{queue: deps.Queue})

	// bridge 进入 pending: 创建下游流水线
	m.Register("create_downstream", statemachine.ToAny(constants.StatusPending), TriggerDownstream{dispatcher: deps.Dispatcher, logger: logger})
	// 推进流水线
	m.Register("pipeline_process", progressesPipeline, ProcessPipeline{dispatcher: deps.Dispatcher, logger: logger})
}

// RegisterPipeline 注册流水线状态机钩子
func RegisterPipeline(m *statemachine.Machine[*model.Pipeline], deps Deps) {
	logger := deps.Logger.Named("pipeline_transitions")

	m.RegisterBefore("started_at", statemachine.ToAny(constants.StatusRunning), stampPipelineStarted)
	m.RegisterBefore("finished_at", statemachine.ToAny(constants.CompletedStatuses...), stampPipelineFinished)
	m.RegisterBefore("reopened", statemachine.FromAny(constants.CompletedStatuses...), clearPipelineFinished)
	m.RegisterBefore("failure_reason", statemachine.OnEvent(statemachine.EventDrop), stampPipelineFailureReason)

	m.Register("notify", statemachine.ToAny(constants.CompletedStatuses...), NotifyPipelineCompleted{notifier: deps.Notifier, logger: logger})
	m.Register("inherit_bridge_status", statemachine.ToAny(constants.CompletedStatuses...), &InheritBridgeStatus{
		machine:     deps.BuildMachine,
		lockRetries: deps.LockRetries,
		logger:      logger,
	})
}

// progressesPipeline 任务开始执行、结束或被人工/定时放行时需要重新计算流水线.
// 随流水线整体取消的任务由取消方统一更新状态.
func progressesPipeline(tr statemachine.Transition) bool {
	if tr.Event == statemachine.EventCancel &&
		(tr.Reason == constants.CancelReasonPipelineCanceled || tr.Reason == constants.CancelReasonAutoCanceled) {
		return false
	}
	switch tr.To {
	case constants.StatusRunning, constants.StatusSuccess, constants.StatusFailed, constants.StatusCanceled:
		return true
	case constants.StatusPending:
		return tr.From == constants.StatusManual || tr.From == constants.StatusScheduled
	}
	return false
}
