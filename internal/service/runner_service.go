package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ci-scheduler/internal/adapter/runnerqueue"
	"ci-scheduler/internal/core/locking"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/dto"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/repository"
	"ci-scheduler/pkg/constants"
	pkgErrors "ci-scheduler/pkg/errors"
)

// queueScanLimit 单次领取最多尝试的队列条目
const queueScanLimit = 50

// RunnerService Runner 领取与回报任务
type RunnerService interface {
	Authenticate(token string) (*model.Runner, error)
	RequestJob(ctx context.Context, runner *model.Runner, req *dto.RequestJobRequest) (*dto.RequestJobResponse, error)
	UpdateJob(ctx context.Context, runner *model.Runner, id int64, req *dto.UpdateJobRequest) (*dto.JobResponse, error)
}

type runnerService struct {
	runnerRepo   repository.RunnerRepository
	buildRepo    repository.BuildRepository
	pipelineRepo repository.PipelineRepository
	queue        *runnerqueue.Queue
	machine      *statemachine.Machine[*model.Build]
	lockRetries  int
	logger       *zap.Logger
	now          func() time.Time
}

func NewRunnerService(
	runnerRepo repository.RunnerRepository,
	buildRepo repository.BuildRepository,
	pipelineRepo repository.PipelineRepository,
	queue *runnerqueue.Queue,
	machine *statemachine.Machine[*model.Build],
	lockRetries int,
	logger *zap.Logger,
) RunnerService {
	return &runnerService{
		runnerRepo:   runnerRepo,
		buildRepo:    buildRepo,
		pipelineRepo: pipelineRepo,
		queue:        queue,
		machine:      machine,
		lockRetries:  lockRetries,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *runnerService) Authenticate(token string) (*model.Runner, error) {
	if token == "" {
		return nil, pkgErrors.ErrRunnerForbidden
	}
	return s.runnerRepo.FindByToken(token)
}

// RequestJob 记录心跳; 队列版本号未变化时直接返回, 否则按入队顺序尝试领取
func (s *runnerService) RequestJob(ctx context.Context, runner *model.Runner, req *dto.RequestJobRequest) (*dto.RequestJobResponse, error) {
	if err := s.runnerRepo.Touch(runner, s.now()); err != nil {
		return nil, err
	}

	latest, err := s.queue.IsLatest(ctx, runner, req.LastUpdate)
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "读取队列版本失败", err)
	}
	if latest {
		return &dto.RequestJobResponse{LastUpdate: req.LastUpdate}, nil
	}

	// 先取版本号再扫描, 扫描期间入队的任务会让下次请求看到新版本
	version, err := s.queue.Ensure(ctx, runner)
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "读取队列版本失败", err)
	}

	entries, err := s.runnerRepo.ListQueueFor(runner, queueScanLimit)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		build, err := s.assign(ctx, runner, entry.Build)
		if err != nil {
			return nil, err
		}
		if build == nil {
			continue
		}
		payload, err := s.payload(build)
		if err != nil {
			return nil, err
		}
		s.logger.Info("任务已分配",
			zap.Int64("build_id", build.ID),
			zap.Int64("runner_id", runner.ID),
			zap.Int64("pipeline_id", build.PipelineID))
		return &dto.RequestJobResponse{LastUpdate: version, Job: payload}, nil
	}
	return &dto.RequestJobResponse{LastUpdate: version}, nil
}

// assign 被其他 Runner 抢先或状态已变化时返回 nil
func (s *runnerService) assign(ctx context.Context, runner *model.Runner, build *model.Build) (*model.Build, error) {
	runnerID := runner.ID
	err := s.machine.Fire(ctx, build, statemachine.EventRun,
		statemachine.WithOperator("runner"),
		statemachine.WithModelEffects(func() { build.RunnerID = &runnerID }))

	var invalid *statemachine.InvalidTransitionError
	switch {
	case err == nil:
		return build, nil
	case errors.As(err, &invalid), errors.Is(err, locking.ErrStaleObject):
		s.logger.Debug("任务已被领取", zap.Int64("build_id", build.ID), zap.Error(err))
		return nil, nil
	}
	return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "分配任务失败", err)
}

// payload yaml 变量在前, 流水线变量同名覆盖
func (s *runnerService) payload(build *model.Build) (*dto.RunnerJobPayload, error) {
	p, err := s.pipelineRepo.FindByID(build.PipelineID)
	if err != nil {
		return nil, err
	}
	vars := append([]model.Variable{}, build.YamlVariables...)
	vars = append(vars, p.Variables...)

	return &dto.RunnerJobPayload{
		ID:         build.ID,
		PipelineID: build.PipelineID,
		ProjectID:  build.ProjectID,
		Name:       build.Name,
		Stage:      build.Stage,
		Ref:        build.Ref,
		SHA:        build.SHA,
		Script:     build.Options.Data().Script,
		Variables:  toVariableItems(mergeVariables(vars)),
	}, nil
}

// mergeVariables 保留首次出现的位置, 取最后出现的值
func mergeVariables(vars []model.Variable) []model.Variable {
	index := map[string]int{}
	out := make([]model.Variable, 0, len(vars))
	for _, v := range vars {
		if i, ok := index[v.Key]; ok {
			out[i].Value = v.Value
			continue
		}
		index[v.Key] = len(out)
		out = append(out, v)
	}
	return out
}

// UpdateJob running 仅刷新心跳; success/failed 结束任务
func (s *runnerService) UpdateJob(ctx context.Context, runner *model.Runner, id int64, req *dto.UpdateJobRequest) (*dto.JobResponse, error) {
	build, err := s.buildRepo.FindByID(id)
	if err != nil {
		return nil, err
	}
	if build.RunnerID == nil || *build.RunnerID != runner.ID {
		return nil, pkgErrors.ErrJobNotAssigned
	}
	if err := s.runnerRepo.Touch(runner, s.now()); err != nil {
		return nil, err
	}

	var event statemachine.Event
	var opts []statemachine.TransitionOption
	switch req.State {
	case constants.StatusRunning:
		if build.Status != constants.StatusRunning {
			return nil, pkgErrors.ErrInvalidState
		}
		return toJobResponse(build), nil
	case constants.StatusSuccess:
		event = statemachine.EventSuccess
	case constants.StatusFailed:
		reason := req.FailureReason
		if reason == "" {
			reason = constants.FailureReasonScriptFailure
		}
		event = statemachine.EventDrop
		opts = append(opts, statemachine.WithReason(reason))
	default:
		return nil, pkgErrors.ErrInvalidParams
	}

	reload := func(ctx context.Context, current *model.Build) (*model.Build, error) {
		return s.buildRepo.FindByID(current.ID)
	}
	err = locking.Retry(ctx, build, reload, func(current *model.Build) error {
		build = current
		if current.Status != constants.StatusRunning {
			return &statemachine.InvalidTransitionError{Machine: "build", ID: current.ID, From: current.Status, Event: event}
		}
		return s.machine.Fire(ctx, current, event, opts...)
	}, locking.WithName("build"), locking.WithMaxAttempts(s.lockRetries))
	if err := stateError(err); err != nil {
		return nil, err
	}

	s.logger.Info("任务已结束",
		zap.Int64("build_id", build.ID),
		zap.Int64("runner_id", runner.ID),
		zap.String("status", build.Status),
		zap.String("failure_reason", build.FailureReason))
	return toJobResponse(build), nil
}
