package service

import (
	"context"

	"go.uber.org/zap"

	"ci-scheduler/internal/core/chain"
	"ci-scheduler/internal/core/locking"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/dto"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/auth"
	"ci-scheduler/internal/repository"
	"ci-scheduler/pkg/constants"
	pkgErrors "ci-scheduler/pkg/errors"
)

// JobService 任务操作
type JobService interface {
	GetByID(ctx context.Context, user *model.User, id int64) (*dto.JobResponse, error)
	Play(ctx context.Context, user *model.User, id int64) (*dto.JobResponse, error)
	Cancel(ctx context.Context, user *model.User, id int64) (*dto.JobResponse, error)
}

type jobService struct {
	buildRepo   repository.BuildRepository
	authz       chain.Permissions
	machine     *statemachine.Machine[*model.Build]
	lockRetries int
	logger      *zap.Logger
}

func NewJobService(
	buildRepo repository.BuildRepository,
	authz chain.Permissions,
	machine *statemachine.Machine[*model.Build],
	lockRetries int,
	logger *zap.Logger,
) JobService {
	return &jobService{
		buildRepo:   buildRepo,
		authz:       authz,
		machine:     machine,
		lockRetries: lockRetries,
		logger:      logger,
	}
}

func (s *jobService) GetByID(ctx context.Context, user *model.User, id int64) (*dto.JobResponse, error) {
	b, err := s.build(ctx, user, id, auth.PermPipelineRead)
	if err != nil {
		return nil, err
	}
	return toJobResponse(b), nil
}

// Play 手动触发 manual 或提前执行 scheduled 任务, 触发人记为任务用户
func (s *jobService) Play(ctx context.Context, user *model.User, id int64) (*dto.JobResponse, error) {
	b, err := s.build(ctx, user, id, auth.PermJobPlay)
	if err != nil {
		return nil, err
	}
	if b.Status != constants.StatusManual && b.Status != constants.StatusScheduled {
		return nil, pkgErrors.ErrInvalidState
	}
	if b.Protected {
		ok, err := s.authz.CanPushToRef(ctx, user, b.Project, b.Ref, false)
		if err != nil {
			return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "权限校验失败", err)
		}
		if !ok {
			return nil, pkgErrors.ErrForbidden
		}
	}

	err = s.fire(ctx, b, func(current *model.Build) error {
		b = current
		return s.machine.Fire(ctx, current, statemachine.EventEnqueue,
			statemachine.WithOperator(user.Username),
			statemachine.WithModelEffects(func() { current.UserID = &user.ID }))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("任务已手动触发", zap.Int64("build_id", b.ID), zap.String("username", user.Username))
	return toJobResponse(b), nil
}

func (s *jobService) Cancel(ctx context.Context, user *model.User, id int64) (*dto.JobResponse, error) {
	b, err := s.build(ctx, user, id, auth.PermJobCancel)
	if err != nil {
		return nil, err
	}

	err = s.fire(ctx, b, func(current *model.Build) error {
		b = current
		return s.machine.Fire(ctx, current, statemachine.EventCancel, statemachine.WithOperator(user.Username))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("任务已取消", zap.Int64("build_id", b.ID), zap.String("username", user.Username))
	return toJobResponse(b), nil
}

func (s *jobService) fire(ctx context.Context, b *model.Build, fn func(*model.Build) error) error {
	reload := func(ctx context.Context, current *model.Build) (*model.Build, error) {
		return s.buildRepo.FindByID(current.ID)
	}
	return stateError(locking.Retry(ctx, b, reload, fn,
		locking.WithName("build"), locking.WithMaxAttempts(s.lockRetries)))
}

func (s *jobService) build(ctx context.Context, user *model.User, id int64, perm auth.Permission) (*model.Build, error) {
	b, err := s.buildRepo.FindByID(id, repository.WithPreload("Project"))
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, s.authz, user, b.Project, perm); err != nil {
		return nil, err
	}
	return b, nil
}

func toJobResponse(b *model.Build) *dto.JobResponse {
	return &dto.JobResponse{
		ID:            b.ID,
		PipelineID:    b.PipelineID,
		ProjectID:     b.ProjectID,
		Type:          b.Type,
		Name:          b.Name,
		Stage:         b.Stage,
		StageIdx:      b.StageIdx,
		Status:        b.Status,
		When:          b.When,
		AllowFailure:  b.AllowFailure,
		Tags:          b.Tags,
		Ref:           b.Ref,
		SHA:           b.SHA,
		RunnerID:      b.RunnerID,
		FailureReason: b.FailureReason,
		ScheduledAt:   b.ScheduledAt,
		QueuedAt:      b.QueuedAt,
		StartedAt:     b.StartedAt,
		FinishedAt:    b.FinishedAt,
	}
}
