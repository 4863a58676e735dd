package service

import (
	"context"
	"errors"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"ci-scheduler/internal/core/chain"
	"ci-scheduler/internal/core/locking"
	"ci-scheduler/internal/core/pipeline"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/dto"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/auth"
	"ci-scheduler/internal/repository"
	"ci-scheduler/pkg/constants"
	pkgErrors "ci-scheduler/pkg/errors"
)

type PipelineService interface {
	Create(ctx context.Context, user *model.User, req *dto.CreatePipelineRequest) (*dto.PipelineResponse, error)
	GetByID(ctx context.Context, user *model.User, id int64) (*dto.PipelineResponse, error)
	List(ctx context.Context, user *model.User, query *dto.PipelineListQuery) ([]*dto.PipelineResponse, int64, error)
	ListJobs(ctx context.Context, user *model.User, id int64) ([]*dto.JobResponse, error)
	Cancel(ctx context.Context, user *model.User, id int64) (*dto.PipelineResponse, error)
}

type pipelineService struct {
	projectRepo  repository.ProjectRepository
	pipelineRepo repository.PipelineRepository
	buildRepo    repository.BuildRepository
	authz        chain.Permissions
	creator      *chain.Service
	processor    *pipeline.Processor
	lockRetries  int
	logger       *zap.Logger
}

func NewPipelineService(
	projectRepo repository.ProjectRepository,
	pipelineRepo repository.PipelineRepository,
	buildRepo repository.BuildRepository,
	authz chain.Permissions,
	creator *chain.Service,
	processor *pipeline.Processor,
	lockRetries int,
	logger *zap.Logger,
) PipelineService {
	return &pipelineService{
		projectRepo:  projectRepo,
		pipelineRepo: pipelineRepo,
		buildRepo:    buildRepo,
		authz:        authz,
		creator:      creator,
		processor:    processor,
		lockRetries:  lockRetries,
		logger:       logger,
	}
}

func (s *pipelineService) Create(ctx context.Context, user *model.User, req *dto.CreatePipelineRequest) (*dto.PipelineResponse, error) {
	project, err := s.readableProject(ctx, user, req.ProjectID, auth.PermProjectRead)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = constants.SourceAPI
	}
	params := chain.Params{
		Ref: req.Ref,
		Variables: lo.Map(req.Variables, func(v dto.VariableItem, _ int) model.Variable {
			return model.Variable{Key: v.Key, Value: v.Value}
		}),
	}

	p, err := s.creator.ExecuteStrict(ctx, source, project, user, params)
	if err != nil {
		var createErr *chain.CreateError
		switch {
		case errors.As(err, &createErr):
			return nil, pkgErrors.Wrap(pkgErrors.CodeUnprocessable, createErr.Error(), err)
		case errors.Is(err, chain.ErrUnknownSource), errors.Is(err, chain.ErrExtraOptions):
			return nil, pkgErrors.Wrap(pkgErrors.CodeBadRequest, "请求参数错误", err)
		}
		return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "创建流水线失败", err)
	}

	s.logger.Info("流水线已创建",
		zap.Int64("pipeline_id", p.ID),
		zap.Int64("project_id", project.ID),
		zap.String("username", user.Username))
	return toPipelineResponse(p), nil
}

func (s *pipelineService) GetByID(ctx context.Context, user *model.User, id int64) (*dto.PipelineResponse, error) {
	p, err := s.pipeline(ctx, user, id, auth.PermPipelineRead)
	if err != nil {
		return nil, err
	}
	return toPipelineResponse(p), nil
}

func (s *pipelineService) List(ctx context.Context, user *model.User, query *dto.PipelineListQuery) ([]*dto.PipelineResponse, int64, error) {
	if _, err := s.readableProject(ctx, user, query.ProjectID, auth.PermPipelineRead); err != nil {
		return nil, 0, err
	}

	pipelines, total, err := s.pipelineRepo.List(query.GetPage(), query.GetPageSize(), repository.PipelineFilter{
		ProjectID: query.ProjectID,
		Ref:       query.Ref,
		Status:    query.Status,
		Source:    query.Source,
	})
	if err != nil {
		return nil, 0, err
	}
	return lo.Map(pipelines, func(p *model.Pipeline, _ int) *dto.PipelineResponse {
		return toPipelineResponse(p)
	}), total, nil
}

func (s *pipelineService) ListJobs(ctx context.Context, user *model.User, id int64) ([]*dto.JobResponse, error) {
	p, err := s.pipeline(ctx, user, id, auth.PermPipelineRead)
	if err != nil {
		return nil, err
	}
	builds, err := s.buildRepo.ListByPipeline(p.ID)
	if err != nil {
		return nil, err
	}
	return lo.Map(builds, func(b *model.Build, _ int) *dto.JobResponse {
		return toJobResponse(b)
	}), nil
}

// Cancel 取消流水线及其未结束的任务, 终态流水线返回 ErrInvalidState
func (s *pipelineService) Cancel(ctx context.Context, user *model.User, id int64) (*dto.PipelineResponse, error) {
	p, err := s.pipeline(ctx, user, id, auth.PermPipelineCancel)
	if err != nil {
		return nil, err
	}

	reload := func(ctx context.Context, current *model.Pipeline) (*model.Pipeline, error) {
		return s.pipelineRepo.FindByID(current.ID)
	}
	err = locking.Retry(ctx, p, reload, func(current *model.Pipeline) error {
		p = current
		if current.IsCompleted() {
			return &statemachine.InvalidTransitionError{Machine: "pipeline", ID: current.ID, From: current.Status, Event: statemachine.EventCancel}
		}
		return s.processor.CancelRunning(ctx, current, statemachine.WithOperator(user.Username))
	}, locking.WithName("pipeline"), locking.WithMaxAttempts(s.lockRetries))
	if err := stateError(err); err != nil {
		return nil, err
	}

	s.logger.Info("流水线已取消", zap.Int64("pipeline_id", p.ID), zap.String("username", user.Username))
	return toPipelineResponse(p), nil
}

// pipeline 加载流水线并校验项目权限
func (s *pipelineService) pipeline(ctx context.Context, user *model.User, id int64, perm auth.Permission) (*model.Pipeline, error) {
	p, err := s.pipelineRepo.FindByID(id, repository.WithPreload("Project"))
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, user, p.Project, perm); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *pipelineService) readableProject(ctx context.Context, user *model.User, projectID int64, perm auth.Permission) (*model.Project, error) {
	project, err := s.projectRepo.FindByID(projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, user, project, perm); err != nil {
		return nil, err
	}
	return project, nil
}

func (s *pipelineService) authorize(ctx context.Context, user *model.User, project *model.Project, perm auth.Permission) error {
	return authorize(ctx, s.authz, user, project, perm)
}

// authorize 无读取权限时按不存在处理, 避免暴露私有项目
func authorize(ctx context.Context, authz chain.Permissions, user *model.User, project *model.Project, perm auth.Permission) error {
	readable, err := authz.Can(ctx, user, project, auth.PermProjectRead)
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeInternalError, "权限校验失败", err)
	}
	if !readable {
		return pkgErrors.ErrRecordNotFound
	}
	if perm == auth.PermProjectRead {
		return nil
	}
	ok, err := authz.Can(ctx, user, project, perm)
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeInternalError, "权限校验失败", err)
	}
	if !ok {
		return pkgErrors.ErrForbidden
	}
	return nil
}

// stateError 状态机错误转为业务错误
func stateError(err error) error {
	if err == nil {
		return nil
	}
	var invalid *statemachine.InvalidTransitionError
	var conflict *locking.ConflictError
	switch {
	case errors.As(err, &invalid):
		return pkgErrors.Wrap(pkgErrors.CodeConflict, pkgErrors.ErrInvalidState.Message, err)
	case errors.As(err, &conflict):
		return pkgErrors.Wrap(pkgErrors.CodeConflict, "数据已被修改, 请重试", err)
	}
	return pkgErrors.Wrap(pkgErrors.CodeInternalError, "状态变更失败", err)
}

func toPipelineResponse(p *model.Pipeline) *dto.PipelineResponse {
	return &dto.PipelineResponse{
		ID:               p.ID,
		ProjectID:        p.ProjectID,
		Ref:              p.Ref,
		SHA:              p.SHA,
		Tag:              p.Tag,
		Source:           p.Source,
		Status:           p.Status,
		FailureReason:    p.FailureReason,
		YamlErrors:       p.YamlErrors,
		UserID:           p.UserID,
		SourceJobID:      p.SourceJobID,
		ParentPipelineID: p.ParentPipelineID,
		AutoCanceledByID: p.AutoCanceledByID,
		Variables:        toVariableItems(p.Variables),
		CreatedAt:        p.CreatedAt,
		StartedAt:        p.StartedAt,
		FinishedAt:       p.FinishedAt,
		Duration:         p.Duration,
	}
}

func toVariableItems(vars []model.Variable) []dto.VariableItem {
	return lo.Map(vars, func(v model.Variable, _ int) dto.VariableItem {
		return dto.VariableItem{Key: v.Key, Value: v.Value}
	})
}
