// Package chain 按固定步骤创建流水线: 组装、校验、生成任务、落库, 任一步骤可中断
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ci-scheduler/internal/adapter/jobs"
	"ci-scheduler/internal/core/locking"
	"ci-scheduler/internal/core/pipeline"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/auth"
	"ci-scheduler/internal/pkg/git/api"
	"ci-scheduler/pkg/constants"
)

var (
	// ErrUnknownSource 未知的流水线来源
	ErrUnknownSource = errors.New("unknown pipeline source")
	// ErrExtraOptions 预留的扩展参数, 当前版本必须为空
	ErrExtraOptions = errors.New("extra options are not supported")
)

// CreateError 流水线未能落库
type CreateError struct {
	Messages []string
}

func (e *CreateError) Error() string {
	return strings.Join(e.Messages, ", ")
}

// Permissions 权限判断
type Permissions interface {
	Can(ctx context.Context, user *model.User, project *model.Project, perm auth.Permission) (bool, error)
	CanPushToRef(ctx context.Context, user *model.User, project *model.Project, ref string, tag bool) (bool, error)
}

// GitSources 按名称获取代码托管源, 空名称为默认源
type GitSources interface {
	Get(name string) (api.GitProvider, error)
}

// Metrics 创建计数
type Metrics interface {
	IncrementPipelineCreated(source string, persisted bool)
}

// Params 创建参数
type Params struct {
	Ref         string
	Before      string
	After       string
	CheckoutSHA string

	Variables  []model.Variable
	SeedsBlock func(*model.Pipeline)

	Bridge         *model.Build
	ParentPipeline *model.Pipeline
	MergeRequest   *model.MergeRequest
	ChatJobName    string
	PushOptions    map[string]string

	IgnoreSkipCI    bool
	SaveIncompleted bool

	ConfigContent string
	ConfigPaths   []string

	ExtraOptions map[string]any
}

// Limits 创建限制, 0 表示不限制
type Limits struct {
	MaxJobsPerPipeline int
	MaxActivePipelines int
}

// Service 创建流水线
type Service struct {
	db          *gorm.DB
	processor   *pipeline.Processor
	perms       Permissions
	git         GitSources
	dispatcher  jobs.Dispatcher
	metrics     Metrics
	lockRetries int
	sequence    *Sequence
	logger      *zap.Logger
}

// NewService 创建服务, 步骤顺序固定
func NewService(
	db *gorm.DB,
	processor *pipeline.Processor,
	perms Permissions,
	git GitSources,
	dispatcher jobs.Dispatcher,
	metrics Metrics,
	limits Limits,
	lockRetries int,
	logger *zap.Logger,
) *Service {
	logger = logger.Named("create_pipeline")
	inc := incomplete{db: db, machine: processor.Machine()}
	return &Service{
		db:          db,
		processor:   processor,
		perms:       perms,
		git:         git,
		dispatcher:  dispatcher,
		metrics:     metrics,
		lockRetries: lockRetries,
		logger:      logger,
		sequence: NewSequence(logger,
			Build{db: db},
			RemoveUnwantedChatJobs{},
			ValidateAbilities{perms: perms},
			ValidateRepository{},
			ValidateConfig{incomplete: inc},
			Skip{incomplete: inc},
			LimitSize{incomplete: inc, limit: limits.MaxJobsPerPipeline},
			Populate{},
			Create{db: db},
			LimitActivity{incomplete: inc, limit: limits.MaxActivePipelines},
		),
	}
}

// Sequence 步骤序列
func (s *Service) Sequence() *Sequence {
	return s.sequence
}

// Execute 返回的流水线可能未落库, 调用方通过 Persisted 判断; error 只表示调用方参数错误
func (s *Service) Execute(ctx context.Context, source string, project *model.Project, user *model.User, params Params) (*model.Pipeline, error) {
	if !constants.IsValidSource(source) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	if len(params.ExtraOptions) > 0 {
		return nil, ErrExtraOptions
	}

	cmd := &Command{
		Source:          source,
		Project:         project,
		CurrentUser:     user,
		OriginRef:       params.Ref,
		BeforeSHA:       params.Before,
		AfterSHA:        params.After,
		CheckoutSHA:     params.CheckoutSHA,
		Variables:       params.Variables,
		SeedsBlock:      params.SeedsBlock,
		Bridge:          params.Bridge,
		ParentPipeline:  params.ParentPipeline,
		MergeRequest:    params.MergeRequest,
		ChatJobName:     params.ChatJobName,
		PushOptions:     params.PushOptions,
		IgnoreSkipCI:    params.IgnoreSkipCI,
		SaveIncompleted: params.SaveIncompleted,
		ConfigContent:   params.ConfigContent,
		ConfigPaths:     params.ConfigPaths,
	}
	cmd.git, cmd.gitErr = s.git.Get(project.GitSource)

	p := &model.Pipeline{}
	broken := s.sequence.Run(ctx, p, cmd)

	s.updateMergeRequests(ctx, p)
	if s.metrics != nil {
		s.metrics.IncrementPipelineCreated(source, p.Persisted())
	}
	if broken {
		return p, nil
	}

	if project.AutoCancelPendingPipelines && !p.IsChildPipeline() {
		if err := s.dispatcher.Dispatch(ctx, jobs.AutoCancelRedundantPipelines, p.ID); err != nil {
			s.logger.Error("dispatch auto cancel failed", zap.Int64("pipeline_id", p.ID), zap.Error(err))
		}
	}
	if _, err := s.processor.Process(ctx, p); err != nil {
		// 流水线已落库, 由定时扫描重新处理
		s.logger.Error("process pipeline failed", zap.Int64("pipeline_id", p.ID), zap.Error(err))
	}

	s.logger.Info("pipeline created",
		zap.Int64("pipeline_id", p.ID),
		zap.Int64("project_id", project.ID),
		zap.String("ref", p.Ref),
		zap.String("source", source),
		zap.Int("builds", len(p.Builds)))
	return p, nil
}

// ExecuteStrict 未落库时返回 *CreateError
func (s *Service) ExecuteStrict(ctx context.Context, source string, project *model.Project, user *model.User, params Params) (*model.Pipeline, error) {
	p, err := s.Execute(ctx, source, project, user, params)
	if err != nil {
		return nil, err
	}
	if !p.Persisted() {
		return p, &CreateError{Messages: p.Errors}
	}
	return p, nil
}

// updateMergeRequests 无论是否中断都刷新同分支打开中的合并请求
func (s *Service) updateMergeRequests(ctx context.Context, p *model.Pipeline) {
	if p.ProjectID == 0 || p.Ref == "" || p.Tag {
		return
	}
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&model.MergeRequest{}).
		Where("project_id = ? AND source_branch = ? AND state = ?", p.ProjectID, p.Ref, constants.MergeRequestOpened).
		Pluck("id", &ids).Error; err != nil {
		s.logger.Error("load merge requests failed", zap.Int64("project_id", p.ProjectID), zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := s.dispatcher.Dispatch(ctx, jobs.UpdateHeadPipeline, id); err != nil {
			s.logger.Error("dispatch head pipeline update failed", zap.Int64("merge_request_id", id), zap.Error(err))
		}
	}
}

// UpdateHeadPipeline 合并请求的 head pipeline 指向源分支最新的流水线
func (s *Service) UpdateHeadPipeline(ctx context.Context, mergeRequestID int64) error {
	var mr model.MergeRequest
	if err := s.db.WithContext(ctx).First(&mr, mergeRequestID).Error; err != nil {
		return fmt.Errorf("load merge request %d: %w", mergeRequestID, err)
	}
	if mr.State != constants.MergeRequestOpened {
		return nil
	}

	var latest model.Pipeline
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND ref = ? AND tag = ?", mr.ProjectID, mr.SourceBranch, false).
		Order("id DESC").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if mr.HeadPipelineID != nil && *mr.HeadPipelineID == latest.ID {
		return nil
	}
	return s.db.WithContext(ctx).Model(&mr).Update("head_pipeline_id", latest.ID).Error
}

// CancelRedundantPipelines 取消同 ref 上被新流水线取代的 created/pending 流水线,
// 与 ref 当前指向提交相同的流水线保留
func (s *Service) CancelRedundantPipelines(ctx context.Context, pipelineID int64) error {
	var current model.Pipeline
	if err := s.db.WithContext(ctx).Preload("Project").First(&current, pipelineID).Error; err != nil {
		return fmt.Errorf("load pipeline %d: %w", pipelineID, err)
	}

	candidates, err := s.redundantPipelines(ctx, &current)
	if err != nil {
		return err
	}

	reload := func(ctx context.Context, p *model.Pipeline) (*model.Pipeline, error) {
		fresh := &model.Pipeline{}
		return fresh, s.db.WithContext(ctx).First(fresh, p.ID).Error
	}
	var errs []error
	for _, candidate := range candidates {
		err := locking.Retry(ctx, candidate, reload, func(p *model.Pipeline) error {
			return s.processor.AutoCancelRunning(ctx, p, &current)
		}, locking.WithName("auto_cancel_pipeline"), locking.WithMaxAttempts(s.lockRetries))

		var invalid *statemachine.InvalidTransitionError
		if errors.As(err, &invalid) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("auto cancel pipeline %d: %w", candidate.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) redundantPipelines(ctx context.Context, current *model.Pipeline) ([]*model.Pipeline, error) {
	headSHA := current.SHA
	if current.Project != nil {
		if provider, err := s.git.Get(current.Project.GitSource); err == nil {
			ref := current.Ref
			if current.Tag {
				ref = "refs/tags/" + ref
			} else {
				ref = "refs/heads/" + ref
			}
			if info, err := provider.ResolveRef(ctx, current.Project.FullPath, ref); err == nil {
				headSHA = info.SHA
			}
		}
	}

	var candidates []*model.Pipeline
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND ref = ? AND id <> ? AND sha <> ? AND status IN ?",
			current.ProjectID, current.Ref, current.ID, headSHA,
			[]string{constants.StatusCreated, constants.StatusPending}).
		Order("id").Find(&candidates).Error
	return candidates, err
}
