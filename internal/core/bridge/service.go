// Package bridge 为 bridge 任务创建下游流水线(跨项目或子流水线), 并把结果回写到 bridge
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ci-scheduler/internal/adapter/errortracking"
	"ci-scheduler/internal/core/chain"
	"ci-scheduler/internal/core/locking"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/auth"
	"ci-scheduler/pkg/constants"
)

var (
	// ErrDuplicateDownstream bridge 已有下游流水线
	ErrDuplicateDownstream = errors.New("bridge already has a downstream pipeline")
	// ErrNotBridge 不是 bridge 任务
	ErrNotBridge = errors.New("build is not a bridge")
)

// Options 服务参数
type Options struct {
	// DropBridgeOnDownstreamErrors 关闭时不回写 bridge 状态
	DropBridgeOnDownstreamErrors bool
	LockRetries                  int
}

// Service 下游流水线创建
type Service struct {
	db      *gorm.DB
	creator *chain.Service
	perms   chain.Permissions
	machine *statemachine.Machine[*model.Build]
	tracker errortracking.Tracker
	opts    Options
	logger  *zap.Logger
}

// NewService 创建服务
func NewService(
	db *gorm.DB,
	creator *chain.Service,
	perms chain.Permissions,
	machine *statemachine.Machine[*model.Build],
	tracker errortracking.Tracker,
	opts Options,
	logger *zap.Logger,
) *Service {
	return &Service{
		db:      db,
		creator: creator,
		perms:   perms,
		machine: machine,
		tracker: tracker,
		opts:    opts,
		logger:  logger.Named("bridge"),
	}
}

// ExecuteByID 异步任务入口
func (s *Service) ExecuteByID(ctx context.Context, bridgeID int64) error {
	var bridge model.Build
	if err := s.db.WithContext(ctx).First(&bridge, bridgeID).Error; err != nil {
		return fmt.Errorf("load bridge %d: %w", bridgeID, err)
	}
	_, err := s.Execute(ctx, &bridge)
	return err
}

// Execute 创建下游流水线. 重复触发或前置检查失败时返回 nil 流水线;
// 返回的流水线可能未落库
func (s *Service) Execute(ctx context.Context, bridge *model.Build) (*model.Pipeline, error) {
	if !bridge.IsBridge() || bridge.Trigger() == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotBridge, bridge.ID)
	}

	upstream, err := s.loadUpstream(ctx, bridge)
	if err != nil {
		return nil, err
	}

	if dup, err := s.hasDownstream(ctx, bridge); err != nil || dup {
		return nil, err
	}

	user, err := s.loadUser(ctx, bridge)
	if err != nil {
		return nil, err
	}

	downstream, reason, err := s.checkPreconditions(ctx, bridge, upstream, user)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, s.drop(ctx, bridge, reason)
	}

	p, err := s.creator.Execute(ctx, s.source(bridge), downstream, user, s.params(bridge, upstream, downstream))
	if err != nil {
		return nil, err
	}
	// 并发触发时落库失败的一方由 source_job_id 唯一索引拦下, 不能据此丢弃 bridge
	if !p.Persisted() {
		if dup, err := s.hasDownstream(ctx, bridge); err != nil || dup {
			return nil, err
		}
	}

	if s.opts.DropBridgeOnDownstreamErrors {
		if err := s.propagate(ctx, bridge, p); err != nil {
			return p, err
		}
	}

	s.logger.Info("downstream pipeline triggered",
		zap.Int64("bridge_id", bridge.ID),
		zap.Int64("upstream_pipeline_id", upstream.ID),
		zap.Int64("downstream_project_id", downstream.ID),
		zap.Bool("persisted", p.Persisted()),
		zap.Strings("errors", p.Errors))
	return p, nil
}

// hasDownstream 已有下游流水线时记录 ErrDuplicateDownstream
func (s *Service) hasDownstream(ctx context.Context, bridge *model.Build) (bool, error) {
	var existing int64
	if err := s.db.WithContext(ctx).Model(&model.Pipeline{}).
		Where("source_job_id = ?", bridge.ID).Count(&existing).Error; err != nil {
		return false, err
	}
	if existing == 0 {
		return false, nil
	}
	s.tracker.TrackException(ctx, ErrDuplicateDownstream, s.extra(bridge))
	return true, nil
}

func (s *Service) loadUpstream(ctx context.Context, bridge *model.Build) (*model.Pipeline, error) {
	var upstream model.Pipeline
	if err := s.db.WithContext(ctx).Preload("Project").First(&upstream, bridge.PipelineID).Error; err != nil {
		return nil, fmt.Errorf("load upstream pipeline %d: %w", bridge.PipelineID, err)
	}
	return &upstream, nil
}

func (s *Service) loadUser(ctx context.Context, bridge *model.Build) (*model.User, error) {
	if bridge.UserID == nil {
		return nil, nil
	}
	var user model.User
	err := s.db.WithContext(ctx).First(&user, *bridge.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", *bridge.UserID, err)
	}
	return &user, nil
}

// checkPreconditions 返回下游项目; reason 非空时 bridge 需以该原因失败
func (s *Service) checkPreconditions(ctx context.Context, bridge *model.Build, upstream *model.Pipeline, user *model.User) (*model.Project, string, error) {
	downstream, err := s.downstreamProject(ctx, bridge, upstream)
	if err != nil {
		return nil, "", err
	}
	if downstream == nil {
		return nil, constants.FailureReasonDownstreamProjectNotFound, nil
	}
	readable, err := s.perms.Can(ctx, user, downstream, auth.PermProjectRead)
	if err != nil {
		return nil, "", err
	}
	if !readable {
		return nil, constants.FailureReasonDownstreamProjectNotFound, nil
	}

	if downstream.ID == upstream.ProjectID && !bridge.TriggersChildPipeline() {
		return nil, constants.FailureReasonInvalidBridgeTrigger, nil
	}
	if bridge.TriggersChildPipeline() && upstream.IsChildPipeline() {
		return nil, constants.FailureReasonBridgePipelineIsChild, nil
	}

	ok, err := s.canCreate(ctx, user, upstream.Project, downstream, s.targetRef(bridge, upstream, downstream))
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, constants.FailureReasonInsufficientBridgePerms, nil
	}
	return downstream, "", nil
}

func (s *Service) downstreamProject(ctx context.Context, bridge *model.Build, upstream *model.Pipeline) (*model.Project, error) {
	if bridge.TriggersChildPipeline() {
		return upstream.Project, nil
	}
	var project model.Project
	err := s.db.WithContext(ctx).Where("full_path = ?", bridge.Trigger().Project).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// canCreate 需要上游流水线的更新权限、下游的创建权限以及目标 ref 的推送权限
func (s *Service) canCreate(ctx context.Context, user *model.User, upstream, downstream *model.Project, ref string) (bool, error) {
	ok, err := s.perms.Can(ctx, user, upstream, auth.PermPipelineUpdate)
	if err != nil || !ok {
		return false, err
	}
	ok, err = s.perms.Can(ctx, user, downstream, auth.PermPipelineCreate)
	if err != nil || !ok {
		return false, err
	}
	return s.perms.CanPushToRef(ctx, user, downstream, ref, false)
}

func (s *Service) targetRef(bridge *model.Build, upstream *model.Pipeline, downstream *model.Project) string {
	if bridge.TriggersChildPipeline() {
		return upstream.Ref
	}
	if branch := bridge.Trigger().Branch; branch != "" {
		return branch
	}
	return downstream.DefaultBranch
}

func (s *Service) source(bridge *model.Build) string {
	if bridge.TriggersChildPipeline() {
		return constants.SourceParentPipeline
	}
	return constants.SourcePipeline
}

func (s *Service) params(bridge *model.Build, upstream *model.Pipeline, downstream *model.Project) chain.Params {
	variables := DownstreamVariables(bridge, upstream)
	params := chain.Params{
		Ref:          s.targetRef(bridge, upstream, downstream),
		Bridge:       bridge,
		IgnoreSkipCI: true,
		SeedsBlock: func(p *model.Pipeline) {
			p.Variables = variables
		},
	}
	if bridge.TriggersChildPipeline() {
		params.CheckoutSHA = upstream.SHA
		params.ParentPipeline = upstream
		params.ConfigPaths = bridge.Trigger().Include
	}
	return params
}

// DownstreamVariables bridge 的 yaml 变量(可引用上游流水线变量)与上游流水线变量, 同名后者覆盖
func DownstreamVariables(bridge *model.Build, upstream *model.Pipeline) []model.Variable {
	upstreamVars := upstream.VariablesMap()
	var out []model.Variable
	if bridge.ForwardYamlVariables() {
		for _, v := range bridge.YamlVariables {
			value := os.Expand(v.Value, func(key string) string {
				if val, ok := upstreamVars[key]; ok {
					return val
				}
				return "$" + key
			})
			out = append(out, model.Variable{Key: v.Key, Value: value})
		}
	}
	if bridge.ForwardPipelineVariables() {
		out = append(out, upstream.Variables...)
	}
	return dedupe(out)
}

// dedupe 保留首次出现的位置, 取最后出现的值
func dedupe(vars []model.Variable) []model.Variable {
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

// propagate 下游创建结果回写 bridge: 落库且 depend 时保持 running, 落库时成功, 否则失败
func (s *Service) propagate(ctx context.Context, bridge *model.Build, p *model.Pipeline) error {
	err := locking.Retry(ctx, bridge, s.reload, func(b *model.Build) error {
		switch {
		case p.Persisted() && b.Dependent():
			if b.Status == constants.StatusRunning {
				return nil
			}
			return s.machine.Fire(ctx, b, statemachine.EventRun)
		case p.Persisted():
			return s.machine.Fire(ctx, b, statemachine.EventSuccess)
		default:
			return s.machine.Fire(ctx, b, statemachine.EventDrop,
				statemachine.WithReason(constants.FailureReasonDownstreamCreationFailed))
		}
	}, locking.WithName("bridge"), locking.WithMaxAttempts(s.opts.LockRetries))

	var invalid *statemachine.InvalidTransitionError
	var conflict *locking.ConflictError
	switch {
	case errors.As(err, &invalid):
		s.tracker.TrackException(ctx, err, s.extra(bridge))
		return nil
	case errors.As(err, &conflict):
		s.tracker.TrackException(ctx, err, s.extra(bridge))
		return err
	}
	return err
}

func (s *Service) drop(ctx context.Context, bridge *model.Build, reason string) error {
	s.logger.Info("bridge dropped", zap.Int64("bridge_id", bridge.ID), zap.String("reason", reason))
	err := s.machine.Fire(ctx, bridge, statemachine.EventDrop, statemachine.WithReason(reason))
	var invalid *statemachine.InvalidTransitionError
	if errors.As(err, &invalid) {
		s.tracker.TrackException(ctx, err, s.extra(bridge))
		return nil
	}
	return err
}

func (s *Service) reload(ctx context.Context, b *model.Build) (*model.Build, error) {
	fresh := &model.Build{}
	return fresh, s.db.WithContext(ctx).First(fresh, b.ID).Error
}

func (s *Service) extra(bridge *model.Build) map[string]any {
	return map[string]any{
		"bridge_id":   bridge.ID,
		"pipeline_id": bridge.PipelineID,
		"project_id":  bridge.ProjectID,
	}
}
