package chain

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// Result 步骤结果
type Result struct {
	Break bool
}

// Continue 继续执行后续步骤
var Continue = Result{}

// Step 创建流水线的一个步骤
type Step interface {
	Name() string
	Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result
}

// Sequence 按顺序执行步骤, 任一步骤中断后不再执行后续步骤
type Sequence struct {
	steps  []Step
	logger *zap.Logger
}

// NewSequence 创建步骤序列
func NewSequence(logger *zap.Logger, steps ...Step) *Sequence {
	return &Sequence{steps: steps, logger: logger}
}

// Run 返回是否被中断
func (s *Sequence) Run(ctx context.Context, p *model.Pipeline, cmd *Command) bool {
	for _, step := range s.steps {
		if step.Perform(ctx, p, cmd).Break {
			s.logger.Info("pipeline sequence broken",
				zap.String("step", step.Name()),
				zap.Int64("project_id", cmd.Project.ID),
				zap.String("ref", cmd.OriginRef),
				zap.Strings("errors", p.Errors))
			return true
		}
	}
	return false
}

// Steps 步骤名称
func (s *Sequence) Steps() []string {
	names := make([]string, 0, len(s.steps))
	for _, step := range s.steps {
		names = append(names, step.Name())
	}
	return names
}

// halt 记录错误并中断
func halt(p *model.Pipeline, message string) Result {
	p.AddError(message)
	return Result{Break: true}
}

// incomplete 需要保存中断的流水线时使用
type incomplete struct {
	db      *gorm.DB
	machine *statemachine.Machine[*model.Pipeline]
}

// drop 记录错误; SaveIncompleted 时以 failed 状态保存
func (i incomplete) drop(ctx context.Context, p *model.Pipeline, cmd *Command, message, reason string) Result {
	p.AddError(message)
	if cmd.SaveIncompleted {
		if err := i.persist(ctx, p, statemachine.EventDrop, constants.StatusFailed, reason); err != nil {
			p.AddError(fmt.Sprintf("Failed to persist the pipeline: %v", err))
		}
	}
	return Result{Break: true}
}

// persist 未落库的流水线直接以目标状态写入, 已落库的走状态机
func (i incomplete) persist(ctx context.Context, p *model.Pipeline, event statemachine.Event, status, reason string) error {
	if p.Persisted() {
		return i.machine.Fire(ctx, p, event, statemachine.WithReason(reason))
	}
	p.Status = status
	p.FailureReason = reason
	return i.db.WithContext(ctx).Omit(clause.Associations).Create(p).Error
}

func pluralize(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
