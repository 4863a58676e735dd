// Package processor 根据前置阶段状态决定任务的下一步
package processor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/core/status"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// validStatuses when 策略 -> 可接受的前置状态
var validStatuses = map[string][]string{
	constants.WhenOnSuccess: {constants.StatusSuccess, constants.StatusSkipped},
	constants.WhenOnFailure: {constants.StatusFailed},
	constants.WhenAlways:    {constants.StatusSuccess, constants.StatusFailed, constants.StatusSkipped},
	constants.WhenManual:    {constants.StatusSuccess, constants.StatusSkipped},
	constants.WhenDelayed:   {constants.StatusSuccess, constants.StatusSkipped},
}

// ValidStatuses 未知 when 返回空集合
func ValidStatuses(when string) []string {
	return validStatuses[when]
}

// Service 任务状态处理
type Service struct {
	machine *statemachine.Machine[*model.Build]
	logger  *zap.Logger
	now     func() time.Time
}

// NewService 创建处理服务
func NewService(machine *statemachine.Machine[*model.Build], logger *zap.Logger) *Service {
	return &Service{machine: machine, logger: logger, now: time.Now}
}

// Process 前置状态可接受时 schedule/actionize/enqueue 并返回 true, 否则 skip 并返回 false
func (s *Service) Process(ctx context.Context, build *model.Build, currentStatus string) (bool, error) {
	if currentStatus == status.PriorNone {
		currentStatus = constants.StatusSuccess
	}

	if !accepts(build.When, currentStatus) {
		if err := s.machine.Fire(ctx, build, statemachine.EventSkip); err != nil {
			return false, fmt.Errorf("skip build %d: %w", build.ID, err)
		}
		return false, nil
	}

	var err error
	switch {
	case build.Schedulable():
		err = s.schedule(ctx, build)
	case build.Action():
		err = s.machine.Fire(ctx, build, statemachine.EventActionize)
	default:
		err = s.machine.Fire(ctx, build, statemachine.EventEnqueue)
	}
	if err != nil {
		return false, fmt.Errorf("process build %d: %w", build.ID, err)
	}

	s.logger.Debug("build processed",
		zap.Int64("build_id", build.ID),
		zap.String("when", build.When),
		zap.String("status", build.Status))
	return true, nil
}

func (s *Service) schedule(ctx context.Context, build *model.Build) error {
	delay, err := build.StartInDuration()
	if err != nil {
		return err
	}
	at := s.now().Add(delay)
	return s.machine.Fire(ctx, build, statemachine.EventSchedule, statemachine.WithModelEffects(func() {
		build.ScheduledAt = &at
	}))
}

func accepts(when, current string) bool {
	for _, s := range ValidStatuses(when) {
		if s == current {
			return true
		}
	}
	return false
}
