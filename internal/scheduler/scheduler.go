package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ci-scheduler/internal/core"
	"ci-scheduler/internal/core/chain"
	"ci-scheduler/internal/core/locking"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/internal/repository"
	"ci-scheduler/pkg/constants"
)

// delayedBatchSize 每轮最多入队的延时任务
const delayedBatchSize = 100

// Scheduler 调度器
type Scheduler struct {
	cron          *cron.Cron
	logger        *zap.Logger
	schedules     repository.ScheduleRepository
	builds        repository.BuildRepository
	creator       *chain.Service
	machine       *statemachine.Machine[*model.Build]
	lockRetries   int
	now           func() time.Time
	cronSchedules map[string]cron.EntryID // 存储任务ID，便于管理
}

// NewScheduler 创建调度器
func NewScheduler(engine *core.CoreEngine, logger *zap.Logger) *Scheduler {
	// 创建 cron 实例（带秒级支持）
	c := cron.New(cron.WithSeconds())
	db := engine.DB()

	return &Scheduler{
		cron:          c,
		logger:        logger,
		schedules:     repository.NewScheduleRepository(db),
		builds:        repository.NewBuildRepository(db),
		creator:       engine.Creator(),
		machine:       engine.BuildMachine(),
		lockRetries:   engine.LockRetries(),
		now:           time.Now,
		cronSchedules: make(map[string]cron.EntryID),
	}
}

// Start 启动调度器
func (s *Scheduler) Start(cfg *config.Config) error {
	log := s.logger.Sugar()

	log.Info("启动定时任务调度器...")

	// cron 表达式格式: 秒 分 时 日 月 周
	jobs := []struct {
		name string
		expr string
		run  func(ctx context.Context) (int, error)
	}{
		{"pipeline_schedule", cfg.Schedule.PipelineScheduleCron, s.RunPipelineSchedules},
		{"delayed_build", cfg.Schedule.DelayedBuildCron, s.EnqueueDelayedBuilds},
	}

	for _, job := range jobs {
		if job.expr == "" {
			log.Warnf("未配置 %s 的 cron, 跳过", job.name)
			continue
		}
		job := job
		entryID, err := s.cron.AddFunc(job.expr, func() {
			n, err := job.run(context.Background())
			if err != nil {
				log.Errorf("定时任务 %s 执行失败: %v", job.name, err)
				return
			}
			if n > 0 {
				log.Infof("定时任务 %s 处理 %d 条", job.name, n)
			}
		})
		if err != nil {
			log.Errorf("注册定时任务 %s: %v 失败: %v", job.name, job.expr, err)
			return err
		}
		s.cronSchedules[job.name] = entryID
		log.Infof("定时任务已注册: %s %s entry_id=%d", job.name, job.expr, entryID)
	}

	// 启动 cron
	s.cron.Start()
	log.Info("定时任务调度器启动成功")

	return nil
}

// Stop 停止调度器
func (s *Scheduler) Stop() {
	s.logger.Info("正在停止定时任务调度器...")

	// 停止 cron（等待正在执行的任务完成）
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.logger.Info("定时任务调度器已停止")
}

// RunPipelineSchedules 为到期的定时流水线创建 schedule 来源的流水线, 返回触发数量.
// 首次出现 (next_run_at 为空) 的定时只计算下次运行时间
func (s *Scheduler) RunPipelineSchedules(ctx context.Context) (int, error) {
	now := s.now()
	schedules, err := s.schedules.ListDue(now)
	if err != nil {
		return 0, err
	}

	triggered := 0
	var errs []error
	for _, schedule := range schedules {
		spec, err := cron.ParseStandard(schedule.Cron)
		if err != nil {
			s.logger.Warn("定时流水线 cron 无效", zap.Int64("schedule_id", schedule.ID), zap.String("cron", schedule.Cron), zap.Error(err))
			continue
		}

		if schedule.NextRunAt != nil {
			if s.trigger(ctx, schedule) {
				triggered++
			}
		}
		if err := s.schedules.UpdateNextRun(schedule, spec.Next(now)); err != nil {
			errs = append(errs, err)
		}
	}
	return triggered, errors.Join(errs...)
}

func (s *Scheduler) trigger(ctx context.Context, schedule *model.PipelineSchedule) bool {
	fields := []zap.Field{
		zap.Int64("schedule_id", schedule.ID),
		zap.Int64("project_id", schedule.ProjectID),
		zap.String("ref", schedule.Ref),
	}
	if schedule.Project == nil || schedule.Owner == nil || schedule.Owner.Blocked {
		s.logger.Warn("定时流水线缺少项目或所有者不可用, 跳过", fields...)
		return false
	}

	p, err := s.creator.Execute(ctx, constants.SourceSchedule, schedule.Project, schedule.Owner, chain.Params{Ref: schedule.Ref})
	if err != nil {
		s.logger.Error("定时流水线创建失败", append(fields, zap.Error(err))...)
		return false
	}
	if !p.Persisted() {
		s.logger.Warn("定时流水线未创建", append(fields, zap.Strings("errors", p.Errors))...)
		return false
	}
	s.logger.Info("定时流水线已触发", append(fields, zap.Int64("pipeline_id", p.ID))...)
	return true
}

// EnqueueDelayedBuilds 到期的延时任务进入 pending, 返回入队数量
func (s *Scheduler) EnqueueDelayedBuilds(ctx context.Context) (int, error) {
	builds, err := s.builds.ListDueScheduled(s.now(), delayedBatchSize)
	if err != nil {
		return 0, err
	}

	reload := func(ctx context.Context, b *model.Build) (*model.Build, error) {
		return s.builds.FindByID(b.ID)
	}
	enqueued := 0
	var errs []error
	for _, b := range builds {
		err := locking.Retry(ctx, b, reload, func(b *model.Build) error {
			return s.machine.Fire(ctx, b, statemachine.EventEnqueueScheduled, statemachine.WithOperator("scheduler"))
		}, locking.WithName("build"), locking.WithMaxAttempts(s.lockRetries))

		var invalid *statemachine.InvalidTransitionError
		switch {
		case err == nil:
			enqueued++
		case errors.As(err, &invalid):
			// 已被手动触发或取消
		default:
			errs = append(errs, fmt.Errorf("enqueue delayed build %d: %w", b.ID, err))
		}
	}
	return enqueued, errors.Join(errs...)
}
