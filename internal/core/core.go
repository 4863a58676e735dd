// Package core 组装调度核心: 状态机、队列、流水线处理、创建链与 bridge, 并运行扫描循环
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ci-scheduler/internal/adapter/errortracking"
	"ci-scheduler/internal/adapter/jobs"
	"ci-scheduler/internal/adapter/notification"
	"ci-scheduler/internal/adapter/runnerqueue"
	"ci-scheduler/internal/core/bridge"
	"ci-scheduler/internal/core/chain"
	"ci-scheduler/internal/core/pipeline"
	"ci-scheduler/internal/core/processor"
	"ci-scheduler/internal/core/queue"
	"ci-scheduler/internal/core/statemachine"
	"ci-scheduler/internal/core/transitions"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/internal/pkg/metrics"
)

// 异步任务模式
const (
	JobsModeRedis  = "redis"
	JobsModeInline = "inline"
)

// CoreEngine CI 调度核心引擎
type CoreEngine struct {
	db     *gorm.DB
	cfg    *config.Config
	logger *zap.Logger

	metrics     *metrics.Collector
	registry    *jobs.Registry
	dispatcher  jobs.Dispatcher
	worker      *jobs.Worker
	runnerQueue *runnerqueue.Queue

	buildMachine    *statemachine.Machine[*model.Build]
	pipelineMachine *statemachine.Machine[*model.Pipeline]
	queue           *queue.Manager
	processor       *pipeline.Processor
	creator         *chain.Service
	bridges         *bridge.Service
	scanner         *PipelineScanner

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewCoreEngine 创建核心引擎
func NewCoreEngine(
	db *gorm.DB,
	rdb goredis.UniversalClient,
	git chain.GitSources,
	perms chain.Permissions,
	cfg *config.Config,
	logger *zap.Logger,
) (*CoreEngine, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	e := &CoreEngine{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewCollector(),
		registry: jobs.NewRegistry(),
	}

	switch cfg.Jobs.Mode {
	case JobsModeRedis, "":
		e.dispatcher = jobs.NewRedisDispatcher(rdb, cfg.Jobs.QueuePrefix, e.metrics)
		e.worker = jobs.NewWorker(rdb, cfg.Jobs.QueuePrefix, e.registry, logger.Named("jobs"))
	case JobsModeInline:
		e.dispatcher = jobs.NewInlineDispatcher(e.registry, e.metrics, logger.Named("jobs"))
	default:
		return nil, fmt.Errorf("unknown jobs mode %q", cfg.Jobs.Mode)
	}

	runnerCfg := cfg.Core.Runner
	lockRetries := cfg.Core.LockRetries
	e.runnerQueue = runnerqueue.New(rdb, runnerCfg.QueueExpiryDuration())

	e.buildMachine = statemachine.NewBuildMachine(db, logger)
	e.pipelineMachine = statemachine.NewPipelineMachine(db, logger)
	e.queue = queue.NewManager(db, e.metrics,
		queue.NewRunnerFinder(db, runnerCfg.OnlineContactTimeoutDuration()+runnerCfg.QueueExpiryDuration()),
		e.runnerQueue, logger.Named("queue"))

	deps := transitions.Deps{
		Queue:        e.queue,
		Dispatcher:   e.dispatcher,
		Notifier:     notification.New(cfg.Notification, logger),
		BuildMachine: e.buildMachine,
		LockRetries:  lockRetries,
		Logger:       logger,
	}
	transitions.RegisterBuild(e.buildMachine, deps)
	transitions.RegisterPipeline(e.pipelineMachine, deps)

	e.processor = pipeline.NewProcessor(db, processor.NewService(e.buildMachine, logger.Named("build_processor")),
		e.buildMachine, e.pipelineMachine, lockRetries, logger.Named("pipeline"))
	e.creator = chain.NewService(db, e.processor, perms, git, e.dispatcher, e.metrics, chain.Limits{
		MaxJobsPerPipeline: cfg.Core.Limits.MaxJobsPerPipeline,
		MaxActivePipelines: cfg.Core.Limits.MaxActivePipelines,
	}, lockRetries, logger)
	e.bridges = bridge.NewService(db, e.creator, perms, e.buildMachine, errortracking.NewLogTracker(logger), bridge.Options{
		DropBridgeOnDownstreamErrors: cfg.Core.Features.DropBridgeOnDownstreamErrorsEnabled(),
		LockRetries:                  lockRetries,
	}, logger)
	e.scanner = NewPipelineScanner(db, e.processor, e.dispatcher, logger.Named("scanner"))

	e.registry.Register(jobs.PipelineProcess, e.processor.ProcessByID)
	e.registry.Register(jobs.CreateDownstreamPipeline, e.bridges.ExecuteByID)
	e.registry.Register(jobs.AutoCancelRedundantPipelines, e.creator.CancelRedundantPipelines)
	e.registry.Register(jobs.UpdateHeadPipeline, e.creator.UpdateHeadPipeline)

	return e, nil
}

// Start 启动核心引擎, Stop 之后可再次启动
func (e *CoreEngine) Start(scanInterval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.logger.Warn("核心引擎已在运行中")
		return
	}

	e.running = true
	e.logger.Info("CoreEngine starting...",
		zap.Duration("scan_interval", scanInterval),
		zap.String("jobs_mode", e.cfg.Jobs.Mode),
		zap.Strings("jobs", e.registry.Names()))

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.stopChan = make(chan struct{})

	if e.worker != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.worker.Run(ctx, e.cfg.Jobs.Workers)
		}()
	}
	// 启动定时扫描
	e.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer e.wg.Done()
		e.runScanner(ctx, scanInterval, stop)
	}(e.stopChan)
}

// Stop 停止核心引擎, 等待 worker 与扫描协程退出后返回
func (e *CoreEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.logger.Info("正在停止核心引擎...")
	close(e.stopChan)
	e.cancel()
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("核心引擎已停止")
}

// Running 引擎是否在运行
func (e *CoreEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// runScanner 运行扫描器
func (e *CoreEngine) runScanner(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.scanner.Scan(ctx)
		case <-stop:
			return
		}
	}
}

// DB 数据库连接
func (e *CoreEngine) DB() *gorm.DB { return e.db }

// Metrics prometheus 指标
func (e *CoreEngine) Metrics() *metrics.Collector { return e.metrics }

// Dispatcher 异步任务派发
func (e *CoreEngine) Dispatcher() jobs.Dispatcher { return e.dispatcher }

// RunnerQueue runner 队列版本号
func (e *CoreEngine) RunnerQueue() *runnerqueue.Queue { return e.runnerQueue }

// BuildMachine 任务状态机
func (e *CoreEngine) BuildMachine() *statemachine.Machine[*model.Build] { return e.buildMachine }

// Processor 流水线处理
func (e *CoreEngine) Processor() *pipeline.Processor { return e.processor }

// Creator 流水线创建
func (e *CoreEngine) Creator() *chain.Service { return e.creator }

// Bridges 下游流水线
func (e *CoreEngine) Bridges() *bridge.Service { return e.bridges }

// Scanner 流水线扫描
func (e *CoreEngine) Scanner() *PipelineScanner { return e.scanner }

// LockRetries 乐观锁重试次数
func (e *CoreEngine) LockRetries() int { return e.cfg.Core.LockRetries }
