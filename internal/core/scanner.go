package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ci-scheduler/internal/adapter/jobs"
	"ci-scheduler/internal/core/pipeline"
	"ci-scheduler/internal/model"
	"ci-scheduler/pkg/constants"
)

// scanStatuses 可能因异步任务丢失而停滞的流水线状态
var scanStatuses = []string{constants.StatusCreated, constants.StatusPending, constants.StatusRunning}

// PipelineScanner 定时重新处理未结束的流水线, 兜底丢失的 pipeline_process 与 create_downstream_pipeline 任务
type PipelineScanner struct {
	db         *gorm.DB
	processor  *pipeline.Processor
	dispatcher jobs.Dispatcher
	logger     *zap.Logger

	maxAge      time.Duration
	batchSize   int
	bridgeGrace time.Duration

	mu sync.Mutex
	// cursor 上一批最后一条流水线 id, 批次不足 batchSize 时回到 0
	cursor int64
}

// NewPipelineScanner 创建流水线扫描器
func NewPipelineScanner(db *gorm.DB, processor *pipeline.Processor, dispatcher jobs.Dispatcher, logger *zap.Logger) *PipelineScanner {
	return &PipelineScanner{
		db:          db,
		processor:   processor,
		dispatcher:  dispatcher,
		logger:      logger,
		maxAge:      30 * 24 * time.Hour,
		batchSize:   200,
		bridgeGrace: 5 * time.Minute,
	}
}

// Scan 一轮完整扫描
func (s *PipelineScanner) Scan(ctx context.Context) {
	s.ScanPipelines(ctx)
	s.RecoverBridges(ctx)
}

// ScanPipelines 返回处理的流水线数量. 每轮从上次的位置继续, 超过 batchSize 的积压在后续轮次中轮转处理
func (s *PipelineScanner) ScanPipelines(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pipelines []model.Pipeline
	// 查询 created/pending/running 并且 created_at < 30 Days
	if err := s.db.WithContext(ctx).Where("status IN ?", scanStatuses).
		Where("created_at > ?", time.Now().Add(-s.maxAge)).
		Where("id > ?", s.cursor).
		Order("id").Limit(s.batchSize).Find(&pipelines).Error; err != nil {
		s.logger.Error(fmt.Sprintf("[PipelineScanner] 查询流水线失败: %v", err))
		return 0
	}
	if len(pipelines) < s.batchSize {
		s.cursor = 0
	} else {
		s.cursor = pipelines[len(pipelines)-1].ID
	}

	ids := lo.Map(pipelines, func(p model.Pipeline, _ int) int64 { return p.ID })
	s.logger.Debug(fmt.Sprintf("[PipelineScanner] 待处理的Pipeline %v个: %v", len(pipelines), ids))

	for i := range pipelines {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.processor.Process(ctx, &pipelines[i]); err != nil {
			s.logger.Warn("[PipelineScanner] 处理流水线失败",
				zap.Int64("pipeline_id", pipelines[i].ID), zap.Error(err))
		}
	}
	return len(pipelines)
}

// RecoverBridges 重新派发 pending 超过 bridgeGrace 且没有下游流水线的 bridge, 返回派发数量.
// 重复派发由 bridge 服务按 source_job_id 去重
func (s *PipelineScanner) RecoverBridges(ctx context.Context) int {
	now := time.Now()
	downstream := s.db.Model(&model.Pipeline{}).Select("1").
		Where(model.PipelineTableName + ".source_job_id = " + model.BuildTableName + ".id")

	var ids []int64
	if err := s.db.WithContext(ctx).Model(&model.Build{}).
		Where("type = ? AND status = ?", constants.BuildTypeBridge, constants.StatusPending).
		Where("updated_at < ? AND created_at > ?", now.Add(-s.bridgeGrace), now.Add(-s.maxAge)).
		Where("NOT EXISTS (?)", downstream).
		Order("id").Limit(s.batchSize).Pluck("id", &ids).Error; err != nil {
		s.logger.Error(fmt.Sprintf("[PipelineScanner] 查询 bridge 失败: %v", err))
		return 0
	}

	dispatched := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := s.dispatcher.Dispatch(ctx, jobs.CreateDownstreamPipeline, id); err != nil {
			s.logger.Warn("[PipelineScanner] 重新派发 bridge 失败", zap.Int64("bridge_id", id), zap.Error(err))
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		s.logger.Info("[PipelineScanner] 已重新派发停滞的 bridge", zap.Int64s("bridge_ids", ids))
	}
	return dispatched
}
