// Package jobs 异步任务派发: Redis 列表队列 + worker, 或进程内同步执行
package jobs

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// 任务名
const (
	PipelineProcess              = "pipeline_process"
	CreateDownstreamPipeline     = "create_downstream_pipeline"
	AutoCancelRedundantPipelines = "auto_cancel_redundant_pipelines"
	UpdateHeadPipeline           = "update_head_pipeline"
)

// Dispatcher 按名称派发携带 id 的任务, 不等待执行结果
type Dispatcher interface {
	Dispatch(ctx context.Context, job string, id int64) error
}

// Handler 任务处理函数
type Handler func(ctx context.Context, id int64) error

// Metrics 派发计数
type Metrics interface {
	IncrementJobDispatched(job string)
}

// Registry 任务名 -> 处理函数
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register 注册处理函数, 同名覆盖
func (r *Registry) Register(job string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[job] = h
}

// Lookup 查找处理函数
func (r *Registry) Lookup(job string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[job]
	return h, ok
}

// Names 已注册的任务名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// InlineDispatcher 在调用方 goroutine 中直接执行, 用于测试与单机模式
type InlineDispatcher struct {
	registry *Registry
	metrics  Metrics
	logger   *zap.Logger
}

// NewInlineDispatcher 创建同步派发器
func NewInlineDispatcher(registry *Registry, metrics Metrics, logger *zap.Logger) *InlineDispatcher {
	return &InlineDispatcher{registry: registry, metrics: metrics, logger: logger}
}

// Dispatch 执行任务, 处理失败只记录日志
func (d *InlineDispatcher) Dispatch(ctx context.Context, job string, id int64) error {
	h, ok := d.registry.Lookup(job)
	if !ok {
		return fmt.Errorf("unknown job %q", job)
	}
	if d.metrics != nil {
		d.metrics.IncrementJobDispatched(job)
	}
	if err := h(ctx, id); err != nil {
		d.logger.Error("inline job failed", zap.String("job", job), zap.Int64("id", id), zap.Error(err))
	}
	return nil
}
