package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ci-scheduler/internal/model"
)

const namespace = "ci"

// 队列操作名
const (
	OperationBuildQueuePush        = "build_queue_push"
	OperationBuildQueuePop         = "build_queue_pop"
	OperationSharedRunnerBuildNew  = "shared_runner_build_new"
	OperationSharedRunnerBuildDone = "shared_runner_build_done"
)

// Collector 调度核心的 Prometheus 指标, 使用独立 registry
type Collector struct {
	registry *prometheus.Registry

	QueueOperations  *prometheus.CounterVec
	RunnerTicks      *prometheus.CounterVec
	ActiveRunners    prometheus.Gauge
	PipelinesCreated *prometheus.CounterVec
	JobsDispatched   *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
}

// NewCollector 创建指标收集器
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		QueueOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Build queue operations",
		}, []string{"operation"}),
		RunnerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "runner_ticks_total",
			Help:      "Runner queue ticks",
		}, []string{"runner_type"}),
		ActiveRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "active_runners",
			Help:      "Runners eligible for the last ticked build",
		}),
		PipelinesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "created_total",
			Help:      "Pipeline creation attempts",
		}, []string{"source", "persisted"}),
		JobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "dispatched_total",
			Help:      "Asynchronous jobs dispatched",
		}, []string{"job"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests",
		}, []string{"method", "path", "status_code"}),
	}

	reg.MustRegister(c.QueueOperations, c.RunnerTicks, c.ActiveRunners,
		c.PipelinesCreated, c.JobsDispatched, c.HTTPRequests)
	return c
}

// Registry 底层 registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// IncrementQueueOperation 队列操作计数
func (c *Collector) IncrementQueueOperation(operation string) {
	c.QueueOperations.WithLabelValues(operation).Inc()
}

// IncrementRunnerTick 按 runner 类型计数
func (c *Collector) IncrementRunnerTick(runner *model.Runner) {
	c.RunnerTicks.WithLabelValues(runner.RunnerType).Inc()
}

// ObserveActiveRunners 记录可用 runner 数
func (c *Collector) ObserveActiveRunners(count int) {
	c.ActiveRunners.Set(float64(count))
}

// IncrementPipelineCreated 流水线创建计数
func (c *Collector) IncrementPipelineCreated(source string, persisted bool) {
	label := "false"
	if persisted {
		label = "true"
	}
	c.PipelinesCreated.WithLabelValues(source, label).Inc()
}

// IncrementJobDispatched 异步任务派发计数
func (c *Collector) IncrementJobDispatched(job string) {
	c.JobsDispatched.WithLabelValues(job).Inc()
}
