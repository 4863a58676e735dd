package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Payload 队列中的任务
type Payload struct {
	ID         int64     `json:"id"`
	JID        string    `json:"jid"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RedisDispatcher LPUSH 到 <prefix><job>
type RedisDispatcher struct {
	client  goredis.UniversalClient
	prefix  string
	metrics Metrics
}

// NewRedisDispatcher 创建 Redis 派发器
func NewRedisDispatcher(client goredis.UniversalClient, prefix string, metrics Metrics) *RedisDispatcher {
	return &RedisDispatcher{client: client, prefix: prefix, metrics: metrics}
}

// Dispatch 写入队列
func (d *RedisDispatcher) Dispatch(ctx context.Context, job string, id int64) error {
	data, err := json.Marshal(Payload{ID: id, JID: uuid.NewString(), EnqueuedAt: time.Now()})
	if err != nil {
		return err
	}
	if err := d.client.LPush(ctx, d.prefix+job, data).Err(); err != nil {
		return fmt.Errorf("dispatch %s(%d): %w", job, id, err)
	}
	if d.metrics != nil {
		d.metrics.IncrementJobDispatched(job)
	}
	return nil
}

// Worker 从 Redis 队列消费任务
type Worker struct {
	client   goredis.UniversalClient
	prefix   string
	registry *Registry
	logger   *zap.Logger
	timeout  time.Duration
}

// NewWorker 创建 worker
func NewWorker(client goredis.UniversalClient, prefix string, registry *Registry, logger *zap.Logger) *Worker {
	return &Worker{client: client, prefix: prefix, registry: registry, logger: logger, timeout: time.Second}
}

// Run 启动 n 个消费协程, ctx 取消后返回
func (w *Worker) Run(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("job worker error", zap.Error(err))
					time.Sleep(w.timeout)
				}
			}
		}()
	}
	wg.Wait()
}

// ProcessOne 阻塞等待并处理一个任务, 超时无任务返回 false
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	names := w.registry.Names()
	if len(names) == 0 {
		return false, errors.New("no job handlers registered")
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = w.prefix + name
	}

	res, err := w.client.BRPop(ctx, w.timeout, keys...).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	job := strings.TrimPrefix(res[0], w.prefix)
	var payload Payload
	if err := json.Unmarshal([]byte(res[1]), &payload); err != nil {
		return true, fmt.Errorf("decode %s payload: %w", job, err)
	}

	h, ok := w.registry.Lookup(job)
	if !ok {
		return true, fmt.Errorf("unknown job %q", job)
	}
	// 已出队的任务在停止时仍执行完, Stop 会等待
	if err := h(context.WithoutCancel(ctx), payload.ID); err != nil {
		w.logger.Error("job failed",
			zap.String("job", job),
			zap.String("jid", payload.JID),
			zap.Int64("id", payload.ID),
			zap.Error(err))
		return true, nil
	}

	w.logger.Debug("job done", zap.String("job", job), zap.Int64("id", payload.ID))
	return true, nil
}
