// Package runnerqueue 维护 runner 的队列版本号, runner 长轮询时据此判断是否有新任务
package runnerqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"ci-scheduler/internal/model"
)

const keyPrefix = "runner:build_queue:"

// Queue 基于 Redis 的队列版本号
type Queue struct {
	client goredis.UniversalClient
	expiry time.Duration
}

// New 创建
func New(client goredis.UniversalClient, expiry time.Duration) *Queue {
	return &Queue{client: client, expiry: expiry}
}

func key(runner *model.Runner) string {
	return keyPrefix + runner.Token
}

// PickBuild runner 能执行该 build 时刷新版本号
func (q *Queue) PickBuild(ctx context.Context, runner *model.Runner, build *model.Build) (bool, error) {
	if !runner.MatchesBuild(build) {
		return false, nil
	}
	if _, err := q.Tick(ctx, runner); err != nil {
		return false, err
	}
	return true, nil
}

// Tick 写入新的版本号
func (q *Queue) Tick(ctx context.Context, runner *model.Runner) (string, error) {
	value := uuid.NewString()
	if err := q.client.Set(ctx, key(runner), value, q.expiry).Err(); err != nil {
		return "", err
	}
	return value, nil
}

// Ensure 返回当前版本号, 不存在时初始化
func (q *Queue) Ensure(ctx context.Context, runner *model.Runner) (string, error) {
	if err := q.client.SetNX(ctx, key(runner), uuid.NewString(), q.expiry).Err(); err != nil {
		return "", err
	}
	return q.client.Get(ctx, key(runner)).Result()
}

// IsLatest lastUpdate 与当前版本号一致
func (q *Queue) IsLatest(ctx context.Context, runner *model.Runner, lastUpdate string) (bool, error) {
	if lastUpdate == "" {
		return false, nil
	}
	current, err := q.client.Get(ctx, key(runner)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == lastUpdate, nil
}
