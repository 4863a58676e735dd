package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ci-scheduler/internal/pkg/config"
)

var Client goredis.UniversalClient

// Init 初始化 Redis 连接
func Init(ctx context.Context, cfg *config.RedisConfig) error {
	client, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	Client = client
	return nil
}

// New 创建并 PING 校验客户端
func New(ctx context.Context, cfg *config.RedisConfig) (goredis.UniversalClient, error) {
	opts := &goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败 %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Close 关闭连接
func Close() error {
	if Client != nil {
		return Client.Close()
	}
	return nil
}
