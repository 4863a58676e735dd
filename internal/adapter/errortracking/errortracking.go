// Package errortracking 记录被吞掉的异常, 便于事后排查
package errortracking

import (
	"context"

	"go.uber.org/zap"
)

// Tracker 异常上报
type Tracker interface {
	TrackException(ctx context.Context, err error, extra map[string]any)
}

// LogTracker 以结构化日志上报
type LogTracker struct {
	logger *zap.Logger
}

// NewLogTracker 创建日志上报
func NewLogTracker(logger *zap.Logger) *LogTracker {
	return &LogTracker{logger: logger.Named("error_tracking")}
}

// TrackException 记录异常与上下文字段
func (t *LogTracker) TrackException(_ context.Context, err error, extra map[string]any) {
	fields := make([]zap.Field, 0, len(extra)+1)
	fields = append(fields, zap.Error(err))
	for k, v := range extra {
		fields = append(fields, zap.Any(k, v))
	}
	t.logger.Error("exception tracked", fields...)
}
