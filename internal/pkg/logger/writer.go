package logger

import (
	"strings"

	"go.uber.org/zap"
)

// gormWriter 将 gorm 的 Printf 日志转为结构化日志
type gormWriter struct {
	log *zap.SugaredLogger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Infof(strings.TrimRight(format, "\n"), args...)
}

// GormWriter 返回以 gorm 为组件名的 Printf 适配, 需在 Init 之后调用
func GormWriter() interface {
	Printf(string, ...interface{})
} {
	return gormWriter{log: Log.Named("gorm").WithOptions(zap.WithCaller(false)).Sugar()}
}
