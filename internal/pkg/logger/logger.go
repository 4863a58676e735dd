package logger

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ci-scheduler/internal/pkg/config"
)

// Log 全局日志, Init 之前为 Nop
var Log = zap.NewNop()

// skipped 供包级函数使用, 调用位置指向调用方
var skipped = zap.NewNop()

var (
	rootOnce sync.Once
	rootDir  string
)

// projectRoot go.mod 所在目录, 找不到时为空
func projectRoot() string {
	rootOnce.Do(func() {
		_, file, _, ok := runtime.Caller(0)
		if !ok {
			return
		}
		for dir := filepath.Dir(file); ; dir = filepath.Dir(dir) {
			if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
				rootDir = dir
				return
			}
			if parent := filepath.Dir(dir); parent == dir {
				return
			}
		}
	})
	return rootDir
}

// callerEncoder 输出相对项目根目录的路径, 如 internal/core/queue/manager.go:88
func callerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	if !caller.Defined {
		enc.AppendString("undefined")
		return
	}
	if root := projectRoot(); root != "" {
		if rel, err := filepath.Rel(root, caller.File); err == nil {
			enc.AppendString(rel + ":" + strconv.Itoa(caller.Line))
			return
		}
	}
	enc.AppendString(caller.TrimmedPath())
}

func parseLevel(level string) zapcore.Level {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		CallerKey:        "caller",
		MessageKey:       "msg",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     callerEncoder,
		ConsoleSeparator: " ",
	}
	if format == "json" {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	// 控制台: 时间 级别 位置 消息 {字段}
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func newSink(cfg *config.LogConfig) (zapcore.WriteSyncer, error) {
	if cfg.Output != "file" || cfg.FilePath == "" {
		return zapcore.Lock(os.Stdout), nil
	}
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(file), nil
}

// Init 初始化全局日志
func Init(cfg *config.LogConfig) error {
	sink, err := newSink(cfg)
	if err != nil {
		return err
	}
	core := zapcore.NewCore(newEncoder(cfg.Format), sink, parseLevel(cfg.Level))

	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	skipped = Log.WithOptions(zap.AddCallerSkip(1))
	return nil
}

// Close 刷新缓冲, 标准输出不支持 Sync 的错误忽略
func Close() error {
	err := Log.Sync()
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return nil
	}
	return err
}

func Sugar() *zap.SugaredLogger { return Log.Sugar() }

// Named 带组件名的子 logger
func Named(name string) *zap.Logger { return Log.Named(name) }

func Info(msg string, fields ...zap.Field)  { skipped.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { skipped.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { skipped.Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { skipped.Fatal(msg, fields...) }
