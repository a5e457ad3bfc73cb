package log

import (
	"context"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志模块
// 1. 底层基于 zap 实现, 以 printf 风格的 XXXContextf 方法对外暴露
// 2. 配置了 FileName 时通过 lumberjack 对日志文件进行切割
// 3. 通过 WithFields 把事务 id 等信息挂载到 ctx 上, 打印日志时自动带出

// Options 日志配置项
type Options struct {
	// 日志级别 debug/info/warn/error
	Level string
	// 日志文件路径, 为空时输出到 stderr
	FileName string
	// 单个日志文件大小上限, 单位 MB
	MaxSize int
	// 保留的历史日志文件个数
	MaxBackups int
	// 历史日志文件保留天数
	MaxAge int
	// 历史日志是否压缩
	Compress bool
}

var logger atomic.Pointer[zap.SugaredLogger]

func init() {
	logger.Store(newSugar(Options{}))
}

// Init 根据配置项重新构造全局 logger
func Init(opts Options) {
	logger.Store(newSugar(opts))
}

// SetLogger 直接注入外部构造好的 zap logger
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l.Sugar())
}

// Logger 返回当前使用的 zap logger
func Logger() *zap.Logger {
	return logger.Load().Desugar()
}

func newSugar(opts Options) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var ws zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.FileName != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FileName,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

type fieldsKey struct{}

// WithFields 在 ctx 上追加 key-value 形式的日志字段
func WithFields(ctx context.Context, keysAndValues ...interface{}) context.Context {
	if len(keysAndValues) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(fieldsKey{}).([]interface{})
	fields := make([]interface{}, 0, len(prev)+len(keysAndValues))
	fields = append(fields, prev...)
	fields = append(fields, keysAndValues...)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

func withContext(ctx context.Context) *zap.SugaredLogger {
	l := logger.Load()
	if ctx == nil {
		return l
	}
	if fields, ok := ctx.Value(fieldsKey{}).([]interface{}); ok && len(fields) > 0 {
		return l.With(fields...)
	}
	return l
}

func DebugContextf(ctx context.Context, format string, args ...interface{}) {
	withContext(ctx).Debugf(format, args...)
}

func InfoContextf(ctx context.Context, format string, args ...interface{}) {
	withContext(ctx).Infof(format, args...)
}

func WarnContextf(ctx context.Context, format string, args ...interface{}) {
	withContext(ctx).Warnf(format, args...)
}

func ErrorContextf(ctx context.Context, format string, args ...interface{}) {
	withContext(ctx).Errorf(format, args...)
}

// Sync 刷新缓冲区中的日志
func Sync() error {
	return logger.Load().Sync()
}
