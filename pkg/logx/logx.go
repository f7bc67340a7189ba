package logx

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.Mutex
	lg *zap.SugaredLogger
)

// Init builds the process logger. LOG_LEVEL accepts any zap level name, info otherwise.
func Init(service string) {
	level := zapcore.InfoLevel
	if lvl, err := zapcore.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		level = lvl
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	if service != "" {
		z = z.With(zap.String("service", service))
	}

	mu.Lock()
	lg = z.Sugar()
	mu.Unlock()
}

func L() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if lg == nil {
		lg = zap.NewNop().Sugar()
	}
	return lg
}

// Set replaces the process logger. nil falls back to a no-op logger.
func Set(l *zap.SugaredLogger) {
	mu.Lock()
	lg = l
	mu.Unlock()
}

func Sync() { _ = L().Sync() }
