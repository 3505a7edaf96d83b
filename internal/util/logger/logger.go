package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.SugaredLogger]

// Config selects the level ("debug", "info", "warn", "error") and the
// encoding ("json" or "console").
type Config struct {
	Level  string
	Format string
}

// Configure swaps the process-wide logger. Calls made before it go to an
// info-level console logger.
func Configure(cfg Config) {
	global.Store(newSugared(cfg))
}

func newSugared(cfg Config) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder

	encoder := zapcore.NewConsoleEncoder(enc)
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(enc)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func l() *zap.SugaredLogger {
	if s := global.Load(); s != nil {
		return s
	}
	global.CompareAndSwap(nil, newSugared(Config{}))
	return global.Load()
}

// Sync flushes buffered entries; call it on shutdown.
func Sync() { _ = l().Sync() }

func Debugf(msg string, args ...interface{}) { l().Debugf(msg, args...) }

func Infof(msg string, args ...interface{}) { l().Infof(msg, args...) }

// Infow logs with structured key-value pairs.
func Infow(msg string, kv ...interface{}) { l().Infow(msg, kv...) }

func Warnf(msg string, args ...interface{}) { l().Warnf(msg, args...) }

func Warnw(msg string, kv ...interface{}) { l().Warnw(msg, kv...) }

func Errorf(msg string, args ...interface{}) { l().Errorf(msg, args...) }

func Errorw(msg string, kv ...interface{}) { l().Errorw(msg, kv...) }

// Fatalf logs and exits the process.
func Fatalf(msg string, args ...interface{}) { l().Fatalf(msg, args...) }
