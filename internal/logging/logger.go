// Package logging provides structured logging for the execution engine.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
)

// Init builds the global logger: encoder from $ENVIRONMENT, verbosity from
// level (an unparsable or empty level falls back to warn). Safe to call
// more than once; only the first call takes effect.
func Init(level string) {
	once.Do(func() {
		var cfg zap.Config
		if os.Getenv("ENVIRONMENT") == "production" {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

		var err error
		logger, err = cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			logger = zap.NewNop()
		}
		sugar = logger.Sugar()
	})
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.Set(s); err != nil {
		return zapcore.WarnLevel
	}
	return lvl
}

// L returns the process-wide structured logger, initializing it at the
// default level if Init has not run yet.
func L() *zap.Logger {
	if logger == nil {
		Init("")
	}
	return logger
}

// S returns the process-wide sugared (printf-style) logger.
func S() *zap.SugaredLogger {
	if sugar == nil {
		Init("")
	}
	return sugar
}

// Sync flushes buffered log entries; call before process exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// WithContext returns L() with fields attached.
func WithContext(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}
