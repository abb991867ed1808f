package log

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger   atomic.Pointer[zap.Logger]
	security atomic.Pointer[zap.Logger]

	// callers are reported past the package-level wrappers
	callerSkip = zap.AddCallerSkip(1)
)

func init() {
	l, err := newDefault()
	if err != nil {
		l = zap.NewNop()
	}
	set(l)
}

func newDefault(opts ...zap.Option) (*zap.Logger, error) {
	return zap.NewProduction(append([]zap.Option{callerSkip}, opts...)...)
}

func set(l *zap.Logger) {
	logger.Store(l)
	security.Store(l.Named("security").With(zap.Bool("security_event", true)))
}

// Init replaces the process logger. level is one of debug, info, warn, error.
func Init(level string, development bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(callerSkip)
	if err != nil {
		return err
	}
	set(l)
	return nil
}

// SetLogger installs l directly, mostly for tests.
func SetLogger(l *zap.Logger) { set(l) }

func L() *zap.Logger { return logger.Load() }

func Sync() { _ = logger.Load().Sync() }

func Debug(msg string, fields ...zap.Field) { logger.Load().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger.Load().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger.Load().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger.Load().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { logger.Load().Fatal(msg, fields...) }

// Security logs events that may indicate tampering. They go to a dedicated
// named logger so they can be routed apart from ordinary failures.
func Security(msg string, fields ...zap.Field) { security.Load().Warn(msg, fields...) }
