// Package logging provides the printf-style log surface used across every
// package in this repository: Info/Debug/Warn/Error/Fatal, backed by zap.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	global *zap.SugaredLogger
)

// Logger wraps a zap.SugaredLogger with a fixed "component" field, mirroring
// the call-site shape used throughout the broker (util.Info, util.Debug, ...)
// but scoped to the package that owns it.
type Logger struct {
	s *zap.SugaredLogger
}

func base() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.OutputPaths = []string{"stdout"}
		z, err := cfg.Build()
		if err != nil {
			// Logging setup must never be the reason the process can't start.
			z = zap.NewNop()
		}
		global = z.Sugar()
	})
	return global
}

// New returns a Logger tagged with the given component name, e.g.
// logging.New("delegator").
func New(component string) *Logger {
	return &Logger{s: base().With("component", component)}
}

func (l *Logger) Info(template string, args ...interface{})  { l.s.Infof(template, args...) }
func (l *Logger) Debug(template string, args ...interface{}) { l.s.Debugf(template, args...) }
func (l *Logger) Warn(template string, args ...interface{})  { l.s.Warnf(template, args...) }
func (l *Logger) Error(template string, args ...interface{}) { l.s.Errorf(template, args...) }
func (l *Logger) Fatal(template string, args ...interface{}) { l.s.Fatalf(template, args...) }

// Sync flushes buffered log entries. Call during graceful shutdown.
func Sync() {
	if global != nil {
		_ = global.Sync()
	}
}
