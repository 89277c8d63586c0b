package track17

import "go.uber.org/zap"

// Logger is the minimal logging interface used throughout the package.
// Callers can plug in stdlib log, zap, or anything else with a small adapter.
type Logger interface {
	Log(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Log(string, ...any) {}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return noopLogger{}
}

// ZapLogger adapts a zap.SugaredLogger to the Logger interface.
type ZapLogger struct {
	S *zap.SugaredLogger
}

func (z *ZapLogger) Log(format string, args ...any) {
	z.S.Infof(format, args...)
}

// NewZapLogger wraps a zap.Logger for use as a package Logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{S: l.Sugar()}
}
