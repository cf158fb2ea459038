package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace is below slog.LevelDebug; pion's trace output only shows up
// when the handler is configured for it explicitly.
const LevelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's internal logging into log. Every pion
// subsystem gets a child logger tagged with its scope.
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	if log == nil {
		log = slog.Default()
	}
	return slogLoggerFactory{log: log}
}

type slogLoggerFactory struct {
	log *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{log: f.log.With("pion_scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l slogLeveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l slogLeveledLogger) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Trace(msg string) { l.emit(LevelTrace, msg) }
func (l slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.emitf(LevelTrace, format, args...)
}
func (l slogLeveledLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l slogLeveledLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.emitf(slog.LevelInfo, format, args...)
}
func (l slogLeveledLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.emitf(slog.LevelWarn, format, args...)
}
func (l slogLeveledLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.emitf(slog.LevelError, format, args...)
}
