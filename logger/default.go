package logger

import (
	"os"
	"sync/atomic"
)

// The default logger honors SPILLACQ_LOG_FORMAT ("json" or "console") and writes to stderr.
var defLogger atomic.Pointer[loggerBox]

type loggerBox struct{ Logger }

func init() {
	SetLogger(New(os.Stderr, Options{
		Level:  InfoLevel,
		Format: ParseFormat(os.Getenv("SPILLACQ_LOG_FORMAT")),
	}))
}

// GetLogger returns the process-wide logger.
func GetLogger() Logger {
	return defLogger.Load().Logger
}

// SetLogger replaces the process-wide logger. A nil l is ignored.
func SetLogger(l Logger) {
	if l != nil {
		defLogger.Store(&loggerBox{l})
	}
}

func SetLevel(level Level) { GetLogger().SetLevel(level) }

func With(keyValues ...any) Logger { return GetLogger().With(keyValues...) }

func Debug(msg string, keysAndValues ...any) { GetLogger().Debug(msg, keysAndValues...) }

func Info(msg string, keysAndValues ...any) { GetLogger().Info(msg, keysAndValues...) }

func Warn(msg string, keysAndValues ...any) { GetLogger().Warn(msg, keysAndValues...) }

func Error(msg string, keysAndValues ...any) { GetLogger().Error(msg, keysAndValues...) }

func Fatal(msg string, keysAndValues ...any) { GetLogger().Fatal(msg, keysAndValues...) }
