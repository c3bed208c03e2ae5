package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/phsym/console-slog"
)

// Format selects the encoding of log records.
type Format uint8

const (
	// JSONFormat writes one JSON object per line, with the time under "ts".
	JSONFormat Format = iota
	// ConsoleFormat writes colored, human readable lines.
	ConsoleFormat
)

// ParseFormat converts "json" or "console" to a Format. Unknown names map to JSONFormat.
func ParseFormat(name string) Format {
	if strings.EqualFold(strings.TrimSpace(name), "console") {
		return ConsoleFormat
	}

	return JSONFormat
}

// Options configures a slog backed Logger.
type Options struct {
	Level     Level
	Format    Format
	AddSource bool
	// NoColor disables ANSI colors in the console format. Colors are only written to
	// terminals.
	NoColor bool
}

// SlogLogger is the Logger implementation backed by log/slog.
// Loggers derived with With share the level of their parent.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewSlog creates a JSON logger writing to stderr. Stdout is left to the spill tools.
func NewSlog(level Level, addSource bool) Logger {
	return NewSlogWithWriter(os.Stderr, level, addSource)
}

// NewSlogWithWriter creates a JSON logger writing to w.
func NewSlogWithWriter(w io.Writer, level Level, addSource bool) Logger {
	return New(w, Options{Level: level, AddSource: addSource})
}

// New creates a logger writing to w.
func New(w io.Writer, opts Options) *SlogLogger {
	lv := &slog.LevelVar{}
	lv.Set(toSlogLevel(opts.Level))

	var handler slog.Handler
	switch opts.Format {
	case ConsoleFormat:
		handler = console.NewHandler(w, &console.HandlerOptions{
			AddSource:  opts.AddSource,
			Level:      lv,
			TimeFormat: time.TimeOnly + ".000000",
			NoColor:    opts.NoColor || !isTerminal(w),
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: opts.AddSource,
			Level:     lv,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		})
	}

	return &SlogLogger{logger: slog.New(handler), level: lv}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()

	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) {
	l.log(slog.LevelDebug, msg, keysAndValues)
}

func (l *SlogLogger) Info(msg string, keysAndValues ...any) {
	l.log(slog.LevelInfo, msg, keysAndValues)
}

func (l *SlogLogger) Warn(msg string, keysAndValues ...any) {
	l.log(slog.LevelWarn, msg, keysAndValues)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.log(slog.LevelError, msg, keysAndValues)
}

// Fatal logs at error level and exits the process.
func (l *SlogLogger) Fatal(msg string, keysAndValues ...any) {
	l.log(slog.LevelError, msg, keysAndValues)
	os.Exit(1)
}

func (l *SlogLogger) With(keyValues ...any) Logger {
	return &SlogLogger{logger: l.logger.With(keyValues...), level: l.level}
}

func (l *SlogLogger) Level() Level {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return DebugLevel
	case lv <= slog.LevelInfo:
		return InfoLevel
	case lv <= slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func (l *SlogLogger) SetLevel(level Level) {
	l.level.Set(toSlogLevel(level))
}

// log must be called directly by an exported method: the caller depth is fixed.
func (l *SlogLogger) log(level slog.Level, msg string, args []any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // runtime.Callers, log, exported method
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.logger.Handler().Handle(ctx, r)
}

func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
