// Package obslog wraps log/slog the way the teacher's pkg/observability
// package wraps it: a component-scoped logger with structured fields at
// operation boundaries. No third-party logging library is introduced —
// slog is the teacher's own choice, not a gap to fill.
package obslog

import (
	"context"
	"log/slog"
	"os"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	base *slog.Logger
}

// New returns a Logger for component, logging at level (one of
// "DEBUG", "INFO", "WARN", "ERROR"; unrecognized values fall back to INFO)
// as JSON to stderr.
func New(component string, level string) *Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{base: slog.New(h).With("component", component)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger with additional structured fields attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...)}
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.base.InfoContext(ctx, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.base.WarnContext(ctx, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.base.ErrorContext(ctx, msg, args...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.base.DebugContext(ctx, msg, args...)
}
