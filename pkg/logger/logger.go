// Package logger provides the structured logging used across the billing
// core. Output is one JSON object per line so log shippers can index the
// organization and event attributes the services attach.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the logging interface the billing services depend on.
// Attributes are alternating key/value pairs in the slog convention;
// long-lived components attach their identifying attributes once via With
// (e.g. "organization", "event") so every line they emit is filterable.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
	With(args ...any) Logger
}

type jsonLogger struct {
	l *slog.Logger
}

// New creates a logger writing JSON lines to stdout at the given level.
// Unknown level strings fall back to info.
func New(level string) Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter is New with an explicit destination, used by tests
func NewWithWriter(level string, w io.Writer) Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &jsonLogger{l: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (j *jsonLogger) Info(msg string, args ...any)  { j.l.Info(msg, args...) }
func (j *jsonLogger) Error(msg string, args ...any) { j.l.Error(msg, args...) }
func (j *jsonLogger) Warn(msg string, args ...any)  { j.l.Warn(msg, args...) }
func (j *jsonLogger) Debug(msg string, args ...any) { j.l.Debug(msg, args...) }

func (j *jsonLogger) With(args ...any) Logger {
	return &jsonLogger{l: j.l.With(args...)}
}
