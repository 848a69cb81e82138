// Package internal provides the logging sink shared by the caching and
// transformation layers.
package internal

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the observability sink consumed across the module. Calls are
// fire-and-forget: implementations must never panic or block on the hot path.
// Every message carries a category tag identifying the emitting component.
type Logger interface {
	Info(category, msg string, args ...any)
	Warn(category, msg string, args ...any)
	Error(category, msg string, args ...any)
}

type slogLogger struct {
	l *slog.Logger
}

// NewLogger creates a Logger writing human-readable text to stderr.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stderr, slog.LevelInfo)
}

// NewLoggerWithWriter creates a Logger writing to w at the given level.
func NewLoggerWithWriter(w io.Writer, level slog.Level) Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &slogLogger{l: slog.New(handler)}
}

func (s *slogLogger) Info(category, msg string, args ...any) {
	s.l.Info(msg, prepend(category, args)...)
}

func (s *slogLogger) Warn(category, msg string, args ...any) {
	s.l.Warn(msg, prepend(category, args)...)
}

func (s *slogLogger) Error(category, msg string, args ...any) {
	s.l.Error(msg, prepend(category, args)...)
}

func prepend(category string, args []any) []any {
	out := make([]any, 0, len(args)+2)
	out = append(out, "category", category)
	return append(out, args...)
}

// NopLogger discards all messages. Useful in tests.
type NopLogger struct{}

func (NopLogger) Info(category, msg string, args ...any)  {}
func (NopLogger) Warn(category, msg string, args ...any)  {}
func (NopLogger) Error(category, msg string, args ...any) {}
