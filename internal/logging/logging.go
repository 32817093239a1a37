// Package logging configures the process-wide slog logger. Logs always go to
// stderr; stdout is reserved for command results.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Log output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Init installs a logger writing to w as the slog default and returns it.
// attrs are attached to every record.
func Init(w io.Writer, format string, level slog.Level, attrs ...slog.Attr) *slog.Logger {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	logger := slog.New(NewHandler(w, format, level)).With(args...)
	slog.SetDefault(logger)
	return logger
}

// NewHandler returns a JSONHandler when format is "json" and a TextHandler otherwise.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, FormatJSON) {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel converts a string ("debug", "info", "warn", "error") to slog.Level.
// Unknown strings default to LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
