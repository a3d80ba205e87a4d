// Package logging configures structured logging for the host.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New creates a JSON slog logger writing to w at the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Component returns a child logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}

// Plugin returns a child logger namespaced to a plugin. Every line a
// plugin emits through its capability surface carries this tag.
func Plugin(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("plugin", name))
}

// ParseLevel converts a config string to a slog level, defaulting to info.
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
