package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a slog.Logger configured for structured, JSON-oriented output.
// The level is taken from HOSTAGENT_LOG_LEVEL and defaults to info.
func New(subsystem string) *slog.Logger {
	return NewWithLevel(subsystem, ParseLevel(os.Getenv("HOSTAGENT_LOG_LEVEL")))
}

// NewWithLevel is New with an explicit minimum level.
func NewWithLevel(subsystem string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: level})
	return slog.New(handler).With("subsystem", subsystem)
}

// ParseLevel maps a textual level onto slog levels. Unknown values map to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
