// Package logging builds the process logger and masks secrets before they
// reach a log line.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New returns a structured logger. format is "json" (default) or "text";
// level is one of debug, info, warn, error (default info).
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// MaskToken keeps the first 8 characters of a token followed by "...".
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "..."
}

// MaskSecret fully redacts a secret value while showing whether one is set.
func MaskSecret(value string) string {
	if value == "" {
		return ""
	}
	return "[REDACTED]"
}
