// Package telemetry builds the process logger and the OpenTelemetry tracer
// provider used by the evolearn binary.
package telemetry

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger returns a slog logger writing to w in the given format ("json"
// or "text"). When redact is non-nil every string attribute value is passed
// through it before being written.
func NewLogger(level, format string, w io.Writer, redact func(string) string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if redact != nil && a.Value.Kind() == slog.KindString {
				if v := redact(a.Value.String()); v != a.Value.String() {
					return slog.String(a.Key, v)
				}
			}
			return a
		},
	}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("component", "evolearn")
}

func parseLevel(level string) slog.Level {
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
