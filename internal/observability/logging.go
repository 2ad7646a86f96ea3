// Package observability holds the logging setup shared by every command.
package observability

import (
	"io"
	"os"
	"strings"

	"log/slog"
)

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string

	// Format is "json" for production or "text" for development.
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer
}

// NewLogger builds a structured logger. Unknown levels fall back to info.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
