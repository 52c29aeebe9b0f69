package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"spacebook/internal/platform/config"
)

// New builds the process logger: JSON in production, text otherwise unless
// the config says otherwise.
func New(cfg config.Server) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

func NewWithWriter(cfg config.Server, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == config.LogFormatJSON || (cfg.LogFormat == "" && cfg.Environment == config.EnvProduction) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", "spacebook", "env", cfg.Environment)
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
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
