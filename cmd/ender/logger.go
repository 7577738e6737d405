package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/drblury/blockflow/internal/runtime/logging"
)

// newLogger builds the process logger from the log_level and log_format settings.
func newLogger(w io.Writer, level, format string) (logging.ServiceLogger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "trace":
		lvl = logging.LevelTrace
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logging.NewSlogServiceLogger(slog.New(handler).With("service", "ender")), nil
}
