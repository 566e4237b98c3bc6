package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// envLogLevel overrides the CLI flag when set.
const envLogLevel = "LOG_LEVEL"

// initLogger installs the process-wide slog handler. Priority: env var
// over CLI flag over default.
func initLogger(level, format string) error {
	if env := os.Getenv(envLogLevel); env != "" {
		level = env
	}

	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
