// Package logging configures the process-wide slog default logger. Every
// component logs through slog.Default().With("component", ...), so setup here
// decides sink, format and level for the whole process.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls where and how log records are written
type Config struct {
	Type   string // "console" or "file"
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"
	File   string // path, for type "file"
}

// Setup builds a slog.Logger from the config and installs it as the default.
// It returns a close function for the underlying file when one was opened.
func Setup(config Config) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	closer := func() error { return nil }

	switch strings.ToLower(config.Type) {
	case "", "console":
		w = os.Stdout
	case "file":
		if config.File == "" {
			return nil, nil, fmt.Errorf("file logging requires a path")
		}
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closer = f.Close
	default:
		return nil, nil, fmt.Errorf("unknown logging type: %s", config.Type)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		closer()
		return nil, nil, fmt.Errorf("unknown logging format: %s", config.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// ParseLevel maps a level name to a slog.Level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", name)
	}
}
