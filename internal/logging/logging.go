// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Config holds configuration for the logger.
type Config struct {
	Level     slog.Level
	Format    string // "text" or "json"
	AddSource bool
}

// ParseLevel accepts debug, info, warn or error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// New returns a logger writing to w and makes it the slog default.
func New(w io.Writer, cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
