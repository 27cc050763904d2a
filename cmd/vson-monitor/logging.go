package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/chaz8081/vson-monitor/internal/config"
)

// fanoutHandler sends each record to every handler that accepts its level.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, hh := range h {
		out[i] = hh.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, hh := range h {
		out[i] = hh.WithGroup(name)
	}
	return out
}

// newLogger builds the process logger. Console logs go to stderr; in JSON
// output mode they are silenced unless debug is set, so stdout and stderr
// can be piped separately without noise. The optional log file has its own
// level.
func newLogger(cfg *config.Config, debug bool, stderr io.Writer) (*slog.Logger, func() error, error) {
	var handlers fanoutHandler
	closeFn := func() error { return nil }

	if cfg.Output.Format != "json" || debug {
		level := config.ParseLogLevel(cfg.LogLevel)
		if debug {
			level = slog.LevelDebug
		}
		handlers = append(handlers, slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		levelName := cfg.LogFileLevel
		if levelName == "" {
			levelName = cfg.LogLevel
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: config.ParseLogLevel(levelName)}))
		closeFn = f.Close
	}

	if len(handlers) == 0 {
		return slog.New(slog.DiscardHandler), closeFn, nil
	}
	return slog.New(handlers), closeFn, nil
}
