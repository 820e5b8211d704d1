// SPDX-License-Identifier: Apache-2.0

// Package logging builds the slog loggers shared by the updaterd binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the logger for one updaterd binary.
// - env=prod: JSON handler
// - anything else: text handler with source locations
// Every record carries a service attribute so the api, the janitor and the
// CLI are distinguishable in a shared log sink. LOG_LEVEL controls the level
// (debug/info/warn/error), default info.
func NewLogger(env, service string) *slog.Logger {
	return newLoggerTo(os.Stdout, env, service)
}

func newLoggerTo(w io.Writer, env, service string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(env), "prod") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.AddSource = true
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With("service", service)
}

func parseLevel(raw string) slog.Level {
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
