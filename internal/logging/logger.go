// Package logging construit le logger slog du processus.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New crée le logger de l'application et l'installe comme logger par défaut,
// pour que les composants sans logger explicite l'utilisent aussi.
// level : debug, info, warn ou error (info par défaut).
// format : text ou json (text par défaut).
func New(app, level, format string) (*slog.Logger, error) {
	return NewWriter(os.Stdout, app, level, format)
}

func NewWriter(w io.Writer, app, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}

	logger := slog.New(handler).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel accepte aussi une chaîne vide (info).
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
