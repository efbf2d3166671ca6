package utils

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with the field names used across the adaptive
// loop, so every record carries the same keys
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger on the given handler, text to stderr when nil
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a human-readable Logger writing to w
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewJSONLogger creates a JSON Logger writing to w
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards all output
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// ParseLevel maps debug/info/warn/error to a slog level, info by default
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithRun tags records with the run identifier
func (l *Logger) WithRun(id string) *Logger {
	return &Logger{Logger: l.Logger.With("run", id)}
}

// WithIteration tags records with the adaptive iteration
func (l *Logger) WithIteration(iter int) *Logger {
	return &Logger{Logger: l.Logger.With("iteration", iter)}
}

// WithLevel tags records with a hierarchy level
func (l *Logger) WithLevel(level int) *Logger {
	return &Logger{Logger: l.Logger.With("level", level)}
}

// LogStep logs one adaptive step
func (l *Logger) LogStep(ctx context.Context, ndof, nel int, maxEst float64, nRefine, nCoarsen int) {
	l.InfoContext(ctx, "adaptive step",
		"ndof", ndof,
		"nel", nel,
		"max_estimate", maxEst,
		"refine", nRefine,
		"coarsen", nCoarsen,
	)
}

// LogStop logs loop termination
func (l *Logger) LogStop(ctx context.Context, reason string, iterations int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "adaptive loop failed",
			"iterations", iterations,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "adaptive loop stopped",
		"reason", reason,
		"iterations", iterations,
	)
}
