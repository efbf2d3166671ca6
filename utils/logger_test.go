package utils

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewTextLogger(&buf, slog.LevelDebug).WithRun("abc").WithIteration(3)
	l.LogStep(context.Background(), 10, 4, 0.5, 2, 0)
	out := buf.String()
	assert.Contains(t, out, "run=abc")
	assert.Contains(t, out, "iteration=3")
	assert.Contains(t, out, "ndof=10")

	buf.Reset()
	l.LogStop(context.Background(), "", 2, errors.New("boom"))
	assert.Contains(t, buf.String(), "error=boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNoopLogger(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}
