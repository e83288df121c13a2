package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("unrecognized"))
}

func TestNew_JSONFormatDoesNotPanic(t *testing.T) {
	log := New("debug", "json")
	assert.NotNil(t, log)
	log.Info("hello", "key", "value")
}

func TestWithExecutionID_ReturnsDistinctLogger(t *testing.T) {
	log := New("info", "json")
	enriched := log.WithExecutionID("exec-1")
	assert.NotSame(t, log.Logger, enriched.Logger)
}

func TestWithContext_NoTraceIDReturnsSameLogger(t *testing.T) {
	log := New("info", "json")
	got := log.WithContext(context.Background())
	assert.Same(t, log, got)
}

func TestWithContext_TraceIDEnrichesLogger(t *testing.T) {
	log := New("info", "json")
	ctx := WithTraceID(context.Background(), "trace-123")
	got := log.WithContext(ctx)
	assert.NotSame(t, log, got)
}
