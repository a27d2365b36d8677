package log

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	// Test Ctx without a logger in the context
	l1 := Ctx(ctx)
	require.NotNil(t, l1, "Ctx returned nil instead of default logger")
	assert.Equal(t, defaultLogger, l1, "Ctx should return defaultLogger")

	// Create a new logger to test With
	customLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	require.NotEqual(t, defaultLogger, customLogger, "Failed to create a distinct custom logger for testing")

	// Test With and Ctx with a logger in the context
	ctxWithLogger := With(ctx, customLogger)
	l2 := Ctx(ctxWithLogger)
	require.NotNil(t, l2, "Ctx returned nil, expected custom logger")
	assert.Equal(t, customLogger, l2, "Ctx should return customLogger")
}

func TestNewHandler(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		slog.New(NewHandler(&buf, "json")).Info("hello", slog.String("station", "s1"))
		assert.Contains(t, buf.String(), `"msg":"hello"`)
		assert.Contains(t, buf.String(), `"station":"s1"`)
	})

	t.Run("Text", func(t *testing.T) {
		var buf bytes.Buffer
		slog.New(NewHandler(&buf, "text")).Info("hello", slog.String("station", "s1"))
		assert.Contains(t, buf.String(), "hello")
		assert.NotContains(t, buf.String(), `"msg"`)
	})

	t.Run("Level", func(t *testing.T) {
		SetDefaultLogLevel(slog.LevelWarn)
		defer SetDefaultLogLevel(slog.LevelInfo)

		var buf bytes.Buffer
		slog.New(NewHandler(&buf, "json")).Info("hidden")
		assert.Empty(t, buf.String())
	})
}
