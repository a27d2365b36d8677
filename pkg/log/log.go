package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}

// NewHandler builds the handler for the given format. "text" produces
// colorized console output, anything else is JSON.
func NewHandler(w io.Writer, format string) slog.Handler {
	if format == "text" {
		return tint.NewHandler(w, &tint.Options{
			AddSource:  true,
			Level:      &defaultLogLevel,
			TimeFormat: time.Kitchen,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	})
}

// SetDefaultFormat replaces the default logger with one writing to stdout in
// the given format and makes it the slog default as well.
func SetDefaultFormat(format string) {
	defaultLogger = slog.New(NewHandler(os.Stdout, format))
	slog.SetDefault(defaultLogger)
}
