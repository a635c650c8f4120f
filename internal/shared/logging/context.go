package logging

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// From returns the logger carried by the context, or the default logger.
// Request handlers seed the context so downstream logs carry the
// request id.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// With returns a context carrying the logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}
