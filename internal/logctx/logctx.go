// Package logctx carries a slog.Logger through context.Context so that
// request- and course-scoped attributes follow the work they belong to.
package logctx

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// With returns a context whose logger includes the given attributes.
// It is shorthand for WithLogger(ctx, LoggerFromContext(ctx).With(args...)).
func With(ctx context.Context, args ...any) context.Context {
	return WithLogger(ctx, LoggerFromContext(ctx).With(args...))
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns
// slog.Default() if none was attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
