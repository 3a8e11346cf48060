package logging

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type loggerKey struct{}

var ErrNoLoggerInContext = errors.New("no logger in context")

// ContextWithLogger attaches the root logger to a cli context, so commands
// can pick it up after the Before hook ran.
func ContextWithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

func LoggerFromContext(ctx context.Context) (*zap.Logger, error) {
	log, ok := ctx.Value(loggerKey{}).(*zap.Logger)
	if !ok || log == nil {
		return nil, ErrNoLoggerInContext
	}

	return log, nil
}
