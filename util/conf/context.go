package conf

import (
	"context"
	"errors"
)

var (
	ErrNoConfig      = errors.New("config not found in context")
	ErrInvalidConfig = errors.New("invalid config in context")
)

type configKey struct{}

func ContextWithConfig[C any](ctx context.Context, config C) context.Context {
	return context.WithValue(ctx, configKey{}, config)
}

// GetConfigFromContext returns the config stored by ContextWithConfig.
// C must match the stored type exactly.
func GetConfigFromContext[C any](ctx context.Context) (C, error) {
	var zero C

	v := ctx.Value(configKey{})
	if v == nil {
		return zero, ErrNoConfig
	}

	config, ok := v.(C)
	if !ok {
		return zero, ErrInvalidConfig
	}

	return config, nil
}
