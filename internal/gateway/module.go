package gateway

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the event bus and the gateway. Operations are
// collected from the "operations" value group.
func Module() fx.Option {
	return fx.Module(
		"gateway",

		// provide the event bus, also as publisher for the worker bridge
		fx.Provide(
			func(log *zap.Logger) *Bus { return NewBus(log) },
			func(b *Bus) Publisher { return b },
		),

		// provide gateway
		fx.Provide(New),
	)
}

// AsOperation annotates a constructor so its result joins the
// "operations" value group.
func AsOperation(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Operation)),
		fx.ResultTags(`group:"operations"`),
	)
}
