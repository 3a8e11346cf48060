package handler

import (
	"github.com/byod-backtesting/bridge/internal/execution"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("handler",
		fx.Provide(
			func(g *gateway.Gateway) Gateway { return g },
			func(b *execution.Bridge) StatusProvider { return b },
		),
		fx.Provide(NewInvokeHandler),
		fx.Provide(NewEventsHandler),
		fx.Provide(NewInvokeRoute),
		fx.Provide(NewEventsRoute),
		fx.Provide(NewChannelsRoute),
		fx.Provide(NewHealthRoute),
	)
}
