package execution

import (
	"context"

	"github.com/byod-backtesting/bridge/internal/execution/correlator"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"github.com/byod-backtesting/bridge/util/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ModuleParams struct {
	fx.In

	Context   context.Context
	Config    Config
	Calls     correlator.Config
	Publisher gateway.Publisher
	Log       *zap.Logger
}

// NewLifecycleBridge creates a bridge that starts the worker with the
// application when configured to, and stops it on shutdown.
func NewLifecycleBridge(params ModuleParams, lc fx.Lifecycle) *Bridge {
	bridge := New(Params{
		Context:   params.Context,
		Config:    params.Config,
		Calls:     params.Calls,
		Publisher: params.Publisher,
		Log:       params.Log,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !bridge.Eager() {
				return nil
			}
			return bridge.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return bridge.Shutdown(ctx)
		},
	})

	return bridge
}

func Module(config Config, calls correlator.Config) fx.Option {
	return fx.Module("execution",
		// rename logger for module
		logging.DecorateLogger("execution"),
		// provide config
		fx.Supply(config, calls),
		// provide bridge
		fx.Provide(NewLifecycleBridge),
	)
}
