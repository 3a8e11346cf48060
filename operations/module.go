package operations

import (
	"github.com/byod-backtesting/bridge/internal/execution"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"github.com/byod-backtesting/bridge/util/logging"
	"go.uber.org/fx"
)

// Module provides one operation per whitelisted call channel.
func Module(config Config) fx.Option {
	return fx.Module(
		"operations",
		// rename logger for module
		logging.DecorateLogger("operations"),
		// provide config
		fx.Supply(config),
		// the bridge is the worker of every forwarding operation
		fx.Provide(func(b *execution.Bridge) Worker { return b }),
		// provide host services
		fx.Provide(
			fx.Annotate(NewListingDialog, fx.As(new(Dialog))),
			NewSettings,
		),
		// provide operations
		fx.Provide(
			gateway.AsOperation(NewHealthCheck),
			gateway.AsOperation(NewPing),
			gateway.AsOperation(NewSelectFile),
			gateway.AsOperation(NewPreviewFile),
			gateway.AsOperation(NewImportData),
			gateway.AsOperation(NewGetStrategies),
			gateway.AsOperation(NewGetSettings),
			gateway.AsOperation(NewSaveSettings),
		),
	)
}
