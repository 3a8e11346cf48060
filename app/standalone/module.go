package standalone

import (
	"go.uber.org/fx"

	"github.com/byod-backtesting/bridge/handler"
	"github.com/byod-backtesting/bridge/internal/server"
	"github.com/byod-backtesting/bridge/util/logging"
)

// Module serves the gateway over http.
func Module(config server.HttpConfig) fx.Option {
	return fx.Module(
		"serve",
		// rename logger for module
		logging.DecorateLogger("serve"),
		// provide handlers
		handler.Module(),
		// provide server
		server.Module(config),
	)
}
