package app

import (
	"github.com/byod-backtesting/bridge/config"
	"github.com/byod-backtesting/bridge/internal/execution"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"github.com/byod-backtesting/bridge/internal/shell"
	"github.com/byod-backtesting/bridge/operations"
	"github.com/byod-backtesting/bridge/util/conf"
	"github.com/byod-backtesting/bridge/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

// New creates the shell shared by the host commands: the worker bridge,
// the gateway and its operations.
func New(ctx *cli.Context) (*shell.Shell, error) {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return nil, err
	}

	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return nil, err
	}

	sharedModule := fx.Module(
		"shared",
		// provide global config
		fx.Supply(cfg),
		// provide event bus and gateway
		gateway.Module(),
		// provide worker bridge
		execution.Module(cfg.WorkerConfig(), cfg.Calls),
		// provide operations
		operations.Module(cfg.Host),
	)

	return shell.New(log, sharedModule), nil
}
