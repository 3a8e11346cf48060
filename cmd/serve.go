package cmd

import (
	"github.com/byod-backtesting/bridge/app"
	"github.com/byod-backtesting/bridge/app/standalone"
	"github.com/byod-backtesting/bridge/config"
	"github.com/byod-backtesting/bridge/util/conf"
	"github.com/urfave/cli/v2"
)

var (
	serveCmdDescription = `The serve command starts a http server exposing the
whitelisted operations of the host. Operations are invoked with
POST /invoke/{channel}, events are streamed from GET /events
over a websocket.

The worker process is started on the first request that needs
it, or with the server if --worker-eager is set. The command
blocks until it receives a termination signal.`
	serveCmd = &cli.Command{
		Name:        "serve",
		Usage:       "Start a http server exposing the host operations.",
		Description: serveCmdDescription,
		Action:      serveAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "host",
				Aliases:  []string{"H"},
				Usage:    "The host to listen on.",
				Value:    "localhost",
				Category: "http",
			},
			&cli.IntFlag{
				Name:     "port",
				Aliases:  []string{"P"},
				Usage:    "The port to listen on.",
				Value:    8080,
				Category: "http",
			},
			&cli.BoolFlag{
				Name:     "h2c",
				Usage:    "Enable HTTP/2 cleartext upgrade.",
				Value:    false,
				Category: "http",
			},
			&cli.StringFlag{
				Name:     "api-key",
				Usage:    "Require clients to send this key.",
				Category: "http",
			},
		},
	}
)

func serveAction(ctx *cli.Context) error {
	if err := loadConfig(ctx); err != nil {
		return err
	}

	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return err
	}

	app, err := app.New(ctx)
	if err != nil {
		return err
	}

	return app.Run(ctx.Context, standalone.Module(cfg.HTTP))
}

func init() {
	rootApp.Commands = append(rootApp.Commands, serveCmd)
}
