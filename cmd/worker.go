package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/byod-backtesting/bridge/config"
	"github.com/byod-backtesting/bridge/internal/backend"
	"github.com/byod-backtesting/bridge/util/conf"
	"github.com/byod-backtesting/bridge/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	workerCmdDescription = `The worker command runs the reference worker process. It
reads newline-delimited JSON requests from stdin and writes
responses and events to stdout. Logs are written to stderr.

The host starts this command itself; it is not meant to be run
by hand. It returns once stdin is closed and every request in
flight has been answered.`
	workerCmd = &cli.Command{
		Name:        "worker",
		Usage:       "Run the reference worker on stdin and stdout.",
		Description: workerCmdDescription,
		Action:      workerAction,
	}
)

func workerAction(ctx *cli.Context) error {
	if err := loadConfig(ctx); err != nil {
		return err
	}

	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return err
	}

	srv, err := backend.New(backend.Params{
		Config: cfg.BackendConfig(),
		Log:    log,
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := srv.Close(); err != nil {
			log.Error("failed to close worker", zap.Error(err))
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Debug("worker started", zap.Int("pid", os.Getpid()))

	return srv.Serve(sigCtx, os.Stdin, os.Stdout)
}

func init() {
	rootApp.Commands = append(rootApp.Commands, workerCmd)
}
