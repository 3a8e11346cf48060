package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/byod-backtesting/bridge/app"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"github.com/byod-backtesting/bridge/internal/shell"
	"github.com/urfave/cli/v2"
)

var (
	invokeCmdDescription = `The invoke command calls a single whitelisted operation and
prints its JSON result. The worker process is started if the
operation needs it and stopped before the command returns.

The command exits with a non-zero code if the call is rejected
or if the operation resolves with an error.`
	invokeCmd = &cli.Command{
		Name:        "invoke",
		Usage:       "Invoke a whitelisted operation.",
		ArgsUsage:   "[--data JSON] <channel>",
		Description: invokeCmdDescription,
		Action:      invokeAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "the JSON payload of the call.",
			},
		},
	}
)

func invokeAction(ctx *cli.Context) error {
	channel := ctx.Args().First()
	if channel == "" {
		return errors.New("missing channel")
	}

	// flags after the channel are not parsed, so they would be lost
	if ctx.Args().Len() > 1 {
		return fmt.Errorf("unexpected arguments after %q: %v, pass flags before the channel", channel, ctx.Args().Tail())
	}

	var data json.RawMessage
	if raw := ctx.String("data"); raw != "" {
		data = json.RawMessage(raw)
	}

	if err := loadConfig(ctx); err != nil {
		return err
	}

	app, err := app.New(ctx)
	if err != nil {
		return err
	}

	return shell.Exec(ctx.Context, app, func(c context.Context, gw *gateway.Gateway) error {
		res, err := gw.Invoke(c, channel, data)
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, string(res))

		if msg, failed := gateway.IsErrorResult(res); failed {
			return fmt.Errorf("%s failed: %s", channel, msg)
		}

		return nil
	})
}

func init() {
	rootApp.Commands = append(rootApp.Commands, invokeCmd)
}
