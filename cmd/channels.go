package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/byod-backtesting/bridge/internal/gateway"
	"github.com/urfave/cli/v2"
)

var channelsCmd = &cli.Command{
	Name:   "channels",
	Usage:  "Print the whitelisted channels.",
	Action: channelsAction,
}

func channelsAction(ctx *cli.Context) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "CHANNEL\tDIRECTION")
	for _, c := range gateway.Channels() {
		fmt.Fprintf(w, "%s\t%s\n", c.Name, c.Direction)
	}

	return w.Flush()
}

func init() {
	rootApp.Commands = append(rootApp.Commands, channelsCmd)
}
