package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/byod-backtesting/bridge/config"
	"github.com/byod-backtesting/bridge/internal/shell"
	"github.com/byod-backtesting/bridge/util/conf"
	"github.com/byod-backtesting/bridge/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const envPrefix = config.EnvPrefix

var (
	appName  = "bridge"
	appUsage = `Host bridge of the backtesting desktop application. It runs
the worker process, correlates requests sent to it and exposes a
whitelisted set of operations to the UI layer.`
	rootApp = &cli.App{
		Name:            appName,
		Usage:           appUsage,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			// general flags
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "set the log level. Options: debug, info, warn, error, panic, fatal.",
				EnvVars: []string{envPrefix + "LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "set the log format. Options: production, development.",
				EnvVars: []string{envPrefix + "LOG_FORMAT"},
			},
			&cli.PathFlag{
				Name:    "config",
				Usage:   "load the configuration from a JSON file.",
				Aliases: []string{"C"},
				EnvVars: []string{envPrefix + "CONFIG"},
			},
			&cli.PathFlag{
				Name:    "env-file",
				Usage:   "load environment variables from a dotenv file.",
				Value:   ".env",
				EnvVars: []string{envPrefix + "ENV_FILE"},
			},
			// storage flags
			&cli.PathFlag{
				Name:     "data-dir",
				Usage:    "the directory holding the database and the settings.",
				Category: "storage",
			},
			// worker flags
			&cli.StringFlag{
				Name:     "worker-command",
				Usage:    "the command to invoke in order to start the worker process.",
				Aliases:  []string{"c"},
				Category: "worker",
			},
			&cli.StringSliceFlag{
				Name:     "worker-arg",
				Usage:    "arguments to pass to the worker process.",
				Aliases:  []string{"a"},
				Category: "worker",
			},
			&cli.BoolFlag{
				Name:     "worker-eager",
				Usage:    "start the worker process with the host instead of on the first request.",
				Category: "worker",
			},
			&cli.DurationFlag{
				Name:     "call-timeout",
				Usage:    "the deadline of a request sent to the worker process.",
				Category: "worker",
			},
		},
		Before: func(ctx *cli.Context) error {
			// create the logger
			log, err := createLogger(ctx)
			if err != nil {
				return err
			}

			// inject logger into cli context
			ctx.Context = logging.ContextWithLogger(ctx.Context, log)

			return nil
		},
		After: func(ctx *cli.Context) error {
			log, err := logging.LoggerFromContext(ctx.Context)
			if err != nil {
				return err
			}

			_ = log.Sync()

			return nil
		},
	}
)

// cliMap maps flag names to config keys.
var cliMap = map[string]string{
	"data-dir":       "host.data_dir",
	"worker-command": "worker.command",
	"worker-arg":     "worker.arg",
	"worker-eager":   "worker.eager",
	"call-timeout":   "calls.timeout",
	"host":           "http.host",
	"port":           "http.port",
	"h2c":            "http.h2c",
	"api-key":        "auth.key",
}

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:               "version",
		Usage:              "print the version",
		DisableDefaultText: true,
	}
}

type ExecuteParams struct {
	Version  string
	Compiled time.Time
}

// Execute runs the cli and returns the process exit code.
func Execute(params ExecuteParams) int {
	rootApp.Version = params.Version
	rootApp.Compiled = params.Compiled

	return run(context.Background(), os.Args)
}

func run(ctx context.Context, args []string) int {
	err := rootApp.RunContext(ctx, args)

	code := shell.ExitCode(err)

	// a shell exit error was logged by the shell
	if err != nil && !shell.IsExitError(err) {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
	}

	return code
}

// loadConfig parses the config using the config file, the env file, env
// vars and the flags of the current command and its parents, and
// injects it into the cli context.
func loadConfig(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	cfg, err := conf.Parse[config.Config](conf.ParseOptions{
		Cli:       ctx,
		CliMap:    cliMap,
		Defaults:  config.DefaultConfig,
		EnvPrefix: envPrefix,
		FileName:  ctx.Path("config"),
		EnvFile:   ctx.Path("env-file"),
		Log:       log,
	})
	if err != nil {
		return err
	}

	cfg.ConfigFile = ctx.Path("config")

	ctx.Context = conf.ContextWithConfig(ctx.Context, cfg)

	return nil
}

func createLogger(ctx *cli.Context) (*zap.Logger, error) {
	level := getLogLevelFromCLI(ctx)
	format := getLogFormatFromCLI(ctx)

	var config zap.Config
	if format == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	config.InitialFields = map[string]any{
		"app": appName,
	}

	config.Level = level

	return config.Build()
}

func getLogFormatFromCLI(ctx *cli.Context) string {
	format := ctx.String("log-format")
	if format != "" {
		return format
	}

	return "production"
}

func getLogLevelFromCLI(ctx *cli.Context) zap.AtomicLevel {
	lvl := ctx.String("log-level")

	if atom, err := zap.ParseAtomicLevel(lvl); err == nil {
		return atom
	}

	return zap.NewAtomicLevelAt(zap.InfoLevel)
}
