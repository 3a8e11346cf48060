package config_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/byod-backtesting/bridge/config"
	"github.com/byod-backtesting/bridge/internal/backend"
	"github.com/byod-backtesting/bridge/internal/execution"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"github.com/byod-backtesting/bridge/operations"
	"github.com/byod-backtesting/bridge/util/conf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const helperEnv = "BRIDGE_TEST_CONFIG_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := runWorker(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(m.Run())
}

// runWorker loads the config the way the worker command does and serves
// the reference worker on stdio.
func runWorker() error {
	cfg, err := conf.Parse[config.Config](conf.ParseOptions{
		Defaults:  config.DefaultConfig,
		EnvPrefix: config.EnvPrefix,
		FileName:  os.Getenv(config.EnvPrefix + "CONFIG"),
	})
	if err != nil {
		return err
	}

	srv, err := backend.New(backend.Params{Config: cfg.BackendConfig(), Log: zap.NewNop()})
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

func parseDefaults(t *testing.T) config.Config {
	t.Helper()

	cfg, err := conf.Parse[config.Config](conf.ParseOptions{
		Defaults:  config.DefaultConfig,
		EnvPrefix: config.EnvPrefix,
	})
	require.NoError(t, err)

	return cfg
}

func TestConfig_WorkerConfig_PassesStorageToWorker(t *testing.T) {
	cfg := parseDefaults(t)
	cfg.Host.Store.DataDir = "data"
	cfg.Backend.ProgressEvery = 100
	cfg.ConfigFile = "bridge.json"
	cfg.Worker.Supervisor.StartParams.Env = map[string]string{"PYTHONUNBUFFERED": "1"}

	wd, err := os.Getwd()
	require.NoError(t, err)

	env := cfg.WorkerConfig().Supervisor.StartParams.Env

	assert.Equal(t, "1", env["PYTHONUNBUFFERED"])
	assert.Equal(t, filepath.Join(wd, "data"), env["BRIDGE_HOST__DATA_DIR"])
	assert.Equal(t, filepath.Join(wd, "data", "trading_data.db"), env["BRIDGE_HOST__DATABASE"])
	assert.Equal(t, "100", env["BRIDGE_BACKEND__PROGRESS_EVERY"])
	assert.Equal(t, "4", env["BRIDGE_BACKEND__CONCURRENCY"])
	assert.Equal(t, filepath.Join(wd, "bridge.json"), env["BRIDGE_CONFIG"])

	// the configured env map is left untouched
	assert.Len(t, cfg.Worker.Supervisor.StartParams.Env, 1)
}

func TestConfig_WorkerConfig_HostAndWorkerShareDatabase(t *testing.T) {
	home := t.TempDir()
	dataDir := t.TempDir()
	t.Setenv("HOME", home)

	cfg := parseDefaults(t)
	cfg.Host.Store.DataDir = dataDir
	cfg.Worker.Supervisor.StartParams.Cmd = os.Args[0]
	cfg.Worker.Supervisor.StartParams.Args = []string{"-test.run=^$"}
	cfg.Worker.Supervisor.StartParams.Env = map[string]string{helperEnv: "1"}

	log := zap.NewNop()

	bridge := execution.New(execution.Params{
		Config:    cfg.WorkerConfig(),
		Calls:     cfg.Calls,
		Publisher: gateway.NewBus(log),
		Log:       log,
	})
	t.Cleanup(func() {
		_ = bridge.Shutdown(context.Background())
	})

	ctx := context.Background()

	csv := filepath.Join(t.TempDir(), "btc.csv")
	require.NoError(t, os.WriteFile(csv, []byte("timestamp,open,high,low,close,volume\n1700000000,1,2,0.5,1.5,10\n"), 0o644))

	res, err := bridge.Call(ctx, gateway.ChannelImportData, backend.ImportRequest{FilePath: csv, Symbol: "BTC"})
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	out, err := operations.NewHealthCheck(cfg.Host, bridge, log).Invoke(ctx, nil)
	require.NoError(t, err)

	host := out.(operations.HealthResult)
	require.Equal(t, operations.HealthOK, host.Status, host.Worker.Error)

	var worker backend.HealthResult
	require.NoError(t, json.Unmarshal(host.Worker.Health, &worker))

	assert.Equal(t, filepath.Join(dataDir, "trading_data.db"), host.DatabaseInfo.Path)
	assert.Equal(t, host.DatabaseInfo.Path, worker.Database.Path)
	assert.Equal(t, "connected", host.Database)
	assert.Equal(t, "connected", worker.Database.Status)

	_, err = os.Stat(filepath.Join(home, ".byod_backtesting"))
	assert.True(t, os.IsNotExist(err), "worker must not fall back to the home directory")
}
