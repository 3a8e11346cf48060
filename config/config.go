package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/byod-backtesting/bridge/internal/backend"
	"github.com/byod-backtesting/bridge/internal/execution"
	"github.com/byod-backtesting/bridge/internal/execution/correlator"
	"github.com/byod-backtesting/bridge/internal/server"
	"github.com/byod-backtesting/bridge/operations"
	"github.com/byod-backtesting/bridge/util/conf"
)

// EnvPrefix prefixes the env vars read into the config.
const EnvPrefix = "BRIDGE_"

type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

type Config struct {
	// LogLevel is the log level for the application
	LogLevel string `conf:"log_level"`

	// LogFormat is the log format for the application
	LogFormat string `conf:"log_format"`

	// Mode is the mode the application runs in
	Mode Mode `conf:"mode"`

	// Worker is the configuration of the worker process
	Worker execution.Config `conf:"worker"`

	// Calls is the configuration of requests sent to the worker
	Calls correlator.Config `conf:"calls"`

	// Host is the configuration of the host operations
	Host operations.Config `conf:"host"`

	// Backend is the configuration of the reference worker
	Backend backend.Config `conf:"backend"`

	// HTTP is the configuration of the boundary server
	HTTP server.HttpConfig `conf:"http"`

	// Auth is the authentication configuration of the boundary server
	Auth AuthConfig `conf:"auth"`

	// ConfigFile is the JSON file the config was loaded from, if any.
	ConfigFile string `conf:"-"`
}

type AuthConfig struct {
	// Key is the API key clients must send. Empty disables
	// authentication.
	Key string `conf:"key"`
}

// BackendConfig returns the reference worker config, sharing the
// storage location with the host.
func (c Config) BackendConfig() backend.Config {
	cfg := c.Backend
	cfg.Store = c.Host.Store
	return cfg
}

// WorkerConfig returns the worker process config. The host's effective
// storage location and backend settings are passed in the worker's
// environment, so a worker that loads its own config opens the database
// the host inspects.
func (c Config) WorkerConfig() execution.Config {
	cfg := c.Worker

	start := cfg.Supervisor.StartParams

	env := make(map[string]string, len(start.Env)+5)
	for k, v := range start.Env {
		env[k] = v
	}

	st := c.Host.Store
	if dir, err := filepath.Abs(st.DataDir); err == nil {
		st.DataDir = dir
	}

	env[EnvPrefix+"HOST__DATA_DIR"] = st.DataDir
	env[EnvPrefix+"HOST__DATABASE"] = st.Path()

	if c.Backend.Concurrency > 0 {
		env[EnvPrefix+"BACKEND__CONCURRENCY"] = strconv.Itoa(c.Backend.Concurrency)
	}
	if c.Backend.ProgressEvery > 0 {
		env[EnvPrefix+"BACKEND__PROGRESS_EVERY"] = strconv.Itoa(c.Backend.ProgressEvery)
	}

	if c.ConfigFile != "" {
		file := c.ConfigFile
		if abs, err := filepath.Abs(file); err == nil {
			file = abs
		}
		env[EnvPrefix+"CONFIG"] = file
	}

	start.Env = env
	cfg.Supervisor.StartParams = start

	return cfg
}

// DefaultDataDir returns the default data directory,
// ~/.byod_backtesting.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".byod_backtesting"
	}

	return filepath.Join(home, ".byod_backtesting")
}

var DefaultConfig = conf.DefaultConfig{
	"log_level":              "info",
	"log_format":             "production",
	"mode":                   string(ModeProduction),
	"worker.command":         defaultWorkerCommand(),
	"worker.arg":             []string{"worker"},
	"worker.startup_grace":   500 * time.Millisecond,
	"worker.stop.timeout":    5 * time.Second,
	"worker.eager":           false,
	"worker.ready_probe":     "ping",
	"worker.ready_timeout":   10 * time.Second,
	"calls.timeout":          30 * time.Second,
	"calls.max_pending":      256,
	"host.data_dir":          DefaultDataDir(),
	"host.preview_rows":      10,
	"host.dialog.extensions": []string{"csv", "txt"},
	"backend.concurrency":    4,
	"backend.progress_every": 500,
	"http.host":              "localhost",
	"http.port":              8080,
	"http.h2c":               false,
}

// defaultWorkerCommand runs the reference worker of this binary.
func defaultWorkerCommand() string {
	exe, err := os.Executable()
	if err != nil {
		return "bridge"
	}

	return exe
}
