package supervisor

import (
	"time"

	"github.com/byod-backtesting/bridge/internal/execution/worker"
)

// StartConfig describes the configuration for starting the worker.
type StartConfig = worker.StartConfig

// StopConfig describes the configuration for stopping the worker.
type StopConfig = worker.StopConfig

type Config struct {
	// StartParams are the parameters used to spawn the worker.
	StartParams StartConfig `conf:",squash"`

	// StopParams are the parameters used to terminate the worker.
	StopParams StopConfig `conf:"stop"`

	// StartupGrace is how long a freshly spawned worker must stay
	// alive before it is considered started.
	StartupGrace time.Duration `conf:"startup_grace"`

	// Eager starts the worker with the application instead of on
	// the first request.
	Eager bool `conf:"eager"`
}
