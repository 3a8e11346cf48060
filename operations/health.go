package operations

import (
	"context"
	"encoding/json"

	"github.com/byod-backtesting/bridge/internal/backend/store"
	"github.com/byod-backtesting/bridge/internal/execution/supervisor"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"go.uber.org/zap"
)

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

type DatabaseInfo struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size"`
}

type WorkerHealth struct {
	supervisor.Status

	// Health is the worker's own health report.
	Health json.RawMessage `json:"health,omitempty"`

	Error string `json:"error,omitempty"`
}

type HealthResult struct {
	Status       string       `json:"status"`
	Database     string       `json:"database"`
	DatabaseInfo DatabaseInfo `json:"database_info"`
	Worker       WorkerHealth `json:"worker"`
}

// HealthCheck reports the worker's liveness and whether the database
// file exists. The database is inspected on disk and never opened, so
// checking health has no effect on the file.
type HealthCheck struct {
	config Config
	worker Worker
	log    *zap.Logger
}

func NewHealthCheck(config Config, worker Worker, log *zap.Logger) *HealthCheck {
	return &HealthCheck{
		config: config,
		worker: worker,
		log:    log.Named(gateway.ChannelHealthCheck),
	}
}

func (h *HealthCheck) Channel() string {
	return gateway.ChannelHealthCheck
}

func (h *HealthCheck) Invoke(ctx context.Context, _ json.RawMessage) (any, error) {
	result := HealthResult{Status: HealthOK}

	path := h.config.Store.Path()
	exists, size, err := store.Stat(path)

	result.DatabaseInfo = DatabaseInfo{Path: path, Exists: exists, Size: size}

	switch {
	case err != nil:
		h.log.Warn("failed to stat database", zap.Error(err))
		result.Database = "error"
	case exists:
		result.Database = "connected"
	default:
		result.Database = "missing"
	}

	res, err := h.worker.Call(ctx, gateway.ChannelHealthCheck, nil)

	switch {
	case err != nil:
		h.log.Warn("worker health check failed", zap.Error(err))
		result.Status = HealthDegraded
		result.Worker.Error = err.Error()
	case res.Failed():
		result.Status = HealthDegraded
		result.Worker.Error = res.OperationError().Error()
	default:
		result.Worker.Health = res.Result
	}

	result.Worker.Status = h.worker.Status()

	return result, nil
}
