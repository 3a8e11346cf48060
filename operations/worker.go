package operations

import (
	"context"
	"encoding/json"

	"github.com/byod-backtesting/bridge/internal/execution/correlator"
	"github.com/byod-backtesting/bridge/internal/execution/supervisor"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"go.uber.org/zap"
)

// Worker sends requests to the worker process.
type Worker interface {
	Call(ctx context.Context, action string, payload any) (correlator.Response, error)
	Status() supervisor.Status
}

// WorkerOperation forwards a call channel to the worker action of the
// same name. A failure reported by the worker resolves the call with an
// error payload; transport failures reject it.
type WorkerOperation struct {
	channel string
	worker  Worker
	log     *zap.Logger
}

func newWorkerOperation(channel string, worker Worker, log *zap.Logger) *WorkerOperation {
	return &WorkerOperation{
		channel: channel,
		worker:  worker,
		log:     log.Named(channel),
	}
}

func NewPing(worker Worker, log *zap.Logger) *WorkerOperation {
	return newWorkerOperation(gateway.ChannelPing, worker, log)
}

func NewImportData(worker Worker, log *zap.Logger) *WorkerOperation {
	return newWorkerOperation(gateway.ChannelImportData, worker, log)
}

func NewGetStrategies(worker Worker, log *zap.Logger) *WorkerOperation {
	return newWorkerOperation(gateway.ChannelGetStrategies, worker, log)
}

func (o *WorkerOperation) Channel() string {
	return o.channel
}

func (o *WorkerOperation) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	res, err := o.worker.Call(ctx, o.channel, payload)
	if err != nil {
		return nil, err
	}

	if opErr := res.OperationError(); opErr != nil {
		o.log.Debug("worker reported failure", zap.Error(opErr))
		return gateway.ErrorPayload{Error: opErr.Error()}, nil
	}

	return res.Result, nil
}
