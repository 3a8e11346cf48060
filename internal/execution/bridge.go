package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/byod-backtesting/bridge/internal/execution/codec"
	"github.com/byod-backtesting/bridge/internal/execution/correlator"
	"github.com/byod-backtesting/bridge/internal/execution/supervisor"
	"github.com/byod-backtesting/bridge/internal/execution/worker"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type Config struct {
	// Supervisor is the config of the worker process.
	Supervisor supervisor.Config `conf:",squash"`

	// ReadyProbe is an action a freshly started worker must answer
	// before it receives requests. Empty disables the probe.
	ReadyProbe string `conf:"ready_probe"`

	// ReadyTimeout bounds the ready probe.
	ReadyTimeout time.Duration `conf:"ready_timeout"`
}

type Params struct {
	// Context bounds the lifetime of the worker processes.
	Context context.Context

	// Config is the worker config.
	Config Config

	// Calls is the config of the request correlator.
	Calls correlator.Config

	// Publisher receives worker events.
	Publisher gateway.Publisher

	// WorkerFactory overrides how worker processes are created.
	WorkerFactory supervisor.WorkerFactoryFn

	Log *zap.Logger
}

// Bridge sends requests to the worker process and routes its output.
// The worker is started on the first call.
type Bridge struct {
	sup  *supervisor.Supervisor
	corr *correlator.Correlator
	pub  gateway.Publisher

	readyProbe   string
	readyTimeout time.Duration

	log *zap.Logger
}

func New(params Params) *Bridge {
	if params.Log == nil {
		params.Log = zap.NewNop()
	}

	log := params.Log.Named("bridge")

	b := &Bridge{
		corr: correlator.New(correlator.Params{
			Config: params.Calls,
			Log:    params.Log,
		}),
		pub:          params.Publisher,
		readyProbe:   params.Config.ReadyProbe,
		readyTimeout: params.Config.ReadyTimeout,
		log:          log,
	}

	hooks := supervisor.Hooks{
		Frame:      b.onFrame,
		Diagnostic: b.onDiagnostic,
		Started:    b.onStarted,
		Exit:       b.onExit,
	}

	if b.readyProbe != "" {
		hooks.Ready = b.probe
	}

	b.sup = supervisor.New(supervisor.Params{
		Context:       params.Context,
		Config:        params.Config.Supervisor,
		Hooks:         hooks,
		WorkerFactory: params.WorkerFactory,
		Log:           params.Log,
	})

	return b
}

// Call sends action to the worker and waits for its response. If ctx is
// done first the request is cancelled. A response with status error is
// returned as a response, not as an error.
func (b *Bridge) Call(
	ctx context.Context,
	action string,
	payload any,
) (correlator.Response, error) {
	h, err := b.sup.EnsureStarted(ctx)
	if err != nil {
		return correlator.Response{}, err
	}

	return b.call(ctx, h, action, payload, 0)
}

// Start starts the worker if it is not running.
func (b *Bridge) Start(ctx context.Context) error {
	_, err := b.sup.EnsureStarted(ctx)
	return err
}

// Stop stops the worker. Pending requests are rejected.
func (b *Bridge) Stop(ctx context.Context) error {
	return b.sup.Stop(ctx)
}

// Shutdown stops the worker and refuses further calls.
func (b *Bridge) Shutdown(ctx context.Context) error {
	err := b.sup.Stop(ctx)
	b.corr.Close()
	return err
}

// Status returns the lifecycle status of the worker.
func (b *Bridge) Status() supervisor.Status {
	return b.sup.Status()
}

// Eager reports whether the worker should start with the application.
func (b *Bridge) Eager() bool {
	return b.sup.Eager()
}

// Pending returns the number of in-flight requests.
func (b *Bridge) Pending() int {
	return b.corr.Pending()
}

func (b *Bridge) call(
	ctx context.Context,
	h *supervisor.Handle,
	action string,
	payload any,
	timeout time.Duration,
) (correlator.Response, error) {
	call, err := b.corr.Call(h, action, payload, timeout)
	if err != nil {
		return correlator.Response{}, err
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		b.corr.Cancel(call.ID())
	case <-h.Done():
		// the exit was handled before this call was registered
		b.corr.Reject(call.ID(), correlator.ErrWorkerTerminated)
	}

	<-call.Done()

	res, err := call.Result()
	if errors.Is(err, correlator.ErrCancelled) && ctx.Err() != nil {
		return res, fmt.Errorf("%w: %w", err, ctx.Err())
	}

	return res, err
}

func (b *Bridge) probe(ctx context.Context, h *supervisor.Handle) error {
	res, err := b.call(ctx, h, b.readyProbe, nil, b.readyTimeout)
	if err != nil {
		return err
	}

	return res.OperationError()
}

// MARK: - Hooks

func (b *Bridge) onFrame(h *supervisor.Handle, f codec.Frame) {
	switch {
	case f.HasID():
		b.corr.OnFrame(f)
	case f.IsEvent():
		b.publish(f.Event, f.Data)
	default:
		b.log.Debug("dropping unsolicited frame",
			zap.String("instance", h.InstanceID()),
			zap.String("raw", f.Raw),
		)
	}
}

func (b *Bridge) onDiagnostic(h *supervisor.Handle, source supervisor.DiagnosticSource, line string) {
	b.publish(gateway.EventWorkerError, WorkerErrorEvent{
		Message:    line,
		Source:     string(source),
		InstanceID: h.InstanceID(),
	})
}

func (b *Bridge) onStarted(h *supervisor.Handle) {
	b.publish(gateway.EventWorkerStatus, b.statusEvent(h, supervisor.StateRunning, nil))
}

func (b *Bridge) onExit(h *supervisor.Handle, evt worker.ExitEvent, expected bool) {
	rejected := b.corr.RejectSink(h, correlator.ErrWorkerTerminated)

	log := b.log.With(
		zap.String("instance", h.InstanceID()),
		zap.Int("pid", h.Pid()),
		zap.Int("rejected", rejected),
	)

	if rejected > 0 {
		log.Warn("rejected pending requests of exited worker")
	}

	b.publish(gateway.EventWorkerStatus, b.statusEvent(h, supervisor.StateStopped, &evt))

	if expected {
		return
	}

	exitErr := &UnexpectedExitError{Event: evt, InstanceID: h.InstanceID()}

	b.publish(gateway.EventWorkerError, WorkerErrorEvent{
		Message:    exitErr.Error(),
		Source:     "exit",
		InstanceID: h.InstanceID(),
		Code:       evt.Code,
		Signal:     evt.Signal,
	})

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("worker.instance", h.InstanceID())
		scope.SetExtra("stderr", evt.Stderr)
		scope.SetExtra("rejected", rejected)
		sentry.CaptureException(exitErr)
	})
}

func (b *Bridge) statusEvent(h *supervisor.Handle, state supervisor.State, evt *worker.ExitEvent) WorkerStatusEvent {
	status := b.sup.Status()

	e := WorkerStatusEvent{
		State:      state,
		Pid:        h.Pid(),
		InstanceID: h.InstanceID(),
		Restarts:   status.Restarts,
	}

	if evt != nil {
		e.Code = evt.Code
		e.Signal = evt.Signal
	}

	return e
}

func (b *Bridge) publish(event string, data any) {
	if b.pub == nil {
		return
	}

	b.pub.Publish(event, data)
}

// MARK: - Events

// WorkerStatusEvent is published on the worker-status channel.
type WorkerStatusEvent struct {
	State      supervisor.State `json:"state"`
	Pid        int              `json:"pid"`
	InstanceID string           `json:"instance_id"`
	Restarts   int              `json:"restarts"`
	Code       *int             `json:"code,omitempty"`
	Signal     *int             `json:"signal,omitempty"`
}

// WorkerErrorEvent is published on the worker-error channel.
type WorkerErrorEvent struct {
	Message    string `json:"message"`
	Source     string `json:"source"`
	InstanceID string `json:"instance_id"`
	Code       *int   `json:"code,omitempty"`
	Signal     *int   `json:"signal,omitempty"`
}

// UnexpectedExitError describes a worker that exited without being
// asked to.
type UnexpectedExitError struct {
	InstanceID string
	Event      worker.ExitEvent
}

func (e *UnexpectedExitError) Error() string {
	switch {
	case e.Event.Code != nil:
		return fmt.Sprintf("worker exited unexpectedly with code %d", *e.Event.Code)
	case e.Event.Signal != nil:
		return fmt.Sprintf("worker exited unexpectedly with signal %d", *e.Event.Signal)
	default:
		return "worker exited unexpectedly"
	}
}

// DecodeResult unmarshals the result of a successful response.
func DecodeResult[T any](res correlator.Response) (T, error) {
	var out T

	if len(res.Result) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(res.Result, &out); err != nil {
		return out, fmt.Errorf("failed to decode worker result: %w", err)
	}

	return out, nil
}
