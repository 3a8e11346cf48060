package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/byod-backtesting/bridge/internal/execution/codec"
	"github.com/byod-backtesting/bridge/internal/execution/worker"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrStartup = errors.New("worker failed to start")

// pumpDrainTimeout bounds how long the exit handler waits for stdout
// to be drained after the process exited.
const pumpDrainTimeout = time.Second

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// DiagnosticSource names the stream a diagnostic line was read from.
type DiagnosticSource string

const (
	SourceStdout DiagnosticSource = "stdout"
	SourceStderr DiagnosticSource = "stderr"
)

// Hooks receive everything the worker sends. Every hook is optional.
type Hooks struct {
	// Frame receives every well-formed frame read from stdout.
	Frame func(*Handle, codec.Frame)

	// Diagnostic receives stderr lines and stdout lines that are
	// not frames.
	Diagnostic func(*Handle, DiagnosticSource, string)

	// Ready runs after the startup grace period. A returned error
	// fails the start.
	Ready func(context.Context, *Handle) error

	// Started runs once the worker passed startup.
	Started func(*Handle)

	// Exit runs once the process exited and stdout was drained,
	// before the handle is cleared. Expected is false for exits
	// not requested through Stop.
	Exit func(h *Handle, evt worker.ExitEvent, expected bool)
}

// Status is a snapshot of the supervisor.
type Status struct {
	State      State     `json:"state"`
	Pid        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Restarts   int       `json:"restarts"`
	InstanceID string    `json:"instance_id,omitempty"`
}

type WorkerFactoryFn func(
	context.Context,
	worker.StartConfig,
	*zap.Logger,
	...worker.Option,
) worker.Worker

type Params struct {
	// Context bounds the lifetime of every spawned worker.
	Context context.Context

	// Config is the config used to spawn and stop workers.
	Config Config

	// Hooks receive the worker output.
	Hooks Hooks

	// WorkerFactory creates the worker process. Defaults to a
	// process worker.
	WorkerFactory WorkerFactoryFn

	// Log is the logger to use for the supervisor
	Log *zap.Logger
}

// Supervisor owns the single worker process. The worker is spawned
// lazily and respawned on the next request after it exited.
type Supervisor struct {
	ctx    context.Context
	config Config
	hooks  Hooks

	createWorker WorkerFactoryFn

	// startLock serializes spawning and stopping
	startLock sync.Mutex

	mu     sync.Mutex
	handle *Handle
	state  State
	starts int

	log *zap.Logger
}

func New(params Params) *Supervisor {
	ctx := params.Context
	if ctx == nil {
		ctx = context.Background()
	}

	createWorker := params.WorkerFactory
	if createWorker == nil {
		createWorker = defaultWorkerFactory
	}

	log := params.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Supervisor{
		ctx:          ctx,
		config:       params.Config,
		hooks:        params.Hooks,
		createWorker: createWorker,
		state:        StateStopped,
		log:          log.Named("supervisor"),
	}
}

// EnsureStarted returns the live worker, spawning one if there is none.
// Concurrent callers share a single spawn.
func (s *Supervisor) EnsureStarted(ctx context.Context) (*Handle, error) {
	if h := s.live(); h != nil {
		return h, nil
	}

	s.startLock.Lock()
	defer s.startLock.Unlock()

	// another caller may have spawned the worker in the meantime
	if h := s.live(); h != nil {
		return h, nil
	}

	return s.spawn(ctx)
}

// Stop terminates the live worker and waits until its exit has been
// handled. It is a no-op if no worker is live.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.startLock.Lock()
	defer s.startLock.Unlock()

	s.mu.Lock()
	h := s.handle
	if h == nil || h.exited {
		s.mu.Unlock()
		return nil
	}
	h.stopping = true
	s.state = StateStopping
	s.mu.Unlock()

	log := s.log.With(zap.Int("pid", h.pid))
	log.Debug("stopping worker")

	if err := s.terminate(ctx, h); err != nil {
		return err
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	log.Debug("worker stopped")

	return nil
}

// Status returns a snapshot of the worker lifecycle.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		State: s.state,
	}

	if s.starts > 1 {
		status.Restarts = s.starts - 1
	}

	if h := s.handle; h != nil && !h.exited {
		status.Pid = h.pid
		status.StartedAt = h.startedAt
		status.InstanceID = h.instanceID
	}

	return status
}

// Eager reports whether the worker should be started with the app.
func (s *Supervisor) Eager() bool {
	return s.config.Eager
}

func (s *Supervisor) live() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil || s.handle.exited || !s.handle.ready {
		return nil
	}

	return s.handle
}

func (s *Supervisor) spawn(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	s.state = StateStarting
	s.starts++
	s.mu.Unlock()

	h := &Handle{
		instanceID: uuid.NewString(),
		done:       make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}

	log := s.log.With(zap.String("instance", h.instanceID))

	w := s.createWorker(
		s.ctx,
		s.config.StartParams,
		s.log,
		worker.WithStderrHandler(func(line string) {
			log.Debug("worker stderr", zap.String("line", line))
			if s.hooks.Diagnostic != nil {
				s.hooks.Diagnostic(h, SourceStderr, line)
			}
		}),
	)

	pipe, err := w.DuplexPipe()
	if err != nil {
		s.setState(StateStopped)
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	if err := w.Start(ctx); err != nil {
		s.setState(StateStopped)
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	h.worker = w
	h.pipe = pipe
	h.enc = codec.NewEncoder(pipe)
	h.pid = w.Pid()
	h.startedAt = time.Now()

	plog := log.With(zap.Int("pid", h.pid))
	plog.Info("worker spawned", zap.String("command", s.config.StartParams.Cmd))

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	go s.pump(h, plog)
	go s.watch(h, plog)

	if err := s.awaitStartup(ctx, h); err != nil {
		plog.Warn("worker failed to start", zap.Error(err))

		s.mu.Lock()
		h.stopping = true
		s.mu.Unlock()

		_ = w.Kill()
		<-h.done

		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	s.mu.Lock()
	h.ready = true
	if !h.exited {
		s.state = StateRunning
	}
	s.mu.Unlock()

	plog.Debug("worker running")

	if s.hooks.Started != nil {
		s.hooks.Started(h)
	}

	return h, nil
}

// awaitStartup observes the process for the grace period and runs the
// readiness hook.
func (s *Supervisor) awaitStartup(ctx context.Context, h *Handle) error {
	if grace := s.config.StartupGrace; grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-h.worker.Done():
			return s.earlyExitError(h)
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	select {
	case <-h.worker.Done():
		return s.earlyExitError(h)
	default:
	}

	if s.hooks.Ready != nil {
		if err := s.hooks.Ready(ctx, h); err != nil {
			return fmt.Errorf("readiness check failed: %w", err)
		}
	}

	return nil
}

func (s *Supervisor) earlyExitError(h *Handle) error {
	evt, _ := h.worker.Wait(context.Background())
	return &EarlyExitError{Event: evt}
}

func (s *Supervisor) pump(h *Handle, log *zap.Logger) {
	defer close(h.pumpDone)

	err := codec.Pump(h.pipe, codec.HandlerFuncs{
		Frame: func(f codec.Frame) {
			if s.hooks.Frame != nil {
				s.hooks.Frame(h, f)
			}
		},
		Diagnostic: func(line string) {
			log.Debug("non-protocol output on stdout", zap.String("line", line))
			if s.hooks.Diagnostic != nil {
				s.hooks.Diagnostic(h, SourceStdout, line)
			}
		},
	})
	if err != nil {
		log.Debug("stdout pump stopped", zap.Error(err))
	}
}

// watch handles the exit of the worker process. Pending requests are
// rejected through the exit hook before the handle is cleared.
func (s *Supervisor) watch(h *Handle, log *zap.Logger) {
	evt, _ := h.worker.Wait(context.Background())

	// deliver everything written before the exit
	select {
	case <-h.pumpDone:
	case <-time.After(pumpDrainTimeout):
		log.Debug("stdout not drained after exit")
	}
	_ = h.pipe.CloseRead()

	s.mu.Lock()
	h.exited = true
	h.exit = evt
	expected := h.stopping || !h.ready
	if s.handle == h {
		s.state = StateStopped
	}
	s.mu.Unlock()

	fields := []zap.Field{zap.Bool("expected", expected)}
	if evt.Code != nil {
		fields = append(fields, zap.Int("code", *evt.Code))
	}
	if evt.Signal != nil {
		fields = append(fields, zap.Int("signal", *evt.Signal))
	}

	if expected {
		log.Info("worker exited", fields...)
	} else {
		log.Error("worker exited unexpectedly", append(fields, zap.String("stderr", evt.Stderr))...)
	}

	if s.hooks.Exit != nil {
		s.hooks.Exit(h, evt, expected)
	}

	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	s.mu.Unlock()

	close(h.done)
}

func (s *Supervisor) terminate(ctx context.Context, h *Handle) error {
	// closing stdin lets a well-behaved worker exit on its own
	_ = h.pipe.Close()

	if err := h.worker.Stop(); err != nil {
		return fmt.Errorf("failed to stop worker: %w", err)
	}

	_, err := h.worker.WaitFor(ctx, s.config.StopParams.Timeout)
	if errors.Is(err, worker.ErrKillTimeout) {
		s.log.Warn("worker did not stop in time, killing", zap.Int("pid", h.pid))

		if err := h.worker.Kill(); err != nil {
			return fmt.Errorf("failed to kill worker: %w", err)
		}

		_, err = h.worker.Wait(ctx)
	}

	if err != nil {
		return fmt.Errorf("failed to wait for worker: %w", err)
	}

	return nil
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
}

func defaultWorkerFactory(
	ctx context.Context,
	config worker.StartConfig,
	log *zap.Logger,
	opts ...worker.Option,
) worker.Worker {
	return worker.NewProcessWorker(ctx, config, log, opts...)
}

// MARK: - Handle

// Handle is a started worker process. Writes through Encode go to the
// process stdin.
type Handle struct {
	instanceID string
	pid        int
	startedAt  time.Time

	worker worker.Worker
	pipe   *worker.DuplexPipe
	enc    *codec.Encoder

	// guarded by the supervisor lock
	ready    bool
	stopping bool
	exited   bool
	exit     worker.ExitEvent

	pumpDone chan struct{}
	done     chan struct{}
}

// Encode writes a frame to the worker.
func (h *Handle) Encode(f codec.Frame) error {
	return h.enc.Encode(f)
}

// Done is closed once the exit of the process has been handled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) InstanceID() string {
	return h.instanceID
}

func (h *Handle) Pid() int {
	return h.pid
}

func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// MARK: - Errors

// EarlyExitError is returned when the worker exits during startup.
type EarlyExitError struct {
	Event worker.ExitEvent
}

func (e *EarlyExitError) Error() string {
	msg := "worker exited during startup"

	switch {
	case e.Event.Code != nil:
		msg = fmt.Sprintf("%s with code %d", msg, *e.Event.Code)
	case e.Event.Signal != nil:
		msg = fmt.Sprintf("%s with signal %d", msg, *e.Event.Signal)
	}

	if e.Event.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, lastLine(e.Event.Stderr))
	}

	return msg
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	return s[strings.LastIndex(s, "\n")+1:]
}
