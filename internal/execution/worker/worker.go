package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stderrTailSize is the number of stderr bytes kept for the exit event.
const stderrTailSize = 16 * 1024

type Worker interface {
	// Start spawns the process. Pipes must be requested before.
	Start(context.Context) error

	// Stop sends SIGTERM to the process group.
	Stop() error

	// Kill sends SIGKILL to the process group.
	Kill() error

	// Wait blocks until the process exited or ctx is done.
	Wait(context.Context) (ExitEvent, error)

	// WaitFor is Wait with a timeout. A timeout <= 0 waits forever.
	WaitFor(context.Context, time.Duration) (ExitEvent, error)

	// Done is closed once the process exited.
	Done() <-chan struct{}

	// DuplexPipe returns a stream that writes to stdin and
	// reads from stdout of the process.
	DuplexPipe() (*DuplexPipe, error)

	// Pid returns the process id, or 0 if not started.
	Pid() int
}

// Option configures a ProcessWorker.
type Option func(*ProcessWorker)

// WithStderrHandler registers a function that receives every line the
// process writes to stderr.
func WithStderrHandler(fn func(line string)) Option {
	return func(w *ProcessWorker) {
		w.onStderr = fn
	}
}

type ProcessWorker struct {
	ctx    context.Context
	config StartConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	pid     int

	stdin        io.WriteCloser
	stdout       *os.File
	stdoutWriter *os.File

	stderrMu   sync.Mutex
	stderrTail []byte
	stderrWg   sync.WaitGroup
	onStderr   func(string)

	done chan struct{}
	exit ExitEvent

	log *zap.Logger
}

var _ Worker = (*ProcessWorker)(nil)

// NewProcessWorker creates a worker for the given command. The process
// is killed when ctx is cancelled.
func NewProcessWorker(
	ctx context.Context,
	config StartConfig,
	log *zap.Logger,
	opts ...Option,
) *ProcessWorker {
	w := &ProcessWorker{
		ctx:    ctx,
		config: config,
		done:   make(chan struct{}),
		log:    log.Named("worker"),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start starts the worker process.
func (w *ProcessWorker) Start(ctx context.Context) error {
	w.log.Debug("starting worker process",
		zap.String("command", w.config.Cmd),
		zap.Strings("args", w.config.Args),
		zap.String("cwd", w.config.Cwd),
	)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrWorkerAlreadyStarted
	}

	// exit early if the context is already cancelled
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	if w.config.Cmd == "" {
		return errors.New("failed to start process: no command given")
	}

	cmd := w.ensureCmd()

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	err = cmd.Start()

	// the child owns the write end of stdout now
	if w.stdoutWriter != nil {
		w.stdoutWriter.Close()
	}

	if err != nil {
		if w.stdout != nil {
			w.stdout.Close()
		}
		return fmt.Errorf("failed to start process: %w", err)
	}

	w.started = true
	w.pid = cmd.Process.Pid
	w.log = w.log.With(zap.Int("pid", w.pid))

	w.stderrWg.Add(1)
	go w.readStderr(stderr)

	// wait for the process to terminate and record the exit event
	go func() {
		// stderr must be drained before Wait closes the pipe
		w.stderrWg.Wait()

		err := cmd.Wait()

		w.stderrMu.Lock()
		w.exit = getExitEvent(err, string(w.stderrTail))
		w.stderrMu.Unlock()

		close(w.done)
	}()

	// kill the process once the worker context is cancelled
	go func() {
		select {
		case <-w.done:
		case <-w.ctx.Done():
			w.log.Debug("worker context done, killing process")
			_ = w.signal(syscall.SIGKILL)
		}
	}()

	return nil
}

// DuplexPipe returns a pipe writing to stdin and reading from stdout of
// the process. It must be called before Start.
func (w *ProcessWorker) DuplexPipe() (*DuplexPipe, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil, ErrPipeAfterStart
	}

	if err := w.ensurePipes(); err != nil {
		return nil, err
	}

	return &DuplexPipe{r: w.stdout, w: w.stdin}, nil
}

// ReadPipe returns a pipe reading from stdout of the process. It must
// be called before Start.
func (w *ProcessWorker) ReadPipe() (io.ReadCloser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil, ErrPipeAfterStart
	}

	if err := w.ensurePipes(); err != nil {
		return nil, err
	}

	return w.stdout, nil
}

// Stop sends SIGTERM to the process. It returns immediately.
func (w *ProcessWorker) Stop() error {
	return w.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process. It returns immediately.
func (w *ProcessWorker) Kill() error {
	return w.signal(syscall.SIGKILL)
}

// Done is closed once the process exited.
func (w *ProcessWorker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the process exits. It may be called any number of
// times; every call returns the same exit event.
func (w *ProcessWorker) Wait(ctx context.Context) (ExitEvent, error) {
	if !w.isStarted() {
		return ExitEvent{}, ErrWorkerNotStarted
	}

	select {
	case <-ctx.Done():
		return ExitEvent{}, ctx.Err()
	case <-w.done:
		w.stderrMu.Lock()
		defer w.stderrMu.Unlock()
		return w.exit, nil
	}
}

// WaitFor waits for the process to exit, for at most timeout.
func (w *ProcessWorker) WaitFor(
	ctx context.Context,
	timeout time.Duration,
) (ExitEvent, error) {
	if timeout <= 0 {
		return w.Wait(ctx)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	evt, err := w.Wait(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return evt, ErrKillTimeout
	}

	return evt, err
}

func (w *ProcessWorker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.pid
}

func (w *ProcessWorker) isStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.started
}

func (w *ProcessWorker) signal(sig syscall.Signal) error {
	w.mu.Lock()
	cmd, started := w.cmd, w.started
	w.mu.Unlock()

	if !started {
		return ErrWorkerNotStarted
	}

	// signalling an exited process is a no-op
	select {
	case <-w.done:
		return nil
	default:
	}

	w.log.Debug("sending signal", zap.Stringer("signal", sig))

	if err := killProcess(cmd, sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to send %s: %w", sig, err)
	}

	return nil
}

func (w *ProcessWorker) readStderr(stderr io.Reader) {
	defer w.stderrWg.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		w.stderrMu.Lock()
		w.stderrTail = append(w.stderrTail, line...)
		w.stderrTail = append(w.stderrTail, '\n')
		if over := len(w.stderrTail) - stderrTailSize; over > 0 {
			w.stderrTail = w.stderrTail[over:]
		}
		w.stderrMu.Unlock()

		if w.onStderr != nil {
			w.onStderr(line)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		w.log.Debug("failed to read from stderr", zap.Error(err))
	}
}

func (w *ProcessWorker) ensureCmd() *exec.Cmd {
	if w.cmd != nil {
		return w.cmd
	}

	cmd := exec.Command(w.config.Cmd, w.config.Args...)

	cmd.Env = os.Environ()
	for k, v := range w.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if w.config.Cwd != "" {
		cmd.Dir = w.config.Cwd
	}

	initCmd(cmd)

	w.cmd = cmd

	return cmd
}

func (w *ProcessWorker) ensurePipes() error {
	if w.stdin != nil {
		return nil
	}

	cmd := w.ensureCmd()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// stdout is a plain os.Pipe rather than cmd.StdoutPipe, as
	// cmd.Wait would close the read end while data may be unread
	stdout, stdoutWriter, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	cmd.Stdout = stdoutWriter

	w.stdin = stdin
	w.stdout = stdout
	w.stdoutWriter = stdoutWriter

	return nil
}

// MARK: - Pipes

// DuplexPipe writes to stdin and reads from stdout of a process.
type DuplexPipe struct {
	r io.ReadCloser
	w io.WriteCloser
}

var _ io.ReadWriteCloser = (*DuplexPipe)(nil)

func (p *DuplexPipe) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *DuplexPipe) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

// Close closes stdin, signalling EOF to the process. Output that is
// still buffered can be read until the process exits.
func (p *DuplexPipe) Close() error {
	return p.w.Close()
}

// CloseRead closes the read end of stdout.
func (p *DuplexPipe) CloseRead() error {
	return p.r.Close()
}

// MARK: - Helpers

func getExitEvent(err error, stderr string) ExitEvent {
	var cell int
	var exitStatus *int
	var signo *int

	if err == nil {
		// the process exited successfully, set the exit code to 0
		exitStatus = &cell
	} else if exitError, ok := err.(*exec.ExitError); ok {
		// the process exited with an error
		if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// the process was terminated by a signal
				cell = int(status.Signal())
				signo = &cell
			} else {
				cell = status.ExitStatus()
				exitStatus = &cell
			}
		}
	}

	if signo == nil && exitStatus == nil {
		// could not determine the exit status or signal,
		// set exit status to 1
		cell = 1
		exitStatus = &cell
	}

	return ExitEvent{
		Code:   exitStatus,
		Signal: signo,
		Stderr: stderr,
	}
}
