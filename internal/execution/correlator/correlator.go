package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/byod-backtesting/bridge/internal/execution/codec"
	"go.uber.org/zap"
)

var (
	ErrRequestTimeout   = errors.New("request timed out")
	ErrWorkerTerminated = errors.New("worker terminated")
	ErrCancelled        = errors.New("request cancelled")
	ErrTooManyPending   = errors.New("too many pending requests")
	ErrClosed           = errors.New("correlator closed")
)

// Sink is the write side of the worker stream.
type Sink interface {
	Encode(codec.Frame) error
}

type Config struct {
	// Timeout is the default deadline of a pending request.
	// A zero value disables the deadline.
	Timeout time.Duration `conf:"timeout"`

	// MaxPending caps the number of in-flight requests.
	// A zero value means no cap.
	MaxPending int `conf:"max_pending"`
}

type Params struct {
	Config Config
	Log    *zap.Logger
}

// Response is the worker's answer to a single request.
type Response struct {
	ID     uint64
	Status codec.Status
	Result json.RawMessage
	Error  string
}

// Failed reports whether the worker executed the request but reported
// a domain-level failure.
func (r Response) Failed() bool {
	return r.Status == codec.StatusError || (r.Status == "" && r.Error != "")
}

// OperationError returns the domain-level failure reported by the
// worker, or nil.
func (r Response) OperationError() error {
	if !r.Failed() {
		return nil
	}

	return &OperationError{Message: r.Error}
}

// OperationError is a domain-level failure reported by the worker. It
// is not a transport failure and never rejects a call.
type OperationError struct {
	Message string
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return "operation failed"
	}
	return e.Message
}

type entry struct {
	call  *Call
	sink  Sink
	timer *time.Timer
}

// Correlator matches responses read from a shared worker stream to the
// requests that produced them.
type Correlator struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*entry
	closed  bool

	timeout    time.Duration
	maxPending int

	log *zap.Logger
}

func New(params Params) *Correlator {
	log := params.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Correlator{
		pending:    make(map[uint64]*entry),
		timeout:    params.Config.Timeout,
		maxPending: params.Config.MaxPending,
		log:        log.Named("correlator"),
	}
}

// Call allocates the next identifier, registers a pending entry and
// writes the request to sink. A timeout of zero uses the configured
// default. The returned call completes exactly once.
func (c *Correlator) Call(
	sink Sink,
	action string,
	payload any,
	timeout time.Duration,
) (*Call, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	if c.maxPending > 0 && len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return nil, ErrTooManyPending
	}

	c.nextID++
	id := c.nextID

	req, err := codec.NewRequest(id, action, payload)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	call := newCall(id, action)
	e := &entry{call: call, sink: sink}

	// register before writing, the worker may answer before
	// Encode returns
	c.pending[id] = e

	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			if c.Reject(id, ErrRequestTimeout) {
				c.log.Warn("request timed out",
					zap.Uint64("id", id),
					zap.String("action", action),
					zap.Duration("timeout", timeout),
				)
			}
		})
	}

	c.mu.Unlock()

	if err := sink.Encode(req); err != nil {
		c.Reject(id, fmt.Errorf("failed to send request: %w", err))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	c.log.Debug("request sent", zap.Uint64("id", id), zap.String("action", action))

	return call, nil
}

// OnFrame resolves the pending request matching the frame's identifier.
// It reports whether a request was resolved; frames without an
// identifier, or with an unknown one, are dropped.
func (c *Correlator) OnFrame(f codec.Frame) bool {
	if !f.HasID() {
		c.log.Debug("dropping unsolicited frame", zap.String("raw", f.Raw))
		return false
	}

	id := *f.ID

	e := c.remove(id)
	if e == nil {
		c.log.Debug("dropping frame with unknown id", zap.Uint64("id", id))
		return false
	}

	e.call.settle(Response{
		ID:     id,
		Status: f.Status,
		Result: f.Result,
		Error:  f.Error,
	}, nil)

	return true
}

// Reject completes the pending request with err. It reports whether
// the request was still pending.
func (c *Correlator) Reject(id uint64, err error) bool {
	e := c.remove(id)
	if e == nil {
		return false
	}

	e.call.settle(Response{}, err)

	return true
}

// Cancel rejects the pending request with ErrCancelled and notifies
// the worker on a best-effort basis. A response arriving afterwards is
// dropped as unsolicited.
func (c *Correlator) Cancel(id uint64) bool {
	e := c.remove(id)
	if e == nil {
		return false
	}

	e.call.settle(Response{}, ErrCancelled)

	notification, err := codec.NewNotification(codec.CancelAction, map[string]uint64{"id": id})
	if err == nil {
		err = e.sink.Encode(notification)
	}
	if err != nil {
		c.log.Debug("failed to notify worker of cancellation", zap.Uint64("id", id), zap.Error(err))
	}

	return true
}

// RejectAll rejects every pending request with err and returns the
// number of rejected requests.
func (c *Correlator) RejectAll(err error) int {
	return c.rejectWhere(func(*entry) bool { return true }, err)
}

// RejectSink rejects every pending request written to sink.
func (c *Correlator) RejectSink(sink Sink, err error) int {
	return c.rejectWhere(func(e *entry) bool { return e.sink == sink }, err)
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Close rejects all pending requests and refuses new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.RejectAll(ErrClosed)
}

func (c *Correlator) rejectWhere(match func(*entry) bool, err error) int {
	c.mu.Lock()

	var rejected []*entry
	for id, e := range c.pending {
		if !match(e) {
			continue
		}
		delete(c.pending, id)
		if e.timer != nil {
			e.timer.Stop()
		}
		rejected = append(rejected, e)
	}

	c.mu.Unlock()

	for _, e := range rejected {
		e.call.settle(Response{}, err)
	}

	return len(rejected)
}

// remove takes the entry out of the table. Whoever removes an entry
// owns its single terminal event.
func (c *Correlator) remove(id uint64) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[id]
	if !ok {
		return nil
	}

	delete(c.pending, id)

	if e.timer != nil {
		e.timer.Stop()
	}

	return e
}

// MARK: - Call

// Call is a request awaiting its response.
type Call struct {
	id        uint64
	action    string
	submitted time.Time

	once sync.Once
	done chan struct{}
	res  Response
	err  error
}

func newCall(id uint64, action string) *Call {
	return &Call{
		id:        id,
		action:    action,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

func (c *Call) ID() uint64 {
	return c.id
}

func (c *Call) Action() string {
	return c.action
}

func (c *Call) Submitted() time.Time {
	return c.submitted
}

// Done is closed once the call has been resolved or rejected.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome of a completed call. It must only be
// called after Done has been closed.
func (c *Call) Result() (Response, error) {
	return c.res, c.err
}

// Wait blocks until the call completes or ctx is done. Wait does not
// cancel the call when ctx is done.
func (c *Call) Wait(ctx context.Context) (Response, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Call) settle(res Response, err error) {
	c.once.Do(func() {
		c.res = res
		c.err = err
		close(c.done)
	})
}
