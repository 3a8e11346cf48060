package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/byod-backtesting/bridge/internal/backend/store"
	"github.com/byod-backtesting/bridge/internal/execution/codec"
	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"
)

// ErrUnknownAction is answered for actions without a handler.
var ErrUnknownAction = errors.New("Unknown action")

var errCancelled = errors.New("request cancelled by host")

// HandlerFunc handles a single request. The returned value is sent as
// the result of the response; a returned error is sent as its error.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Request is a request received from the host.
type Request struct {
	ID      uint64
	Action  string
	Payload json.RawMessage

	sess *session
}

// Emit sends an event to the host.
func (r *Request) Emit(event string, data any) {
	r.sess.emit(event, data)
}

// Decode unmarshals the payload into v. An empty payload leaves v
// untouched.
func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil
	}

	return json.Unmarshal(r.Payload, v)
}

type Params struct {
	Config Config

	// Store is the trading data store. If nil, a store is created from
	// the config.
	Store *store.Store

	Log *zap.Logger
}

// Server is the reference worker. It reads requests from the host on
// one stream and writes responses and events to another.
type Server struct {
	config   Config
	store    *store.Store
	handlers map[string]HandlerFunc
	pool     *puddle.Pool[*slot]
	log      *zap.Logger
}

func New(params Params) (*Server, error) {
	log := params.Log.Named("backend")

	st := params.Store
	if st == nil {
		st = store.New(params.Config.Store, params.Log)
	}

	pool, err := createPool(params.Config.concurrency(), log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: params.Config,
		store:  st,
		pool:   pool,
		log:    log,
	}

	s.handlers = map[string]HandlerFunc{
		"ping":           s.ping,
		"health-check":   s.healthCheck,
		"import-data":    s.importData,
		"get-strategies": s.getStrategies,
	}

	return s, nil
}

// Handle registers a handler for action, replacing any existing one.
// It must be called before Serve.
func (s *Server) Handle(action string, h HandlerFunc) {
	s.handlers[action] = h
}

// Serve handles requests read from r until r is exhausted or ctx is
// done. Requests are handled concurrently, so responses may be written
// out of order. Serve returns after every in-flight request finished.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{
		srv:      s,
		ctx:      ctx,
		enc:      codec.NewEncoder(w),
		inflight: make(map[uint64]context.CancelCauseFunc),
		log:      s.log,
	}

	pumpErr := make(chan error, 1)

	go func() {
		pumpErr <- codec.Pump(r, codec.HandlerFuncs{
			Frame:      sess.dispatch,
			Diagnostic: sess.diagnostic,
		})
	}()

	var err error
	select {
	case err = <-pumpErr:
	case <-ctx.Done():
	}

	if err == nil && ctx.Err() == nil {
		s.log.Debug("input closed, waiting for in-flight requests",
			zap.Int64("inflight", sess.count.Load()))
	}

	sess.wg.Wait()

	return err
}

// Close releases the executor pool and the store.
func (s *Server) Close() error {
	s.pool.Close()
	return s.store.Close()
}

// MARK: - Session

type session struct {
	srv *Server
	ctx context.Context
	enc *codec.Encoder

	mu       sync.Mutex
	inflight map[uint64]context.CancelCauseFunc

	wg    sync.WaitGroup
	count atomic.Int64

	log *zap.Logger
}

func (s *session) dispatch(f codec.Frame) {
	if !f.HasID() {
		s.notification(f)
		return
	}

	id := *f.ID

	ctx, cancel := context.WithCancelCause(s.ctx)

	s.mu.Lock()
	if _, dup := s.inflight[id]; dup {
		s.mu.Unlock()
		cancel(nil)
		s.log.Warn("ignoring request with duplicate id", zap.Uint64("id", id))
		return
	}
	s.inflight[id] = cancel
	s.mu.Unlock()

	req := &Request{ID: id, Action: f.Action, Payload: f.Payload, sess: s}

	s.wg.Add(1)
	s.count.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.count.Add(-1)
		defer s.finish(id)

		s.handle(ctx, req)
	}()
}

func (s *session) handle(ctx context.Context, req *Request) {
	log := s.log.With(zap.Uint64("id", req.ID), zap.String("action", req.Action))

	res, err := s.srv.pool.Acquire(ctx)
	if err != nil {
		if s.cancelled(ctx) {
			log.Debug("request cancelled while queued")
			return
		}
		s.respondError(req.ID, err)
		return
	}
	defer res.Release()

	handler, ok := s.srv.handlers[req.Action]
	if !ok {
		s.respondError(req.ID, ErrUnknownAction)
		return
	}

	log.Debug("handling request", zap.Int("slot", res.Value().index))

	result, err := handler(ctx, req)

	if s.cancelled(ctx) {
		log.Debug("request cancelled, dropping response")
		return
	}

	if err != nil {
		s.respondError(req.ID, err)
		return
	}

	frame, err := codec.NewResult(req.ID, result)
	if err != nil {
		s.respondError(req.ID, err)
		return
	}

	s.write(frame)
}

func (s *session) notification(f codec.Frame) {
	if f.Action != codec.CancelAction {
		s.log.Warn("dropping notification", zap.String("action", f.Action))
		return
	}

	var payload struct {
		ID uint64 `json:"id"`
	}

	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.log.Warn("invalid cancel notification", zap.Error(err))
		return
	}

	s.mu.Lock()
	cancel, ok := s.inflight[payload.ID]
	s.mu.Unlock()

	if ok {
		cancel(errCancelled)
	}
}

func (s *session) diagnostic(line string) {
	s.log.Warn("ignoring malformed request", zap.String("line", line))
}

func (s *session) finish(id uint64) {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()

	if ok {
		cancel(nil)
	}
}

func (s *session) cancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errCancelled)
}

func (s *session) respondError(id uint64, err error) {
	s.write(codec.NewError(id, err.Error()))
}

func (s *session) emit(event string, data any) {
	frame, err := codec.NewEvent(event, data)
	if err != nil {
		s.log.Error("failed to create event", zap.String("event", event), zap.Error(err))
		return
	}

	s.write(frame)
}

func (s *session) write(f codec.Frame) {
	if err := s.enc.Encode(f); err != nil {
		s.log.Error("failed to write frame", zap.Error(err))
	}
}

// MARK: - Pool

type slot struct {
	index int
}

func createPool(size int, log *zap.Logger) (*puddle.Pool[*slot], error) {
	var next atomic.Int64

	constructor := func(ctx context.Context) (*slot, error) {
		return &slot{index: int(next.Add(1))}, nil
	}

	destructor := func(s *slot) {
		log.Debug("releasing executor slot", zap.Int("slot", s.index))
	}

	return puddle.NewPool(&puddle.Config[*slot]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     int32(size),
	})
}
