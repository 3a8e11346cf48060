package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/byod-backtesting/bridge/internal/gateway/schema"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrUnauthorizedChannel = errors.New("unauthorized channel")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrMissingOperation    = errors.New("whitelisted channel has no operation")
	ErrUnknownOperation    = errors.New("operation registered for a channel that is not whitelisted")
	ErrDuplicateOperation  = errors.New("channel has more than one operation")
)

// Operation is a privileged host operation reachable through exactly one
// call channel.
//
// Invoke returns the result to send back to the caller. An operation
// that ran but failed returns an ErrorPayload as its result; a returned
// error rejects the call instead.
type Operation interface {
	Channel() string
	Invoke(ctx context.Context, payload json.RawMessage) (any, error)
}

// ErrorPayload is the result of an operation that ran but failed.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Fail returns an ErrorPayload with a formatted message.
func Fail(format string, args ...any) ErrorPayload {
	return ErrorPayload{Error: fmt.Sprintf(format, args...)}
}

// ValidationError is returned for payloads that do not match the
// request schema of a channel.
type ValidationError struct {
	Channel string
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload for %s: %s", e.Channel, strings.Join(e.Details, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

// Params defines the dependencies of the gateway.
type Params struct {
	fx.In

	Operations []Operation `group:"operations"`

	Bus *Bus

	Log *zap.Logger
}

// Gateway is the boundary between the untrusted UI layer and the
// privileged host. Only whitelisted channels pass.
type Gateway struct {
	ops    map[string]Operation
	schema *schema.Schema
	bus    *Bus

	log *zap.Logger
}

// New creates a gateway. It fails unless every whitelisted call channel
// has exactly one operation and every operation is whitelisted.
func New(params Params) (*Gateway, error) {
	s, err := schema.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}

	ops := make(map[string]Operation, len(params.Operations))

	for _, op := range params.Operations {
		name := op.Channel()

		if !IsInvokable(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
		}

		if _, ok := ops[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOperation, name)
		}

		ops[name] = op
	}

	for name := range invokeChannels {
		if _, ok := ops[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingOperation, name)
		}

		if !s.Has(name) {
			return nil, fmt.Errorf("%w: %s", schema.ErrSchemaNotFound, name)
		}
	}

	bus := params.Bus
	if bus == nil {
		bus = NewBus(params.Log)
	}

	return &Gateway{
		ops:    ops,
		schema: s,
		bus:    bus,
		log:    params.Log.Named("gateway"),
	}, nil
}

// Invoke runs the operation of a whitelisted call channel and returns
// its JSON encoded result. Calls to other channels fail with
// ErrUnauthorizedChannel before anything else happens.
func (g *Gateway) Invoke(
	ctx context.Context,
	channel string,
	data json.RawMessage,
) (json.RawMessage, error) {
	log := g.log.With(zap.String("channel", channel))

	op, ok := g.ops[channel]
	if !ok || !IsInvokable(channel) {
		log.Warn("rejected call to unauthorized channel")
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedChannel, channel)
	}

	data = normalizePayload(data)

	if err := g.validate(channel, data); err != nil {
		log.Debug("invalid payload", zap.Error(err))
		return nil, err
	}

	log.Debug("invoking operation")

	result, err := op.Invoke(ctx, data)
	if err != nil {
		log.Debug("operation rejected", zap.Error(err))
		return nil, err
	}

	raw, err := toRaw(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return raw, nil
}

// Subscribe registers handler for a whitelisted event channel. The
// returned function removes the subscription.
func (g *Gateway) Subscribe(event string, handler EventHandler) (func(), error) {
	if !IsSubscribable(event) {
		g.log.Warn("rejected subscription to unauthorized channel", zap.String("event", event))
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedChannel, event)
	}

	return g.bus.subscribe(event, handler), nil
}

func (g *Gateway) validate(channel string, data json.RawMessage) error {
	res, err := g.schema.Validate(channel, data)
	if err != nil {
		// the payload is not valid JSON
		return &ValidationError{Channel: channel, Details: []string{err.Error()}}
	}

	if res.Valid() {
		return nil
	}

	details := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		details = append(details, e.String())
	}

	return &ValidationError{Channel: channel, Details: details}
}

// IsErrorResult reports whether an operation result carries an error
// field.
func IsErrorResult(result json.RawMessage) (string, bool) {
	var payload struct {
		Error *string `json:"error"`
	}

	if err := json.Unmarshal(result, &payload); err != nil || payload.Error == nil {
		return "", false
	}

	return *payload.Error, true
}

func normalizePayload(data json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null")
	}
	return data
}
