package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrEmbeddedNewline = errors.New("frame contains an embedded newline")
)

// Status is the outcome reported by the worker in a response frame.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// CancelAction is the action of the notification sent to the worker
// when the host no longer wants the result of a request.
const CancelAction = "cancel"

// Frame is a single newline-delimited unit of wire data. The same
// shape is used in both directions:
//
//   - requests carry ID, Action and Payload
//   - responses carry ID, Status and either Result or Error
//   - events carry Event and Data, and never an ID
type Frame struct {
	// ID is the correlation identifier. Frames without an ID are
	// notifications and are never matched to a pending request.
	ID *uint64 `json:"id,omitempty"`

	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Status Status          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	// Raw is the line the frame was decoded from, without the
	// trailing newline. It is never encoded.
	Raw string `json:"-"`
}

// HasID reports whether the frame carries a correlation identifier.
func (f Frame) HasID() bool {
	return f.ID != nil
}

// IsEvent reports whether the frame is an unsolicited event.
func (f Frame) IsEvent() bool {
	return f.ID == nil && f.Event != ""
}

// NewRequest creates a request frame. The payload is marshalled to
// JSON unless it already is a json.RawMessage.
func NewRequest(id uint64, action string, payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}

	return Frame{ID: &id, Action: action, Payload: raw}, nil
}

// NewNotification creates a request frame without an identifier.
func NewNotification(action string, payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Action: action, Payload: raw}, nil
}

// NewResult creates a successful response frame for the given request.
func NewResult(id uint64, result any) (Frame, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return Frame{}, err
	}

	return Frame{ID: &id, Status: StatusOK, Result: raw}, nil
}

// NewError creates a failed response frame for the given request.
func NewError(id uint64, message string) Frame {
	return Frame{ID: &id, Status: StatusError, Error: message}
}

// NewEvent creates an event frame.
func NewEvent(event string, data any) (Frame, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Event: event, Data: raw}, nil
}

// DiagnosticError is returned by the decoder for lines that could not
// be parsed as a frame. The line is kept so it can be logged.
type DiagnosticError struct {
	Line  string
	Cause error
}

func (e *DiagnosticError) Error() string {
	return fmt.Sprintf("%s: %q", ErrMalformedFrame.Error(), e.Line)
}

func (e *DiagnosticError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrMalformedFrame}
	}

	return []error{ErrMalformedFrame, e.Cause}
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return raw, nil
}
