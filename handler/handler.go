package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/byod-backtesting/bridge/internal/execution/correlator"
	"github.com/byod-backtesting/bridge/internal/execution/supervisor"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// maxBodySize caps the size of an invoke payload.
const maxBodySize = 4 << 20

// Gateway is the boundary the handlers expose.
type Gateway interface {
	Invoke(ctx context.Context, channel string, data json.RawMessage) (json.RawMessage, error)
	Subscribe(event string, handler gateway.EventHandler) (func(), error)
}

type InvokeHandlerParams struct {
	fx.In

	Gateway Gateway
	Log     *zap.Logger
}

func NewInvokeHandler(params InvokeHandlerParams) *InvokeHandler {
	return &InvokeHandler{
		gateway: params.Gateway,
		log:     params.Log.Named("invoke"),
	}
}

// InvokeHandler calls the operation of the channel named in the path
// with the request body as payload, and writes the operation result.
type InvokeHandler struct {
	gateway Gateway
	log     *zap.Logger
}

func (h *InvokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")

	log := h.log.With(
		zap.String("path", r.URL.Path),
		zap.String("channel", channel),
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		log.Debug("failed to read body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	result, err := h.gateway.Invoke(r.Context(), channel, body)
	if err != nil {
		status := statusFor(err)
		log.Debug("invoke failed", zap.Int("status", status), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// statusFor maps a rejected call to an http status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorizedChannel):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, correlator.ErrTooManyPending):
		return http.StatusTooManyRequests
	case errors.Is(err, correlator.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, correlator.ErrWorkerTerminated):
		return http.StatusBadGateway
	case errors.Is(err, supervisor.ErrStartup),
		errors.Is(err, correlator.ErrCancelled),
		errors.Is(err, correlator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithAuth rejects requests that do not carry key, either in the
// api-key header or, for clients that cannot set headers, in the
// api_key query parameter. An empty key disables the check.
func WithAuth(key string, next http.Handler) http.Handler {
	if key == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("api-key")
		if provided == "" {
			provided = r.URL.Query().Get("api_key")
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(gateway.ErrorPayload{Error: msg})
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
