package handler

import (
	"encoding/json"
	"net/http"

	"github.com/byod-backtesting/bridge/internal/execution/supervisor"
	"github.com/byod-backtesting/bridge/internal/gateway"
)

// StatusProvider reports the worker status.
type StatusProvider interface {
	Status() supervisor.Status
}

type healthResponse struct {
	Status string            `json:"status"`
	Worker supervisor.Status `json:"worker"`
}

// HealthHandler reports that the host is up, without touching the
// worker.
func HealthHandler(status StatusProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(healthResponse{Status: "ok", Worker: status.Status()})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, body)
	})
}

// ChannelsHandler lists the boundary whitelist.
func ChannelsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(gateway.Channels())
		writeJSON(w, http.StatusOK, body)
	})
}
