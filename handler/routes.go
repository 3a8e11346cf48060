package handler

import (
	"github.com/byod-backtesting/bridge/config"
	"github.com/byod-backtesting/bridge/internal/server"
)

func NewInvokeRoute(handler *InvokeHandler, cfg config.Config) server.HttpHandlerResult {
	return server.AsHttpHandler("POST /invoke/{channel}", WithAuth(cfg.Auth.Key, handler))
}

func NewEventsRoute(handler *EventsHandler, cfg config.Config) server.HttpHandlerResult {
	return server.AsHttpHandler("GET /events", WithAuth(cfg.Auth.Key, handler))
}

func NewChannelsRoute(cfg config.Config) server.HttpHandlerResult {
	return server.AsHttpHandler("GET /channels", WithAuth(cfg.Auth.Key, ChannelsHandler()))
}

func NewHealthRoute(status StatusProvider) server.HttpHandlerResult {
	return server.AsHttpHandler("GET /health", HealthHandler(status))
}
