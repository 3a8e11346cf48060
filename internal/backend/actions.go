package backend

import (
	"context"
	"runtime"

	"github.com/byod-backtesting/bridge/internal/backend/store"
	"go.uber.org/zap"
)

type PingResult struct {
	OK      bool   `json:"ok"`
	From    string `json:"from"`
	Message string `json:"message"`
}

func (s *Server) ping(ctx context.Context, req *Request) (any, error) {
	var payload struct {
		Message string `json:"message"`
	}

	if err := req.Decode(&payload); err != nil {
		return nil, err
	}

	msg := "Worker responding to ping"
	if payload.Message != "" {
		msg = payload.Message
	}

	return PingResult{OK: true, From: "worker", Message: msg}, nil
}

// DatabaseStatus is the result of a database connection test.
type DatabaseStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	store.Info
}

type HealthResult struct {
	Status    string         `json:"status"`
	Database  DatabaseStatus `json:"database"`
	GoVersion string         `json:"go_version"`
	Message   string         `json:"message"`
}

func (s *Server) healthCheck(ctx context.Context, req *Request) (any, error) {
	db := DatabaseStatus{Status: "connected"}

	info, err := s.store.Info(ctx)
	db.Info = info

	switch {
	case err != nil:
		s.log.Warn("database connection test failed", zap.Error(err))
		db.Status = "error"
		db.Error = err.Error()
	case !info.Exists:
		db.Status = "missing"
	}

	return HealthResult{
		Status:    "ok",
		Database:  db,
		GoVersion: runtime.Version(),
		Message:   "Worker is running",
	}, nil
}

type StrategiesResult struct {
	Strategies []store.Strategy `json:"strategies"`
}

func (s *Server) getStrategies(ctx context.Context, req *Request) (any, error) {
	strategies, err := s.store.Strategies(ctx)
	if err != nil {
		return nil, err
	}

	if strategies == nil {
		strategies = []store.Strategy{}
	}

	return StrategiesResult{Strategies: strategies}, nil
}
