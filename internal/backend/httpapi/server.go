// Package httpapi is the ingest backend's HTTP surface: device
// registration, reading ingestion and the read endpoints.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"aeris-agent/internal/backend/store"
)

type api struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewMux routes every endpoint. Only /healthz is unauthenticated.
func NewMux(repo store.Repository, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{repo: repo, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("POST /v1/devices", a.requireAPIKey(a.handleRegisterDevice))
	mux.HandleFunc("POST /v1/readings", a.requireAPIKey(a.handleCreateReading))
	mux.HandleFunc("GET /v1/devices/{id}/latest", a.requireAPIKey(a.handleLatest))
	mux.HandleFunc("GET /v1/devices/{id}/history", a.requireAPIKey(a.handleHistory))
	return mux
}

func NewServer(addr string, mux *http.ServeMux, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
