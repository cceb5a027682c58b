package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"quant-terminal/internal/config"
)

// Server runs the signal-router HTTP API.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the router around the handler set.
func NewServer(cfg config.ServerConfig, h *Handlers, logger *slog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      NewRouter(h),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// NewRouter wires the route table; exported so tests drive it through
// httptest without a listener.
func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register_instance", h.HandleRegister)
	mux.HandleFunc("POST /unregister_instance/{id}", h.HandleUnregister)
	mux.HandleFunc("GET /instances", h.HandleInstances)
	mux.HandleFunc("GET /balance/{id}", h.HandleBalance)

	mux.HandleFunc("POST /webhook", h.HandleWebhook)
	mux.HandleFunc("POST /webhook/{id}", h.HandleWebhookInstance)
	mux.HandleFunc("POST /reset/{id}", h.HandleReset)
	mux.HandleFunc("POST /test/{id}", h.HandleTest)
	mux.HandleFunc("POST /update_config/{id}", h.HandleUpdateConfig)

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /monitor/status", h.HandleMonitorStatus)
	mux.HandleFunc("POST /monitor/pairs", h.HandleMonitorAddPair)
	mux.HandleFunc("DELETE /monitor/pairs", h.HandleMonitorRemovePair)

	return mux
}

// Start blocks serving requests until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
