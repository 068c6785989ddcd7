package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/valet/internal/channels"
)

// startHTTP serves metrics, the health endpoint, and the websocket
// mount. An empty address disables the HTTP surface entirely.
func (s *Server) startHTTP() error {
	addr := s.cfg.Gateway.HTTPAddr
	if addr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.httpMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("http server listening", "addr", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) httpMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.wsHandler != nil {
		path := s.cfg.Channels.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		mux.Handle(path, s.wsHandler)
	}
	for pattern, handler := range s.extraHandlers {
		mux.Handle(pattern, handler)
	}
	return mux
}

type healthReport struct {
	Status   string                     `json:"status"`
	Channels map[string]channels.Status `json:"channels,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "ok", Channels: make(map[string]channels.Status)}
	if s.draining.Load() {
		report.Status = "stopping"
	}
	for _, adapter := range s.registry.All() {
		report.Channels[string(adapter.Type())] = adapter.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Warn("healthz encode failed", "error", err)
	}
}

func (s *Server) stopHTTP(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
}
