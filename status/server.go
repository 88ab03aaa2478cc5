package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server serves the snapshot as JSON on /health
type Server struct {
	provider Provider
	server   *http.Server
	now      func() time.Time
	logger   *zap.Logger
}

// NewServer creates a health server listening on port
func NewServer(provider Provider, port int, logger *zap.Logger) *Server {
	s := &Server{
		provider: provider,
		now:      time.Now,
		logger:   logger,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("starting health check server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := Evaluate(s.provider.Status(), s.now())

	w.Header().Set("Content-Type", "application/json")
	if snap.Status == Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Warn("failed to encode health status", zap.Error(err))
	}
}
