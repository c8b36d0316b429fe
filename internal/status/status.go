// Package status exposes the supervisor's optional health endpoint: a
// small sidecar HTTP server reporting the state of both children.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Child is the reported state of one supervised process.
type Child struct {
	PID   int    `json:"pid"`
	State string `json:"state"`
}

// Report is the /health payload.
type Report struct {
	Status      string `json:"status"`
	BackendPort int    `json:"backend_port"`
	Backend     Child  `json:"backend"`
	Frontend    Child  `json:"frontend"`
}

// Source produces the current Report on demand.
type Source func() Report

// Server serves GET /health on localhost only. It lives and dies with the
// supervisor.
type Server struct {
	http   *http.Server
	logger *zap.Logger
}

// New builds a Server bound to 127.0.0.1:port.
func New(port int, source Source, logger *zap.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           Handler(source),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler builds the status router.
func Handler(source Source) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(source()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return r
}

// Start serves in the background. A listen failure is logged, never
// fatal.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("status endpoint failed", zap.String("addr", s.http.Addr), zap.Error(err))
		}
	}()
}

// Close shuts the endpoint down.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}
