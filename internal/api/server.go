package api

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the HTTP ingress for the import pipeline.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer creates the API server over the given handlers.
func NewServer(h *Handlers, hc *HealthChecker, allowedOrigins []string) *Server {
	return &Server{
		handler: SetupRoutes(h, hc, allowedOrigins),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Read timeout is generous to cover 100 MB uploads on slow links.
		ReadTimeout:       5 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
