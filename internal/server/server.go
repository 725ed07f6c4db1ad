// Package server exposes the state of a running job over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/agleyzer/hlsgrab/internal/progress"
)

// Source reports job progress.
type Source interface {
	Snapshot() progress.Snapshot
}

// Info describes the job being served.
type Info struct {
	JobID  string `json:"job_id"`
	Source string `json:"source"`
	Output string `json:"output"`
}

// Server serves job health and progress
type Server struct {
	source     Source
	info       Info
	port       int
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server
func New(port int, source Source, info Info, logger *slog.Logger) *Server {
	return &Server{
		source: source,
		info:   info,
		port:   port,
		logger: logger,
	}
}

// Handler returns the routes of the status server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/progress", s.handleProgress)

	return s.loggingMiddleware(mux)
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Listen binds the configured port.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return nil, fmt.Errorf("status server: %w", err)
	}
	return ln, nil
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully. It
// returns once the listener is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler: s.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("starting status server", "addr", ln.Addr().String())
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Debug("shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handleHealth reports whether the job is still healthy
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()

	status := "ok"
	code := http.StatusOK
	if snap.Fatal != "" {
		status = "failing"
		code = http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status": status,
		"job":    s.info,
	}
	if snap.Fatal != "" {
		health["error"] = snap.Fatal
	}

	writeJSON(w, code, health)
}

// progressResponse is the body of /progress.
type progressResponse struct {
	progress.Snapshot
	Percent        float64 `json:"percent"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// handleProgress serves the current counters
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()

	resp := progressResponse{
		Snapshot:       snap,
		ElapsedSeconds: snap.Elapsed.Seconds(),
	}
	if snap.Total > 0 {
		resp.Percent = float64(snap.Completed) / float64(snap.Total) * 100
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
