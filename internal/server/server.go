package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

// StatsProvider reports a snapshot of runtime statistics.
type StatsProvider interface {
	GetStats() map[string]any
}

// Channel is a running channel whose output directory is served over HTTP.
type Channel interface {
	StatsProvider
	Name() string
	OutputDir() string
}

// Server serves channel output directories, health and metrics.
type Server struct {
	channels   map[string]Channel
	order      []string
	cluster    StatsProvider
	metrics    http.Handler
	port       int
	logger     *slog.Logger
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCluster adds cluster statistics to the health report.
func WithCluster(c StatsProvider) Option {
	return func(s *Server) { s.cluster = c }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a new HTTP server
func New(channels []Channel, port int, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		channels: make(map[string]Channel, len(channels)),
		port:     port,
		logger:   logger,
	}
	for _, ch := range channels {
		s.channels[ch.Name()] = ch
		s.order = append(s.order, ch.Name())
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with all routes registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Get("/channels/{channel}/*", s.handleChannelFile)

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.logger.Error("HTTP server failed", "port", s.port, "error", err)
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handleChannelFile serves playlists and segment links from a channel's output directory.
func (s *Server) handleChannelFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")
	ch, ok := s.channels[name]
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	file := chi.URLParam(r, "*")
	if file == "" {
		http.NotFound(w, r)
		return
	}

	switch path.Ext(file) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Rewrite to the file path so FileServer never sees the channel prefix
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + file
	http.FileServer(http.Dir(ch.OutputDir())).ServeHTTP(w, r2)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	channels := make([]map[string]any, 0, len(s.order))
	for _, name := range s.order {
		stats := s.channels[name].GetStats()
		if stats["state"] == "failed" {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		channels = append(channels, stats)
	}

	health := map[string]any{
		"status":   status,
		"channels": channels,
	}
	if s.cluster != nil {
		health["cluster"] = s.cluster.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
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
			"size", wrapped.size,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}
