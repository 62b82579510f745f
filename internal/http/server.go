// Package http exposes the chat service over HTTP: an SSE chat endpoint
// plus JSON endpoints for models, conversations, memories and balances.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	. "chatrelay/internal/logging"
	"chatrelay/internal/gateway"
	"chatrelay/internal/store"
)

// Server represents the HTTP server
type Server struct {
	server      *http.Server
	store       store.Store
	gateway     *gateway.Gateway
	rateLimiter *RateLimiter
	wg          sync.WaitGroup
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen string // Address to listen on (e.g., ":8080", "127.0.0.1:8080")
}

// NewServer creates a new HTTP server instance
func NewServer(cfg ServerConfig, st store.Store, gw *gateway.Gateway) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = ":8080"
	}

	s := &Server{
		store:       st,
		gateway:     gw,
		rateLimiter: NewRateLimiter(10 * time.Second),
	}

	s.server = &http.Server{
		Addr:        listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: chat streams stay open far longer than any
		// sane fixed deadline; liveness is the relay's heartbeat job.
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Apply middleware chain: logging -> strip headers -> rate limit -> auth
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.rateLimit(s.bearerAuth(h))))
	}

	mux.HandleFunc("/chat", wrap(s.handleChat))
	mux.HandleFunc("/models", wrap(s.handleModels))
	mux.HandleFunc("/conversations", wrap(s.handleConversations))
	mux.HandleFunc("/conversations/", wrap(s.handleConversation))
	mux.HandleFunc("/memories", wrap(s.handleMemories))
	mux.HandleFunc("/memories/", wrap(s.handleMemoryDelete))
	mux.HandleFunc("/balance", wrap(s.handleBalance))

	// Liveness probe, unauthenticated
	mux.HandleFunc("/healthz", s.logRequest(s.stripHeaders(s.handleHealthz)))

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("http: server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_debug("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}
