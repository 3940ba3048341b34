package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/lukolszewski/local-rerank/internal/auth"
	"github.com/lukolszewski/local-rerank/internal/metrics"
	"github.com/lukolszewski/local-rerank/internal/reranker"
)

// Reranker is the orchestration capability the HTTP layer depends on.
type Reranker interface {
	Rerank(ctx context.Context, req reranker.Request) (*reranker.Response, error)
}

// HTTPServer wraps an HTTP server exposing the rerank API
type HTTPServer struct {
	server           *http.Server
	logger           *slog.Logger
	reranker         Reranker
	info             InfoResponse
	ready            func() bool
	exposeErrorTrace bool
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins

	// H2C serves HTTP/2 without TLS alongside HTTP/1.1.
	H2C bool

	// ExposeErrorTrace puts stack traces of internal errors in responses.
	// When false the response carries a correlation id and the trace is logged.
	ExposeErrorTrace bool

	// WriteTimeout must exceed the slowest backend call (default: 5m).
	WriteTimeout time.Duration
}

// Dependencies holds the collaborators the HTTP handlers use
type Dependencies struct {
	Reranker Reranker
	Info     InfoResponse

	// Auth guards /rerank; nil disables authentication.
	Auth *auth.Authenticator
	// Metrics enables /metrics and request instrumentation when set.
	Metrics *metrics.Metrics
	// Ready backs /readyz; nil means always ready.
	Ready func() bool
}

// NewHTTPServer creates a new HTTP server with the rerank routes mounted
func NewHTTPServer(cfg HTTPServerConfig, deps Dependencies) (*HTTPServer, error) {
	if deps.Reranker == nil {
		return nil, errors.New("reranker is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ready := deps.Ready
	if ready == nil {
		ready = func() bool { return true }
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Minute // Backend calls may take up to 120s plus queueing
	}

	s := &HTTPServer{
		logger:           logger,
		reranker:         deps.Reranker,
		info:             deps.Info,
		ready:            ready,
		exposeErrorTrace: cfg.ExposeErrorTrace,
	}

	// Create chi router
	router := chi.NewRouter()

	// Add middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware)
	}

	router.Get("/", s.handleRoot)
	router.Get("/docs", s.handleDocs)
	router.Get("/openapi.json", s.handleOpenAPI)
	router.Get("/info", s.handleInfo)
	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", s.readinessCheckHandler())
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler())
	}

	router.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Middleware)
		}
		r.Post("/rerank", s.handleRerank)
	})

	var handler http.Handler = router
	if cfg.H2C {
		handler = h2c.NewHandler(router, &http2.Server{})
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Listen binds the configured port without serving, so callers can report
// readiness only once the address is held.
func (s *HTTPServer) Listen() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return listener, nil
}

// Serve accepts connections on listener until Shutdown
func (s *HTTPServer) Serve(listener net.Listener) error {
	s.logger.Info("starting HTTP server", "address", listener.Addr().String())

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the root handler, including the h2c wrapper when enabled
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			level := slog.LevelInfo
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware answers preflights and sets CORS headers for allowed
// origins. An empty list or "*" allows any origin without credentials.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	anyOrigin := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			anyOrigin = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; ok && origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			} else if anyOrigin {
				h.Set("Access-Control-Allow-Origin", "*")
			}

			if h.Get("Access-Control-Allow-Origin") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
		})
	}
}

// readinessCheckHandler reports whether the scoring backend is ready
func (s *HTTPServer) readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ready",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
