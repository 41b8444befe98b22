// Package http provides the HTTP server and API handlers for chunkrelay.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jmylchreest/chunkrelay/internal/config"
	"github.com/jmylchreest/chunkrelay/internal/http/middleware"
	"github.com/jmylchreest/chunkrelay/internal/version"
)

// Server represents the HTTP server.
type Server struct {
	config     config.ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new HTTP server with the given configuration.
// The version parameter is used in the OpenAPI document.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, ver string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if ver == "" {
		ver = "dev"
	}

	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID(logger))
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Metrics)
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())
	router.Use(middleware.SkipCompressionForStreams(chimiddleware.Compress(5)))

	router.Handle("/metrics", promhttp.Handler())

	humaConfig := huma.DefaultConfig(version.ApplicationName+" API", ver)
	humaConfig.Info.Description = "Transcoding relay session and health API"
	api := humachi.New(router, humaConfig)

	return &Server{
		config: cfg,
		router: router,
		api:    api,
		logger: logger,
	}
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the Chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the root handler with request tracing applied. Scrapes,
// health probes and API docs are not traced.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, version.ApplicationName,
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && !strings.HasSuffix(p, "/health") &&
				!strings.HasPrefix(p, "/docs") && !strings.HasPrefix(p, "/openapi")
		}),
	)
}

func (s *Server) newHTTPServer() *http.Server {
	// No write timeout: chunk streams stay open for the whole playback.
	return &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

// Serve serves on ln until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.httpServer == nil {
		s.httpServer = s.newHTTPServer()
	}

	s.logger.Info("starting HTTP server",
		slog.String("address", ln.Addr().String()),
	)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server",
		slog.Duration("timeout", s.config.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and handles graceful shutdown.
// It blocks until ctx is cancelled or the server fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address(), err)
	}

	s.httpServer = s.newHTTPServer()
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
