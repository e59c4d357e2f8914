package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/provider"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// ServerOptions configures the gateway listener.
type ServerOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// Tracing adds trace context extraction and server spans.
	Tracing bool
	// Metrics records per-route handling time when non-nil.
	Metrics *metrics.Metrics
	// AuthToken, when set, is required as a Bearer token on /v1 routes.
	AuthToken string
}

// Server is the HTTP server for the gateway. It binds the chi router to
// the configured address and provides graceful shutdown.
type Server struct {
	router  chi.Router
	handler *Handler
	httpSrv *http.Server
}

// NewServer mounts the gateway routes for handler. Zero timeouts leave the
// corresponding http.Server field unset.
func NewServer(handler *Handler, opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.Tracing {
		r.Use(tracing.HTTPMiddleware)
	}
	if opts.Metrics != nil {
		r.Use(metrics.Middleware(opts.Metrics))
	}

	r.Get("/health", handler.HandleHealth)
	r.Get("/health/ready", handler.HandleReady)

	r.Group(func(r chi.Router) {
		if opts.AuthToken != "" {
			r.Use(AuthMiddleware(opts.AuthToken))
		}
		r.Post("/v1/chat/completions", handler.HandleEndpoint(provider.EndpointChatCompletions))
		r.Post("/v1/messages", handler.HandleEndpoint(provider.EndpointMessages))
		r.Post("/v1/responses", handler.HandleEndpoint(provider.EndpointResponses))
		r.Post("/v1/embeddings", handler.HandleEndpoint(provider.EndpointEmbeddings))
		r.Get("/v1/models", handler.HandleModels)
	})

	return &Server{
		router:  r,
		handler: handler,
		httpSrv: &http.Server{
			Addr:              opts.Addr,
			Handler:           r,
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      opts.WriteTimeout,
			IdleTimeout:       opts.IdleTimeout,
		},
	}
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}

// Router returns the underlying chi.Router.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start listens for HTTP connections. It blocks until the server is shut
// down and returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// StartTLS is Start over HTTPS.
func (s *Server) StartTLS(certFile, keyFile string) error {
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server (TLS): %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
