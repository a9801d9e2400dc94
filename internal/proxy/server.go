package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhengjr9/gemini-gateway/internal/adapter"
	"github.com/zhengjr9/gemini-gateway/internal/adapter/openai"
	"github.com/zhengjr9/gemini-gateway/internal/config"
	apierrors "github.com/zhengjr9/gemini-gateway/internal/errors"
)

// Server is the gateway's HTTP server.
type Server struct {
	httpServer *http.Server
}

// New constructs a Server serving the OpenAI surface over backend.
func New(cfg *config.Config, backend adapter.Backend) *Server {
	// Paths match exactly; mux would otherwise 301 non-canonical ones.
	router := mux.NewRouter().SkipClean(true)
	// Unmatched paths and methods get a bare 404.
	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(notFound)

	router.Handle("/v1/chat/completions", openai.NewHandler(backend, cfg)).Methods(http.MethodPost)
	router.Handle("/v1/models", openai.NewModelsHandler(backend, cfg)).Methods(http.MethodGet)
	if cfg.MetricsEnabled {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	// CORS wraps the router from outside: mux middleware only runs on
	// matched routes, and OPTIONS must answer on every path.
	var handler http.Handler = router
	handler = corsMiddleware(handler)
	handler = recoveryMiddleware(handler)
	handler = loggingMiddleware(router, handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: cfg.RequestTimeout + 10*time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(apierrors.StatusCode(apierrors.ErrRouteNotFound))
}
