package httpapi

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rendis/sagacore/internal/approval"
	"github.com/rendis/sagacore/internal/engine"
	"github.com/rendis/sagacore/internal/eventbus"
	"github.com/rendis/sagacore/internal/scheduler"
	"github.com/rendis/sagacore/internal/streaming"
	"github.com/rendis/sagacore/internal/validation"
)

// Deps holds the dependencies for the operator API. Bus, Scheduler and
// Hub are optional; their routes answer 503 when missing.
type Deps struct {
	Orchestrator *engine.Orchestrator
	Gates        *approval.Manager
	Bus          *eventbus.Bus
	Hub          streaming.Hub
	Scheduler    *scheduler.Scheduler
	Validator    *validation.Validator
	Logger       *slog.Logger
	// RequestTimeout bounds non-streaming requests. Zero means 30s.
	RequestTimeout time.Duration
}

// Server serves the operator HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(s.deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "sagacore")
	})

	r.Get("/healthz", s.handleHealth)

	// SSE streams stay open past the request timeout.
	r.Get("/tenants/{tenantID}/notifications", s.handleNotifications)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.deps.RequestTimeout))

		r.Get("/definitions", s.handleListDefinitions)
		r.Get("/definitions/{name}/diagram", s.handleDiagram)

		r.Get("/sagas/{id}", s.handleGetInstance)
		r.Get("/sagas/{id}/diagram", s.handleInstanceDiagram)
		r.Get("/tenants/{tenantID}/sagas", s.handleListInstances)

		r.Get("/tenants/{tenantID}/approvals", s.handleListApprovals)
		r.Get("/approvals/{id}", s.handleGetApproval)
		r.Post("/approvals/{id}/decision", s.handleDecide)
		r.Put("/tenants/{tenantID}/escalation-chains/{saga}", s.handlePutChain)

		r.Post("/tenants/{tenantID}/events", s.handlePublishEvent)

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/{name}/run", s.handleRunJob)
	})

	return r
}

// loggingMiddleware logs each request once it completes.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
