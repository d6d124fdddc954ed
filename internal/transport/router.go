package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/contract"
	"github.com/pitabwire/steward/internal/journey"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/routing"
	"github.com/pitabwire/steward/internal/soa"
	"github.com/pitabwire/steward/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Clock        model.Clock

	IntentRouter *routing.Router
	Registry     *journey.Registry
	Deriver      *soa.Deriver
	Contracts    *contract.Manager
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes — bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	// Authenticated routes — full middleware chain.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildExecutionContext(deps.Config.Identity.ClaimPaths, deps.Clock))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(observability.TracingMiddleware)

		r.Post("/v1/intents", handleIntent(deps.IntentRouter))
		r.Get("/v1/solutions", handleListSolutions(deps.Registry))
		r.Get("/v1/solutions/{solutionID}/apis", handleListAPIs(deps.Registry, deps.Deriver))
		r.Post("/v1/contracts", handleCreateContract(deps.Contracts))
		r.Get("/v1/contracts", handleGetContract(deps.Contracts))
		r.Post("/v1/contracts/facts", handleRecordFact(deps.Contracts))
	})

	return r
}
