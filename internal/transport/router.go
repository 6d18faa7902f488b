package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aventus/onboarding/internal/config"
	"github.com/aventus/onboarding/internal/idempotency"
	"github.com/aventus/onboarding/internal/observability"
	"github.com/aventus/onboarding/internal/openapi"
	"github.com/aventus/onboarding/internal/workflow"
	"github.com/aventus/onboarding/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Catalog            Catalog
	Service            *workflow.Service
	OpenAPI            *openapi.Index
	Idempotency        idempotency.Store
	Metrics            *observability.Metrics
	Gatherer           prometheus.Gatherer
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the OpenAPI document
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if cfg.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && cfg.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}
	r.Get("/openapi.yaml", handleOpenAPIDocument)

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	var idem idempotency.Store
	if cfg.Idempotency.Enabled {
		idem = deps.Idempotency
	}
	dedupe := Idempotency(idem, cfg.Idempotency.TTL, logger)
	require := RequireCapability

	// Authenticated routes: full middleware chain.
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(ValidateRequests(deps.OpenAPI))

		r.Group(func(r chi.Router) {
			r.Use(require(model.CapCatalogView))
			r.Get("/catalog/steps", handleCatalogSteps(deps.Catalog))
			r.Get("/business-types", handleBusinessTypes(deps.Catalog))
			r.Get("/business-types/{businessType}/steps", handleWorkflowSteps(deps.Catalog))
			r.Get("/business-types/{businessType}/steps/{stepId}", handleStepApplicability(deps.Catalog))
		})

		svc := deps.Service
		r.With(require(model.CapContractorsView)).Get("/contractors", handleContractorList(svc))
		r.With(require(model.CapContractorsCreate), dedupe).Post("/contractors", handleContractorCreate(svc))
		r.With(require(model.CapContractorsView)).Get("/contractors/{contractorId}", handleContractorGet(svc))
		r.With(require(model.CapContractorsDelete)).Delete("/contractors/{contractorId}", handleContractorDelete(svc))
		r.With(require(model.CapContractorsView)).Get("/contractors/{contractorId}/history", handleContractorHistory(svc))
		r.With(require(model.CapStepsComplete), dedupe).
			Post("/contractors/{contractorId}/steps/{stepId}/complete", handleStepComplete(svc))
		r.With(require(model.CapStatusTransition), dedupe).
			Post("/contractors/{contractorId}/transitions", handleStatusTransition(svc))
		r.With(require(model.CapContractorDecline), dedupe).
			Post("/contractors/{contractorId}/decline", handleContractorDecline(svc))
		r.With(require(model.CapContractorsCreate), dedupe).
			Put("/contractors/{contractorId}/business-type", handleBusinessTypeChange(svc))
	})

	return r
}

func handleOpenAPIDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(openapi.Spec())
}
