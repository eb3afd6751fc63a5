package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/automation"
	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/internal/openapi"
	"github.com/pitabwire/pipeline/internal/pipeline"
	"github.com/pitabwire/pipeline/model"
)

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Config             *config.Config
	Engine             *pipeline.Engine
	Scheduler          *automation.Scheduler
	Registry           *definition.Registry
	Reloader           *definition.Reloader
	Document           *openapi.Document
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Readiness          observability.ReadinessChecks
	Metrics            *observability.Metrics
	Logger             *zap.Logger
}

// NewRouter creates the chi router with the full middleware chain. Health,
// readiness, metrics and the OpenAPI document bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", observability.HandleHealth())
		r.Get("/ready", observability.HandleReady(deps.Readiness))
		if deps.Document != nil {
			r.Get("/openapi.json", handleOpenAPI(deps.Document))
		}

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
			r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
			r.Use(RequestLogging(logger))

			read := r.With(RequireCapability(model.CapCardsRead))
			read.Get("/stages", handleStages(deps.Engine))
			read.Get("/board", handleBoard(deps.Engine))
			read.Get("/cards/{cardId}", handleGetCard(deps.Engine))
			read.Get("/cards/{cardId}/history", handleHistory(deps.Engine))
			read.Get("/cards/{cardId}/transitions", handleAvailableTransitions(deps.Engine))

			r.With(RequireCapability(model.CapCardsWrite)).
				Post("/cards", handleCreateCard(deps.Engine, deps.Document))
			r.With(RequireCapability(model.CapCardsTransition)).
				Post("/cards/{cardId}/transitions", handleRequestTransition(deps.Engine, deps.Document))
			r.With(RequireCapability(model.CapAutomationSweep)).
				Post("/automation/sweep", handleSweep(deps.Scheduler))
			if deps.Reloader != nil {
				r.With(RequireCapability(model.CapAdminReload)).
					Post("/admin/pipelines/reload", handleReload(deps.Reloader, deps.Registry))
			}
		})
	})

	return r
}

func handleOpenAPI(doc *openapi.Document) http.HandlerFunc {
	body := doc.JSON()
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}
