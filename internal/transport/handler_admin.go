package transport

import (
	"net/http"

	"github.com/pitabwire/pipeline/internal/automation"
	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/model"
)

func handleSweep(scheduler *automation.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if scheduler == nil {
			writeRequestError(w, r, model.NewBadRequestError("automation is not configured"))
			return
		}
		rctx := model.RequestContextFrom(r.Context())
		report, err := scheduler.SweepTenant(r.Context(), rctx.TenantID)
		if err != nil {
			writeRequestError(w, r, unknownTenant(err))
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleReload(reloader *definition.Reloader, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reloader.Reload(r.Context()); err != nil {
			if model.ErrorCode(err) == "" {
				err = model.NewConfigError("pipeline definitions could not be loaded", err.Error())
			}
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"checksum": registry.Checksum(),
			"tenants":  registry.Tenants(),
		})
	}
}
