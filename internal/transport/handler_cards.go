package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/pipeline/internal/openapi"
	"github.com/pitabwire/pipeline/internal/pipeline"
	"github.com/pitabwire/pipeline/model"
)

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON body, validates it against the operation's schema
// when doc is set, and decodes it into dst.
func decodeBody(r *http.Request, doc *openapi.Document, operationID string, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return model.NewBadRequestError("could not read request body")
	}
	if len(raw) > maxBodyBytes {
		return model.NewBadRequestError("request body too large")
	}

	var generic any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &generic); err != nil {
			return model.NewBadRequestError("invalid JSON body")
		}
	}
	if doc != nil {
		if details := doc.ValidateBody(operationID, generic); len(details) > 0 {
			ee := model.NewBadRequestError("request body does not match the schema")
			ee.Details = details
			return ee
		}
	}
	if generic == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func handleCreateCard(engine *pipeline.Engine, doc *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body struct {
			ID      string        `json:"id"`
			Payload model.Payload `json:"payload"`
		}
		if err := decodeBody(r, doc, "createCard", &body); err != nil {
			writeRequestError(w, r, err)
			return
		}

		card, err := engine.CreateCard(r.Context(), pipeline.CreateRequest{
			TenantID: rctx.TenantID,
			CardID:   body.ID,
			Payload:  body.Payload,
			Actor:    rctx.Actor(),
		})
		if err != nil {
			writeRequestError(w, r, unknownTenant(err))
			return
		}
		w.Header().Set("Location", "/v1/cards/"+card.ID)
		WriteJSON(w, http.StatusCreated, card)
	}
}

func handleGetCard(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		card, err := engine.GetCard(r.Context(), rctx.TenantID, chi.URLParam(r, "cardId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, card)
	}
}

func handleAvailableTransitions(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		transitions, err := engine.AvailableTransitions(r.Context(), rctx.TenantID, chi.URLParam(r, "cardId"))
		if err != nil {
			writeRequestError(w, r, unknownTenant(err))
			return
		}
		if transitions == nil {
			transitions = []pipeline.AvailableTransition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
	}
}

func handleRequestTransition(engine *pipeline.Engine, doc *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body struct {
			ToStage      string        `json:"to_stage"`
			PayloadDelta model.Payload `json:"payload_delta"`
		}
		if err := decodeBody(r, doc, "requestTransition", &body); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if body.ToStage == "" {
			writeRequestError(w, r, model.NewBadRequestError("to_stage is required"))
			return
		}

		card, err := engine.RequestTransition(r.Context(), pipeline.TransitionRequest{
			TenantID:     rctx.TenantID,
			CardID:       chi.URLParam(r, "cardId"),
			ToStage:      body.ToStage,
			PayloadDelta: body.PayloadDelta,
			Actor:        rctx.Actor(),
		})
		if err != nil {
			writeRequestError(w, r, unknownTenant(err))
			return
		}
		WriteJSON(w, http.StatusOK, card)
	}
}

func handleHistory(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		entries, err := engine.History(r.Context(), rctx.TenantID, chi.URLParam(r, "cardId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if entries == nil {
			entries = []model.AuditEntry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

func handleStages(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		p, err := engine.Graph().Snapshot(rctx.TenantID)
		if err != nil {
			writeRequestError(w, r, unknownTenant(err))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"version": p.Version(),
			"stages":  p.Stages(),
		})
	}
}

func handleBoard(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		board, err := engine.Board(r.Context(), rctx.TenantID)
		if err != nil {
			writeRequestError(w, r, unknownTenant(err))
			return
		}
		WriteJSON(w, http.StatusOK, board)
	}
}

// unknownTenant renders a missing tenant pipeline as NOT_FOUND. A caller
// whose tenant has no pipeline is not a server misconfiguration.
func unknownTenant(err error) error {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) && ee.Code == model.ErrConfigError && len(ee.Details) == 0 {
		return model.NewNotFoundError(ee.Message)
	}
	return err
}
