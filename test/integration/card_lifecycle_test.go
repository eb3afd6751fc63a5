package integration

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/pipeline/internal/pipeline"
	"github.com/pitabwire/pipeline/model"
)

func TestLifecycle_HappyPathToWon(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())

	card := h.CreateCard(t, sales, map[string]any{"customer": "Ada Lovelace"})
	if card.Stage != "new" || card.IsArchived {
		t.Fatalf("created card = %+v", card)
	}

	// Missing capture fields are all reported and nothing changes.
	env := h.AssertError(t, h.Transition(card.ID, "quoted", nil, sales), http.StatusUnprocessableEntity, model.ErrMissingRequiredField)
	if keys := env.MissingKeys(); len(keys) != 2 {
		t.Errorf("missing keys = %v, want amount and quote_id", keys)
	}

	h.Clock.Advance(10 * time.Minute)
	quoted := h.MustTransition(t, card.ID, "quoted", QuoteDelta("Q-100", 2500), sales)
	if quoted.Stage != "quoted" || !quoted.EnteredStageAt.Equal(h.Clock.Now()) {
		t.Errorf("quoted card = %+v", quoted)
	}

	h.Clock.Advance(time.Hour)
	h.MustTransition(t, card.ID, "scheduled", map[string]any{"technician_id": "tech-7"}, sales)

	h.Clock.Advance(time.Hour)
	won := h.MustTransition(t, card.ID, "won", nil, sales)
	if !won.IsArchived {
		t.Error("card in archive stage is not archived")
	}
	if won.Payload["customer"] != "Ada Lovelace" || won.Payload["technician_id"] != "tech-7" {
		t.Errorf("payload = %v, want accumulated fields", won.Payload)
	}

	// Archived cards without a reopen edge are gone for transitions.
	h.AssertError(t, h.Transition(card.ID, "new", nil, sales), http.StatusNotFound, model.ErrNotFound)

	history := h.History(t, card.ID, sales)
	wantStages := []string{"new", "quoted", "scheduled", "won"}
	if len(history) != len(wantStages) {
		t.Fatalf("history has %d entries, want %d: %s", len(history), len(wantStages), FormatJSON(history))
	}
	for i, e := range history {
		if e.ToStage != wantStages[i] {
			t.Errorf("history[%d].to_stage = %q, want %q", i, e.ToStage, wantStages[i])
		}
		if e.Actor != "user-sales" {
			t.Errorf("history[%d].actor = %q", i, e.Actor)
		}
	}
	if stage, ok := pipeline.ReplayStage(history); !ok || stage != "won" {
		t.Errorf("ReplayStage() = %q, %v; want won", stage, ok)
	}
}

func TestLifecycle_ArchiveAndReopen(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())

	card := h.CreateCard(t, sales, nil)
	h.AssertError(t, h.Transition(card.ID, "archived", nil, sales), http.StatusUnprocessableEntity, model.ErrMissingRequiredField)

	archived := h.MustTransition(t, card.ID, "archived", map[string]any{"archive_reason": "duplicate"}, sales)
	if !archived.IsArchived {
		t.Fatal("card not archived")
	}

	h.Clock.Advance(48 * time.Hour)
	reopened := h.MustTransition(t, card.ID, "new", nil, sales)
	if reopened.IsArchived || reopened.Stage != "new" {
		t.Errorf("reopened card = %+v", reopened)
	}
	if !reopened.EnteredStageAt.Equal(h.Clock.Now()) {
		t.Errorf("entered_stage_at = %v, want reset to %v", reopened.EnteredStageAt, h.Clock.Now())
	}
	if reopened.Payload["archive_reason"] != "duplicate" {
		t.Errorf("payload lost on reopen: %v", reopened.Payload)
	}
}

func TestLifecycle_IllegalTransition(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())
	card := h.CreateCard(t, sales, nil)

	h.AssertError(t, h.Transition(card.ID, "won", map[string]any{"amount": 10}, sales), http.StatusConflict, model.ErrIllegalTransition)
	h.AssertError(t, h.Transition(card.ID, "nowhere", nil, sales), http.StatusConflict, model.ErrIllegalTransition)

	if entries := h.History(t, card.ID, sales); len(entries) != 1 {
		t.Errorf("rejected transitions were audited: %s", FormatJSON(entries))
	}
}

func TestLifecycle_WIPLimitUnderConcurrency(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())

	const n = 6
	cards := make([]model.Card, n)
	for i := range cards {
		cards[i] = h.CreateCard(t, sales, nil)
	}

	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i, c := range cards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Transition(c.ID, "quoted", QuoteDelta("Q-"+c.ID, 100), sales)
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	var ok, full int
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			full++
		default:
			t.Errorf("unexpected status %d", s)
		}
	}
	if ok != 2 || full != n-2 {
		t.Errorf("succeeded = %d, rejected = %d; want 2 and %d (statuses %v)", ok, full, n-2, statuses)
	}

	var board pipeline.Board
	h.AssertJSON(t, h.GET("/v1/board", sales), http.StatusOK, &board)
	for _, col := range board.Columns {
		if col.Stage.ID == "quoted" && (col.Count != 2 || !col.AtCapacity) {
			t.Errorf("quoted column = count %d, at_capacity %v", col.Count, col.AtCapacity)
		}
	}
}

func TestLifecycle_AvailableTransitions(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())
	card := h.CreateCard(t, sales, map[string]any{"quote_id": "Q-1"})

	var body struct {
		Transitions []pipeline.AvailableTransition `json:"transitions"`
	}
	h.AssertJSON(t, h.GET("/v1/cards/"+card.ID+"/transitions", sales), http.StatusOK, &body)
	if len(body.Transitions) != 2 {
		t.Fatalf("transitions = %s, want quoted and archived", FormatJSON(body.Transitions))
	}
	for _, tr := range body.Transitions {
		switch tr.To {
		case "quoted":
			if len(tr.MissingPayloadKeys) != 1 || tr.MissingPayloadKeys[0] != "amount" {
				t.Errorf("quoted missing = %v, want [amount]", tr.MissingPayloadKeys)
			}
		case "archived":
			if tr.ModalID != "archive-reason" {
				t.Errorf("archived modal = %q", tr.ModalID)
			}
		default:
			t.Errorf("unexpected transition to %q", tr.To)
		}
	}
}

func TestLifecycle_BoardBands(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())

	fresh := h.CreateCard(t, sales, nil)
	h.Clock.Advance(30 * time.Minute)
	h.CreateCard(t, sales, nil)
	h.Clock.Advance(45 * time.Minute)

	var board pipeline.Board
	h.AssertJSON(t, h.GET("/v1/board", sales), http.StatusOK, &board)

	var col *pipeline.Column
	for i := range board.Columns {
		if board.Columns[i].Stage.ID == "new" {
			col = &board.Columns[i]
		}
	}
	if col == nil || len(col.Cards) != 2 {
		t.Fatalf("new column = %s", FormatJSON(col))
	}
	// Oldest first: 75 minutes is past every threshold, 45 is yellow.
	if col.Cards[0].ID != fresh.ID || col.Cards[0].Band != model.BandRed {
		t.Errorf("first card = %s %s, want %s red", col.Cards[0].ID, col.Cards[0].Band, fresh.ID)
	}
	if col.Cards[1].Band != model.BandYellow {
		t.Errorf("second card band = %s, want yellow", col.Cards[1].Band)
	}
}

func TestLifecycle_RequestValidation(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())
	card := h.CreateCard(t, sales, nil)

	env := h.AssertError(t, h.POST("/v1/cards/"+card.ID+"/transitions", map[string]any{
		"to_stage":      "quoted",
		"payload_delta": "not-an-object",
	}, sales), http.StatusBadRequest, model.ErrBadRequest)
	if len(env.Details) == 0 || env.Details[0].Field != "payload_delta" {
		t.Errorf("details = %+v", env.Details)
	}

	h.AssertError(t, h.POST("/v1/cards", map[string]any{"id": strings.Repeat("x", 129)}, sales), http.StatusBadRequest, model.ErrBadRequest)
}

func TestLifecycle_DuplicateCardID(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())

	h.AssertStatus(t, h.POST("/v1/cards", map[string]any{"id": "lead-42"}, sales), http.StatusCreated)
	h.AssertError(t, h.POST("/v1/cards", map[string]any{"id": "lead-42"}, sales), http.StatusConflict, model.ErrConflictRetry)

	// The same ID is free in another tenant.
	h.AssertStatus(t, h.POST("/v1/cards", map[string]any{"id": "lead-42"}, h.GenerateToken(GlobexClaims())), http.StatusCreated)
}
