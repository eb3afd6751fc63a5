package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/model"
)

// --- Test helpers ---

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func intPtr(n int) *int { return &n }

// acmeDefinition is a field-service pipeline with a WIP-limited quoted
// stage, two archive stages and a reopen edge.
func acmeDefinition() model.PipelineDefinition {
	return model.PipelineDefinition{
		Tenant:     "acme",
		Version:    "1.0.0",
		EntryStage: "new",
		Stages: []model.StageDefinition{
			{ID: "new", Label: "New Lead", Order: 1, SLAThresholds: []model.SLAThreshold{
				{Band: model.BandGreen, Minutes: 15},
				{Band: model.BandYellow, Minutes: 60},
			}},
			{ID: "quoted", Label: "Quoted", Order: 2, WIPLimit: intPtr(2), OverflowBand: model.BandOverdue, SLAThresholds: []model.SLAThreshold{
				{Band: model.BandGreen, Minutes: 1440},
				{Band: model.BandYellow, Minutes: 4320},
			}},
			{ID: "scheduled", Label: "Scheduled", Order: 3},
			{ID: "won", Label: "Won", Order: 4, Archive: true},
			{ID: "archived", Label: "Archived", Order: 5, Archive: true},
		},
		Transitions: []model.TransitionDefinition{
			{From: "new", To: "quoted", RequiredPayloadKeys: []string{"quote_id", "amount"}, ModalID: "quote-form"},
			{From: "quoted", To: "scheduled", RequiredPayloadKeys: []string{"technician_id"}, ModalID: "assign-technician"},
			{From: "scheduled", To: "won", RequiredPayloadKeys: []string{"amount"}},
			{From: "quoted", To: "archived"},
			{From: "new", To: "archived", RequiredPayloadKeys: []string{"archive_reason"}, ModalID: "archive-reason"},
			{From: "archived", To: "new", Reopen: true},
		},
	}
}

// soloDefinition is a minimal New -> Quoted -> Won pipeline with a
// self-edge on a single-slot quoted stage.
func soloDefinition() model.PipelineDefinition {
	return model.PipelineDefinition{
		Tenant:     "solo",
		Version:    "1",
		EntryStage: "new",
		Stages: []model.StageDefinition{
			{ID: "new", Label: "New", Order: 1},
			{ID: "quoted", Label: "Quoted", Order: 2, WIPLimit: intPtr(1)},
			{ID: "won", Label: "Won", Order: 3, Archive: true},
		},
		Transitions: []model.TransitionDefinition{
			{From: "new", To: "quoted"},
			{From: "quoted", To: "quoted"},
			{From: "quoted", To: "won", RequiredPayloadKeys: []string{"amount"}},
		},
	}
}

func newTestRegistry(t *testing.T, defs ...model.PipelineDefinition) *definition.Registry {
	t.Helper()
	if len(defs) == 0 {
		defs = []model.PipelineDefinition{acmeDefinition(), soloDefinition()}
	}
	reg := definition.NewRegistry()
	if err := reg.Replace(defs); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}
	return reg
}

func newTestEngine(t *testing.T, store CardStore, clock *fakeClock, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithClock(clock.Now),
		WithConflictRetry(config.RetryConfig{MaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}),
	}
	return NewEngine(newTestRegistry(t), store, append(base, opts...)...)
}

func mustCreate(t *testing.T, e *Engine, tenantID string, payload model.Payload) model.Card {
	t.Helper()
	card, err := e.CreateCard(context.Background(), CreateRequest{TenantID: tenantID, Payload: payload, Actor: "user-alice"})
	if err != nil {
		t.Fatalf("CreateCard() error: %v", err)
	}
	return card
}

func mustMove(t *testing.T, e *Engine, card model.Card, to string, delta model.Payload) model.Card {
	t.Helper()
	moved, err := e.RequestTransition(context.Background(), TransitionRequest{
		TenantID:     card.TenantID,
		CardID:       card.ID,
		ToStage:      to,
		PayloadDelta: delta,
		Actor:        "user-alice",
	})
	if err != nil {
		t.Fatalf("RequestTransition(%s -> %s) error: %v", card.Stage, to, err)
	}
	return moved
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := model.ErrorCode(err); got != code {
		t.Fatalf("error code = %q, want %q (err: %v)", got, code, err)
	}
}

// quotePayload satisfies new -> quoted.
func quotePayload() model.Payload {
	return model.Payload{"quote_id": "q-1", "amount": 500}
}
