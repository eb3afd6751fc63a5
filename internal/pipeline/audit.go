package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/pipeline/model"
)

// HistoryReader reads a card's audit entries, oldest first.
type HistoryReader interface {
	History(ctx context.Context, tenantID, cardID string) ([]model.AuditEntry, error)
}

// AuditTrail builds audit entries and reads them back. Entries are only ever
// written by CardStore.Create and CardStore.Commit, inside the same
// transaction as the card change they describe.
type AuditTrail struct {
	reader HistoryReader
	newID  func() string
}

// NewAuditTrail creates an AuditTrail reading from reader.
func NewAuditTrail(reader HistoryReader) *AuditTrail {
	return &AuditTrail{reader: reader, newID: uuid.NewString}
}

// Entry builds an entry for a change to card. A nil or empty delta is
// recorded as nil.
func (a *AuditTrail) Entry(kind string, card model.Card, from, to, actor string, delta model.Payload, at time.Time) model.AuditEntry {
	if len(delta) == 0 {
		delta = nil
	}
	return model.AuditEntry{
		ID:           a.newID(),
		TenantID:     card.TenantID,
		CardID:       card.ID,
		Kind:         kind,
		FromStage:    from,
		ToStage:      to,
		At:           at,
		Actor:        actor,
		PayloadDelta: delta,
	}
}

// History returns the card's entries, oldest first. Reading is side-effect
// free and may be repeated.
func (a *AuditTrail) History(ctx context.Context, tenantID, cardID string) ([]model.AuditEntry, error) {
	return a.reader.History(ctx, tenantID, cardID)
}

// ReplayStage reconstructs a card's current stage from its history. It
// returns false when the history holds no stage-setting entry.
func ReplayStage(history []model.AuditEntry) (string, bool) {
	stage, ok := "", false
	for _, e := range history {
		switch e.Kind {
		case model.AuditKindCreated, model.AuditKindTransition:
			stage, ok = e.ToStage, true
		}
	}
	return stage, ok
}

// ReplayPayload reconstructs a card's payload by merging every recorded
// delta in order.
func ReplayPayload(history []model.AuditEntry) model.Payload {
	p := model.Payload{}
	for _, e := range history {
		p = p.Merge(e.PayloadDelta)
	}
	return p
}
