// Package pipeline moves cards through tenant stage graphs: the transition
// guard, WIP limiter, SLA classifier, audit trail, and card stores.
package pipeline

import (
	"context"

	"github.com/pitabwire/pipeline/model"
)

// CardStore persists cards and their audit trail. It is the single source of
// truth; every mutation goes through Create or Commit.
type CardStore interface {
	// Create inserts a new card together with its creation audit entry.
	// When capacity is non-nil the live count of capacity.Stage is checked
	// in the same transaction.
	Create(ctx context.Context, card model.Card, entry model.AuditEntry, capacity *CapacityCheck) error

	// Get returns a card by ID, scoped to a tenant. Returns NOT_FOUND if the
	// card does not exist or belongs to another tenant.
	Get(ctx context.Context, tenantID, cardID string) (model.Card, error)

	// Commit atomically replaces the card and appends the audit entry.
	// req.Card.Version must equal the stored version, otherwise
	// CONFLICT_RETRY is returned and nothing is written. The stored version
	// is incremented on success.
	Commit(ctx context.Context, req CommitRequest) (model.Card, error)

	// ListLive returns every non-archived card of a tenant.
	ListLive(ctx context.Context, tenantID string) ([]model.Card, error)

	// CountLive returns the number of non-archived cards in a stage.
	CountLive(ctx context.Context, tenantID, stage string) (int, error)

	// History returns the audit entries of a card, oldest first.
	History(ctx context.Context, tenantID, cardID string) ([]model.AuditEntry, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// CommitRequest is one atomic card update.
type CommitRequest struct {
	Card     model.Card
	Entry    model.AuditEntry
	Capacity *CapacityCheck
}

// CapacityCheck asks the store to re-verify a WIP limit inside the commit
// transaction. The card being committed is excluded from the count.
type CapacityCheck struct {
	Stage string
	Limit int
}
