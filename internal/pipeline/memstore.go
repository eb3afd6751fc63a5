package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/pipeline/model"
)

// MemoryCardStore is an in-memory CardStore for tests and single-process
// development.
type MemoryCardStore struct {
	mu    sync.RWMutex
	cards map[cardKey]model.Card
	audit map[cardKey][]model.AuditEntry
}

type cardKey struct {
	tenantID string
	cardID   string
}

func keyOf(c model.Card) cardKey { return cardKey{c.TenantID, c.ID} }

// NewMemoryCardStore creates a new in-memory card store.
func NewMemoryCardStore() *MemoryCardStore {
	return &MemoryCardStore{
		cards: make(map[cardKey]model.Card),
		audit: make(map[cardKey][]model.AuditEntry),
	}
}

// Create inserts a new card.
func (s *MemoryCardStore) Create(_ context.Context, card model.Card, entry model.AuditEntry, capacity *CapacityCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cards[keyOf(card)]; exists {
		return model.NewConflictRetryError(fmt.Sprintf("card %q already exists", card.ID))
	}
	if err := s.checkCapacity(card, capacity); err != nil {
		return err
	}

	s.cards[keyOf(card)] = card.Clone()
	s.audit[keyOf(card)] = append(s.audit[keyOf(card)], entry)
	return nil
}

// Get returns a card by ID, scoped to tenant.
func (s *MemoryCardStore) Get(_ context.Context, tenantID, cardID string) (model.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card, exists := s.cards[cardKey{tenantID, cardID}]
	if !exists {
		return model.Card{}, model.NewNotFoundError(fmt.Sprintf("card %q not found", cardID))
	}
	return card.Clone(), nil
}

// Commit replaces the card and appends the audit entry under one lock.
func (s *MemoryCardStore) Commit(_ context.Context, req CommitRequest) (model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.cards[keyOf(req.Card)]
	if !exists {
		return model.Card{}, model.NewNotFoundError(fmt.Sprintf("card %q not found", req.Card.ID))
	}
	if existing.Version != req.Card.Version {
		return model.Card{}, model.NewConflictRetryError(
			fmt.Sprintf("card %q version conflict (expected %d, got %d)", req.Card.ID, req.Card.Version, existing.Version),
		)
	}
	if err := s.checkCapacity(req.Card, req.Capacity); err != nil {
		return model.Card{}, err
	}

	card := req.Card.Clone()
	card.Version++
	s.cards[keyOf(card)] = card
	s.audit[keyOf(card)] = append(s.audit[keyOf(card)], req.Entry)
	return card.Clone(), nil
}

// checkCapacity must be called with s.mu held.
func (s *MemoryCardStore) checkCapacity(card model.Card, capacity *CapacityCheck) error {
	if capacity == nil {
		return nil
	}
	n := 0
	for _, c := range s.cards {
		if c.TenantID == card.TenantID && c.Stage == capacity.Stage && !c.IsArchived && c.ID != card.ID {
			n++
		}
	}
	if n >= capacity.Limit {
		return model.NewCapacityExceededError(capacity.Stage, capacity.Limit)
	}
	return nil
}

// ListLive returns the tenant's non-archived cards, oldest first.
func (s *MemoryCardStore) ListLive(_ context.Context, tenantID string) ([]model.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Card
	for _, c := range s.cards {
		if c.TenantID == tenantID && !c.IsArchived {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CountLive counts the non-archived cards in a stage.
func (s *MemoryCardStore) CountLive(_ context.Context, tenantID, stage string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.cards {
		if c.TenantID == tenantID && c.Stage == stage && !c.IsArchived {
			n++
		}
	}
	return n, nil
}

// History returns a copy of the card's audit entries, oldest first.
func (s *MemoryCardStore) History(_ context.Context, tenantID, cardID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := cardKey{tenantID, cardID}
	if _, exists := s.cards[key]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("card %q not found", cardID))
	}
	return append([]model.AuditEntry(nil), s.audit[key]...), nil
}

// HealthCheck always succeeds.
func (s *MemoryCardStore) HealthCheck(context.Context) error { return nil }
