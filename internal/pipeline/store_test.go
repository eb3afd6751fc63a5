package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/pipeline/model"
)

func testCard(id, tenantID, stage string) model.Card {
	return model.Card{
		ID:             id,
		TenantID:       tenantID,
		Stage:          stage,
		EnteredStageAt: testEpoch,
		Payload:        model.Payload{"customer": "Ada"},
		CreatedAt:      testEpoch,
		UpdatedAt:      testEpoch,
		Version:        1,
	}
}

func testEntry(id string, card model.Card, kind, from, to string) model.AuditEntry {
	return model.AuditEntry{
		ID:        id,
		TenantID:  card.TenantID,
		CardID:    card.ID,
		Kind:      kind,
		FromStage: from,
		ToStage:   to,
		At:        card.UpdatedAt,
		Actor:     "user-alice",
	}
}

func createTestCard(t *testing.T, s CardStore, card model.Card) {
	t.Helper()
	if err := s.Create(context.Background(), card, testEntry("e-"+card.ID, card, model.AuditKindCreated, "", card.Stage), nil); err != nil {
		t.Fatalf("Create(%s) error: %v", card.ID, err)
	}
}

// runCardStoreContract checks the behavior every CardStore must share.
func runCardStoreContract(t *testing.T, newStore func(t *testing.T) CardStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		createTestCard(t, s, testCard("c1", "acme", "new"))

		got, err := s.Get(ctx, "acme", "c1")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.Stage != "new" || got.Version != 1 || got.Payload["customer"] != "Ada" {
			t.Errorf("Get() = %+v", got)
		}
		if !got.EnteredStageAt.Equal(testEpoch) {
			t.Errorf("EnteredStageAt = %v, want %v", got.EnteredStageAt, testEpoch)
		}
	})

	t.Run("create duplicate", func(t *testing.T) {
		s := newStore(t)
		card := testCard("c1", "acme", "new")
		createTestCard(t, s, card)
		err := s.Create(ctx, card, testEntry("e-dup", card, model.AuditKindCreated, "", "new"), nil)
		wantCode(t, err, model.ErrConflictRetry)
	})

	t.Run("card ids are per tenant", func(t *testing.T) {
		s := newStore(t)
		createTestCard(t, s, testCard("c1", "acme", "new"))
		other := testCard("c1", "globex", "inbox")
		if err := s.Create(ctx, other, testEntry("e-globex", other, model.AuditKindCreated, "", "inbox"), nil); err != nil {
			t.Fatalf("Create() in second tenant error: %v", err)
		}
		got, err := s.Get(ctx, "globex", "c1")
		if err != nil || got.Stage != "inbox" {
			t.Errorf("Get(globex) = %+v, %v", got, err)
		}
		if got, _ := s.Get(ctx, "acme", "c1"); got.Stage != "new" {
			t.Errorf("Get(acme).Stage = %q, want new", got.Stage)
		}
	})

	t.Run("create checks capacity", func(t *testing.T) {
		s := newStore(t)
		createTestCard(t, s, testCard("c1", "acme", "new"))
		card := testCard("c2", "acme", "new")
		err := s.Create(ctx, card, testEntry("e-c2", card, model.AuditKindCreated, "", "new"), &CapacityCheck{Stage: "new", Limit: 1})
		wantCode(t, err, model.ErrCapacityExceeded)
		if _, err := s.Get(ctx, "acme", "c2"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("rejected card was stored: %v", err)
		}
	})

	t.Run("get is tenant scoped", func(t *testing.T) {
		s := newStore(t)
		createTestCard(t, s, testCard("c1", "acme", "new"))
		_, err := s.Get(ctx, "globex", "c1")
		wantCode(t, err, model.ErrNotFound)
		_, err = s.Get(ctx, "acme", "missing")
		wantCode(t, err, model.ErrNotFound)
	})

	t.Run("commit", func(t *testing.T) {
		s := newStore(t)
		card := testCard("c1", "acme", "new")
		createTestCard(t, s, card)

		next := card.Clone()
		next.Stage = "quoted"
		next.Payload["amount"] = "500"
		next.UpdatedAt = testEpoch.Add(time.Hour)
		next.EnteredStageAt = next.UpdatedAt
		entry := testEntry("e-2", next, model.AuditKindTransition, "new", "quoted")
		entry.PayloadDelta = model.Payload{"amount": "500"}

		committed, err := s.Commit(ctx, CommitRequest{Card: next, Entry: entry})
		if err != nil {
			t.Fatalf("Commit error: %v", err)
		}
		if committed.Version != 2 {
			t.Errorf("Version = %d, want 2", committed.Version)
		}

		got, _ := s.Get(ctx, "acme", "c1")
		if got.Stage != "quoted" || got.Version != 2 || got.Payload["amount"] != "500" {
			t.Errorf("Get() after commit = %+v", got)
		}

		history, err := s.History(ctx, "acme", "c1")
		if err != nil {
			t.Fatalf("History error: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("len(history) = %d, want 2", len(history))
		}
		if history[0].Kind != model.AuditKindCreated || history[1].ToStage != "quoted" {
			t.Errorf("history = %+v", history)
		}
		if history[1].PayloadDelta["amount"] != "500" {
			t.Errorf("PayloadDelta = %v", history[1].PayloadDelta)
		}
		if history[0].PayloadDelta != nil {
			t.Errorf("empty delta stored as %v", history[0].PayloadDelta)
		}
	})

	t.Run("commit version conflict", func(t *testing.T) {
		s := newStore(t)
		card := testCard("c1", "acme", "new")
		createTestCard(t, s, card)

		next := card.Clone()
		next.Stage = "quoted"
		if _, err := s.Commit(ctx, CommitRequest{Card: next, Entry: testEntry("e-2", next, model.AuditKindTransition, "new", "quoted")}); err != nil {
			t.Fatalf("first Commit error: %v", err)
		}

		// Same base version again.
		_, err := s.Commit(ctx, CommitRequest{Card: next, Entry: testEntry("e-3", next, model.AuditKindTransition, "new", "quoted")})
		wantCode(t, err, model.ErrConflictRetry)

		history, _ := s.History(ctx, "acme", "c1")
		if len(history) != 2 {
			t.Errorf("len(history) = %d, want 2 (no entry for the losing commit)", len(history))
		}
	})

	t.Run("commit capacity excludes self", func(t *testing.T) {
		s := newStore(t)
		card := testCard("c1", "acme", "quoted")
		createTestCard(t, s, card)

		next := card.Clone()
		next.Payload["note"] = "x"
		if _, err := s.Commit(ctx, CommitRequest{
			Card:     next,
			Entry:    testEntry("e-2", next, model.AuditKindTransition, "quoted", "quoted"),
			Capacity: &CapacityCheck{Stage: "quoted", Limit: 1},
		}); err != nil {
			t.Fatalf("Commit error: %v", err)
		}

		createTestCard(t, s, testCard("c2", "acme", "new"))
		other, _ := s.Get(ctx, "acme", "c2")
		other.Stage = "quoted"
		_, err := s.Commit(ctx, CommitRequest{
			Card:     other,
			Entry:    testEntry("e-3", other, model.AuditKindTransition, "new", "quoted"),
			Capacity: &CapacityCheck{Stage: "quoted", Limit: 1},
		})
		wantCode(t, err, model.ErrCapacityExceeded)
	})

	t.Run("list and count live", func(t *testing.T) {
		s := newStore(t)
		a := testCard("a", "acme", "new")
		b := testCard("b", "acme", "quoted")
		b.CreatedAt = testEpoch.Add(time.Minute)
		archived := testCard("z", "acme", "won")
		archived.IsArchived = true
		createTestCard(t, s, b)
		createTestCard(t, s, a)
		createTestCard(t, s, archived)
		createTestCard(t, s, testCard("g", "globex", "new"))

		live, err := s.ListLive(ctx, "acme")
		if err != nil {
			t.Fatalf("ListLive error: %v", err)
		}
		if len(live) != 2 || live[0].ID != "a" || live[1].ID != "b" {
			t.Errorf("ListLive() = %v", live)
		}

		n, err := s.CountLive(ctx, "acme", "new")
		if err != nil {
			t.Fatalf("CountLive error: %v", err)
		}
		if n != 1 {
			t.Errorf("CountLive(new) = %d, want 1", n)
		}
		if n, _ := s.CountLive(ctx, "acme", "won"); n != 0 {
			t.Errorf("CountLive(won) = %d, want 0", n)
		}
	})

	t.Run("history not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.History(ctx, "acme", "missing")
		wantCode(t, err, model.ErrNotFound)
	})

	t.Run("health", func(t *testing.T) {
		if err := newStore(t).HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck() error: %v", err)
		}
	})
}
