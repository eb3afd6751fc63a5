package pipeline

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/pipeline/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PgCardStore is a PostgreSQL-backed CardStore using pgx/v5. Capacity checks
// take a transaction-scoped advisory lock on the tenant/stage pair, so WIP
// limits hold across processes sharing the database.
type PgCardStore struct {
	pool *pgxpool.Pool
}

// NewPgCardStore creates a new PostgreSQL card store.
func NewPgCardStore(pool *pgxpool.Pool) *PgCardStore {
	return &PgCardStore{pool: pool}
}

// Migrate creates the store's tables if they do not exist.
func (s *PgCardStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Create inserts a new card and its creation audit entry.
func (s *PgCardStore) Create(ctx context.Context, card model.Card, entry model.AuditEntry, capacity *CapacityCheck) error {
	payloadJSON, err := marshalPayload(card.Payload)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create card: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := pgCheckCapacity(ctx, tx, card, capacity); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cards (
			tenant_id, id, stage, entered_stage_at, payload,
			is_archived, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		card.TenantID, card.ID, card.Stage, card.EnteredStageAt, payloadJSON,
		card.IsArchived, card.CreatedAt, card.UpdatedAt, card.Version,
	)
	if isUniqueViolation(err) {
		return model.NewConflictRetryError(fmt.Sprintf("card %q already exists", card.ID))
	}
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}

	if err := pgInsertAudit(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create card: %w", err)
	}
	return nil
}

// Get retrieves a card by ID, scoped to tenant.
func (s *PgCardStore) Get(ctx context.Context, tenantID, cardID string) (model.Card, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, id, stage, entered_stage_at, payload,
		       is_archived, created_at, updated_at, version
		FROM cards
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, cardID,
	)
	card, err := scanPgCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Card{}, model.NewNotFoundError(fmt.Sprintf("card %q not found", cardID))
	}
	if err != nil {
		return model.Card{}, fmt.Errorf("query card: %w", err)
	}
	return card, nil
}

// Commit updates the card with optimistic locking and appends the audit
// entry in the same transaction.
func (s *PgCardStore) Commit(ctx context.Context, req CommitRequest) (model.Card, error) {
	card := req.Card.Clone()
	payloadJSON, err := marshalPayload(card.Payload)
	if err != nil {
		return model.Card{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Card{}, fmt.Errorf("begin commit card: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := pgCheckCapacity(ctx, tx, card, req.Capacity); err != nil {
		return model.Card{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE cards SET
			stage = $1,
			entered_stage_at = $2,
			payload = $3,
			is_archived = $4,
			updated_at = $5,
			version = version + 1
		WHERE tenant_id = $6 AND id = $7 AND version = $8`,
		card.Stage, card.EnteredStageAt, payloadJSON, card.IsArchived, card.UpdatedAt,
		card.TenantID, card.ID, card.Version,
	)
	if err != nil {
		return model.Card{}, fmt.Errorf("update card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Card{}, model.NewConflictRetryError(
			fmt.Sprintf("card %q version conflict (expected %d)", card.ID, card.Version),
		)
	}

	if err := pgInsertAudit(ctx, tx, req.Entry); err != nil {
		return model.Card{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Card{}, fmt.Errorf("commit card: %w", err)
	}

	card.Version++
	return card, nil
}

// ListLive returns the tenant's non-archived cards, oldest first.
func (s *PgCardStore) ListLive(ctx context.Context, tenantID string) ([]model.Card, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, id, stage, entered_stage_at, payload,
		       is_archived, created_at, updated_at, version
		FROM cards
		WHERE tenant_id = $1 AND NOT is_archived
		ORDER BY created_at ASC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query live cards: %w", err)
	}
	defer rows.Close()

	var cards []model.Card
	for rows.Next() {
		card, err := scanPgCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// CountLive counts the non-archived cards in a stage.
func (s *PgCardStore) CountLive(ctx context.Context, tenantID, stage string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM cards
		WHERE tenant_id = $1 AND stage = $2 AND NOT is_archived`,
		tenantID, stage,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live cards: %w", err)
	}
	return n, nil
}

// History returns the card's audit entries, oldest first.
func (s *PgCardStore) History(ctx context.Context, tenantID, cardID string) ([]model.AuditEntry, error) {
	// Verify tenant access.
	if _, err := s.Get(ctx, tenantID, cardID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, card_id, kind, from_stage, to_stage, at, actor, payload_delta
		FROM card_audit
		WHERE tenant_id = $1 AND card_id = $2
		ORDER BY seq ASC`,
		tenantID, cardID,
	)
	if err != nil {
		return nil, fmt.Errorf("query card audit: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var deltaJSON []byte
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.CardID, &e.Kind, &e.FromStage, &e.ToStage,
			&e.At, &e.Actor, &deltaJSON,
		); err != nil {
			return nil, fmt.Errorf("scan card audit: %w", err)
		}
		if deltaJSON != nil {
			if err := json.Unmarshal(deltaJSON, &e.PayloadDelta); err != nil {
				return nil, fmt.Errorf("unmarshal payload delta: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HealthCheck pings the pool.
func (s *PgCardStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func pgCheckCapacity(ctx context.Context, tx pgx.Tx, card model.Card, capacity *CapacityCheck) error {
	if capacity == nil {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		card.TenantID+"/"+capacity.Stage); err != nil {
		return fmt.Errorf("lock stage %q: %w", capacity.Stage, err)
	}

	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM cards
		WHERE tenant_id = $1 AND stage = $2 AND NOT is_archived AND id <> $3`,
		card.TenantID, capacity.Stage, card.ID,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("count stage %q: %w", capacity.Stage, err)
	}
	if n >= capacity.Limit {
		return model.NewCapacityExceededError(capacity.Stage, capacity.Limit)
	}
	return nil
}

func pgInsertAudit(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	var deltaJSON []byte
	if len(e.PayloadDelta) > 0 {
		var err error
		if deltaJSON, err = json.Marshal(e.PayloadDelta); err != nil {
			return fmt.Errorf("marshal payload delta: %w", err)
		}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO card_audit (
			id, tenant_id, card_id, kind, from_stage, to_stage, at, actor, payload_delta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TenantID, e.CardID, e.Kind, e.FromStage, e.ToStage, e.At, e.Actor, deltaJSON,
	)
	if err != nil {
		return fmt.Errorf("insert card audit: %w", err)
	}
	return nil
}

func scanPgCard(row pgx.Row) (model.Card, error) {
	var card model.Card
	var payloadJSON []byte
	if err := row.Scan(
		&card.TenantID, &card.ID, &card.Stage, &card.EnteredStageAt, &payloadJSON,
		&card.IsArchived, &card.CreatedAt, &card.UpdatedAt, &card.Version,
	); err != nil {
		return model.Card{}, err
	}
	if err := json.Unmarshal(payloadJSON, &card.Payload); err != nil {
		return model.Card{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	card.EnteredStageAt = card.EnteredStageAt.UTC()
	card.CreatedAt = card.CreatedAt.UTC()
	card.UpdatedAt = card.UpdatedAt.UTC()
	return card, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalPayload(p model.Payload) ([]byte, error) {
	if p == nil {
		p = model.Payload{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
