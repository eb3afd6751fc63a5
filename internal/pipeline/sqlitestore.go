package pipeline

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/pitabwire/pipeline/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteCardStore is a single-file CardStore for local and single-node
// deployments. One connection serializes every transaction, which also makes
// the in-transaction capacity check exact.
type SQLiteCardStore struct {
	db *sql.DB
}

// OpenSQLiteCardStore opens (creating if needed) the database at path.
func OpenSQLiteCardStore(ctx context.Context, path string) (*SQLiteCardStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &SQLiteCardStore{db: db}, nil
}

// Migrate creates the store's tables if they do not exist.
func (s *SQLiteCardStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteCardStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new card and its creation audit entry.
func (s *SQLiteCardStore) Create(ctx context.Context, card model.Card, entry model.AuditEntry, capacity *CapacityCheck) error {
	payloadJSON, err := marshalPayload(card.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create card: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := sqliteCheckCapacity(ctx, tx, card, capacity); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cards (
			tenant_id, id, stage, entered_stage_at, payload,
			is_archived, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.TenantID, card.ID, card.Stage, formatTime(card.EnteredStageAt), string(payloadJSON),
		card.IsArchived, formatTime(card.CreatedAt), formatTime(card.UpdatedAt), card.Version,
	)
	if isSQLiteConstraint(err) {
		return model.NewConflictRetryError(fmt.Sprintf("card %q already exists", card.ID))
	}
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}

	if err := sqliteInsertAudit(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create card: %w", err)
	}
	return nil
}

// Get retrieves a card by ID, scoped to tenant.
func (s *SQLiteCardStore) Get(ctx context.Context, tenantID, cardID string) (model.Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, stage, entered_stage_at, payload,
		       is_archived, created_at, updated_at, version
		FROM cards
		WHERE tenant_id = ? AND id = ?`,
		tenantID, cardID,
	)
	card, err := scanSQLiteCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Card{}, model.NewNotFoundError(fmt.Sprintf("card %q not found", cardID))
	}
	if err != nil {
		return model.Card{}, fmt.Errorf("query card: %w", err)
	}
	return card, nil
}

// Commit updates the card with optimistic locking and appends the audit
// entry in the same transaction.
func (s *SQLiteCardStore) Commit(ctx context.Context, req CommitRequest) (model.Card, error) {
	card := req.Card.Clone()
	payloadJSON, err := marshalPayload(card.Payload)
	if err != nil {
		return model.Card{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Card{}, fmt.Errorf("begin commit card: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := sqliteCheckCapacity(ctx, tx, card, req.Capacity); err != nil {
		return model.Card{}, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cards SET
			stage = ?,
			entered_stage_at = ?,
			payload = ?,
			is_archived = ?,
			updated_at = ?,
			version = version + 1
		WHERE tenant_id = ? AND id = ? AND version = ?`,
		card.Stage, formatTime(card.EnteredStageAt), string(payloadJSON), card.IsArchived, formatTime(card.UpdatedAt),
		card.TenantID, card.ID, card.Version,
	)
	if err != nil {
		return model.Card{}, fmt.Errorf("update card: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Card{}, fmt.Errorf("update card: %w", err)
	}
	if n == 0 {
		return model.Card{}, model.NewConflictRetryError(
			fmt.Sprintf("card %q version conflict (expected %d)", card.ID, card.Version),
		)
	}

	if err := sqliteInsertAudit(ctx, tx, req.Entry); err != nil {
		return model.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Card{}, fmt.Errorf("commit card: %w", err)
	}

	card.Version++
	return card, nil
}

// ListLive returns the tenant's non-archived cards, oldest first.
func (s *SQLiteCardStore) ListLive(ctx context.Context, tenantID string) ([]model.Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, stage, entered_stage_at, payload,
		       is_archived, created_at, updated_at, version
		FROM cards
		WHERE tenant_id = ? AND is_archived = 0
		ORDER BY created_at ASC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query live cards: %w", err)
	}
	defer rows.Close()

	var cards []model.Card
	for rows.Next() {
		card, err := scanSQLiteCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// CountLive counts the non-archived cards in a stage.
func (s *SQLiteCardStore) CountLive(ctx context.Context, tenantID, stage string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM cards
		WHERE tenant_id = ? AND stage = ? AND is_archived = 0`,
		tenantID, stage,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live cards: %w", err)
	}
	return n, nil
}

// History returns the card's audit entries, oldest first.
func (s *SQLiteCardStore) History(ctx context.Context, tenantID, cardID string) ([]model.AuditEntry, error) {
	if _, err := s.Get(ctx, tenantID, cardID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, card_id, kind, from_stage, to_stage, at, actor, payload_delta
		FROM card_audit
		WHERE tenant_id = ? AND card_id = ?
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
		var at string
		var deltaJSON sql.NullString
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.CardID, &e.Kind, &e.FromStage, &e.ToStage,
			&at, &e.Actor, &deltaJSON,
		); err != nil {
			return nil, fmt.Errorf("scan card audit: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		if deltaJSON.Valid {
			if err := json.Unmarshal([]byte(deltaJSON.String), &e.PayloadDelta); err != nil {
				return nil, fmt.Errorf("unmarshal payload delta: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HealthCheck pings the database.
func (s *SQLiteCardStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sqliteCheckCapacity(ctx context.Context, tx *sql.Tx, card model.Card, capacity *CapacityCheck) error {
	if capacity == nil {
		return nil
	}
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM cards
		WHERE tenant_id = ? AND stage = ? AND is_archived = 0 AND id <> ?`,
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

func sqliteInsertAudit(ctx context.Context, tx *sql.Tx, e model.AuditEntry) error {
	var delta sql.NullString
	if len(e.PayloadDelta) > 0 {
		b, err := json.Marshal(e.PayloadDelta)
		if err != nil {
			return fmt.Errorf("marshal payload delta: %w", err)
		}
		delta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO card_audit (
			id, tenant_id, card_id, kind, from_stage, to_stage, at, actor, payload_delta
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.CardID, e.Kind, e.FromStage, e.ToStage, formatTime(e.At), e.Actor, delta,
	)
	if err != nil {
		return fmt.Errorf("insert card audit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCard(row rowScanner) (model.Card, error) {
	var (
		card                          model.Card
		payloadJSON                   string
		entered, createdAt, updatedAt string
	)
	if err := row.Scan(
		&card.TenantID, &card.ID, &card.Stage, &entered, &payloadJSON,
		&card.IsArchived, &createdAt, &updatedAt, &card.Version,
	); err != nil {
		return model.Card{}, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &card.Payload); err != nil {
		return model.Card{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	var err error
	if card.EnteredStageAt, err = parseTime(entered); err != nil {
		return model.Card{}, err
	}
	if card.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Card{}, err
	}
	if card.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Card{}, err
	}
	return card, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
