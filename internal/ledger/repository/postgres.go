package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

const (
	revisionConstraint = "ledger_events_domain_logical_revision_key"

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInsufficientPriv    = "42501"
)

const eventColumns = `
	id::text, domain, owner_user_id, owner_agent_id, logical_id, revision,
	supersedes_id::text, op, event_type, entity_type, entity_id, category,
	city_code, locality_code, occurred_at, atomic_timestamp_id, payload, created_at`

const signatureColumns = `
	sig_ledger_row_id::text, sig_schema_version, sig_canon_algo, sig_canonical_json,
	sig_sha256, sig_signature_b64, sig_key_id, sig_signed_at`

// PostgresStore persists the ledger to PostgreSQL. Inserts run in a
// transaction that publishes the writer's id to the row-level security policy.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertEvent implements the ledger store. The backend assigns id and
// created_at; the stored row is returned.
func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	if err := checkInsert(e); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]any(e.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}

	row := *e
	row.ID = uuid.New().String()
	var stored []byte

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`SELECT set_config('ledger.owner_user_id', $1, true)`, row.OwnerUserID,
	); err != nil {
		return nil, fmt.Errorf("set row owner: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_events (
			id, domain, owner_user_id, owner_agent_id, logical_id, revision,
			supersedes_id, op, event_type, entity_type, entity_id, category,
			city_code, locality_code, occurred_at, atomic_timestamp_id, payload
		) VALUES (
			$1::uuid, $2, $3, $4, $5, $6,
			$7::uuid, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)
		RETURNING occurred_at, payload, created_at`,
		row.ID, string(row.Domain), row.OwnerUserID, row.OwnerAgentID, row.LogicalID, row.Revision,
		nullString(row.SupersedesID), string(row.Op), row.EventType,
		nullString(row.EntityType), nullString(row.EntityID), nullString(row.Category),
		nullString(row.CityCode), nullString(row.LocalityCode), row.OccurredAt.UTC(),
		nullString(row.AtomicTimestampID), payload,
	).Scan(&row.OccurredAt, &stored, &row.CreatedAt)
	if err != nil {
		return nil, mapInsertError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", mapInsertError(err))
	}

	row.CreatedAt = row.CreatedAt.UTC()
	row.OccurredAt = row.OccurredAt.UTC()
	if row.Payload, err = model.DecodePayload(stored); err != nil {
		return nil, err
	}

	s.logger.Debug("ledger row inserted",
		zap.String("ledger_row_id", row.ID),
		zap.String("domain", string(row.Domain)),
		zap.String("logical_id", row.LogicalID),
		zap.Int("revision", row.Revision),
	)
	return &row, nil
}

// CurrentRevision returns the highest revision of a logical id, or ErrNotFound.
func (s *PostgresStore) CurrentRevision(ctx context.Context, domain model.Domain, logicalID string) (*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM ledger_current_v WHERE domain = $1 AND logical_id = $2`
	return s.scanOneEvent(ctx, q, string(domain), logicalID)
}

// GetEvent returns the row with the given id, or ErrNotFound.
func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrNotFound
	}
	q := `SELECT ` + eventColumns + ` FROM ledger_events WHERE id = $1::uuid`
	return s.scanOneEvent(ctx, q, id)
}

// EventAtRevision returns a specific revision of a logical id, or ErrNotFound.
func (s *PostgresStore) EventAtRevision(ctx context.Context, domain model.Domain, logicalID string, revision int) (*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM ledger_events
		WHERE domain = $1 AND logical_id = $2 AND revision = $3`
	return s.scanOneEvent(ctx, q, string(domain), logicalID, revision)
}

// ListReceipts returns receipts newest-first.
func (s *PostgresStore) ListReceipts(ctx context.Context, f model.ReceiptFilter) ([]*model.Receipt, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var since *time.Time
	if !f.Since.IsZero() {
		t := f.Since.UTC()
		since = &t
	}
	q := `SELECT ` + eventColumns + `, ` + signatureColumns + `
		FROM ledger_receipts_v
		WHERE ($1 = '' OR owner_user_id = $1)
		  AND ($2 = '' OR domain = $2)
		  AND ($3 = '' OR event_type = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5`

	rows, err := s.pool.Query(ctx, q, f.OwnerUserID, string(f.Domain), f.EventType, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []*model.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReceipt returns one row joined with its signature, or ErrNotFound.
func (s *PostgresStore) GetReceipt(ctx context.Context, id string) (*model.Receipt, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrNotFound
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`, `+signatureColumns+` FROM ledger_receipts_v WHERE id = $1::uuid`, id)
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, model.ErrNotFound
	}
	return scanReceipt(rows)
}

// InsertSignature stores a signature. A second signature for the same row is
// ignored; callers re-read with GetSignature to learn which one won.
func (s *PostgresStore) InsertSignature(ctx context.Context, sig *model.ReceiptSignature) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_receipt_signatures (
			ledger_row_id, schema_version, canon_algo, canonical_json,
			sha256, signature_b64, key_id, signed_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ledger_row_id) DO NOTHING`,
		sig.LedgerRowID, sig.SchemaVersion, sig.CanonAlgo, sig.CanonicalJSON,
		sig.SHA256, sig.SignatureB64, sig.KeyID, sig.SignedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return model.ErrNotFound
		}
		return fmt.Errorf("insert signature: %w", err)
	}
	return nil
}

// GetSignature returns the signature for a row, or ErrNotFound.
func (s *PostgresStore) GetSignature(ctx context.Context, rowID string) (*model.ReceiptSignature, error) {
	if _, err := uuid.Parse(rowID); err != nil {
		return nil, model.ErrNotFound
	}
	var sig model.ReceiptSignature
	err := s.pool.QueryRow(ctx, `
		SELECT ledger_row_id::text, schema_version, canon_algo, canonical_json,
		       sha256, signature_b64, key_id, signed_at
		FROM ledger_receipt_signatures WHERE ledger_row_id = $1::uuid`, rowID,
	).Scan(
		&sig.LedgerRowID, &sig.SchemaVersion, &sig.CanonAlgo, &sig.CanonicalJSON,
		&sig.SHA256, &sig.SignatureB64, &sig.KeyID, &sig.SignedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signature: %w", err)
	}
	sig.SignedAt = sig.SignedAt.UTC()
	return &sig, nil
}

// scanOneEvent executes a query returning a single ledger row.
func (s *PostgresStore) scanOneEvent(ctx context.Context, query string, args ...any) (*model.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, model.ErrNotFound
	}
	return scanEvent(rows)
}

// eventDest holds scan targets for eventColumns.
type eventDest struct {
	e          model.Event
	domain     string
	op         string
	supersedes *string
	entityType *string
	entityID   *string
	category   *string
	city       *string
	loc        *string
	atomicTS   *string
	payload    []byte
}

func (d *eventDest) targets() []any {
	return []any{
		&d.e.ID, &d.domain, &d.e.OwnerUserID, &d.e.OwnerAgentID, &d.e.LogicalID, &d.e.Revision,
		&d.supersedes, &d.op, &d.e.EventType, &d.entityType, &d.entityID, &d.category,
		&d.city, &d.loc, &d.e.OccurredAt, &d.atomicTS, &d.payload, &d.e.CreatedAt,
	}
}

func (d *eventDest) event() (*model.Event, error) {
	e := d.e
	var err error
	if e.Domain, err = model.ParseDomain(d.domain); err != nil {
		return nil, err
	}
	if e.Op, err = model.ParseOp(d.op); err != nil {
		return nil, err
	}
	e.SupersedesID = deref(d.supersedes)
	e.EntityType = deref(d.entityType)
	e.EntityID = deref(d.entityID)
	e.Category = deref(d.category)
	e.CityCode = deref(d.city)
	e.LocalityCode = deref(d.loc)
	e.AtomicTimestampID = deref(d.atomicTS)
	e.OccurredAt = e.OccurredAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	if e.Payload, err = model.DecodePayload(d.payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
	}
	return &e, nil
}

func scanEvent(rows pgx.Rows) (*model.Event, error) {
	var d eventDest
	if err := rows.Scan(d.targets()...); err != nil {
		return nil, err
	}
	return d.event()
}

func scanReceipt(rows pgx.Rows) (*model.Receipt, error) {
	var d eventDest
	var (
		sigRowID, canonAlgo, canonicalJSON, sha, sigB64, keyID *string
		schemaVersion                                          *int
		signedAt                                               *time.Time
	)
	targets := append(d.targets(),
		&sigRowID, &schemaVersion, &canonAlgo, &canonicalJSON, &sha, &sigB64, &keyID, &signedAt,
	)
	if err := rows.Scan(targets...); err != nil {
		return nil, err
	}
	e, err := d.event()
	if err != nil {
		return nil, err
	}
	r := &model.Receipt{Event: *e}
	if sigRowID != nil {
		r.Signature = &model.ReceiptSignature{
			LedgerRowID:   *sigRowID,
			CanonAlgo:     deref(canonAlgo),
			CanonicalJSON: deref(canonicalJSON),
			SHA256:        deref(sha),
			SignatureB64:  deref(sigB64),
			KeyID:         deref(keyID),
		}
		if schemaVersion != nil {
			r.Signature.SchemaVersion = *schemaVersion
		}
		if signedAt != nil {
			r.Signature.SignedAt = signedAt.UTC()
		}
	}
	return r, nil
}

func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == revisionConstraint:
			return model.ErrDuplicateRevision
		case pgErr.Code == pgInsufficientPriv:
			return fmt.Errorf("%w: %s", model.ErrForbidden, pgErr.Message)
		}
	}
	return fmt.Errorf("insert ledger row: %w", err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
