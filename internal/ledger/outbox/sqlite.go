package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"

	_ "modernc.org/sqlite"
)

// SQLiteQueue keeps the outbox in a local SQLite file so queued writes survive
// process restarts.
type SQLiteQueue struct {
	db *sql.DB
}

// OpenSQLiteQueue opens (or creates) the queue database at path.
func OpenSQLiteQueue(ctx context.Context, path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	// One writer; SQLite serialises anyway and this keeps pragmas on one connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA synchronous=FULL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("outbox db %s: %w", pragma, err)
		}
	}

	q := &SQLiteQueue{db: db}
	if err := q.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_entries (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			queued_at TEXT NOT NULL,
			entry     TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate outbox db: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (q *SQLiteQueue) Close() error { return q.db.Close() }

// Append implements Queue.
func (q *SQLiteQueue) Append(ctx context.Context, entry model.OutboxEntry) error {
	return insertEntry(ctx, q.db, entry)
}

// ReadAll implements Queue.
func (q *SQLiteQueue) ReadAll(ctx context.Context) ([]model.OutboxEntry, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT entry FROM outbox_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.OutboxEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		var e model.OutboxEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceAll implements Queue. The swap is a single transaction.
func (q *SQLiteQueue) ReplaceAll(ctx context.Context, entries []model.OutboxEntry) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_entries`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox tx: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, db execer, e model.OutboxEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO outbox_entries (id, queued_at, entry) VALUES (?, ?, ?)`,
		e.ID, e.QueuedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), string(raw),
	); err != nil {
		return fmt.Errorf("insert outbox entry %s: %w", e.ID, err)
	}
	return nil
}
