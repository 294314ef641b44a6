package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry persists evidence records, typically sharing the database
// handle with the SQLite fact store.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry wraps an opened database handle and runs migrations.
func NewSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	r := &SQLiteRegistry{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		fact_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		quote TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_fact ON evidence(fact_id);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// Attach implements Registry.
func (r *SQLiteRegistry) Attach(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO evidence (id, fact_id, source_id, source_url, quote, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.FactID, rec.SourceID, rec.SourceURL, rec.Quote, string(rec.Status),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert evidence %s: %w", rec.ID, err)
	}
	return nil
}

// ForFact implements Registry.
func (r *SQLiteRegistry) ForFact(ctx context.Context, factID string) ([]*Record, error) {
	query := `SELECT id, fact_id, source_id, source_url, quote, status, created_at
		FROM evidence WHERE fact_id = ? ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, factID)
	if err != nil {
		return nil, fmt.Errorf("query evidence for fact %s: %w", factID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var rec Record
		var status, createdAt string
		if err := rows.Scan(&rec.ID, &rec.FactID, &rec.SourceID, &rec.SourceURL, &rec.Quote, &status, &createdAt); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoEvidence
	}
	return records, nil
}
