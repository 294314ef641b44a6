package audit

import (
	"database/sql"
	"fmt"
)

// SQLiteLog is a Log backed by a SQLite table. Entries are replayed from
// the table on open, so the chain survives restarts; every Append writes
// through before returning.
type SQLiteLog struct {
	*Log
	db *sql.DB
}

// NewSQLiteLog migrates the schema, replays any existing entries into an
// in-memory chain, and verifies it.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	entry_id      TEXT PRIMARY KEY,
	sequence      INTEGER NOT NULL UNIQUE,
	timestamp     TEXT NOT NULL,
	type          TEXT NOT NULL,
	subject       TEXT NOT NULL,
	action        TEXT NOT NULL,
	payload       BLOB NOT NULL,
	payload_hash  TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_entries(subject);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	l := &SQLiteLog{Log: NewLog(), db: db}
	if err := l.replay(); err != nil {
		return nil, err
	}
	if err := l.VerifyChain(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) replay() error {
	rows, err := l.db.Query(`SELECT entry_id, sequence, timestamp, type, subject, action,
		payload, payload_hash, previous_hash, entry_hash
		FROM audit_entries ORDER BY sequence`)
	if err != nil {
		return fmt.Errorf("audit: replay: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.EntryID, &e.Sequence, &ts, &e.Type, &e.Subject, &e.Action,
			&e.Payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return fmt.Errorf("audit: scan entry: %w", err)
		}
		parsed, err := parseTimestamp(ts)
		if err != nil {
			return fmt.Errorf("audit: entry %s: %w", e.EntryID, err)
		}
		e.Timestamp = parsed
		l.restore(&e)
	}
	return rows.Err()
}

// Append records the entry in memory and persists it in one step.
func (l *SQLiteLog) Append(entryType EntryType, subject, action string, payload any) (*Entry, error) {
	entry, err := l.Log.Append(entryType, subject, action, payload)
	if err != nil {
		return nil, err
	}
	_, err = l.db.Exec(`INSERT INTO audit_entries
		(entry_id, sequence, timestamp, type, subject, action, payload, payload_hash, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.Sequence, formatTimestamp(entry.Timestamp), string(entry.Type),
		entry.Subject, entry.Action, []byte(entry.Payload), entry.PayloadHash,
		entry.PreviousHash, entry.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("audit: persist entry %s: %w", entry.EntryID, err)
	}
	return entry, nil
}
