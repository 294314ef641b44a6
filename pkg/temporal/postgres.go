package temporal

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/clearlane/tariffcore/pkg/tariff"
)

// PostgresStore persists facts in Postgres. Commit serialization is scoped
// to the subject key with a transaction-level advisory lock, so two
// concurrent candidates for the same key cannot both observe the same open
// predecessor while commits for different keys proceed in parallel.
//
// The caller owns the *sql.DB; register the lib/pq driver in the binary:
//
//	import _ "github.com/lib/pq"
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an opened database handle and runs migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		material TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		output_code TEXT NOT NULL DEFAULT '',
		rate_bp BIGINT NOT NULL DEFAULT 0,
		formula TEXT NOT NULL DEFAULT '',
		formula_params TEXT,
		role TEXT NOT NULL,
		state TEXT NOT NULL,
		origin TEXT NOT NULL,
		effective_start TEXT NOT NULL,
		effective_end TEXT,
		supersedes TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_facts_key ON facts(code, material, country);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func dollarPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }

// ActiveFact implements Store.
func (s *PostgresStore) ActiveFact(ctx context.Context, key tariff.SubjectKey, asOf time.Time) (*Fact, error) {
	facts, err := queryFactsByKey(ctx, s.db, key, dollarPlaceholder)
	if err != nil {
		return nil, err
	}
	if f := resolveAt(facts, asOf); f != nil {
		return f, nil
	}
	if !key.IsGlobal() {
		facts, err = queryFactsByKey(ctx, s.db, key.Global(), dollarPlaceholder)
		if err != nil {
			return nil, err
		}
		if f := resolveAt(facts, asOf); f != nil {
			return f, nil
		}
	}
	return nil, ErrNoFact
}

// FactsForKey implements Store.
func (s *PostgresStore) FactsForKey(ctx context.Context, key tariff.SubjectKey) ([]*Fact, error) {
	facts, err := queryFactsByKey(ctx, s.db, key, dollarPlaceholder)
	if err != nil {
		return nil, err
	}
	sort.Slice(facts, func(i, j int) bool {
		if !facts[i].EffectiveStart.Equal(facts[j].EffectiveStart) {
			return facts[i].EffectiveStart.Before(facts[j].EffectiveStart)
		}
		return facts[i].ID < facts[j].ID
	})
	return facts, nil
}

// UpdateKey implements Store.
func (s *PostgresStore) UpdateKey(ctx context.Context, key tariff.SubjectKey, fn func(tx KeyTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fact transaction: %w", err)
	}
	// The advisory lock covers the first-fact case too, where there is no
	// row yet to lock with FOR UPDATE.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, keyLockID(key)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("acquire key lock for %s: %w", key, err)
	}
	ktx := &sqlKeyTx{ctx: ctx, tx: tx, key: key, placeholder: dollarPlaceholder}
	if err := fn(ktx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fact transaction: %w", err)
	}
	return nil
}

// keyLockID derives the advisory lock id from the canonical key string.
func keyLockID(key tariff.SubjectKey) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.String()))
	return int64(h.Sum64())
}
