package temporal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/clearlane/tariffcore/pkg/tariff"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists facts in SQLite. SQLite holds a database-level write
// lock for the duration of a transaction, which subsumes the per-key
// serialization UpdateKey requires; readers proceed against a consistent
// snapshot.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		material TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		output_code TEXT NOT NULL DEFAULT '',
		rate_bp INTEGER NOT NULL DEFAULT 0,
		formula TEXT NOT NULL DEFAULT '',
		formula_params JSON,
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

const factColumns = `id, code, material, country, output_code, rate_bp, formula, formula_params, role, state, origin, effective_start, effective_end, supersedes, superseded_by`

// ActiveFact implements Store.
func (s *SQLiteStore) ActiveFact(ctx context.Context, key tariff.SubjectKey, asOf time.Time) (*Fact, error) {
	facts, err := s.queryKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if f := resolveAt(facts, asOf); f != nil {
		return f, nil
	}
	if !key.IsGlobal() {
		facts, err = s.queryKey(ctx, s.db, key.Global())
		if err != nil {
			return nil, err
		}
		if f := resolveAt(facts, asOf); f != nil {
			return f, nil
		}
	}
	return nil, ErrNoFact
}

// resolveAt filters candidates covering asOf and applies precedence.
func resolveAt(facts []*Fact, asOf time.Time) *Fact {
	var candidates []*Fact
	for _, f := range facts {
		if f.CoversDate(asOf) {
			candidates = append(candidates, f)
		}
	}
	return Resolve(candidates)
}

// FactsForKey implements Store.
func (s *SQLiteStore) FactsForKey(ctx context.Context, key tariff.SubjectKey) ([]*Fact, error) {
	facts, err := s.queryKey(ctx, s.db, key)
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
func (s *SQLiteStore) UpdateKey(ctx context.Context, key tariff.SubjectKey, fn func(tx KeyTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fact transaction: %w", err)
	}
	ktx := &sqlKeyTx{ctx: ctx, tx: tx, key: key, placeholder: questionPlaceholder}
	if err := fn(ktx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fact transaction: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) queryKey(ctx context.Context, q querier, key tariff.SubjectKey) ([]*Fact, error) {
	return queryFactsByKey(ctx, q, key, questionPlaceholder)
}

func questionPlaceholder(int) string { return "?" }

func queryFactsByKey(ctx context.Context, q querier, key tariff.SubjectKey, ph func(int) string) ([]*Fact, error) {
	query := fmt.Sprintf(`SELECT %s FROM facts WHERE code = %s AND material = %s AND country = %s`,
		factColumns, ph(1), ph(2), ph(3))
	rows, err := q.QueryContext(ctx, query, key.Code, string(key.Material), key.Country)
	if err != nil {
		return nil, fmt.Errorf("query facts for key %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var facts []*Fact
	for rows.Next() {
		f, err := scanFactRow(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return facts, nil
}

func scanFactRow(rows *sql.Rows) (*Fact, error) {
	var (
		id, code, material, country string
		outputCode                  string
		rateBP                      int64
		formula                     string
		paramsJSON                  sql.NullString
		role, state, origin         string
		start                       string
		end                         sql.NullString
		supersedes, supersededBy    string
	)
	if err := rows.Scan(&id, &code, &material, &country, &outputCode, &rateBP, &formula, &paramsJSON,
		&role, &state, &origin, &start, &end, &supersedes, &supersededBy); err != nil {
		return nil, err
	}

	f := &Fact{
		ID:         id,
		Key:        tariff.SubjectKey{Code: code, Material: tariff.Material(material), Country: country},
		OutputCode: outputCode,
		RateBP:     rateBP,
		Formula:    formula,
		Role:       Role(role),
		State:      DatasetState(state),
		Origin:     Origin(origin),
		Supersedes: supersedes,
		SupersededBy: supersededBy,
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &f.FormulaParams); err != nil {
			return nil, fmt.Errorf("decode formula params for fact %s: %w", id, err)
		}
	}
	var err error
	f.EffectiveStart, err = parseStoredTime(start)
	if err != nil {
		return nil, fmt.Errorf("fact %s effective_start: %w", id, err)
	}
	if end.Valid && end.String != "" {
		t, err := parseStoredTime(end.String)
		if err != nil {
			return nil, fmt.Errorf("fact %s effective_end: %w", id, err)
		}
		f.EffectiveEnd = &t
	}
	return f, nil
}

func parseStoredTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

// sqlKeyTx implements KeyTx over a *sql.Tx. Shared between the SQLite and
// Postgres stores; only the placeholder style differs.
type sqlKeyTx struct {
	ctx         context.Context
	tx          *sql.Tx
	key         tariff.SubjectKey
	placeholder func(int) string
}

func (k *sqlKeyTx) ActiveBefore(cutoff time.Time) (*Fact, error) {
	facts, err := queryFactsByKey(k.ctx, k.tx, k.key, k.placeholder)
	if err != nil {
		return nil, err
	}
	var best *Fact
	for _, f := range facts {
		if !f.Open() || f.EffectiveStart.After(cutoff) {
			continue
		}
		if best == nil || f.EffectiveStart.After(best.EffectiveStart) {
			best = f
		}
	}
	return best, nil
}

func (k *sqlKeyTx) Close(factID string, end time.Time, supersededBy string) error {
	query := fmt.Sprintf(`UPDATE facts SET effective_end = %s, superseded_by = %s WHERE id = %s AND effective_end IS NULL`,
		k.placeholder(1), k.placeholder(2), k.placeholder(3))
	res, err := k.tx.ExecContext(k.ctx, query, end.UTC().Format(time.RFC3339Nano), supersededBy, factID)
	if err != nil {
		return fmt.Errorf("close fact %s: %w", factID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFactClosed
	}
	return nil
}

func (k *sqlKeyTx) Insert(f *Fact) error {
	existing, err := queryFactsByKey(k.ctx, k.tx, k.key, k.placeholder)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID == f.ID {
			return &IntegrityError{Key: k.key, Reason: "duplicate fact id " + f.ID}
		}
		if Overlaps(e.EffectiveStart, e.EffectiveEnd, f.EffectiveStart, f.EffectiveEnd) {
			return &IntegrityError{Key: k.key, Reason: "overlapping windows with fact " + e.ID}
		}
	}

	var paramsJSON any
	if len(f.FormulaParams) > 0 {
		raw, err := json.Marshal(f.FormulaParams)
		if err != nil {
			return fmt.Errorf("encode formula params: %w", err)
		}
		paramsJSON = string(raw)
	}
	var end any
	if f.EffectiveEnd != nil {
		end = f.EffectiveEnd.UTC().Format(time.RFC3339Nano)
	}

	var phs []any
	query := `INSERT INTO facts (` + factColumns + `) VALUES (`
	for i := 1; i <= 15; i++ {
		if i > 1 {
			query += ", "
		}
		query += k.placeholder(i)
	}
	query += `)`
	phs = []any{
		f.ID, f.Key.Code, string(f.Key.Material), f.Key.Country, f.OutputCode, f.RateBP, f.Formula, paramsJSON,
		string(f.Role), string(f.State), string(f.Origin),
		f.EffectiveStart.UTC().Format(time.RFC3339Nano), end, f.Supersedes, f.SupersededBy,
	}
	if _, err := k.tx.ExecContext(k.ctx, query, phs...); err != nil {
		return fmt.Errorf("insert fact %s: %w", f.ID, err)
	}
	return nil
}
