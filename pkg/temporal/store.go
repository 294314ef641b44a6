package temporal

import (
	"context"
	"time"

	"github.com/clearlane/tariffcore/pkg/tariff"
)

// Store is the read contract plus the key-scoped write primitive the commit
// engine builds on. Reads are point-in-time and require no caller locking;
// UpdateKey serializes all writers for one subject key while leaving other
// keys free to commit concurrently.
type Store interface {
	// ActiveFact returns the precedence-resolved fact for the key as of
	// the given date. Country-qualified keys fall back to the global key
	// when no country-specific fact covers the date; this is a second,
	// lower-priority lookup, not a merge. Returns ErrNoFact on a miss.
	ActiveFact(ctx context.Context, key tariff.SubjectKey, asOf time.Time) (*Fact, error)

	// FactsForKey returns the full chain for a key ordered by
	// EffectiveStart ascending.
	FactsForKey(ctx context.Context, key tariff.SubjectKey) ([]*Fact, error)

	// UpdateKey runs fn inside a transaction that holds an exclusive lock
	// scoped to the subject key. If fn returns an error nothing is
	// persisted.
	UpdateKey(ctx context.Context, key tariff.SubjectKey, fn func(tx KeyTx) error) error
}

// KeyTx is the per-key transactional view used by the commit engine.
type KeyTx interface {
	// ActiveBefore returns the open fact for the key with
	// EffectiveStart <= cutoff, or nil if none exists.
	ActiveBefore(cutoff time.Time) (*Fact, error)

	// Close sets a fact's EffectiveEnd and SupersededBy. Both are set
	// exactly once; closing an already-closed fact is an error.
	Close(factID string, end time.Time, supersededBy string) error

	// Insert adds a new fact after checking the non-overlap invariant
	// against every existing fact for the key. A violation returns an
	// IntegrityError and aborts the transaction.
	Insert(f *Fact) error
}
