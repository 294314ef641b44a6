package temporal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clearlane/tariffcore/pkg/tariff"
)

// MemStore is an in-memory Store. Used for seeded baseline tables, tests,
// and single-process deployments.
type MemStore struct {
	mu    sync.RWMutex
	byKey map[string][]*Fact
	byID  map[string]*Fact

	lockMu   sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		byKey:    make(map[string][]*Fact),
		byID:     make(map[string]*Fact),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// Seed inserts baseline facts without supersession bookkeeping. Seeding
// runs at startup before any reader exists; overlap checks still apply.
func (s *MemStore) Seed(facts []*Fact) error {
	for _, f := range facts {
		cp := *f
		cp.Origin = OriginBaseline
		if err := s.UpdateKey(context.Background(), cp.Key, func(tx KeyTx) error {
			return tx.Insert(&cp)
		}); err != nil {
			return err
		}
	}
	return nil
}

// ActiveFact implements Store.
func (s *MemStore) ActiveFact(_ context.Context, key tariff.SubjectKey, asOf time.Time) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f := s.resolveLocked(key, asOf); f != nil {
		return f, nil
	}
	if !key.IsGlobal() {
		if f := s.resolveLocked(key.Global(), asOf); f != nil {
			return f, nil
		}
	}
	return nil, ErrNoFact
}

func (s *MemStore) resolveLocked(key tariff.SubjectKey, asOf time.Time) *Fact {
	var candidates []*Fact
	for _, f := range s.byKey[key.String()] {
		if f.CoversDate(asOf) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	winner := Resolve(candidates)
	cp := *winner
	return &cp
}

// FactsForKey implements Store.
func (s *MemStore) FactsForKey(_ context.Context, key tariff.SubjectKey) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.byKey[key.String()]
	out := make([]*Fact, 0, len(stored))
	for _, f := range stored {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EffectiveStart.Equal(out[j].EffectiveStart) {
			return out[i].EffectiveStart.Before(out[j].EffectiveStart)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateKey implements Store. Writers for the same key serialize on a
// per-key mutex; the store mutex is held only while staged changes apply.
func (s *MemStore) UpdateKey(_ context.Context, key tariff.SubjectKey, fn func(tx KeyTx) error) error {
	lock := s.keyLock(key.String())
	lock.Lock()
	defer lock.Unlock()

	tx := &memKeyTx{store: s, key: key}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (s *MemStore) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if l, ok := s.keyLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.keyLocks[key] = l
	return l
}

// memKeyTx stages mutations and applies them atomically on success.
type memKeyTx struct {
	store *MemStore
	key   tariff.SubjectKey

	inserts []*Fact
	closes  []stagedClose
}

type stagedClose struct {
	factID       string
	end          time.Time
	supersededBy string
}

func (tx *memKeyTx) snapshot() []*Fact {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	stored := tx.store.byKey[tx.key.String()]
	out := make([]*Fact, 0, len(stored)+len(tx.inserts))
	for _, f := range stored {
		cp := *f
		// Overlay staged closes so later validation sees them.
		for _, c := range tx.closes {
			if c.factID == cp.ID {
				end := c.end
				cp.EffectiveEnd = &end
				cp.SupersededBy = c.supersededBy
			}
		}
		out = append(out, &cp)
	}
	out = append(out, tx.inserts...)
	return out
}

func (tx *memKeyTx) ActiveBefore(cutoff time.Time) (*Fact, error) {
	var best *Fact
	for _, f := range tx.snapshot() {
		if !f.Open() || f.EffectiveStart.After(cutoff) {
			continue
		}
		if best == nil || f.EffectiveStart.After(best.EffectiveStart) {
			best = f
		}
	}
	return best, nil
}

func (tx *memKeyTx) Close(factID string, end time.Time, supersededBy string) error {
	target := tx.store.lookup(factID)
	if target == nil {
		return ErrFactNotFound
	}
	if !target.Open() {
		return ErrFactClosed
	}
	tx.closes = append(tx.closes, stagedClose{factID: factID, end: end, supersededBy: supersededBy})
	return nil
}

func (tx *memKeyTx) Insert(f *Fact) error {
	cp := *f
	for _, existing := range tx.snapshot() {
		if existing.ID == cp.ID {
			return &IntegrityError{Key: tx.key, Reason: "duplicate fact id " + cp.ID}
		}
		if Overlaps(existing.EffectiveStart, existing.EffectiveEnd, cp.EffectiveStart, cp.EffectiveEnd) {
			return &IntegrityError{Key: tx.key, Reason: "overlapping windows with fact " + existing.ID}
		}
		if existing.Open() && cp.Open() {
			return &IntegrityError{Key: tx.key, Reason: "two open facts for one key"}
		}
	}
	tx.inserts = append(tx.inserts, &cp)
	return nil
}

func (s *MemStore) lookup(factID string) *Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[factID]
}

func (tx *memKeyTx) apply() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for _, c := range tx.closes {
		if f, ok := tx.store.byID[c.factID]; ok {
			end := c.end
			f.EffectiveEnd = &end
			f.SupersededBy = c.supersededBy
		}
	}
	for _, f := range tx.inserts {
		tx.store.byKey[f.Key.String()] = append(tx.store.byKey[f.Key.String()], f)
		tx.store.byID[f.ID] = f
	}
}
