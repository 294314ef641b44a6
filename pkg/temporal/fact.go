// Package temporal implements the versioned, date-ranged tariff fact store.
//
// Every fact is valid over a half-open [effective_start, effective_end)
// window and belongs to a supersession chain for its subject key: each
// successor closes its predecessor's window. At most one fact per key is
// open (effective_end = nil) at any time; overlapping windows for one key
// are an integrity violation and are rejected at write time, never
// tolerated at read time.
package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/clearlane/tariffcore/pkg/tariff"
)

var (
	// ErrNoFact is the lookup-miss sentinel: no fact covers the key at the
	// requested date. Callers must distinguish this from an explicit
	// exclusion fact, which is returned as a normal fact with RoleExclude.
	ErrNoFact = errors.New("temporal: no fact for key at date")
	// ErrFactNotFound is returned when a fact ID does not exist.
	ErrFactNotFound = errors.New("temporal: fact not found")
	// ErrFactClosed is returned when closing a fact that already has an end.
	ErrFactClosed = errors.New("temporal: fact already superseded")
)

// Role distinguishes facts that impose a duty from facts that exclude one.
type Role string

const (
	RoleImpose  Role = "impose"
	RoleExclude Role = "exclude"
)

// DatasetState marks whether a fact belongs to the active or archived dataset.
type DatasetState string

const (
	StateActive   DatasetState = "active"
	StateArchived DatasetState = "archived"
)

// Origin ranks fact sources. Hardcoded fallback tables are not a separate
// code path: they are seeded as baseline facts and lose precedence to
// committed facts inside the same resolution chain.
type Origin string

const (
	OriginCommitted Origin = "committed"
	OriginBaseline  Origin = "baseline"
)

// Fact is one versioned record in the temporal store. Immutable once
// committed, except EffectiveEnd and SupersededBy, which are set exactly
// once when a successor is committed.
type Fact struct {
	ID         string            `json:"id"`
	Key        tariff.SubjectKey `json:"key"`
	OutputCode string            `json:"output_code"`
	// RateBP is the fixed rate in basis points. When Formula is non-empty
	// the rate is resolved by evaluating the formula instead.
	RateBP        int64            `json:"rate_bp"`
	Formula       string           `json:"formula,omitempty"`
	FormulaParams map[string]int64 `json:"formula_params,omitempty"`
	Role          Role             `json:"role"`
	State         DatasetState     `json:"state"`
	Origin        Origin           `json:"origin"`
	EffectiveStart time.Time       `json:"effective_start"`
	EffectiveEnd   *time.Time      `json:"effective_end,omitempty"`
	Supersedes     string          `json:"supersedes,omitempty"`
	SupersededBy   string          `json:"superseded_by,omitempty"`
}

// CoversDate reports whether asOf falls inside the fact's window.
func (f *Fact) CoversDate(asOf time.Time) bool {
	if asOf.Before(f.EffectiveStart) {
		return false
	}
	return f.EffectiveEnd == nil || asOf.Before(*f.EffectiveEnd)
}

// Open reports whether the fact's window is still unbounded.
func (f *Fact) Open() bool { return f.EffectiveEnd == nil }

// IntegrityError reports a store invariant violation (overlapping windows,
// double-open keys, broken chains). Fatal to the offending write.
type IntegrityError struct {
	Key    tariff.SubjectKey
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("temporal integrity: key %s: %s", e.Key, e.Reason)
}

// Overlaps reports whether two half-open windows intersect.
func Overlaps(aStart time.Time, aEnd *time.Time, bStart time.Time, bEnd *time.Time) bool {
	if aEnd != nil && !bStart.Before(*aEnd) {
		return false
	}
	if bEnd != nil && !aStart.Before(*bEnd) {
		return false
	}
	return true
}

// rank orders precedence dimensions; lower is stronger.
func roleRank(r Role) int {
	if r == RoleExclude {
		return 0
	}
	return 1
}

func stateRank(s DatasetState) int {
	if s == StateActive {
		return 0
	}
	return 1
}

func originRank(o Origin) int {
	if o == OriginCommitted {
		return 0
	}
	return 1
}

// Resolve picks the winning fact among candidates valid on the same date
// for the same key. Precedence, applied in order:
//
//  1. RoleExclude outranks RoleImpose.
//  2. StateActive outranks StateArchived.
//  3. OriginCommitted outranks OriginBaseline.
//  4. The most recent EffectiveStart wins.
//
// The result is deterministic regardless of candidate order; the final tie
// break is the fact ID.
func Resolve(candidates []*Fact) *Fact {
	var best *Fact
	for _, c := range candidates {
		if best == nil || stronger(c, best) {
			best = c
		}
	}
	return best
}

func stronger(a, b *Fact) bool {
	if r1, r2 := roleRank(a.Role), roleRank(b.Role); r1 != r2 {
		return r1 < r2
	}
	if s1, s2 := stateRank(a.State), stateRank(b.State); s1 != s2 {
		return s1 < s2
	}
	if o1, o2 := originRank(a.Origin), originRank(b.Origin); o1 != o2 {
		return o1 < o2
	}
	if !a.EffectiveStart.Equal(b.EffectiveStart) {
		return a.EffectiveStart.After(b.EffectiveStart)
	}
	return a.ID < b.ID
}
