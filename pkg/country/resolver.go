// Package country maps country identifiers to temporal rate-group
// membership. A country belongs to zero or one group as of a date; entries
// with no explicit membership resolve to the default group.
package country

import (
	"strings"
	"sync"
	"time"
)

// DefaultGroup is returned when no membership covers the country and date.
const DefaultGroup = "default"

// Membership places a country in a rate group over a date window.
type Membership struct {
	Country string     `yaml:"country"`
	Group   string     `yaml:"group"`
	Start   time.Time  `yaml:"start"`
	End     *time.Time `yaml:"end,omitempty"`
}

func (m Membership) covers(asOf time.Time) bool {
	if asOf.Before(m.Start) {
		return false
	}
	return m.End == nil || asOf.Before(*m.End)
}

// Resolver normalizes country identifiers and performs temporal group
// lookups. Side effect free after construction; safe for concurrent use.
type Resolver struct {
	mu          sync.RWMutex
	aliases     map[string]string
	memberships map[string][]Membership
}

// NewResolver creates a resolver with built-in common aliases.
func NewResolver() *Resolver {
	return &Resolver{
		aliases: map[string]string{
			"UK":             "GB",
			"UNITED KINGDOM": "GB",
			"SOUTH KOREA":    "KR",
			"KOREA":          "KR",
			"USA":            "US",
			"UNITED STATES":  "US",
			"EU":             "EU",
		},
		memberships: make(map[string][]Membership),
	}
}

// AddAlias registers an identifier alias (e.g. a legacy code).
func (r *Resolver) AddAlias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalize(alias)] = canonical
}

// AddMembership registers a temporal group membership.
func (r *Resolver) AddMembership(m Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.canonicalLocked(m.Country)
	m.Country = c
	r.memberships[c] = append(r.memberships[c], m)
}

// Normalize returns the canonical country code for an identifier.
func (r *Resolver) Normalize(identifier string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalLocked(identifier)
}

func (r *Resolver) canonicalLocked(identifier string) string {
	n := normalize(identifier)
	if c, ok := r.aliases[n]; ok {
		return c
	}
	return n
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ResolveGroup returns the rate group for a country as of a date. When
// multiple memberships cover the date the most recently started wins;
// absent any membership the default group is returned.
func (r *Resolver) ResolveGroup(identifier string, asOf time.Time) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := r.canonicalLocked(identifier)
	var best *Membership
	for i := range r.memberships[c] {
		m := &r.memberships[c][i]
		if !m.covers(asOf) {
			continue
		}
		if best == nil || m.Start.After(best.Start) {
			best = m
		}
	}
	if best == nil {
		return DefaultGroup
	}
	return best.Group
}
