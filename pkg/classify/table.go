// Package classify resolves the valuation category of an (HTS code,
// material) pair: primary, derivative, or content.
//
// Classification is explicit enumeration layered over heading-range
// defaults, never a chapter-number heuristic: enumerated code lists are
// checked first (with hierarchical prefix fallback 10→8→6 digits), then
// 4-digit heading ranges. A pair matching neither is an unclassified
// condition the caller must surface, not a default.
package classify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/clearlane/tariffcore/pkg/tariff"
)

// UnclassifiedError reports an (HTS, material) pair with no classification.
// This is a data-integrity condition for programs that claim to cover the
// code; it must never silently default to any one article type.
type UnclassifiedError struct {
	Code     string
	Material tariff.Material
}

func (e *UnclassifiedError) Error() string {
	return fmt.Sprintf("classify: no classification for code %s material %q", e.Code, e.Material)
}

// Entry enumerates one code's classification for a material.
type Entry struct {
	Code     string
	Material tariff.Material
	Type     tariff.ArticleType
}

// HeadingRange is a default classification for a 4-digit heading range,
// applied only when no enumerated entry matches.
type HeadingRange struct {
	Material tariff.Material
	From     string // inclusive 4-digit heading
	To       string // inclusive 4-digit heading
	Type     tariff.ArticleType
}

// Table is an immutable-after-load classification table. Safe for
// concurrent lookups.
type Table struct {
	mu     sync.RWMutex
	exact  map[string]tariff.ArticleType
	ranges []HeadingRange
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{exact: make(map[string]tariff.ArticleType)}
}

// Add registers an enumerated entry. Later entries for the same
// (code, material) overwrite earlier ones, matching bundle reload order.
func (t *Table) Add(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exact[entryKey(NormalizeCode(e.Code), e.Material)] = e.Type
}

// AddRange registers a heading-range default.
func (t *Table) AddRange(r HeadingRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = append(t.ranges, r)
}

// NormalizeCode strips dots from an HTS code ("7208.10.00" → "72081000").
func NormalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), ".", "")
}

func entryKey(code string, material tariff.Material) string {
	return code + "|" + string(material)
}

// Lookup resolves the article type for an (HTS code, material) pair.
// Enumerated entries win over range defaults. Enumerated matching checks
// the exact code first, then falls back through 8- and 6-digit prefixes.
func (t *Table) Lookup(code string, material tariff.Material) (tariff.ArticleType, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := NormalizeCode(code)
	if n == "" {
		return tariff.ArticleUnclassified, &UnclassifiedError{Code: code, Material: material}
	}

	if at, ok := t.exact[entryKey(n, material)]; ok {
		return at, nil
	}
	for _, prefixLen := range []int{8, 6} {
		if len(n) > prefixLen {
			if at, ok := t.exact[entryKey(n[:prefixLen], material)]; ok {
				return at, nil
			}
		}
	}

	if len(n) >= 4 {
		heading := n[:4]
		for _, r := range t.ranges {
			if r.Material != material {
				continue
			}
			if heading >= r.From && heading <= r.To {
				return r.Type, nil
			}
		}
	}

	return tariff.ArticleUnclassified, &UnclassifiedError{Code: code, Material: material}
}
