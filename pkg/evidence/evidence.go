// Package evidence links committed facts to their source documents. Every
// record carries a verbatim quote and a verification status; records are
// append-only and attached only by the commit engine.
package evidence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoEvidence is returned when no record exists for a fact.
	ErrNoEvidence = errors.New("evidence: no record for fact")
	// ErrMissingQuote rejects evidence without a verbatim quote.
	ErrMissingQuote = errors.New("evidence: verbatim quote required")
	// ErrMissingSource rejects evidence without a source binding.
	ErrMissingSource = errors.New("evidence: source document required")
)

// Status is the verification state of a record.
type Status string

const (
	StatusUnverified Status = "unverified"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
)

// Record links one committed fact to its source.
type Record struct {
	ID        string    `json:"id"`
	FactID    string    `json:"fact_id"`
	SourceID  string    `json:"source_id"`
	SourceURL string    `json:"source_url,omitempty"`
	Quote     string    `json:"quote"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the record's structural requirements.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.Quote) == "" {
		return ErrMissingQuote
	}
	if strings.TrimSpace(r.SourceID) == "" {
		return ErrMissingSource
	}
	return nil
}

// VerifyQuote checks a quote against the source text it claims to come
// from. Source authenticity is the extraction pipeline's job; the core
// re-checks only that the quote appears verbatim when the text is
// available.
func VerifyQuote(quote, sourceText string) Status {
	if sourceText == "" {
		return StatusUnverified
	}
	if strings.Contains(sourceText, strings.TrimSpace(quote)) {
		return StatusVerified
	}
	return StatusFailed
}

// Registry is the append-only store of evidence records.
type Registry interface {
	Attach(ctx context.Context, rec *Record) error
	ForFact(ctx context.Context, factID string) ([]*Record, error)
}

// MemRegistry is an in-memory Registry.
type MemRegistry struct {
	mu     sync.RWMutex
	byFact map[string][]*Record
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{byFact: make(map[string][]*Record)}
}

// Attach implements Registry.
func (r *MemRegistry) Attach(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.byFact[rec.FactID] = append(r.byFact[rec.FactID], &cp)
	return nil
}

// ForFact implements Registry.
func (r *MemRegistry) ForFact(_ context.Context, factID string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.byFact[factID]
	if len(records) == 0 {
		return nil, ErrNoEvidence
	}
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}
