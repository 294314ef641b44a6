// Package commit implements the only writer to the temporal fact store.
// It enforces supersession invariants, attaches evidence, and writes the
// audit trail. Rejected candidates land in a review queue; they never
// partially mutate the store.
package commit

import (
	"fmt"
	"time"

	"github.com/clearlane/tariffcore/pkg/tariff"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

// EvidenceInput is the evidence accompanying a candidate fact. The
// extraction pipeline has already checked source authenticity; SourceText,
// when present, lets the engine re-verify the quote verbatim.
type EvidenceInput struct {
	SourceID   string `json:"source_id"`
	SourceURL  string `json:"source_url,omitempty"`
	Quote      string `json:"quote"`
	SourceText string `json:"source_text,omitempty"`
}

// CandidateFact is one proposed mutation of the temporal store, arriving
// from the extraction/validation pipeline.
type CandidateFact struct {
	Key            tariff.SubjectKey `json:"key"`
	OutputCode     string            `json:"output_code"`
	RateBP         int64             `json:"rate_bp"`
	Formula        string            `json:"formula,omitempty"`
	FormulaParams  map[string]int64  `json:"formula_params,omitempty"`
	Role           temporal.Role     `json:"role"`
	EffectiveStart time.Time         `json:"effective_start"`
	EffectiveEnd   *time.Time        `json:"effective_end,omitempty"`
	TrustedSource  bool              `json:"trusted_source"`
	Evidence       EvidenceInput     `json:"evidence"`
}

// RejectReason classifies why a candidate was refused.
type RejectReason string

const (
	RejectUntrustedSource     RejectReason = "untrusted_source"
	RejectUnverifiableQuote   RejectReason = "unverifiable_quote"
	RejectMalformedRate       RejectReason = "malformed_rate"
	RejectMalformedDates      RejectReason = "malformed_dates"
	RejectIntegrityViolation  RejectReason = "integrity_violation"
	RejectBrokenSchedule      RejectReason = "broken_schedule"
	RejectMissingEvidence     RejectReason = "missing_evidence"
)

// CommitError reports a refused commit. The candidate is preserved in the
// review queue under ReviewID.
type CommitError struct {
	Reason   RejectReason
	Detail   string
	ReviewID string
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit rejected (%s): %s", e.Reason, e.Detail)
}
