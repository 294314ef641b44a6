package tariff

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/clearlane/tariffcore/pkg/money"
)

// ValidationError is a request or data shape problem caught before any
// computation. It is surfaced with a specific reason, never corrected
// silently.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// CalculationRequest is one duty calculation over a single entry.
type CalculationRequest struct {
	HTSCode       string      `json:"hts_code"`
	Country       string      `json:"country"`
	AsOf          time.Time   `json:"as_of"`
	DeclaredValue money.Money `json:"declared_value"`
	// MaterialValues holds the declared content value per material, when
	// the filer has a composition breakdown.
	MaterialValues map[Material]money.Money `json:"material_values,omitempty"`
	// OriginShareBP is the declared qualifying-origin content share in
	// basis points, used by origin-content exemption variants.
	OriginShareBP int64 `json:"origin_share_bp,omitempty"`
}

// Validate checks structural invariants. Material values exceeding the
// declared total are rejected here, not clamped downstream.
func (r *CalculationRequest) Validate() error {
	if r.HTSCode == "" {
		return &ValidationError{Field: "hts_code", Reason: "required"}
	}
	if r.Country == "" {
		return &ValidationError{Field: "country", Reason: "required"}
	}
	if r.AsOf.IsZero() {
		return &ValidationError{Field: "as_of", Reason: "required"}
	}
	if r.DeclaredValue.IsNegative() {
		return &ValidationError{Field: "declared_value", Reason: "must not be negative"}
	}
	var sum int64
	for m, v := range r.MaterialValues {
		if v.Currency != r.DeclaredValue.Currency {
			return &ValidationError{Field: "material_values", Reason: fmt.Sprintf("currency mismatch for %s: %s vs %s", m, v.Currency, r.DeclaredValue.Currency)}
		}
		if v.IsNegative() {
			return &ValidationError{Field: "material_values", Reason: fmt.Sprintf("negative value for %s", m)}
		}
		sum += v.AmountMinor
	}
	if sum > r.DeclaredValue.AmountMinor {
		return &ValidationError{Field: "material_values", Reason: "material values exceed declared total value"}
	}
	if r.OriginShareBP < 0 || r.OriginShareBP > money.BasisPointsPerWhole {
		return &ValidationError{Field: "origin_share_bp", Reason: "must be within [0, 10000]"}
	}
	return nil
}

// EntrySlice is a partition of the declared value. MaterialNone marks the
// remainder slice. Slices exist only for the duration of one calculation.
type EntrySlice struct {
	Material Material    `json:"material"`
	Value    money.Money `json:"value"`
}

// FilingLine is one program's resolved outcome for one slice.
type FilingLine struct {
	SliceMaterial Material         `json:"slice_material"`
	ProgramID     string           `json:"program_id"`
	Action        Action           `json:"action"`
	Variant       ExemptionVariant `json:"variant,omitempty"`
	OutputCode    string           `json:"output_code"`
	Rate          money.Rate       `json:"rate_bp"`
	Amount        money.Money      `json:"amount"`
	// PenaltyFallback marks a content program computed on the full
	// declared value because the material value was not declared.
	PenaltyFallback bool `json:"penalty_fallback,omitempty"`
}

// ProgramDuty is the money-math record for one program across the whole
// product (the calculation runs once per request, not per slice).
type ProgramDuty struct {
	ProgramID       string           `json:"program_id"`
	ArticleType     ArticleType      `json:"-"`
	Article         string           `json:"article_type"`
	Base            money.Money      `json:"base"`
	Rate            money.Rate       `json:"rate_bp"`
	Amount          money.Money      `json:"amount"`
	Variant         ExemptionVariant `json:"variant,omitempty"`
	PenaltyFallback bool             `json:"penalty_fallback,omitempty"`
}

// CalculationResult is the audit-ready output: slices, per-program duties,
// per-slice filing lines, and the total.
type CalculationResult struct {
	HTSCode       string        `json:"hts_code"`
	Country       string        `json:"country"`
	CountryGroup  string        `json:"country_group"`
	AsOf          time.Time     `json:"as_of"`
	DeclaredValue money.Money   `json:"declared_value"`
	Slices        []EntrySlice  `json:"slices"`
	Duties        []ProgramDuty `json:"duties"`
	Lines         []FilingLine  `json:"lines"`
	TotalDuty     money.Money   `json:"total_duty"`
}

// CanonicalJSON encodes the result as RFC 8785 canonical JSON. Identical
// requests against an unchanged store produce byte-identical output.
func (r *CalculationResult) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return jcs.Transform(raw)
}
