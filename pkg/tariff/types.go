// Package tariff defines the shared domain types for the duty calculation
// core: programs, subject keys, article classifications, filing lines, and
// calculation requests/results. Other packages depend on tariff; tariff
// depends only on money.
package tariff

import (
	"fmt"
	"time"
)

// Material identifies a 232-type material category for content-based programs.
type Material string

// Known material categories.
const (
	MaterialNone     Material = ""
	MaterialSteel    Material = "steel"
	MaterialAluminum Material = "aluminum"
	MaterialCopper   Material = "copper"
	MaterialTimber   Material = "timber"
)

// ArticleType is the valuation category of an (HTS code, material) pair.
type ArticleType int

const (
	// ArticleUnclassified is the zero value: no classification exists.
	// It is an error condition, never a default.
	ArticleUnclassified ArticleType = iota
	// ArticlePrimary — raw material; the full product value is dutiable.
	ArticlePrimary
	// ArticleDerivative — finished article; the full product value is dutiable.
	ArticleDerivative
	// ArticleContent — only the declared material content value is dutiable.
	ArticleContent
)

// String implements fmt.Stringer for ArticleType.
func (a ArticleType) String() string {
	switch a {
	case ArticleUnclassified:
		return "UNCLASSIFIED"
	case ArticlePrimary:
		return "PRIMARY"
	case ArticleDerivative:
		return "DERIVATIVE"
	case ArticleContent:
		return "CONTENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(a))
	}
}

// ParseArticleType parses the YAML/JSON form of an article type.
func ParseArticleType(s string) (ArticleType, error) {
	switch s {
	case "primary":
		return ArticlePrimary, nil
	case "derivative":
		return ArticleDerivative, nil
	case "content":
		return ArticleContent, nil
	default:
		return ArticleUnclassified, fmt.Errorf("unknown article type %q", s)
	}
}

// ProgramKind is the closed set of program shapes. Every switch over
// ProgramKind must be exhaustive; an unknown kind is an error, never a
// silent fallthrough.
type ProgramKind int

const (
	// KindAlwaysApplies — the program applies to every entry in scope
	// (e.g. a blanket country-retaliation tariff).
	KindAlwaysApplies ProgramKind = iota
	// KindInclusionLookup — the program applies only if an inclusion fact
	// exists for the HTS code; absence means it does not apply at all.
	KindInclusionLookup
	// KindContentBased — the program taxes a material's content value and
	// claims that value away from remainder-based programs.
	KindContentBased
	// KindFormulaRate — the program's rate is a formula evaluated at
	// calculation time (e.g. max(0, ceiling - base_rate)).
	KindFormulaRate
)

// String implements fmt.Stringer for ProgramKind.
func (k ProgramKind) String() string {
	switch k {
	case KindAlwaysApplies:
		return "ALWAYS_APPLIES"
	case KindInclusionLookup:
		return "INCLUSION_LOOKUP"
	case KindContentBased:
		return "CONTENT_BASED"
	case KindFormulaRate:
		return "FORMULA_RATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// ParseProgramKind parses the YAML/JSON form of a program kind.
func ParseProgramKind(s string) (ProgramKind, error) {
	switch s {
	case "always":
		return KindAlwaysApplies, nil
	case "lookup":
		return KindInclusionLookup, nil
	case "content":
		return KindContentBased, nil
	case "formula":
		return KindFormulaRate, nil
	default:
		return 0, fmt.Errorf("unknown program kind %q", s)
	}
}

// DutyBase selects the dutiable base for programs with no content basis.
type DutyBase string

const (
	// BaseFullValue taxes the full declared value.
	BaseFullValue DutyBase = "full_value"
	// BaseRemainingValue taxes the running remainder after content
	// programs have claimed their material values (unstacking).
	BaseRemainingValue DutyBase = "remaining_value"
)

// DisclaimBehavior controls whether a "not-claimed" filing line must still
// be produced for slices the program does not cover.
type DisclaimBehavior string

const (
	// DisclaimRequired — a disclaim line is mandatory on every non-matching slice.
	DisclaimRequired DisclaimBehavior = "required"
	// DisclaimOmit — the disclaim line may be omitted from the filing stack.
	DisclaimOmit DisclaimBehavior = "omit"
	// DisclaimNone — the program has no disclaim concept.
	DisclaimNone DisclaimBehavior = "none"
)

// Action is a program's resolved filing action for one slice.
type Action string

const (
	ActionApply    Action = "apply"
	ActionClaim    Action = "claim"
	ActionDisclaim Action = "disclaim"
	ActionPaid     Action = "paid"
	ActionExempt   Action = "exempt"
)

// ExemptionVariant is the outcome selected for an unstacking program.
// Variants are mutually exclusive and evaluated in a fixed priority order:
// category, claimed-by-program, origin-content, standard.
type ExemptionVariant string

const (
	VariantNone           ExemptionVariant = ""
	VariantCategoryExempt ExemptionVariant = "category_exempt"
	VariantClaimedFull    ExemptionVariant = "claimed_full"
	VariantClaimedPartial ExemptionVariant = "claimed_partial"
	VariantOriginContent  ExemptionVariant = "origin_content"
	VariantStandard       ExemptionVariant = "standard"
)

// SubjectKey is the compound identifier under which temporal facts are
// stored: HTS code, optionally qualified by material and/or country.
type SubjectKey struct {
	Code     string   `json:"code"`
	Material Material `json:"material,omitempty"`
	Country  string   `json:"country,omitempty"`
}

// Global returns the key with the country qualifier dropped. Lookups fall
// back to the global key when no country-specific fact exists.
func (k SubjectKey) Global() SubjectKey {
	k.Country = ""
	return k
}

// IsGlobal reports whether the key carries no country qualifier.
func (k SubjectKey) IsGlobal() bool { return k.Country == "" }

// String renders the canonical "code|material|country" form used for
// storage and per-key locking.
func (k SubjectKey) String() string {
	return k.Code + "|" + string(k.Material) + "|" + k.Country
}

// Dependency declares that a program's outcome depends on whether another
// program, earlier in calculation order, applied to the same entry.
type Dependency struct {
	ProgramID string `json:"program_id" yaml:"program_id"`
	// ExemptIfApplied: the dependent program becomes exempt (fully for
	// primary/derivative claims, partially for content claims) when the
	// referenced program claimed value on this entry.
	ExemptIfApplied bool `json:"exempt_if_applied" yaml:"exempt_if_applied"`
}

// Scope is a program's country-scope predicate.
type Scope struct {
	// AllCountries makes the program apply regardless of rate group.
	AllCountries bool `json:"all_countries,omitempty" yaml:"all_countries"`
	// Groups restricts the program to entries whose country resolves to
	// one of these rate groups.
	Groups []string `json:"groups,omitempty" yaml:"groups"`
	// ExceptCountries are excluded even when the group matches.
	ExceptCountries []string `json:"except_countries,omitempty" yaml:"except_countries"`
}

// Matches reports whether the scope covers the given country and its
// resolved rate group.
func (s Scope) Matches(country, group string) bool {
	for _, ex := range s.ExceptCountries {
		if ex == country {
			return false
		}
	}
	if s.AllCountries {
		return true
	}
	for _, g := range s.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Program is a named duty regime. Programs are configuration: created or
// updated by bundle loads, superseded rather than deleted.
type Program struct {
	ID   string      `json:"id"`
	Kind ProgramKind `json:"kind"`
	// Material is set for content-based programs; MaterialNone otherwise.
	Material Material `json:"material,omitempty"`
	Scope    Scope    `json:"scope"`
	// FilingOrder is the regulation-fixed display order of output codes.
	// CalculationOrder is the math dependency order. These are independent
	// total orders over the same program set; never conflate them.
	FilingOrder      int `json:"filing_order"`
	CalculationOrder int `json:"calculation_order"`
	// Base selects the dutiable base for non-content programs.
	Base     DutyBase         `json:"base,omitempty"`
	Disclaim DisclaimBehavior `json:"disclaim"`
	// DependsOn references a program with a smaller CalculationOrder.
	DependsOn *Dependency `json:"depends_on,omitempty"`
	// OriginExemptThresholdBP: when > 0, an entry whose qualifying-origin
	// content share (basis points) meets the threshold takes the
	// origin-content exemption variant.
	OriginExemptThresholdBP int64 `json:"origin_exempt_threshold_bp,omitempty"`
	// ClaimCode / DisclaimCode are the filing output codes when no
	// fact-level output code overrides them.
	ClaimCode    string `json:"claim_code,omitempty"`
	DisclaimCode string `json:"disclaim_code,omitempty"`
	// Effective window of the program itself.
	EffectiveStart time.Time  `json:"effective_start"`
	EffectiveEnd   *time.Time `json:"effective_end,omitempty"`
}

// InEffect reports whether the program's own window contains asOf.
func (p Program) InEffect(asOf time.Time) bool {
	if asOf.Before(p.EffectiveStart) {
		return false
	}
	return p.EffectiveEnd == nil || asOf.Before(*p.EffectiveEnd)
}

// ContentBased reports whether the program taxes a material content value.
func (p Program) ContentBased() bool { return p.Kind == KindContentBased }
