// Package calc computes the duty owed by each applicable program for one
// entry: the money math runs once per request in calculation order, while
// the filing stack is built once per slice in filing order. The two orders
// are independent; filing order never influences the math.
package calc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearlane/tariffcore/pkg/classify"
	"github.com/clearlane/tariffcore/pkg/entry"
	"github.com/clearlane/tariffcore/pkg/money"
	"github.com/clearlane/tariffcore/pkg/program"
	"github.com/clearlane/tariffcore/pkg/rates"
	"github.com/clearlane/tariffcore/pkg/tariff"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

// LookupMissError reports a missing rate fact for a program that requires
// one at the given date. The calculation fails closed instead of returning
// an understated duty.
type LookupMissError struct {
	ProgramID string
	Key       tariff.SubjectKey
	AsOf      time.Time
}

func (e *LookupMissError) Error() string {
	return fmt.Sprintf("no rate fact for program %s key %s as of %s",
		e.ProgramID, e.Key, e.AsOf.Format("2006-01-02"))
}

// Calculator is the duty stacking and unstacking engine. Pure reads; safe
// for unlimited concurrent calculations.
type Calculator struct {
	resolver *program.Resolver
	rates    *rates.Resolver
	classes  *classify.Table
	facts    temporal.Store
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a calculator.
func New(resolver *program.Resolver, rateResolver *rates.Resolver, classes *classify.Table, facts temporal.Store, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		resolver: resolver,
		rates:    rateResolver,
		classes:  classes,
		facts:    facts,
		logger:   logger,
		tracer:   otel.Tracer("tariffcore/calc"),
	}
}

// dutyRecord accumulates per-program math state during the calculation pass.
type dutyRecord struct {
	duty       tariff.ProgramDuty
	outputCode string
	// claimedMaterial is set when the program claimed a material's value
	// away from the remainder (unstacking deduction).
	claimedMaterial tariff.Material
	claimedArticle  tariff.ArticleType
}

// Calculate runs the full pipeline: validate, resolve programs, plan
// slices, run the stacking math, and build the per-slice filing stacks.
func (c *Calculator) Calculate(ctx context.Context, req tariff.CalculationRequest) (*tariff.CalculationResult, error) {
	ctx, span := c.tracer.Start(ctx, "tariffcore.Calculate",
		trace.WithAttributes(
			attribute.String("hts_code", req.HTSCode),
			attribute.String("country", req.Country),
		))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	canonical := c.resolver.Countries().Normalize(req.Country)

	applicable, group, err := c.resolver.Applicable(ctx, req.HTSCode, canonical, req.AsOf)
	if err != nil {
		return nil, err
	}

	slices, err := entry.PlanSlices(req.DeclaredValue, req.MaterialValues, applicable)
	if err != nil {
		return nil, err
	}

	records, err := c.runStacking(ctx, &req, canonical, applicable)
	if err != nil {
		return nil, err
	}

	total := money.Zero(req.DeclaredValue.Currency)
	duties := make([]tariff.ProgramDuty, 0, len(records))
	for _, rec := range records {
		duties = append(duties, rec.duty)
		total, err = total.Add(rec.duty.Amount)
		if err != nil {
			return nil, err
		}
	}

	lines := c.buildFilingStacks(slices, applicable, records, req.DeclaredValue.Currency)

	res := &tariff.CalculationResult{
		HTSCode:       req.HTSCode,
		Country:       canonical,
		CountryGroup:  group,
		AsOf:          req.AsOf.UTC(),
		DeclaredValue: req.DeclaredValue,
		Slices:        slices,
		Duties:        duties,
		Lines:         lines,
		TotalDuty:     total,
	}
	span.SetAttributes(attribute.Int64("total_duty_minor", total.AmountMinor))
	return res, nil
}

// runStacking executes the calculation-order money math across the whole
// product. Content programs subtract their claimed base from the running
// remainder; remainder-based programs tax what is left, subject to the
// exemption-variant hierarchy.
func (c *Calculator) runStacking(ctx context.Context, req *tariff.CalculationRequest, canonical string, applicable []program.ResolvedProgram) ([]dutyRecord, error) {
	currency := req.DeclaredValue.Currency
	remaining := req.DeclaredValue
	claims := make(map[string]*dutyRecord) // program id -> record with a claim

	var records []dutyRecord
	for _, rp := range applicable {
		p := rp.Program
		var rec dutyRecord
		rec.duty.ProgramID = p.ID

		switch p.Kind {
		case tariff.KindContentBased:
			if err := c.contentDuty(req, &rec, rp); err != nil {
				return nil, err
			}
			if rec.duty.Base.IsPositive() {
				if rec.duty.Base.AmountMinor > remaining.AmountMinor {
					return nil, &tariff.ValidationError{
						Field:  "material_values",
						Reason: fmt.Sprintf("program %s claims %s but only %s remains", p.ID, rec.duty.Base, remaining),
					}
				}
				var err error
				remaining, err = remaining.Sub(rec.duty.Base)
				if err != nil {
					return nil, err
				}
			}

		case tariff.KindInclusionLookup:
			rate, err := c.rates.Resolve(rp.InclusionFact)
			if err != nil {
				return nil, err
			}
			rec.duty.ArticleType = tariff.ArticleDerivative
			rec.duty.Rate = rate
			rec.outputCode = outputCode(rp.InclusionFact.OutputCode, p.ClaimCode)
			if p.Base == tariff.BaseRemainingValue {
				// A remainder-based lookup program is an unstacking program
				// like any other; the variant hierarchy applies.
				c.remainderDuty(ctx, req, canonical, &rec, rp, rate, remaining, claims)
			} else {
				rec.duty.Base = req.DeclaredValue
				rec.duty.Amount = rate.Apply(req.DeclaredValue)
				rec.duty.Variant = tariff.VariantNone
			}

		case tariff.KindAlwaysApplies, tariff.KindFormulaRate:
			if err := c.flatDuty(ctx, req, canonical, &rec, rp, remaining, claims); err != nil {
				return nil, err
			}

		default:
			return nil, &program.ConfigError{ProgramID: p.ID, Reason: fmt.Sprintf("unknown program kind %v", p.Kind)}
		}

		if rec.duty.Amount.Currency == "" {
			rec.duty.Amount = money.Zero(currency)
		}
		if rec.duty.Base.Currency == "" {
			rec.duty.Base = money.Zero(currency)
		}
		rec.duty.Article = rec.duty.ArticleType.String()
		records = append(records, rec)
		if rec.claimedMaterial != tariff.MaterialNone {
			claims[rec.duty.ProgramID] = &records[len(records)-1]
		}
	}
	return records, nil
}

// contentDuty computes a content-based program's duty. The article type
// decides the base: primary and derivative articles owe duty on the full
// product value even under a content program; content articles owe duty on
// the declared material value, falling back to the full value as a penalty
// when the material value was not declared.
func (c *Calculator) contentDuty(req *tariff.CalculationRequest, rec *dutyRecord, rp program.ResolvedProgram) error {
	p := rp.Program
	articleType, err := c.classes.Lookup(req.HTSCode, p.Material)
	if err != nil {
		return err
	}

	rate, err := c.rates.Resolve(rp.InclusionFact)
	if err != nil {
		return err
	}

	var base money.Money
	switch articleType {
	case tariff.ArticlePrimary, tariff.ArticleDerivative:
		base = req.DeclaredValue
	case tariff.ArticleContent:
		if v, ok := req.MaterialValues[p.Material]; ok && v.IsPositive() {
			base = v
		} else {
			// Missing content value is a penalty fallback to the full
			// declared value, not a zero.
			base = req.DeclaredValue
			rec.duty.PenaltyFallback = true
			c.logger.Warn("content value missing, applying full-value penalty base",
				"program", p.ID, "hts", req.HTSCode, "material", string(p.Material))
		}
	case tariff.ArticleUnclassified:
		return &classify.UnclassifiedError{Code: req.HTSCode, Material: p.Material}
	default:
		return fmt.Errorf("unhandled article type %v for program %s", articleType, p.ID)
	}

	rec.duty.ArticleType = articleType
	rec.duty.Base = base
	rec.duty.Rate = rate
	rec.duty.Amount = rate.Apply(base)
	rec.duty.Variant = tariff.VariantNone
	rec.outputCode = outputCode(rp.InclusionFact.OutputCode, p.ClaimCode)
	rec.claimedMaterial = p.Material
	rec.claimedArticle = articleType
	return nil
}

func outputCode(factCode, programCode string) string {
	if factCode != "" {
		return factCode
	}
	return programCode
}

// flatDuty computes an always-applies or formula-rate program's duty,
// including the exemption-variant hierarchy for remainder-based programs.
// Variant priority is fixed: category exemption, then claimed-by-program,
// then origin-content, else standard. Exactly one variant is selected.
func (c *Calculator) flatDuty(ctx context.Context, req *tariff.CalculationRequest, canonical string, rec *dutyRecord, rp program.ResolvedProgram, remaining money.Money, claims map[string]*dutyRecord) error {
	p := rp.Program

	rateKey := RateFactKey(p.ID, canonical)
	fact, err := c.facts.ActiveFact(ctx, rateKey, req.AsOf)
	if errors.Is(err, temporal.ErrNoFact) {
		return &LookupMissError{ProgramID: p.ID, Key: rateKey, AsOf: req.AsOf}
	}
	if err != nil {
		return err
	}
	rate, err := c.rates.Resolve(fact)
	if err != nil {
		return err
	}
	rec.duty.Rate = rate
	rec.duty.ArticleType = tariff.ArticleDerivative
	rec.duty.Article = rec.duty.ArticleType.String()
	rec.outputCode = outputCode(fact.OutputCode, p.ClaimCode)

	if p.Base != tariff.BaseRemainingValue {
		rec.duty.Base = req.DeclaredValue
		rec.duty.Variant = tariff.VariantStandard
		rec.duty.Amount = rate.Apply(req.DeclaredValue)
		return nil
	}

	c.remainderDuty(ctx, req, canonical, rec, rp, rate, remaining, claims)
	return nil
}

// remainderDuty runs the unstacking math for a program taxing the running
// remainder: evaluate the exemption variants in priority order and charge
// the surviving base. Shared by flat and inclusion-lookup programs.
func (c *Calculator) remainderDuty(ctx context.Context, req *tariff.CalculationRequest, canonical string, rec *dutyRecord, rp program.ResolvedProgram, rate money.Rate, remaining money.Money, claims map[string]*dutyRecord) {
	p := rp.Program
	currency := req.DeclaredValue.Currency

	switch {
	case c.categoryExempt(ctx, req.HTSCode, canonical, req.AsOf):
		rec.duty.Variant = tariff.VariantCategoryExempt
		rec.duty.Base = money.Zero(currency)
		rec.duty.Amount = money.Zero(currency)

	case rp.DependencyApplied && p.DependsOn != nil && p.DependsOn.ExemptIfApplied:
		claim := claims[p.DependsOn.ProgramID]
		if claim != nil && (claim.claimedArticle == tariff.ArticlePrimary || claim.claimedArticle == tariff.ArticleDerivative) {
			// The claiming program took the full product value.
			rec.duty.Variant = tariff.VariantClaimedFull
			rec.duty.Base = money.Zero(currency)
			rec.duty.Amount = money.Zero(currency)
		} else {
			// Content claim: only the non-claimed remainder is taxable.
			rec.duty.Variant = tariff.VariantClaimedPartial
			rec.duty.Base = remaining
			rec.duty.Amount = rate.Apply(remaining)
		}

	case p.OriginExemptThresholdBP > 0 && req.OriginShareBP >= p.OriginExemptThresholdBP:
		rec.duty.Variant = tariff.VariantOriginContent
		rec.duty.Base = money.Zero(currency)
		rec.duty.Amount = money.Zero(currency)

	default:
		rec.duty.Variant = tariff.VariantStandard
		rec.duty.Base = remaining
		rec.duty.Amount = rate.Apply(remaining)
	}
}

// categoryExempt reports whether an exclusion fact exists on the bare HTS
// code for the date (product-category exemption).
func (c *Calculator) categoryExempt(ctx context.Context, htsCode, canonical string, asOf time.Time) bool {
	key := tariff.SubjectKey{Code: htsCode, Country: canonical}
	fact, err := c.facts.ActiveFact(ctx, key, asOf)
	if err != nil {
		return false
	}
	return fact.Role == temporal.RoleExclude
}

// RateFactKey is the subject key under which a flat program's rate facts
// are stored: the program id in the code position, country-qualified with
// global fallback.
func RateFactKey(programID, country string) tariff.SubjectKey {
	return tariff.SubjectKey{Code: "program/" + programID, Country: country}
}
