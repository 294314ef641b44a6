package calc

import (
	"github.com/clearlane/tariffcore/pkg/money"
	"github.com/clearlane/tariffcore/pkg/program"
	"github.com/clearlane/tariffcore/pkg/tariff"
)

// buildFilingStacks builds the per-slice filing stack: slices in plan
// order, programs in filing order within each slice. Disclaim lines are
// appended or omitted per the program's disclaim policy. A program's
// computed amount lands on exactly one "home" slice line: the matching
// material slice for content programs when the plan has one, the remainder
// slice otherwise. Line amounts therefore sum to the total duty.
func (c *Calculator) buildFilingStacks(slices []tariff.EntrySlice, applicable []program.ResolvedProgram, records []dutyRecord, currency string) []tariff.FilingLine {
	recByID := make(map[string]*dutyRecord, len(records))
	for i := range records {
		recByID[records[i].duty.ProgramID] = &records[i]
	}
	hasSlice := make(map[tariff.Material]bool, len(slices))
	for _, s := range slices {
		hasSlice[s.Material] = true
	}
	filing := program.SortByFiling(applicable)

	var lines []tariff.FilingLine
	for _, slice := range slices {
		for _, rp := range filing {
			rec := recByID[rp.Program.ID]
			if rec == nil {
				continue
			}
			line, emit := c.lineFor(slice, rp.Program, rec, hasSlice[rp.Program.Material], currency)
			if emit {
				lines = append(lines, line)
			}
		}
	}
	return lines
}

// lineFor resolves the state machine for one (program, slice) pair:
// NotEvaluated → Applies → {Claimed, Disclaimed, Paid, Exempt(variant)}.
// Terminal states only; this is pure computation over resolved facts.
func (c *Calculator) lineFor(slice tariff.EntrySlice, p tariff.Program, rec *dutyRecord, hasMaterialSlice bool, currency string) (tariff.FilingLine, bool) {
	line := tariff.FilingLine{
		SliceMaterial: slice.Material,
		ProgramID:     p.ID,
		OutputCode:    rec.outputCode,
		Rate:          rec.duty.Rate,
		Amount:        money.Zero(currency),
	}

	if p.ContentBased() {
		// The claim homes on the matching material slice when the plan has
		// one; otherwise (undeclared material value, including the penalty
		// fallback) it files against the remainder slice.
		home := slice.Material == p.Material
		if !hasMaterialSlice {
			home = slice.Material == tariff.MaterialNone
		}
		if home {
			line.Action = tariff.ActionClaim
			line.Amount = rec.duty.Amount
			line.PenaltyFallback = rec.duty.PenaltyFallback
			return line, true
		}
		switch p.Disclaim {
		case tariff.DisclaimRequired:
			line.Action = tariff.ActionDisclaim
			line.OutputCode = p.DisclaimCode
			line.Rate = 0
			return line, true
		case tariff.DisclaimOmit, tariff.DisclaimNone:
			return tariff.FilingLine{}, false
		default:
			return tariff.FilingLine{}, false
		}
	}

	line.Variant = rec.duty.Variant
	home := slice.Material == tariff.MaterialNone
	switch rec.duty.Variant {
	case tariff.VariantCategoryExempt, tariff.VariantOriginContent:
		line.Action = tariff.ActionExempt
	case tariff.VariantClaimedFull:
		line.Action = tariff.ActionPaid
	case tariff.VariantClaimedPartial:
		if slice.Material != tariff.MaterialNone {
			line.Action = tariff.ActionPaid
		} else {
			line.Action = tariff.ActionApply
			line.Amount = rec.duty.Amount
		}
		return line, true
	default:
		line.Action = tariff.ActionApply
		if home {
			line.Amount = rec.duty.Amount
		}
	}
	return line, true
}
