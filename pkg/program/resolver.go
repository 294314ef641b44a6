// Package program determines which duty programs apply to an
// (HTS code, country, date) triple: country-scope matching, inclusion and
// exclusion fact lookups, and inter-program dependency resolution.
package program

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/clearlane/tariffcore/pkg/country"
	"github.com/clearlane/tariffcore/pkg/tariff"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

// ConfigError reports an inconsistent program configuration, e.g. a
// dependency on a program with a larger calculation-order rank.
type ConfigError struct {
	ProgramID string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("program config: %s: %s", e.ProgramID, e.Reason)
}

// ResolvedProgram is a program annotated with its inclusion fact (when the
// kind requires one) and its resolved dependency outcome. Both the filing
// and calculation order ranks travel with it; they are independent orders
// over the same set.
type ResolvedProgram struct {
	Program       tariff.Program
	InclusionFact *temporal.Fact
	// DependencyApplied is true when the program's DependsOn target also
	// applies to this entry. The calculator refines full vs. partial
	// exemption from the claiming program's article type.
	DependencyApplied bool
}

// Resolver resolves applicable programs against the fact store and the
// country scope resolver.
type Resolver struct {
	programs  []tariff.Program
	facts     temporal.Store
	countries *country.Resolver
	logger    *slog.Logger
}

// NewResolver creates a resolver over a fixed program set.
func NewResolver(programs []tariff.Program, facts temporal.Store, countries *country.Resolver, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{programs: programs, facts: facts, countries: countries, logger: logger}
}

// Programs returns the configured program set.
func (r *Resolver) Programs() []tariff.Program { return r.programs }

// Countries returns the country scope resolver.
func (r *Resolver) Countries() *country.Resolver { return r.countries }

// Applicable returns the programs applying to the entry, sorted by
// calculation order, plus the resolved rate group.
func (r *Resolver) Applicable(ctx context.Context, htsCode, countryID string, asOf time.Time) ([]ResolvedProgram, string, error) {
	canonical := r.countries.Normalize(countryID)
	group := r.countries.ResolveGroup(canonical, asOf)

	var resolved []ResolvedProgram
	for _, p := range r.programs {
		if !p.InEffect(asOf) {
			continue
		}
		if !p.Scope.Matches(canonical, group) {
			continue
		}

		switch p.Kind {
		case tariff.KindAlwaysApplies, tariff.KindFormulaRate:
			resolved = append(resolved, ResolvedProgram{Program: p})
		case tariff.KindInclusionLookup, tariff.KindContentBased:
			key := tariff.SubjectKey{Code: htsCode, Material: p.Material, Country: canonical}
			fact, err := r.facts.ActiveFact(ctx, key, asOf)
			if errors.Is(err, temporal.ErrNoFact) {
				// Absence of an inclusion fact means the program does
				// not apply to this entry at all, not a zero rate.
				continue
			}
			if err != nil {
				return nil, "", fmt.Errorf("inclusion lookup for %s: %w", p.ID, err)
			}
			if fact.Role == temporal.RoleExclude {
				r.logger.Debug("program excluded by fact",
					"program", p.ID, "hts", htsCode, "fact", fact.ID)
				continue
			}
			resolved = append(resolved, ResolvedProgram{Program: p, InclusionFact: fact})
		default:
			return nil, "", &ConfigError{ProgramID: p.ID, Reason: fmt.Sprintf("unknown program kind %v", p.Kind)}
		}
	}

	SortByCalculation(resolved)
	if err := resolveDependencies(resolved); err != nil {
		return nil, "", err
	}
	return resolved, group, nil
}

// resolveDependencies runs the single topological pass over programs
// already sorted by calculation order. A program may only depend on a
// program with a smaller calculation-order rank.
func resolveDependencies(resolved []ResolvedProgram) error {
	seen := make(map[string]int, len(resolved))
	for i := range resolved {
		seen[resolved[i].Program.ID] = resolved[i].Program.CalculationOrder
	}
	for i := range resolved {
		dep := resolved[i].Program.DependsOn
		if dep == nil {
			continue
		}
		rank, applied := seen[dep.ProgramID]
		if applied && rank >= resolved[i].Program.CalculationOrder {
			return &ConfigError{
				ProgramID: resolved[i].Program.ID,
				Reason: fmt.Sprintf("depends on %s with calculation order %d >= %d",
					dep.ProgramID, rank, resolved[i].Program.CalculationOrder),
			}
		}
		resolved[i].DependencyApplied = applied
	}
	return nil
}

// SortByCalculation orders programs by calculation-order rank.
func SortByCalculation(rs []ResolvedProgram) {
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].Program.CalculationOrder < rs[j].Program.CalculationOrder
	})
}

// SortByFiling orders programs by filing-order rank. Filing order is
// display order only; it must never influence calculation math.
func SortByFiling(rs []ResolvedProgram) []ResolvedProgram {
	out := make([]ResolvedProgram, len(rs))
	copy(out, rs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Program.FilingOrder < out[j].Program.FilingOrder
	})
	return out
}

// ContentPrograms filters the content-based programs from a resolved set.
func ContentPrograms(rs []ResolvedProgram) []ResolvedProgram {
	var out []ResolvedProgram
	for _, rp := range rs {
		if rp.Program.ContentBased() {
			out = append(out, rp)
		}
	}
	return out
}
