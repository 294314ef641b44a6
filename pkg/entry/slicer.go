// Package entry partitions a shipment's declared value into slices by
// material composition for content-based programs. Slices are in-memory
// artifacts of one calculation; they are never persisted.
package entry

import (
	"sort"

	"github.com/clearlane/tariffcore/pkg/money"
	"github.com/clearlane/tariffcore/pkg/program"
	"github.com/clearlane/tariffcore/pkg/tariff"
)

// PlanSlices builds the slice plan for one entry. When no content-based
// program applies the whole value is one slice. Otherwise each material
// with an applicable content program and a positive declared value gets a
// slice, plus one remainder slice. The slice values always sum exactly to
// the declared total; a negative remainder is a validation error, never a
// clamp.
func PlanSlices(total money.Money, materialValues map[tariff.Material]money.Money, applicable []program.ResolvedProgram) ([]tariff.EntrySlice, error) {
	content := program.ContentPrograms(applicable)
	if len(content) == 0 {
		return []tariff.EntrySlice{{Material: tariff.MaterialNone, Value: total}}, nil
	}

	var materials []tariff.Material
	seen := make(map[tariff.Material]bool)
	for _, rp := range content {
		m := rp.Program.Material
		if seen[m] {
			continue
		}
		seen[m] = true
		if v, ok := materialValues[m]; ok && v.IsPositive() {
			materials = append(materials, m)
		}
	}
	sort.Slice(materials, func(i, j int) bool { return materials[i] < materials[j] })

	var slices []tariff.EntrySlice
	var sliced int64
	for _, m := range materials {
		v := materialValues[m]
		if v.Currency != total.Currency {
			return nil, &tariff.ValidationError{Field: "material_values", Reason: "currency mismatch for " + string(m)}
		}
		slices = append(slices, tariff.EntrySlice{Material: m, Value: v})
		sliced += v.AmountMinor
	}

	remainder := total.AmountMinor - sliced
	if remainder < 0 {
		return nil, &tariff.ValidationError{Field: "material_values", Reason: "material values exceed declared total value"}
	}
	slices = append(slices, tariff.EntrySlice{Material: tariff.MaterialNone, Value: money.New(remainder, total.Currency)})
	return slices, nil
}
