package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clearlane/tariffcore/pkg/country"
	"github.com/clearlane/tariffcore/pkg/tariff"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

const testBundle = `
version: "1"
name: 2025-q2
programs:
  - id: reciprocal
    kind: always
    scope:
      all_countries: true
      except_countries: [GB]
    filing_order: 1
    calculation_order: 2
    base: remaining_value
    claim_code: "9903.01.25"
    effective_start: 2025-04-05T00:00:00Z
  - id: steel-232
    kind: content
    material: steel
    scope:
      all_countries: true
    filing_order: 2
    calculation_order: 1
    disclaim: required
    claim_code: "9903.81.91"
    disclaim_code: "9903.81.90"
    effective_start: 2025-03-12T00:00:00Z
aliases:
  uk: GB
country_groups:
  - country: GB
    group: quota_a
    start: 2025-01-01T00:00:00Z
classification:
  entries:
    - code: "73063010"
      material: steel
      type: content
  ranges:
    - material: steel
      from: "7206"
      to: "7229"
      type: primary
baseline_facts:
  - id: baseline-chapter-73
    code: "73063010"
    material: steel
    rate_bp: 2500
    effective_start: 2025-03-12T00:00:00Z
`

func writeBundle(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
}

func loadTestBundle(t *testing.T) *BundleLoader {
	t.Helper()
	dir := t.TempDir()
	writeBundle(t, dir, "2025-q2.yaml", testBundle)
	writeBundle(t, dir, "notes.txt", "not a bundle")

	loader := NewBundleLoader(dir)
	if err := loader.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return loader
}

func TestBundleLoaderLoadAll(t *testing.T) {
	loader := loadTestBundle(t)

	bundle, ok := loader.GetBundle("2025-q2")
	if !ok {
		t.Fatal("bundle not loaded under its declared name")
	}
	if bundle.Version != "1" || len(bundle.Programs) != 2 {
		t.Fatalf("bundle = %+v", bundle)
	}
	if _, ok := loader.GetBundle("notes.txt"); ok {
		t.Fatal("non-YAML files must be skipped")
	}
}

func TestBundlePrograms(t *testing.T) {
	loader := loadTestBundle(t)

	programs, err := loader.Programs()
	if err != nil {
		t.Fatalf("Programs: %v", err)
	}
	if len(programs) != 2 {
		t.Fatalf("program count = %d, want 2", len(programs))
	}
	// Sorted by calculation order.
	if programs[0].ID != "steel-232" || programs[1].ID != "reciprocal" {
		t.Fatalf("order = %s, %s", programs[0].ID, programs[1].ID)
	}
	steel := programs[0]
	if steel.Kind != tariff.KindContentBased || steel.Material != tariff.MaterialSteel {
		t.Fatalf("steel program = %+v", steel)
	}
	if steel.Disclaim != tariff.DisclaimRequired || steel.DisclaimCode != "9903.81.90" {
		t.Fatalf("steel disclaim = %+v", steel)
	}
	reciprocal := programs[1]
	if reciprocal.Base != tariff.BaseRemainingValue {
		t.Fatalf("reciprocal base = %q", reciprocal.Base)
	}
	// Omitted disclaim defaults to none.
	if reciprocal.Disclaim != tariff.DisclaimNone {
		t.Fatalf("reciprocal disclaim = %q", reciprocal.Disclaim)
	}
	if len(reciprocal.Scope.ExceptCountries) != 1 || reciprocal.Scope.ExceptCountries[0] != "GB" {
		t.Fatalf("reciprocal scope = %+v", reciprocal.Scope)
	}
}

func TestBundleProgramsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "bad.yaml", `
name: bad
programs:
  - id: mystery
    kind: surcharge
    effective_start: 2025-01-01T00:00:00Z
`)
	loader := NewBundleLoader(dir)
	if err := loader.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, err := loader.Programs(); err == nil {
		t.Fatal("unknown program kind must be an error")
	}
}

func TestBundleApplyCountries(t *testing.T) {
	loader := loadTestBundle(t)

	resolver := country.NewResolver()
	loader.ApplyCountries(resolver)

	if got := resolver.Normalize("uk"); got != "GB" {
		t.Fatalf("alias = %q, want GB", got)
	}
	asOf := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if got := resolver.ResolveGroup("GB", asOf); got != "quota_a" {
		t.Fatalf("group = %q, want quota_a", got)
	}
}

func TestBundleClassificationTable(t *testing.T) {
	loader := loadTestBundle(t)

	table, err := loader.ClassificationTable()
	if err != nil {
		t.Fatalf("ClassificationTable: %v", err)
	}
	got, err := table.Lookup("73063010", tariff.MaterialSteel)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != tariff.ArticleContent {
		t.Fatalf("entry type = %s, want content", got)
	}
	got, err = table.Lookup("72081000", tariff.MaterialSteel)
	if err != nil {
		t.Fatalf("Lookup range: %v", err)
	}
	if got != tariff.ArticlePrimary {
		t.Fatalf("range type = %s, want primary", got)
	}
}

func TestBundleBaselineFacts(t *testing.T) {
	loader := loadTestBundle(t)

	facts, err := loader.BaselineFacts()
	if err != nil {
		t.Fatalf("BaselineFacts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("fact count = %d, want 1", len(facts))
	}
	f := facts[0]
	if f.Origin != temporal.OriginBaseline || f.State != temporal.StateActive {
		t.Fatalf("baseline fact = %+v", f)
	}
	// Omitted role defaults to impose.
	if f.Role != temporal.RoleImpose {
		t.Fatalf("role = %q, want impose", f.Role)
	}
	if f.Key.Code != "73063010" || f.Key.Material != tariff.MaterialSteel || f.Key.Country != "" {
		t.Fatalf("key = %+v", f.Key)
	}
}

func TestBundleBaselineFactsNegativeRate(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "bad.yaml", `
name: bad
baseline_facts:
  - id: negative
    code: "73063010"
    rate_bp: -100
    effective_start: 2025-01-01T00:00:00Z
`)
	loader := NewBundleLoader(dir)
	if err := loader.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, err := loader.BaselineFacts(); err == nil {
		t.Fatal("negative baseline rate must be an error")
	}
}
