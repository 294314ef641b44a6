package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clearlane/tariffcore/pkg/classify"
	"github.com/clearlane/tariffcore/pkg/country"
	"github.com/clearlane/tariffcore/pkg/tariff"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

// Bundle is a versioned YAML configuration file: duty programs, country
// group memberships, classification tables, and baseline rate facts. Like
// policy bundles, they can be swapped without a code deployment.
type Bundle struct {
	Version        string          `yaml:"version"`
	Name           string          `yaml:"name"`
	Programs       []programSpec   `yaml:"programs"`
	Aliases        map[string]string `yaml:"aliases"`
	CountryGroups  []membershipSpec `yaml:"country_groups"`
	Classification classificationSpec `yaml:"classification"`
	BaselineFacts  []baselineFactSpec `yaml:"baseline_facts"`
}

type programSpec struct {
	ID                      string            `yaml:"id"`
	Kind                    string            `yaml:"kind"`
	Material                string            `yaml:"material"`
	Scope                   tariff.Scope      `yaml:"scope"`
	FilingOrder             int               `yaml:"filing_order"`
	CalculationOrder        int               `yaml:"calculation_order"`
	Base                    string            `yaml:"base"`
	Disclaim                string            `yaml:"disclaim"`
	DependsOn               *tariff.Dependency `yaml:"depends_on"`
	OriginExemptThresholdBP int64             `yaml:"origin_exempt_threshold_bp"`
	ClaimCode               string            `yaml:"claim_code"`
	DisclaimCode            string            `yaml:"disclaim_code"`
	EffectiveStart          time.Time         `yaml:"effective_start"`
	EffectiveEnd            *time.Time        `yaml:"effective_end"`
}

type membershipSpec struct {
	Country string     `yaml:"country"`
	Group   string     `yaml:"group"`
	Start   time.Time  `yaml:"start"`
	End     *time.Time `yaml:"end"`
}

type classificationSpec struct {
	Entries []struct {
		Code     string `yaml:"code"`
		Material string `yaml:"material"`
		Type     string `yaml:"type"`
	} `yaml:"entries"`
	Ranges []struct {
		Material string `yaml:"material"`
		From     string `yaml:"from"`
		To       string `yaml:"to"`
		Type     string `yaml:"type"`
	} `yaml:"ranges"`
}

type baselineFactSpec struct {
	ID             string     `yaml:"id"`
	Code           string     `yaml:"code"`
	Material       string     `yaml:"material"`
	Country        string     `yaml:"country"`
	OutputCode     string     `yaml:"output_code"`
	RateBP         int64      `yaml:"rate_bp"`
	Role           string     `yaml:"role"`
	EffectiveStart time.Time  `yaml:"effective_start"`
	EffectiveEnd   *time.Time `yaml:"effective_end"`
}

// BundleLoader loads and holds configuration bundles from a directory.
type BundleLoader struct {
	mu        sync.RWMutex
	bundles   map[string]*Bundle
	bundleDir string
}

// NewBundleLoader creates a loader watching the given directory.
func NewBundleLoader(bundleDir string) *BundleLoader {
	return &BundleLoader{
		bundles:   make(map[string]*Bundle),
		bundleDir: bundleDir,
	}
}

// LoadAll loads every .yaml bundle file from the configured directory.
func (l *BundleLoader) LoadAll() error {
	entries, err := os.ReadDir(l.bundleDir)
	if err != nil {
		return fmt.Errorf("config: read dir %s: %w", l.bundleDir, err)
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		if err := l.LoadFile(filepath.Join(l.bundleDir, entry.Name())); err != nil {
			return fmt.Errorf("config: load %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// LoadFile loads a single bundle from a YAML file.
func (l *BundleLoader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if bundle.Name == "" {
		bundle.Name = filepath.Base(path)
	}

	l.mu.Lock()
	l.bundles[bundle.Name] = &bundle
	l.mu.Unlock()
	return nil
}

// GetBundle returns a loaded bundle by name.
func (l *BundleLoader) GetBundle(name string) (*Bundle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bundles[name]
	return b, ok
}

// Programs materializes the duty programs from all loaded bundles,
// sorted by calculation order.
func (l *BundleLoader) Programs() ([]tariff.Program, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var programs []tariff.Program
	for _, b := range l.bundles {
		for _, ps := range b.Programs {
			kind, err := tariff.ParseProgramKind(ps.Kind)
			if err != nil {
				return nil, fmt.Errorf("program %s: %w", ps.ID, err)
			}
			base := tariff.DutyBase(ps.Base)
			if base == "" {
				base = tariff.BaseFullValue
			}
			disclaim := tariff.DisclaimBehavior(ps.Disclaim)
			if disclaim == "" {
				disclaim = tariff.DisclaimNone
			}
			programs = append(programs, tariff.Program{
				ID:                      ps.ID,
				Kind:                    kind,
				Material:                tariff.Material(ps.Material),
				Scope:                   ps.Scope,
				FilingOrder:             ps.FilingOrder,
				CalculationOrder:        ps.CalculationOrder,
				Base:                    base,
				Disclaim:                disclaim,
				DependsOn:               ps.DependsOn,
				OriginExemptThresholdBP: ps.OriginExemptThresholdBP,
				ClaimCode:               ps.ClaimCode,
				DisclaimCode:            ps.DisclaimCode,
				EffectiveStart:          ps.EffectiveStart,
				EffectiveEnd:            ps.EffectiveEnd,
			})
		}
	}
	sort.Slice(programs, func(i, j int) bool {
		return programs[i].CalculationOrder < programs[j].CalculationOrder
	})
	return programs, nil
}

// ApplyCountries feeds aliases and group memberships into a resolver.
func (l *BundleLoader) ApplyCountries(r *country.Resolver) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, b := range l.bundles {
		for alias, canonical := range b.Aliases {
			r.AddAlias(alias, canonical)
		}
		for _, m := range b.CountryGroups {
			r.AddMembership(country.Membership{
				Country: m.Country,
				Group:   m.Group,
				Start:   m.Start,
				End:     m.End,
			})
		}
	}
}

// ClassificationTable materializes the article classification table.
func (l *BundleLoader) ClassificationTable() (*classify.Table, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	table := classify.NewTable()
	for _, b := range l.bundles {
		for _, e := range b.Classification.Entries {
			typ, err := tariff.ParseArticleType(e.Type)
			if err != nil {
				return nil, fmt.Errorf("classification entry %s: %w", e.Code, err)
			}
			table.Add(classify.Entry{
				Code:     e.Code,
				Material: tariff.Material(e.Material),
				Type:     typ,
			})
		}
		for _, r := range b.Classification.Ranges {
			typ, err := tariff.ParseArticleType(r.Type)
			if err != nil {
				return nil, fmt.Errorf("classification range %s-%s: %w", r.From, r.To, err)
			}
			table.AddRange(classify.HeadingRange{
				Material: tariff.Material(r.Material),
				From:     r.From,
				To:       r.To,
				Type:     typ,
			})
		}
	}
	return table, nil
}

// BaselineFacts materializes seedable baseline rate facts. Baseline facts
// carry the lowest-precedence origin; committed facts shadow them without
// superseding them.
func (l *BundleLoader) BaselineFacts() ([]*temporal.Fact, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var facts []*temporal.Fact
	for _, b := range l.bundles {
		for _, fs := range b.BaselineFacts {
			role := temporal.Role(fs.Role)
			if role == "" {
				role = temporal.RoleImpose
			}
			if role != temporal.RoleImpose && role != temporal.RoleExclude {
				return nil, fmt.Errorf("baseline fact %s: unknown role %q", fs.ID, fs.Role)
			}
			if fs.RateBP < 0 {
				return nil, fmt.Errorf("baseline fact %s: negative rate %d bp", fs.ID, fs.RateBP)
			}
			facts = append(facts, &temporal.Fact{
				ID: fs.ID,
				Key: tariff.SubjectKey{
					Code:     fs.Code,
					Material: tariff.Material(fs.Material),
					Country:  fs.Country,
				},
				OutputCode:     fs.OutputCode,
				RateBP:         fs.RateBP,
				Role:           role,
				State:          temporal.StateActive,
				Origin:         temporal.OriginBaseline,
				EffectiveStart: fs.EffectiveStart,
				EffectiveEnd:   fs.EffectiveEnd,
			})
		}
	}
	return facts, nil
}
