package rates

import (
	"errors"
	"testing"

	"github.com/clearlane/tariffcore/pkg/money"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver()
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolveFixedRate(t *testing.T) {
	r := newTestResolver(t)

	got, err := r.Resolve(&temporal.Fact{ID: "f1", RateBP: 2500})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != money.Rate(2500) {
		t.Fatalf("rate = %d, want 2500", got)
	}

	if _, err := r.Resolve(&temporal.Fact{ID: "f2", RateBP: -100}); err == nil {
		t.Fatal("negative fixed rate must fail")
	}
}

func TestEvaluateCeilingFormula(t *testing.T) {
	r := newTestResolver(t)

	got, err := r.Evaluate("max(0, ceiling - base_rate)", map[string]int64{
		"ceiling":   1500,
		"base_rate": 260,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != money.Rate(1240) {
		t.Fatalf("rate = %d bp, want 1240", got)
	}

	// Base rate over the ceiling clamps at zero.
	got, err = r.Evaluate("max(0, ceiling - base_rate)", map[string]int64{
		"ceiling":   1500,
		"base_rate": 2000,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != 0 {
		t.Fatalf("clamped rate = %d bp, want 0", got)
	}
}

func TestEvaluateMissingParamsDefaultZero(t *testing.T) {
	r := newTestResolver(t)

	got, err := r.Evaluate("max(0, ceiling - base_rate)", nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != 0 {
		t.Fatalf("rate with no params = %d bp, want 0", got)
	}
}

func TestEvaluateNegativeResultRejected(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Evaluate("ceiling - base_rate", map[string]int64{
		"ceiling":   100,
		"base_rate": 500,
	})
	var fe *FormulaError
	if !errors.As(err, &fe) {
		t.Fatalf("negative result = %v, want FormulaError", err)
	}
}

func TestEvaluateCompileError(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Evaluate("max(0, ceiling -", nil)
	var fe *FormulaError
	if !errors.As(err, &fe) {
		t.Fatalf("malformed expr = %v, want FormulaError", err)
	}

	// Unknown variables are compile errors, not silent zeros.
	if _, err := r.Evaluate("mystery_rate + 1", nil); !errors.As(err, &fe) {
		t.Fatalf("unknown variable = %v, want FormulaError", err)
	}
}

func TestEvaluateMinOverload(t *testing.T) {
	r := newTestResolver(t)

	got, err := r.Evaluate("min(surcharge, 500)", map[string]int64{"surcharge": 750})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != money.Rate(500) {
		t.Fatalf("rate = %d bp, want 500", got)
	}
}
