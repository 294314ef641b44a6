// Package rates resolves a fact's duty rate: either a fixed basis-point
// value or a formula evaluated at calculation time, e.g.
//
//	max(0, ceiling - base_rate)
//
// Formulas are CEL expressions over integer basis-point parameters, so
// ceiling 1500 bp minus base_rate 260 bp is exactly 1240 bp (12.40%) with
// no float drift. Compiled programs are cached per expression.
package rates

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/clearlane/tariffcore/pkg/money"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

// FormulaError reports a malformed or ill-typed rate formula. Treated as a
// validation error: the calculation fails closed rather than guessing.
type FormulaError struct {
	Expr   string
	Reason string
}

func (e *FormulaError) Error() string {
	return fmt.Sprintf("rate formula %q: %s", e.Expr, e.Reason)
}

// wellKnownParams are the formula variables every expression may reference.
// Missing parameters evaluate as 0.
var wellKnownParams = []string{"ceiling", "base_rate", "floor", "surcharge"}

// Resolver compiles and caches rate formulas.
type Resolver struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewResolver creates a resolver with the formula environment.
func NewResolver() (*Resolver, error) {
	opts := []cel.EnvOption{
		cel.Function("max",
			cel.Overload("max_int_int", []*cel.Type{cel.IntType, cel.IntType}, cel.IntType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					ai, ok1 := a.(types.Int)
					bi, ok2 := b.(types.Int)
					if !ok1 || !ok2 {
						return types.NewErr("max expects ints")
					}
					if ai > bi {
						return ai
					}
					return bi
				}))),
		cel.Function("min",
			cel.Overload("min_int_int", []*cel.Type{cel.IntType, cel.IntType}, cel.IntType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					ai, ok1 := a.(types.Int)
					bi, ok2 := b.(types.Int)
					if !ok1 || !ok2 {
						return types.NewErr("min expects ints")
					}
					if ai < bi {
						return ai
					}
					return bi
				}))),
	}
	for _, p := range wellKnownParams {
		opts = append(opts, cel.Variable(p, cel.IntType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create formula environment: %w", err)
	}
	return &Resolver{env: env, cache: make(map[string]cel.Program)}, nil
}

// Resolve returns the rate carried by a fact. Fixed rates pass through;
// formula rates evaluate against the fact's parameters.
func (r *Resolver) Resolve(f *temporal.Fact) (money.Rate, error) {
	if f.Formula == "" {
		if f.RateBP < 0 {
			return 0, &FormulaError{Expr: "", Reason: fmt.Sprintf("negative fixed rate %d bp on fact %s", f.RateBP, f.ID)}
		}
		return money.Rate(f.RateBP), nil
	}
	return r.Evaluate(f.Formula, f.FormulaParams)
}

// Evaluate compiles (or reuses) a formula and evaluates it with the given
// basis-point parameters.
func (r *Resolver) Evaluate(expr string, params map[string]int64) (money.Rate, error) {
	prg, err := r.program(expr)
	if err != nil {
		return 0, err
	}

	activation := make(map[string]any, len(wellKnownParams))
	for _, p := range wellKnownParams {
		activation[p] = int64(0)
	}
	for k, v := range params {
		activation[k] = v
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return 0, &FormulaError{Expr: expr, Reason: err.Error()}
	}
	bp, ok := out.Value().(int64)
	if !ok {
		return 0, &FormulaError{Expr: expr, Reason: fmt.Sprintf("result is %T, want int", out.Value())}
	}
	if bp < 0 {
		return 0, &FormulaError{Expr: expr, Reason: fmt.Sprintf("resolved to negative rate %d bp", bp)}
	}
	return money.Rate(bp), nil
}

func (r *Resolver) program(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, hit := r.cache[expr]
	r.mu.RUnlock()
	if hit {
		return prg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prg, hit = r.cache[expr]; hit {
		return prg, nil
	}

	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &FormulaError{Expr: expr, Reason: issues.Err().Error()}
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, &FormulaError{Expr: expr, Reason: err.Error()}
	}
	r.cache[expr] = prg
	return prg, nil
}
