package payroll

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

// formulaCostLimit bounds the work a single formula may do.
const formulaCostLimit = 10000

// FormulaEvaluator compiles and runs CEL formulas. Programs are cached by
// expression text. Safe for concurrent use.
//
// Variables available to a formula:
//
//	base        resolved base of the rule (double)
//	baseSalary  run base salary (double)
//	baseAmount  run base amount (double)
//	ctx         caller context plus values computed by lower-priority rules,
//	            keyed by concept id, code and "concept:"-prefixed forms
//
// Example: `ctx.scheduleHours > 160.0 ? base * 0.1 : 0.0`
type FormulaEvaluator struct {
	env   *cel.Env
	cache sync.Map
}

// NewFormulaEvaluator builds the CEL environment.
func NewFormulaEvaluator() (*FormulaEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("base", cel.DoubleType),
		cel.Variable("baseSalary", cel.DoubleType),
		cel.Variable("baseAmount", cel.DoubleType),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("formula env: %w", err)
	}
	return &FormulaEvaluator{env: env}, nil
}

// FormulaInput is the read-only activation of a formula.
type FormulaInput struct {
	Base       decimal.Decimal
	BaseSalary decimal.Decimal
	BaseAmount decimal.Decimal
	Context    map[string]any
}

// Compile checks that expr is a valid formula without running it.
func (f *FormulaEvaluator) Compile(expr string) error {
	_, err := f.program(expr)
	return err
}

// Evaluate runs expr and returns its numeric result. Non-numeric and
// non-finite results are errors.
func (f *FormulaEvaluator) Evaluate(expr string, in FormulaInput) (decimal.Decimal, error) {
	prg, err := f.program(expr)
	if err != nil {
		return decimal.Zero, err
	}
	ctx := in.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"base":       in.Base.InexactFloat64(),
		"baseSalary": in.BaseSalary.InexactFloat64(),
		"baseAmount": in.BaseAmount.InexactFloat64(),
		"ctx":        ctx,
	})
	if err != nil {
		return decimal.Zero, err
	}

	var v float64
	switch n := out.Value().(type) {
	case float64:
		v = n
	case int64:
		v = float64(n)
	case uint64:
		v = float64(n)
	default:
		return decimal.Zero, fmt.Errorf("formula returned %s, want number", out.Type())
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, errors.New("formula returned a non-finite number")
	}
	return decimal.NewFromFloat(v), nil
}

func (f *FormulaEvaluator) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("formula required")
	}
	if cached, ok := f.cache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := f.env.Program(ast, cel.CostLimit(formulaCostLimit))
	if err != nil {
		return nil, err
	}
	f.cache.Store(expr, prg)
	return prg, nil
}

// formulaValue converts a caller context value into something CEL can
// compare and do arithmetic with. Numbers become float64.
func formulaValue(v any) any {
	switch n := v.(type) {
	case decimal.Decimal:
		return n.InexactFloat64()
	case *decimal.Decimal:
		if n == nil {
			return nil
		}
		return n.InexactFloat64()
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

// numericValue returns v as a decimal when it is a finite number.
func numericValue(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, false
		}
		return *n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromUint64(uint64(n)), true
	case uint32:
		return decimal.NewFromUint64(uint64(n)), true
	case uint64:
		return decimal.NewFromUint64(n), true
	case float32:
		return finiteDecimal(float64(n))
	case float64:
		return finiteDecimal(n)
	}
	return decimal.Zero, false
}

func finiteDecimal(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}
