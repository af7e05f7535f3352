/*
engine.go - Rule evaluation engine

PURPOSE:
  Turns a structure's rules plus a base salary into entries, totals and net
  pay. Pure and synchronous: no I/O, no shared state between calls. The same
  rules and input always give the same preview, whatever order the rules were
  declared in.

EVALUATION ORDER:
  Rules run by ascending priority (stable on declaration order). For each
  active rule:

    1. Self reference  -> skipped, reason "self-reference"
    2. Base resolution -> sum of resolved references, or the base salary
                          with fallbackUsed=true when nothing resolves
    3. Percentage of a zero base -> skipped, "percentage-without-base"
    4. Raw amount      -> fixed | base*pct/100 | formula
    5. Normalization   -> deductions |x|, others max(0,x), round 2dp
    6. Registration    -> value visible to higher-priority rules

COMPUTED INDEX:
  Values computed by rules live in their own index, keyed by concept id,
  "concept:"+id, code and "concept:"+code. A concept computed at several
  priorities keeps every value; a reference gets the latest one from a
  STRICTLY lower priority, so two rules of the same priority never see each
  other and declaration order cannot change a result. The caller context is
  a separate lookup consulted after the index; rules never write into it.

FAILURES:
  Business anomalies never error; they appear in the logs. Evaluate returns
  an error only for structurally invalid rules (no concept, unknown
  calculation type, unknown concept kind).

SEE ALSO:
  - formula.go:   CEL formulas
  - lifecycle.go: Balance check built on Evaluate
*/
package payroll

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Skip and log reasons.
const (
	ReasonSelfReference         = "self-reference"
	ReasonPercentageWithoutBase = "percentage-without-base"
	ReasonZeroResult            = "zero-result"
)

// EvaluationInput is the per-employee input of an evaluation.
type EvaluationInput struct {
	// BaseSalary and BaseAmount each default to the other when zero.
	BaseSalary decimal.Decimal
	BaseAmount decimal.Decimal
	// Context holds named fields (department, scheduleHours...). Numeric
	// fields may be referenced as rule bases.
	Context map[string]any
}

// Entry is one computed line.
type Entry struct {
	RuleID            string
	ConceptID         string
	ConceptCode       string
	ConceptName       string
	Kind              ConceptKind
	CalculationType   CalculationType
	Priority          int
	Amount            decimal.Decimal
	BaseAmount        decimal.Decimal
	AppliedPercentage *decimal.Decimal
	References        []string
	FallbackUsed      bool
	// Reason is "zero-result" for entries that computed to 0.
	Reason string
}

// Totals are the sums of a preview.
type Totals struct {
	Earnings      decimal.Decimal
	Deductions    decimal.Decimal
	EmployerCosts decimal.Decimal
	NetPay        decimal.Decimal
}

// RuleLog explains what happened to one rule.
type RuleLog struct {
	RuleID            string
	ConceptID         string
	Kind              ConceptKind
	CalculationType   CalculationType
	Priority          int
	BaseAmount        decimal.Decimal
	Amount            decimal.Decimal
	Skipped           bool
	Reason            string
	References        []string
	MissingReferences []string
	FallbackUsed      bool
	Error             string
}

// Preview is the result of Evaluate.
type Preview struct {
	StructureID      string
	StructureVersion int
	Entries          []Entry
	Totals           Totals
	Logs             []RuleLog
}

// Engine evaluates rule sets.
type Engine struct {
	formulas *FormulaEvaluator
}

// NewEngine creates an engine with its formula environment.
func NewEngine() (*Engine, error) {
	f, err := NewFormulaEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{formulas: f}, nil
}

// MustNewEngine is NewEngine for package-level wiring and tests.
func MustNewEngine() *Engine {
	e, err := NewEngine()
	if err != nil {
		panic(err)
	}
	return e
}

// Formulas exposes the engine's formula evaluator.
func (e *Engine) Formulas() *FormulaEvaluator { return e.formulas }

// computedValue is a rule result registered for later rules.
type computedValue struct {
	amount   decimal.Decimal
	priority int
}

// computedIndex keeps every value registered under a key in evaluation
// order. A concept computed at two priorities has two values.
type computedIndex map[string][]computedValue

func (ix computedIndex) register(c Concept, conceptID string, amount decimal.Decimal, priority int) {
	v := computedValue{amount: amount, priority: priority}
	keys := []string{conceptID, conceptPrefix + conceptID}
	if c.Code != "" {
		keys = append(keys, c.Code, conceptPrefix+c.Code)
	}
	for _, k := range keys {
		ix[k] = append(ix[k], v)
	}
}

// lookup returns the latest value registered under key by a rule with
// priority strictly lower than before.
func (ix computedIndex) lookup(key string, before int) (decimal.Decimal, bool) {
	values := ix[key]
	for i := len(values) - 1; i >= 0; i-- {
		if values[i].priority < before {
			return values[i].amount, true
		}
	}
	return decimal.Zero, false
}

// Evaluate runs rules for one employee. concepts is keyed by concept id and
// may be nil; it supplies codes and names for reference resolution.
func (e *Engine) Evaluate(structure Structure, rules []Rule, concepts map[string]Concept, in EvaluationInput, captureLogs bool) (Preview, error) {
	baseSalary, baseAmount := in.BaseSalary, in.BaseAmount
	if baseSalary.IsZero() {
		baseSalary = baseAmount
	}
	if baseAmount.IsZero() {
		baseAmount = baseSalary
	}

	for _, r := range rules {
		if err := checkRule(r, concepts); err != nil {
			return Preview{}, err
		}
	}

	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	p := Preview{
		StructureID:      structure.ID,
		StructureVersion: structure.Version,
		Entries:          []Entry{},
	}
	if captureLogs {
		p.Logs = []RuleLog{}
	}
	index := computedIndex{}
	st := evalState{
		engine:     e,
		index:      index,
		context:    in.Context,
		baseSalary: baseSalary,
		baseAmount: baseAmount,
	}

	for _, r := range sorted {
		if !r.IsActive {
			continue
		}
		c := concepts[r.ConceptID]
		entry, log := st.evaluateRule(r, c)
		if captureLogs {
			p.Logs = append(p.Logs, log)
		}
		if entry == nil {
			continue
		}
		p.Entries = append(p.Entries, *entry)
		index.register(c, r.ConceptID, entry.Amount, r.Priority)
	}

	p.Totals = SumEntries(p.Entries)
	return p, nil
}

// SumEntries totals entries by kind. NetPay is earnings minus deductions.
func SumEntries(entries []Entry) Totals {
	t := Totals{
		Earnings:      decimal.Zero,
		Deductions:    decimal.Zero,
		EmployerCosts: decimal.Zero,
	}
	for _, en := range entries {
		switch en.Kind {
		case KindEarning:
			t.Earnings = t.Earnings.Add(en.Amount)
		case KindDeduction:
			t.Deductions = t.Deductions.Add(en.Amount)
		default:
			t.EmployerCosts = t.EmployerCosts.Add(en.Amount)
		}
	}
	t.NetPay = t.Earnings.Sub(t.Deductions)
	return t
}

func checkRule(r Rule, concepts map[string]Concept) error {
	if strings.TrimSpace(r.ConceptID) == "" {
		return &RuleError{RuleID: r.ID, Reason: "no concept"}
	}
	if !r.CalculationType.Valid() {
		return &RuleError{RuleID: r.ID, Reason: "unknown calculation type " + string(r.CalculationType)}
	}
	if ruleKind(r, concepts[r.ConceptID]) == "" {
		return &RuleError{RuleID: r.ID, Reason: "unknown concept kind"}
	}
	return nil
}

// ruleKind prefers the kind stored on the rule and falls back to the
// concept's.
func ruleKind(r Rule, c Concept) ConceptKind {
	if r.ConceptKind.Valid() {
		return r.ConceptKind
	}
	if c.Kind.Valid() {
		return c.Kind
	}
	return ""
}

// =============================================================================
// PER-RULE EVALUATION
// =============================================================================

type evalState struct {
	engine     *Engine
	index      computedIndex
	context    map[string]any
	baseSalary decimal.Decimal
	baseAmount decimal.Decimal
}

func (st *evalState) evaluateRule(r Rule, c Concept) (*Entry, RuleLog) {
	kind := ruleKind(r, c)
	log := RuleLog{
		RuleID:          r.ID,
		ConceptID:       r.ConceptID,
		Kind:            kind,
		CalculationType: r.CalculationType,
		Priority:        r.Priority,
		BaseAmount:      decimal.Zero,
		Amount:          decimal.Zero,
		References:      r.BaseConceptCodes,
	}

	if isSelfReference(r, c) {
		log.Skipped = true
		log.Reason = ReasonSelfReference
		return nil, log
	}

	base, missing, fallback := st.resolveBase(r)
	log.BaseAmount = base
	log.MissingReferences = missing
	log.FallbackUsed = fallback

	if r.CalculationType == CalcPercentage && base.IsZero() {
		log.Skipped = true
		log.Reason = ReasonPercentageWithoutBase
		return nil, log
	}

	raw, err := st.rawAmount(r, base)
	if err != nil {
		log.Error = err.Error()
		raw = decimal.Zero
	}
	amount := normalizeAmount(raw, kind)
	log.Amount = amount

	entry := &Entry{
		RuleID:          r.ID,
		ConceptID:       r.ConceptID,
		ConceptCode:     c.Code,
		ConceptName:     c.Name,
		Kind:            kind,
		CalculationType: r.CalculationType,
		Priority:        r.Priority,
		Amount:          amount,
		BaseAmount:      base,
		References:      r.BaseConceptCodes,
		FallbackUsed:    fallback,
	}
	if r.CalculationType == CalcPercentage {
		pct := r.Percentage
		entry.AppliedPercentage = &pct
	}
	if amount.IsZero() {
		entry.Reason = ReasonZeroResult
		log.Skipped = true
		log.Reason = ReasonZeroResult
	}
	return entry, log
}

// isSelfReference reports whether any base reference names the rule's own
// concept, by id exactly or by code case-insensitively.
func isSelfReference(r Rule, c Concept) bool {
	for _, ref := range r.BaseConceptCodes {
		n := stripConceptPrefix(ref)
		if n == "" {
			continue
		}
		if n == r.ConceptID {
			return true
		}
		if c.Code != "" && strings.EqualFold(n, c.Code) {
			return true
		}
	}
	return false
}

// resolveBase sums the resolvable references. With no reference resolved it
// falls back to the base salary (then base amount).
func (st *evalState) resolveBase(r Rule) (decimal.Decimal, []string, bool) {
	sum := decimal.Zero
	resolved := 0
	var missing []string
	for _, ref := range r.BaseConceptCodes {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		v, ok := st.lookupReference(ref, r.Priority)
		if !ok {
			missing = append(missing, ref)
			continue
		}
		sum = sum.Add(v)
		resolved++
	}
	if resolved > 0 {
		return sum, missing, false
	}
	fallback := st.baseSalary
	if fallback.IsZero() {
		fallback = st.baseAmount
	}
	return fallback, missing, true
}

// lookupReference resolves one reference: computed index by normalized then
// raw key, then the caller context by raw then normalized key.
func (st *evalState) lookupReference(ref string, priority int) (decimal.Decimal, bool) {
	raw := strings.TrimSpace(ref)
	normalized := stripConceptPrefix(raw)
	for _, k := range []string{normalized, raw} {
		if v, ok := st.index.lookup(k, priority); ok {
			return v, true
		}
	}
	for _, k := range []string{raw, normalized} {
		if v, ok := st.context[k]; ok {
			if d, ok := numericValue(v); ok {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

func (st *evalState) rawAmount(r Rule, base decimal.Decimal) (decimal.Decimal, error) {
	switch r.CalculationType {
	case CalcFixed:
		return r.Amount, nil
	case CalcPercentage:
		return base.Mul(r.Percentage).Div(hundred), nil
	case CalcFormula:
		return st.engine.formulas.Evaluate(r.Formula, FormulaInput{
			Base:       base,
			BaseSalary: st.baseSalary,
			BaseAmount: st.baseAmount,
			Context:    st.formulaContext(r.Priority),
		})
	}
	return decimal.Zero, nil
}

// formulaContext is a read-only view for one formula: the caller context
// overlaid with values computed by lower-priority rules.
func (st *evalState) formulaContext(priority int) map[string]any {
	out := make(map[string]any, len(st.context)+len(st.index))
	for k, v := range st.context {
		out[k] = formulaValue(v)
	}
	for k := range st.index {
		if v, ok := st.index.lookup(k, priority); ok {
			out[k] = v.InexactFloat64()
		}
	}
	return out
}

func normalizeAmount(x decimal.Decimal, kind ConceptKind) decimal.Decimal {
	if kind == KindDeduction {
		x = x.Abs()
	} else if x.IsNegative() {
		x = decimal.Zero
	}
	return round2(x)
}
