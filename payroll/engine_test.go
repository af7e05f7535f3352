package payroll_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, dec(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

func concepts(cs ...payroll.Concept) map[string]payroll.Concept {
	out := make(map[string]payroll.Concept, len(cs))
	for _, c := range cs {
		out[c.ID] = c
	}
	return out
}

func earning(id, code string) payroll.Concept {
	return payroll.Concept{ID: id, Code: code, Name: code, Kind: payroll.KindEarning, IsActive: true}
}

func deduction(id, code string) payroll.Concept {
	return payroll.Concept{ID: id, Code: code, Name: code, Kind: payroll.KindDeduction, IsActive: true}
}

func employerCost(id, code string) payroll.Concept {
	return payroll.Concept{ID: id, Code: code, Name: code, Kind: payroll.KindEmployerCost, IsActive: true}
}

func fixedRule(id, conceptID string, priority int, amount string) payroll.Rule {
	return payroll.Rule{ID: id, ConceptID: conceptID, Priority: priority, CalculationType: payroll.CalcFixed, Amount: dec(amount), IsActive: true}
}

func pctRule(id, conceptID string, priority int, pct string, refs ...string) payroll.Rule {
	return payroll.Rule{ID: id, ConceptID: conceptID, Priority: priority, CalculationType: payroll.CalcPercentage, Percentage: dec(pct), BaseConceptCodes: refs, IsActive: true}
}

func formulaRule(id, conceptID string, priority int, expr string, refs ...string) payroll.Rule {
	return payroll.Rule{ID: id, ConceptID: conceptID, Priority: priority, CalculationType: payroll.CalcFormula, Formula: expr, BaseConceptCodes: refs, IsActive: true}
}

func evaluate(t *testing.T, rules []payroll.Rule, cs map[string]payroll.Concept, in payroll.EvaluationInput) payroll.Preview {
	t.Helper()
	p, err := payroll.MustNewEngine().Evaluate(payroll.Structure{ID: "s1", Version: 1}, rules, cs, in, true)
	require.NoError(t, err)
	return p
}

func salary(amount string) payroll.EvaluationInput {
	return payroll.EvaluationInput{BaseSalary: dec(amount)}
}

// =============================================================================
// REFERENCE SCENARIOS
// =============================================================================

func TestEvaluate_EarningThenPercentageDeduction(t *testing.T) {
	// GIVEN: A fixed earning and a 10% deduction based on it
	cs := concepts(earning("c-a", "A"), deduction("c-b", "B"))
	rules := []payroll.Rule{
		fixedRule("r-a", "c-a", 1, "1000"),
		pctRule("r-b", "c-b", 2, "10", "A"),
	}

	// WHEN: Evaluating for a base salary of 1000
	p := evaluate(t, rules, cs, salary("1000"))

	// THEN: A=1000, B=100, net 900
	require.Len(t, p.Entries, 2)
	assert.Equal(t, "c-a", p.Entries[0].ConceptID)
	assertAmount(t, "1000", p.Entries[0].Amount)
	assert.Equal(t, payroll.KindEarning, p.Entries[0].Kind)
	assert.Equal(t, "c-b", p.Entries[1].ConceptID)
	assertAmount(t, "100", p.Entries[1].Amount)
	assert.Equal(t, payroll.KindDeduction, p.Entries[1].Kind)
	assert.False(t, p.Entries[1].FallbackUsed)
	require.NotNil(t, p.Entries[1].AppliedPercentage)
	assertAmount(t, "10", *p.Entries[1].AppliedPercentage)

	assertAmount(t, "1000", p.Totals.Earnings)
	assertAmount(t, "100", p.Totals.Deductions)
	assertAmount(t, "900", p.Totals.NetPay)
}

func TestEvaluate_SelfReferenceIsSkipped(t *testing.T) {
	cs := concepts(deduction("c-sso", "SSO"))

	for _, ref := range []string{"SSO", "sso", "c-sso", "concept:c-sso", "concept:SSO", " concept: SSO "} {
		t.Run(ref, func(t *testing.T) {
			p := evaluate(t, []payroll.Rule{pctRule("r1", "c-sso", 1, "10", ref)}, cs, salary("1000"))

			assert.Empty(t, p.Entries)
			require.Len(t, p.Logs, 1)
			assert.True(t, p.Logs[0].Skipped)
			assert.Equal(t, payroll.ReasonSelfReference, p.Logs[0].Reason)
		})
	}
}

func TestEvaluate_SelfReferenceIgnoresPriority(t *testing.T) {
	// GIVEN: The same concept computed earlier by another rule
	cs := concepts(earning("c-a", "A"))
	rules := []payroll.Rule{
		fixedRule("r1", "c-a", 1, "500"),
		pctRule("r2", "c-a", 5, "10", "A"),
	}

	p := evaluate(t, rules, cs, salary("1000"))

	// THEN: Only the first rule produces an entry
	require.Len(t, p.Entries, 1)
	assert.Equal(t, "r1", p.Entries[0].RuleID)
	assert.Equal(t, payroll.ReasonSelfReference, p.Logs[1].Reason)
}

// =============================================================================
// BASE RESOLUTION
// =============================================================================

func TestEvaluate_MissingReferenceFallsBackToBaseSalary(t *testing.T) {
	cs := concepts(deduction("c-b", "B"))

	p := evaluate(t, []payroll.Rule{pctRule("r1", "c-b", 1, "10", "NOPE")}, cs, salary("2000"))

	require.Len(t, p.Entries, 1)
	assertAmount(t, "200", p.Entries[0].Amount)
	assert.True(t, p.Entries[0].FallbackUsed)
	assert.Equal(t, []string{"NOPE"}, p.Logs[0].MissingReferences)
	assert.True(t, p.Logs[0].FallbackUsed)
}

func TestEvaluate_PartialReferencesSumResolvedOnly(t *testing.T) {
	cs := concepts(earning("c-a", "A"), earning("c-b", "B"), deduction("c-d", "D"))
	rules := []payroll.Rule{
		fixedRule("r-a", "c-a", 1, "600"),
		fixedRule("r-b", "c-b", 1, "400"),
		pctRule("r-d", "c-d", 2, "10", "A", "concept:c-b", "GHOST"),
	}

	p := evaluate(t, rules, cs, salary("5000"))

	d := p.Entries[2]
	assertAmount(t, "1000", d.BaseAmount)
	assertAmount(t, "100", d.Amount)
	assert.False(t, d.FallbackUsed)
	assert.Equal(t, []string{"GHOST"}, p.Logs[2].MissingReferences)
}

func TestEvaluate_SamePriorityRulesDoNotSeeEachOther(t *testing.T) {
	// GIVEN: B references A but both run at priority 1
	cs := concepts(earning("c-a", "A"), deduction("c-b", "B"))
	rules := []payroll.Rule{
		fixedRule("r-a", "c-a", 1, "500"),
		pctRule("r-b", "c-b", 1, "10", "A"),
	}

	p := evaluate(t, rules, cs, salary("1000"))

	// THEN: B falls back to the base salary instead of using A
	require.Len(t, p.Entries, 2)
	assertAmount(t, "100", p.Entries[1].Amount)
	assert.True(t, p.Entries[1].FallbackUsed)
}

func TestEvaluate_ContextFieldAsBase(t *testing.T) {
	cs := concepts(earning("c-ben", "BEN"))
	in := salary("1000")
	in.Context = map[string]any{"benefitsTotal": dec("250")}

	p := evaluate(t, []payroll.Rule{pctRule("r1", "c-ben", 1, "100", "benefitsTotal")}, cs, in)

	require.Len(t, p.Entries, 1)
	assertAmount(t, "250", p.Entries[0].Amount)
	assert.False(t, p.Entries[0].FallbackUsed)
}

func TestEvaluate_ComputedValueShadowsContext(t *testing.T) {
	// GIVEN: A context field with the same name as a computed concept code
	cs := concepts(earning("c-a", "A"), deduction("c-b", "B"))
	in := salary("1000")
	in.Context = map[string]any{"A": 9999}
	rules := []payroll.Rule{
		fixedRule("r-a", "c-a", 1, "300"),
		pctRule("r-b", "c-b", 2, "10", "A"),
	}

	p := evaluate(t, rules, cs, in)

	// THEN: The computed index wins
	assertAmount(t, "30", p.Entries[1].Amount)
	assert.Equal(t, 9999, in.Context["A"], "caller context must not be written")
}

func TestEvaluate_PercentageOfZeroBaseIsSkipped(t *testing.T) {
	cs := concepts(deduction("c-b", "B"))

	t.Run("zero base salary", func(t *testing.T) {
		p := evaluate(t, []payroll.Rule{pctRule("r1", "c-b", 1, "10")}, cs, salary("0"))
		assert.Empty(t, p.Entries)
		assert.Equal(t, payroll.ReasonPercentageWithoutBase, p.Logs[0].Reason)
	})

	t.Run("zero referenced value", func(t *testing.T) {
		in := salary("1000")
		in.Context = map[string]any{"benefitsTotal": 0}
		p := evaluate(t, []payroll.Rule{pctRule("r1", "c-b", 1, "10", "benefitsTotal")}, cs, in)
		assert.Empty(t, p.Entries)
		assert.True(t, p.Logs[0].Skipped)
	})
}

// =============================================================================
// AMOUNTS
// =============================================================================

func TestEvaluate_Normalization(t *testing.T) {
	cs := concepts(earning("c-e", "E"), deduction("c-d", "D"), employerCost("c-x", "X"))
	rules := []payroll.Rule{
		fixedRule("r-e", "c-e", 1, "-20"),
		fixedRule("r-d", "c-d", 1, "-50.555"),
		fixedRule("r-x", "c-x", 1, "12.345"),
	}

	p := evaluate(t, rules, cs, salary("1000"))

	require.Len(t, p.Entries, 3)
	assertAmount(t, "0", p.Entries[0].Amount)
	assert.Equal(t, payroll.ReasonZeroResult, p.Entries[0].Reason)
	assertAmount(t, "50.56", p.Entries[1].Amount)
	assertAmount(t, "12.35", p.Entries[2].Amount)

	// Employer costs do not change net pay.
	assertAmount(t, "12.35", p.Totals.EmployerCosts)
	assertAmount(t, "-50.56", p.Totals.NetPay)
}

func TestEvaluate_Formula(t *testing.T) {
	cs := concepts(earning("c-a", "A"), earning("c-ot", "OT"))
	in := salary("1000")
	in.Context = map[string]any{"scheduleHours": 170}
	rules := []payroll.Rule{
		fixedRule("r-a", "c-a", 1, "800"),
		formulaRule("r-ot", "c-ot", 2, "ctx.scheduleHours > 160.0 ? ctx.A * 0.25 + baseSalary / 100.0 : 0.0"),
	}

	p := evaluate(t, rules, cs, in)

	require.Len(t, p.Entries, 2)
	assertAmount(t, "210", p.Entries[1].Amount)
	assert.Empty(t, p.Logs[1].Error)
}

func TestEvaluate_FormulaErrorYieldsZero(t *testing.T) {
	cs := concepts(earning("c-a", "A"))

	for name, expr := range map[string]string{
		"missing key":  "ctx.missing + 1.0",
		"non finite":   "1.0 / 0.0",
		"not a number": "'text'",
	} {
		t.Run(name, func(t *testing.T) {
			p := evaluate(t, []payroll.Rule{formulaRule("r1", "c-a", 1, expr)}, cs, salary("1000"))

			require.Len(t, p.Entries, 1)
			assert.True(t, p.Entries[0].Amount.IsZero())
			assert.Equal(t, payroll.ReasonZeroResult, p.Entries[0].Reason)
			assert.NotEmpty(t, p.Logs[0].Error)
		})
	}
}

func TestEvaluate_InactiveRulesAreIgnored(t *testing.T) {
	cs := concepts(earning("c-a", "A"))
	r := fixedRule("r1", "c-a", 1, "100")
	r.IsActive = false

	p := evaluate(t, []payroll.Rule{r}, cs, salary("1000"))

	assert.Empty(t, p.Entries)
	assert.Empty(t, p.Logs)
}

func TestEvaluate_InvalidRule(t *testing.T) {
	cs := concepts(earning("c-a", "A"))
	engine := payroll.MustNewEngine()

	_, err := engine.Evaluate(payroll.Structure{}, []payroll.Rule{{ID: "r1", CalculationType: payroll.CalcFixed}}, cs, salary("1"), false)
	assert.True(t, errors.Is(err, payroll.ErrInvalidRule))

	_, err = engine.Evaluate(payroll.Structure{}, []payroll.Rule{{ID: "r2", ConceptID: "c-a", CalculationType: "bogus"}}, cs, salary("1"), false)
	var re *payroll.RuleError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "r2", re.RuleID)
}

// =============================================================================
// DETERMINISM
// =============================================================================

func TestEvaluate_InputOrderDoesNotChangeResult(t *testing.T) {
	cs := concepts(earning("c-a", "A"), earning("c-b", "B"), deduction("c-d", "D"), employerCost("c-x", "X"))
	rules := []payroll.Rule{
		fixedRule("r-a", "c-a", 1, "1000"),
		pctRule("r-b", "c-b", 2, "5", "A"),
		pctRule("r-d", "c-d", 3, "11", "A", "B"),
		pctRule("r-x", "c-x", 3, "20", "A"),
	}
	reversed := []payroll.Rule{rules[3], rules[2], rules[1], rules[0]}

	a := evaluate(t, rules, cs, salary("1000"))
	b := evaluate(t, reversed, cs, salary("1000"))

	byConcept := func(p payroll.Preview) map[string]string {
		out := map[string]string{}
		for _, e := range p.Entries {
			out[e.ConceptID] = e.Amount.StringFixed(2)
		}
		return out
	}
	assert.Equal(t, byConcept(a), byConcept(b))
	assert.True(t, a.Totals.NetPay.Equal(b.Totals.NetPay))
	assertAmount(t, "115.50", a.Entries[2].Amount)
}

func TestEvaluate_ConceptComputedAtTwoPriorities(t *testing.T) {
	// GIVEN: X computed at priorities 1 and 2, and Y at priority 2 taking 10% of X
	cs := concepts(earning("c-x", "X"), deduction("c-y", "Y"))
	r1 := fixedRule("r1", "c-x", 1, "100")
	rY := pctRule("rY", "c-y", 2, "10", "X")
	r2 := fixedRule("r2", "c-x", 2, "50")

	// WHEN: Evaluating with both declaration orders inside priority 2
	before := evaluate(t, []payroll.Rule{r1, rY, r2}, cs, salary("1000"))
	after := evaluate(t, []payroll.Rule{r1, r2, rY}, cs, salary("1000"))

	// THEN: Y resolves the priority-1 value of X either way
	for _, p := range []payroll.Preview{before, after} {
		var y payroll.Entry
		for _, en := range p.Entries {
			if en.RuleID == "rY" {
				y = en
			}
		}
		assertAmount(t, "10", y.Amount)
		assertAmount(t, "100", y.BaseAmount)
		assert.False(t, y.FallbackUsed)
		assertAmount(t, "140", p.Totals.NetPay)
	}
}

func TestEvaluate_FormulaSeesLowerPriorityValueOfRecomputedConcept(t *testing.T) {
	cs := concepts(earning("c-x", "X"), earning("c-f", "F"))
	rules := []payroll.Rule{
		fixedRule("r1", "c-x", 1, "100"),
		fixedRule("r2", "c-x", 2, "50"),
		formulaRule("rf", "c-f", 2, "ctx.X * 2.0"),
	}

	p := evaluate(t, rules, cs, salary("1000"))

	require.Len(t, p.Entries, 3)
	assert.Equal(t, "rf", p.Entries[2].RuleID)
	assertAmount(t, "200", p.Entries[2].Amount)
}

func TestEvaluate_ZeroResultIsLoggedAsSkipped(t *testing.T) {
	cs := concepts(earning("c-a", "A"))

	p := evaluate(t, []payroll.Rule{fixedRule("r1", "c-a", 1, "0")}, cs, salary("1000"))

	require.Len(t, p.Entries, 1)
	assert.Equal(t, payroll.ReasonZeroResult, p.Entries[0].Reason)
	require.Len(t, p.Logs, 1)
	assert.True(t, p.Logs[0].Skipped)
	assert.Equal(t, payroll.ReasonZeroResult, p.Logs[0].Reason)
}

func TestEvaluate_UnsignedContextBase(t *testing.T) {
	cs := concepts(employerCost("c-x", "X"))
	in := salary("1000")
	in.Context = map[string]any{"big": uint64(1 << 63)}

	p := evaluate(t, []payroll.Rule{pctRule("r1", "c-x", 1, "1", "big")}, cs, in)

	require.Len(t, p.Entries, 1)
	assert.False(t, p.Entries[0].FallbackUsed)
	assert.True(t, p.Entries[0].BaseAmount.Equal(decimal.NewFromUint64(1<<63)))
	assert.True(t, p.Entries[0].Amount.IsPositive())
}
