package payroll

import (
	"log/slog"

	"github.com/shopspring/decimal"
)

// BasePayCode is the code of the synthetic base pay earning added for
// employees no structure covers.
const BasePayCode = "BASE_PAY"

// basePayEntry returns the base pay earning of an employee. When the tenant
// has a BASE_PAY concept the entry uses it and its id is returned.
func basePayEntry(emp EmployeeSnapshot, concepts []Concept) (RunEntry, string) {
	c := emp.Contract
	en := RunEntry{
		EmployeeID:   emp.ID,
		ContractID:   c.ID,
		EmployeeName: emp.Name,
		Department:   emp.Department,
		ConceptID:    BasePayCode,
		ConceptCode:  BasePayCode,
		ConceptName:  "Base pay",
		Kind:         KindEarning,
		Amount:       round2(c.CompensationAmount),
		Breakdown: Breakdown{
			Source:          SourceLegacy,
			CalculationType: string(LegacyFixedAmount),
			BaseAmount:      c.CompensationAmount,
		},
	}
	for _, con := range concepts {
		if con.Code == BasePayCode && con.IsActive {
			en.ConceptID = con.ID
			en.ConceptName = con.Name
			en.DebitAccountID = con.DebitAccountID
			en.CreditAccountID = con.CreditAccountID
			return en, con.ID
		}
	}
	return en, ""
}

// legacyEntries computes every active concept with a calculation that the
// structure did not cover. Zero amounts are dropped.
func (rc *RunCalculator) legacyEntries(emp EmployeeSnapshot, concepts []Concept, covered map[string]bool, rctx map[string]any) []RunEntry {
	base := emp.Contract.CompensationAmount
	var out []RunEntry
	for _, c := range concepts {
		if !c.IsActive || c.Calculation == nil || covered[c.ID] {
			continue
		}
		amount, err := rc.legacyAmount(c, base, rctx)
		if err != nil {
			rc.logger.Warn("legacy concept calculation failed",
				slog.String("employee", emp.ID), slog.String("concept", c.Code), slog.Any("error", err))
			continue
		}
		amount = normalizeAmount(amount, c.Kind)
		if amount.IsZero() {
			continue
		}
		en := RunEntry{
			EmployeeID:      emp.ID,
			ContractID:      emp.Contract.ID,
			EmployeeName:    emp.Name,
			Department:      emp.Department,
			ConceptID:       c.ID,
			ConceptCode:     c.Code,
			ConceptName:     c.Name,
			Kind:            c.Kind,
			Amount:          amount,
			DebitAccountID:  c.DebitAccountID,
			CreditAccountID: c.CreditAccountID,
			Breakdown: Breakdown{
				Source:          SourceLegacy,
				CalculationType: string(c.Calculation.Method),
				BaseAmount:      base,
			},
		}
		if c.Calculation.Method == LegacyPercentageOfBase {
			pct := c.Calculation.Value
			en.Breakdown.AppliedPercentage = &pct
		}
		out = append(out, en)
	}
	return out
}

func (rc *RunCalculator) legacyAmount(c Concept, base decimal.Decimal, rctx map[string]any) (decimal.Decimal, error) {
	calc := c.Calculation
	switch calc.Method {
	case LegacyFixedAmount:
		return calc.Value, nil
	case LegacyPercentageOfBase:
		return base.Mul(calc.Value).Div(hundred), nil
	case LegacyCustomFormula:
		vars := make(map[string]any, len(rctx))
		for k, v := range rctx {
			vars[k] = formulaValue(v)
		}
		return rc.engine.Formulas().Evaluate(calc.Formula, FormulaInput{
			Base:       base,
			BaseSalary: base,
			BaseAmount: base,
			Context:    vars,
		})
	}
	return decimal.Zero, validationf("unknown calculation method %q", calc.Method)
}
