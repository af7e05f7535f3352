/*
Package factory converts YAML or JSON payroll bundles into concepts,
structures and rules.

PURPOSE:
  Lets HR describe a payroll setup as a document instead of a sequence of
  API calls. A bundle is applied through the lifecycle manager, so every
  invariant (scope uniqueness, balance, foreign concepts) still holds.

SCHEMA (YAML, JSON is accepted too):
  concepts:
    - code: BASE_PAY
      name: Base pay
      kind: earning
    - code: MEAL
      name: Meal allowance
      kind: earning
      calculation: {method: fixed_amount, value: "50"}
  structures:
    - name: Engineering monthly
      period_type: monthly
      roles: [engineer]
      activate: true
      rules:
        - concept: BASE_PAY
          priority: 1
          type: percentage
          percentage: "100"
          base: [baseSalary]
        - concept: SSO
          priority: 2
          type: percentage
          percentage: "10"
          base: [BASE_PAY]
  employees:            # optional, sample population for demo runs
    - id: e1
      name: Ada
      position: engineer
      contract: {type: indefinite, compensation: "3000"}

RULES REFERENCE CONCEPTS BY CODE:
  Ids are tenant specific, codes are not. Apply resolves codes against the
  tenant's concepts (existing or created by the same bundle).

USAGE:
  b, err := factory.Parse(data)
  res, err := factory.Apply(ctx, manager, tenantID, b)

SEE ALSO:
  - scenarios.go:          Built-in demo bundles
  - payroll/lifecycle.go:  Manager used by Apply
*/
package factory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// Bundle is a parsed payroll document.
type Bundle struct {
	Concepts   []ConceptSpec   `yaml:"concepts" json:"concepts"`
	Structures []StructureSpec `yaml:"structures" json:"structures"`
	Employees  []EmployeeSpec  `yaml:"employees,omitempty" json:"employees,omitempty"`
}

// ConceptSpec describes a concept.
type ConceptSpec struct {
	Code          string           `yaml:"code" json:"code"`
	Name          string           `yaml:"name" json:"name"`
	Kind          string           `yaml:"kind" json:"kind"`
	DebitAccount  string           `yaml:"debit_account,omitempty" json:"debit_account,omitempty"`
	CreditAccount string           `yaml:"credit_account,omitempty" json:"credit_account,omitempty"`
	Active        *bool            `yaml:"active,omitempty" json:"active,omitempty"`
	Calculation   *CalculationSpec `yaml:"calculation,omitempty" json:"calculation,omitempty"`
}

// CalculationSpec is a concept's legacy calculation.
type CalculationSpec struct {
	Method  string `yaml:"method" json:"method"`
	Value   string `yaml:"value,omitempty" json:"value,omitempty"`
	Formula string `yaml:"formula,omitempty" json:"formula,omitempty"`
}

// StructureSpec describes a structure and its rules.
type StructureSpec struct {
	Name          string     `yaml:"name" json:"name"`
	Description   string     `yaml:"description,omitempty" json:"description,omitempty"`
	PeriodType    string     `yaml:"period_type,omitempty" json:"period_type,omitempty"`
	Roles         []string   `yaml:"roles,omitempty" json:"roles,omitempty"`
	Departments   []string   `yaml:"departments,omitempty" json:"departments,omitempty"`
	ContractTypes []string   `yaml:"contract_types,omitempty" json:"contract_types,omitempty"`
	EffectiveFrom string     `yaml:"effective_from,omitempty" json:"effective_from,omitempty"` // YYYY-MM-DD
	EffectiveTo   string     `yaml:"effective_to,omitempty" json:"effective_to,omitempty"`
	Activate      bool       `yaml:"activate,omitempty" json:"activate,omitempty"`
	Rules         []RuleSpec `yaml:"rules" json:"rules"`
}

// RuleSpec describes a rule. Concept is a concept code.
type RuleSpec struct {
	Concept    string   `yaml:"concept" json:"concept"`
	Priority   int      `yaml:"priority" json:"priority"`
	Type       string   `yaml:"type" json:"type"`
	Amount     string   `yaml:"amount,omitempty" json:"amount,omitempty"`
	Percentage string   `yaml:"percentage,omitempty" json:"percentage,omitempty"`
	Formula    string   `yaml:"formula,omitempty" json:"formula,omitempty"`
	Base       []string `yaml:"base,omitempty" json:"base,omitempty"`
	Active     *bool    `yaml:"active,omitempty" json:"active,omitempty"`
}

// EmployeeSpec is a sample employee for demo runs.
type EmployeeSpec struct {
	ID         string        `yaml:"id" json:"id"`
	Name       string        `yaml:"name" json:"name"`
	Position   string        `yaml:"position,omitempty" json:"position,omitempty"`
	Department string        `yaml:"department,omitempty" json:"department,omitempty"`
	Contract   *ContractSpec `yaml:"contract,omitempty" json:"contract,omitempty"`
}

// ContractSpec is the contract of a sample employee.
type ContractSpec struct {
	Type          string `yaml:"type,omitempty" json:"type,omitempty"`
	Frequency     string `yaml:"frequency,omitempty" json:"frequency,omitempty"`
	Compensation  string `yaml:"compensation" json:"compensation"`
	Inactive      bool   `yaml:"inactive,omitempty" json:"inactive,omitempty"`
	ScheduleHours string `yaml:"schedule_hours,omitempty" json:"schedule_hours,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// Parse decodes a YAML or JSON bundle. Unknown fields are rejected.
func Parse(data []byte) (Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return Bundle{}, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// Validate checks that rules only name concepts the bundle or the tenant
// may provide and that enums and decimals are well formed. Concept codes
// missing from the bundle are resolved against the tenant at Apply time.
func (b Bundle) Validate() error {
	seen := map[string]bool{}
	for _, c := range b.Concepts {
		key := strings.ToLower(c.Code)
		if c.Code == "" {
			return fmt.Errorf("%w: concept without code", payroll.ErrValidation)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate concept code %s", payroll.ErrDuplicateConcept, c.Code)
		}
		seen[key] = true
		if !payroll.ConceptKind(c.Kind).Valid() {
			return fmt.Errorf("%w: concept %s: unknown kind %q", payroll.ErrValidation, c.Code, c.Kind)
		}
		if _, err := c.calculation(); err != nil {
			return err
		}
	}
	for _, s := range b.Structures {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: structure without name", payroll.ErrValidation)
		}
		if _, _, err := s.effectiveRange(); err != nil {
			return err
		}
		for i, r := range s.Rules {
			if r.Concept == "" {
				return fmt.Errorf("%w: structure %s rule %d: concept is required", payroll.ErrValidation, s.Name, i+1)
			}
			if _, err := r.input(""); err != nil {
				return fmt.Errorf("structure %s rule %d: %w", s.Name, i+1, err)
			}
		}
	}
	return nil
}

func (c ConceptSpec) calculation() (*payroll.LegacyCalculation, error) {
	if c.Calculation == nil {
		return nil, nil
	}
	v, err := optionalDecimal(c.Calculation.Value)
	if err != nil {
		return nil, fmt.Errorf("concept %s: %w", c.Code, err)
	}
	return &payroll.LegacyCalculation{
		Method:  payroll.LegacyMethod(c.Calculation.Method),
		Value:   v,
		Formula: c.Calculation.Formula,
	}, nil
}

func (s StructureSpec) effectiveRange() (*time.Time, *time.Time, error) {
	from, err := optionalDate(s.EffectiveFrom)
	if err != nil {
		return nil, nil, fmt.Errorf("structure %s: effective_from: %w", s.Name, err)
	}
	to, err := optionalDate(s.EffectiveTo)
	if err != nil {
		return nil, nil, fmt.Errorf("structure %s: effective_to: %w", s.Name, err)
	}
	return from, to, nil
}

func (r RuleSpec) input(conceptID string) (payroll.RuleInput, error) {
	ct := payroll.CalculationType(r.Type)
	if !ct.Valid() {
		return payroll.RuleInput{}, fmt.Errorf("%w: unknown rule type %q", payroll.ErrValidation, r.Type)
	}
	amount, err := optionalDecimal(r.Amount)
	if err != nil {
		return payroll.RuleInput{}, err
	}
	pct, err := optionalDecimal(r.Percentage)
	if err != nil {
		return payroll.RuleInput{}, err
	}
	return payroll.RuleInput{
		ConceptID:        conceptID,
		Priority:         r.Priority,
		CalculationType:  ct,
		Amount:           amount,
		Percentage:       pct,
		Formula:          r.Formula,
		BaseConceptCodes: r.Base,
		IsActive:         r.Active,
	}, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid decimal %q", payroll.ErrValidation, s)
	}
	return d, nil
}

func optionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %q", payroll.ErrValidation, s)
	}
	return &t, nil
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyResult lists what Apply created or reused.
type ApplyResult struct {
	ConceptsCreated []string
	ConceptsReused  []string
	Structures      []payroll.Structure
}

// Apply creates the bundle's concepts (reusing tenant concepts with the same
// code), then each structure as a draft with its rules, then activates the
// structures marked activate. The first failure stops the import; what was
// created before it stays.
func Apply(ctx context.Context, m *payroll.Manager, tenantID string, b Bundle) (ApplyResult, error) {
	var res ApplyResult

	existing, err := m.ListConcepts(ctx, tenantID)
	if err != nil {
		return res, err
	}
	byCode := make(map[string]payroll.Concept, len(existing))
	for _, c := range existing {
		byCode[strings.ToLower(c.Code)] = c
	}

	for _, spec := range b.Concepts {
		if c, ok := byCode[strings.ToLower(spec.Code)]; ok {
			res.ConceptsReused = append(res.ConceptsReused, c.Code)
			continue
		}
		calc, err := spec.calculation()
		if err != nil {
			return res, err
		}
		c, err := m.CreateConcept(ctx, tenantID, payroll.ConceptInput{
			Code:            spec.Code,
			Name:            spec.Name,
			Kind:            payroll.ConceptKind(spec.Kind),
			DebitAccountID:  spec.DebitAccount,
			CreditAccountID: spec.CreditAccount,
			IsActive:        spec.Active,
			Calculation:     calc,
		})
		if err != nil {
			return res, fmt.Errorf("concept %s: %w", spec.Code, err)
		}
		byCode[strings.ToLower(c.Code)] = c
		res.ConceptsCreated = append(res.ConceptsCreated, c.Code)
	}

	inactive := false
	for _, spec := range b.Structures {
		from, to, err := spec.effectiveRange()
		if err != nil {
			return res, err
		}
		s, err := m.CreateStructure(ctx, tenantID, payroll.StructureInput{
			Name:          spec.Name,
			Description:   spec.Description,
			PeriodType:    payroll.PeriodType(spec.PeriodType),
			Roles:         spec.Roles,
			Departments:   spec.Departments,
			ContractTypes: spec.ContractTypes,
			EffectiveFrom: from,
			EffectiveTo:   to,
			IsActive:      &inactive,
		})
		if err != nil {
			return res, fmt.Errorf("structure %s: %w", spec.Name, err)
		}

		for _, rs := range spec.Rules {
			c, ok := byCode[strings.ToLower(rs.Concept)]
			if !ok {
				return res, fmt.Errorf("structure %s: %w: %s", spec.Name, payroll.ErrForeignConcept, rs.Concept)
			}
			in, err := rs.input(c.ID)
			if err != nil {
				return res, err
			}
			if _, err := m.CreateRule(ctx, tenantID, s.ID, in); err != nil {
				return res, fmt.Errorf("structure %s rule %s: %w", spec.Name, rs.Concept, err)
			}
		}

		if spec.Activate {
			if s, err = m.Activate(ctx, tenantID, s.ID); err != nil {
				return res, fmt.Errorf("activate %s: %w", spec.Name, err)
			}
		}
		res.Structures = append(res.Structures, s)
	}
	return res, nil
}

// =============================================================================
// EXPORT
// =============================================================================

// Export renders a stored structure and its rules as a bundle. concepts
// resolves rule concept ids to codes.
func Export(s payroll.Structure, rules []payroll.Rule, concepts []payroll.Concept) Bundle {
	byID := make(map[string]payroll.Concept, len(concepts))
	for _, c := range concepts {
		byID[c.ID] = c
	}

	var b Bundle
	used := map[string]bool{}
	spec := StructureSpec{
		Name:          s.Name,
		Description:   s.Description,
		PeriodType:    string(s.PeriodType),
		Roles:         s.Roles,
		Departments:   s.Departments,
		ContractTypes: s.ContractTypes,
		EffectiveFrom: s.EffectiveFrom.Format("2006-01-02"),
		Activate:      s.IsActive,
	}
	if s.EffectiveTo != nil {
		spec.EffectiveTo = s.EffectiveTo.Format("2006-01-02")
	}
	for _, r := range rules {
		c, ok := byID[r.ConceptID]
		code := r.ConceptID
		if ok {
			code = c.Code
		}
		rs := RuleSpec{
			Concept:  code,
			Priority: r.Priority,
			Type:     string(r.CalculationType),
			Formula:  r.Formula,
			Base:     r.BaseConceptCodes,
		}
		if !r.Amount.IsZero() {
			rs.Amount = r.Amount.String()
		}
		if !r.Percentage.IsZero() {
			rs.Percentage = r.Percentage.String()
		}
		if !r.IsActive {
			f := false
			rs.Active = &f
		}
		spec.Rules = append(spec.Rules, rs)

		if ok && !used[c.ID] {
			used[c.ID] = true
			b.Concepts = append(b.Concepts, conceptSpec(c))
		}
	}
	b.Structures = []StructureSpec{spec}
	return b
}

func conceptSpec(c payroll.Concept) ConceptSpec {
	cs := ConceptSpec{
		Code:          c.Code,
		Name:          c.Name,
		Kind:          string(c.Kind),
		DebitAccount:  c.DebitAccountID,
		CreditAccount: c.CreditAccountID,
	}
	if !c.IsActive {
		f := false
		cs.Active = &f
	}
	if calc := c.Calculation; calc != nil {
		cs.Calculation = &CalculationSpec{Method: string(calc.Method), Formula: calc.Formula}
		if !calc.Value.IsZero() {
			cs.Calculation.Value = calc.Value.String()
		}
	}
	return cs
}

// Marshal renders b as YAML.
func Marshal(b Bundle) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// RunEmployees converts the bundle's sample employees into run snapshots.
// Structure pinning is left to structure matching.
func (b Bundle) RunEmployees() ([]payroll.EmployeeSnapshot, error) {
	out := make([]payroll.EmployeeSnapshot, 0, len(b.Employees))
	for _, e := range b.Employees {
		snap := payroll.EmployeeSnapshot{ID: e.ID, Name: e.Name, Position: e.Position, Department: e.Department}
		if e.Contract != nil {
			comp, err := optionalDecimal(e.Contract.Compensation)
			if err != nil {
				return nil, fmt.Errorf("employee %s: %w", e.ID, err)
			}
			hours, err := optionalDecimal(e.Contract.ScheduleHours)
			if err != nil {
				return nil, fmt.Errorf("employee %s: %w", e.ID, err)
			}
			snap.Contract = &payroll.ContractSnapshot{
				ID:                 e.ID + "-contract",
				Active:             !e.Contract.Inactive,
				ContractType:       e.Contract.Type,
				PayFrequency:       e.Contract.Frequency,
				CompensationType:   "salary",
				CompensationAmount: comp,
				ScheduleHours:      hours,
			}
		}
		out = append(out, snap)
	}
	return out, nil
}
