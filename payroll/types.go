/*
Package payroll implements versioned payroll structures and the rule engine
that turns them into line-item breakdowns.

PURPOSE:
  A tenant describes how pay is computed as a STRUCTURE: a set of RULES, each
  producing the amount of one CONCEPT (an earning, a deduction or an employer
  cost). The engine evaluates the rules in priority order and returns the
  entries, totals and net pay. Structures are scoped to roles, departments and
  contract types, are versioned, and only one may be active per scope.

KEY CONCEPTS:
  Concept:    A payroll line type (BASE_PAY, SSO, BONUS...). Tenant scoped,
              code unique per tenant.
  Structure:  Versioned rule set with an applicability scope.
  Rule:       How one concept is computed (fixed, percentage, formula).
  Scope key:  Canonical "roles#departments#contractTypes" fingerprint of a
              structure's applicability. "*" means "any".
  Preview:    Result of evaluating a structure for one base salary.

MONEY:
  All amounts are decimal.Decimal and rounded to 2 places at the end of each
  rule. Floats only appear at the formula boundary.

SEE ALSO:
  - engine.go:    Rule evaluation
  - lifecycle.go: Create / version / activate structures
  - run.go:       Payroll run computation across employees
*/
package payroll

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMS
// =============================================================================

// ConceptKind classifies a concept for totals.
type ConceptKind string

const (
	KindEarning      ConceptKind = "earning"
	KindDeduction    ConceptKind = "deduction"
	KindEmployerCost ConceptKind = "employer_cost"
)

// Valid reports whether k is a known kind.
func (k ConceptKind) Valid() bool {
	switch k {
	case KindEarning, KindDeduction, KindEmployerCost:
		return true
	}
	return false
}

// CalculationType is how a rule computes its raw amount.
type CalculationType string

const (
	CalcFixed      CalculationType = "fixed"
	CalcPercentage CalculationType = "percentage"
	CalcFormula    CalculationType = "formula"
)

func (c CalculationType) Valid() bool {
	switch c {
	case CalcFixed, CalcPercentage, CalcFormula:
		return true
	}
	return false
}

// PeriodType is the pay period a structure is designed for.
type PeriodType string

const (
	PeriodMonthly  PeriodType = "monthly"
	PeriodBiweekly PeriodType = "biweekly"
	PeriodWeekly   PeriodType = "weekly"
	PeriodCustom   PeriodType = "custom"
)

func (p PeriodType) Valid() bool {
	switch p {
	case PeriodMonthly, PeriodBiweekly, PeriodWeekly, PeriodCustom:
		return true
	}
	return false
}

// LegacyMethod is the per-concept calculation used when no structure covers
// the concept.
type LegacyMethod string

const (
	LegacyFixedAmount      LegacyMethod = "fixed_amount"
	LegacyPercentageOfBase LegacyMethod = "percentage_of_base"
	LegacyCustomFormula    LegacyMethod = "custom_formula"
)

// =============================================================================
// CONCEPT
// =============================================================================

// LegacyCalculation is the standalone calculation attached to a concept.
type LegacyCalculation struct {
	Method  LegacyMethod
	Value   decimal.Decimal
	Formula string
}

// Concept is a tenant's payroll line type.
type Concept struct {
	ID              string
	TenantID        string
	Code            string
	Name            string
	Kind            ConceptKind
	DebitAccountID  string
	CreditAccountID string
	IsActive        bool
	Calculation     *LegacyCalculation
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// =============================================================================
// STRUCTURE
// =============================================================================

// Structure is a versioned, scoped rule set.
type Structure struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	PeriodType  PeriodType

	// Applicability. Empty means "applies to all".
	Roles         []string
	Departments   []string
	ContractTypes []string

	// Derived from the applicability sets, see ComputeScope.
	RoleKey         string
	DepartmentKey   string
	ContractTypeKey string
	ScopeKey        string

	EffectiveFrom time.Time
	EffectiveTo   *time.Time

	IsActive      bool
	ActivatedAt   *time.Time
	DeactivatedAt *time.Time

	Version      int
	SupersedesID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scope returns the structure's applicability sets.
func (s Structure) Scope() Scope {
	return Scope{Roles: s.Roles, Departments: s.Departments, ContractTypes: s.ContractTypes}
}

// HasOpenScope reports whether the structure applies to everyone.
func (s Structure) HasOpenScope() bool {
	return len(s.Roles) == 0 && len(s.Departments) == 0 && len(s.ContractTypes) == 0
}

func (s *Structure) applyScope(m ScopeMetadata) {
	s.Roles = m.Roles
	s.Departments = m.Departments
	s.ContractTypes = m.ContractTypes
	s.RoleKey = m.RoleKey
	s.DepartmentKey = m.DepartmentKey
	s.ContractTypeKey = m.ContractTypeKey
	s.ScopeKey = m.ScopeKey
}

// =============================================================================
// RULE
// =============================================================================

// Rule computes one concept inside a structure.
type Rule struct {
	ID              string
	TenantID        string
	StructureID     string
	ConceptID       string
	ConceptKind     ConceptKind
	Priority        int
	CalculationType CalculationType
	Amount          decimal.Decimal
	Percentage      decimal.Decimal
	Formula         string

	// BaseConceptCodes name the concepts (by id or code, optionally prefixed
	// with "concept:") or context fields that form the base of the rule.
	BaseConceptCodes []string

	IsActive  bool
	CreatedAt time.Time
}

// =============================================================================
// HELPERS
// =============================================================================

const conceptPrefix = "concept:"

// stripConceptPrefix removes an optional "concept:" prefix and whitespace.
func stripConceptPrefix(ref string) string {
	ref = strings.TrimSpace(ref)
	return strings.TrimSpace(strings.TrimPrefix(ref, conceptPrefix))
}

var hundred = decimal.NewFromInt(100)

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
