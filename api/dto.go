/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the HTTP API. Domain types carry no JSON
  tags; these types are the external contract and convert to and from the
  payroll package.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Concepts:   ConceptDTO, CreateConceptRequest, UpdateConceptRequest
  Structures: StructureDTO, CreateStructureRequest, UpdateStructureRequest,
              CreateVersionRequest, SuggestionResponse
  Rules:      RuleDTO, CreateRuleRequest, UpdateRuleRequest
  Preview:    PreviewRequest, PreviewDTO
  Runs:       ComputeRunRequest, RunDTO
  Audit:      AuditEntryDTO

MONEY:
  Amounts are decimal.Decimal, serialized as JSON strings ("1234.50").
  Requests accept strings or numbers.

DATES:
  Request dates accept "2006-01-02" or RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	// ExistingID names the structure that owns a conflicting scope.
	ExistingID string `json:"existingId,omitempty"`
}

// =============================================================================
// CONCEPTS
// =============================================================================

// CalculationDTO is a concept's legacy calculation.
type CalculationDTO struct {
	Method  string          `json:"method"`
	Value   decimal.Decimal `json:"value"`
	Formula string          `json:"formula,omitempty"`
}

// ConceptDTO represents a concept in API responses.
type ConceptDTO struct {
	ID              string          `json:"id"`
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	Kind            string          `json:"kind"`
	DebitAccountID  string          `json:"debitAccountId,omitempty"`
	CreditAccountID string          `json:"creditAccountId,omitempty"`
	IsActive        bool            `json:"isActive"`
	Calculation     *CalculationDTO `json:"calculation,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// CreateConceptRequest is the body of POST /concepts.
type CreateConceptRequest struct {
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	Kind            string          `json:"kind"`
	DebitAccountID  string          `json:"debitAccountId"`
	CreditAccountID string          `json:"creditAccountId"`
	IsActive        *bool           `json:"isActive"`
	Calculation     *CalculationDTO `json:"calculation"`
}

// UpdateConceptRequest is the body of PUT /concepts/{id}.
type UpdateConceptRequest struct {
	Name             *string         `json:"name"`
	Kind             *string         `json:"kind"`
	DebitAccountID   *string         `json:"debitAccountId"`
	CreditAccountID  *string         `json:"creditAccountId"`
	IsActive         *bool           `json:"isActive"`
	Calculation      *CalculationDTO `json:"calculation"`
	ClearCalculation bool            `json:"clearCalculation"`
}

func toConceptDTO(c payroll.Concept) ConceptDTO {
	dto := ConceptDTO{
		ID:              c.ID,
		Code:            c.Code,
		Name:            c.Name,
		Kind:            string(c.Kind),
		DebitAccountID:  c.DebitAccountID,
		CreditAccountID: c.CreditAccountID,
		IsActive:        c.IsActive,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if calc := c.Calculation; calc != nil {
		dto.Calculation = &CalculationDTO{Method: string(calc.Method), Value: calc.Value, Formula: calc.Formula}
	}
	return dto
}

func (c *CalculationDTO) toDomain() *payroll.LegacyCalculation {
	if c == nil {
		return nil
	}
	return &payroll.LegacyCalculation{Method: payroll.LegacyMethod(c.Method), Value: c.Value, Formula: c.Formula}
}

func (r CreateConceptRequest) toInput() payroll.ConceptInput {
	return payroll.ConceptInput{
		Code:            r.Code,
		Name:            r.Name,
		Kind:            payroll.ConceptKind(r.Kind),
		DebitAccountID:  r.DebitAccountID,
		CreditAccountID: r.CreditAccountID,
		IsActive:        r.IsActive,
		Calculation:     r.Calculation.toDomain(),
	}
}

func (r UpdateConceptRequest) toUpdate() payroll.ConceptUpdate {
	up := payroll.ConceptUpdate{
		Name:            r.Name,
		DebitAccountID:  r.DebitAccountID,
		CreditAccountID: r.CreditAccountID,
		IsActive:        r.IsActive,
		Calculation:     r.Calculation.toDomain(),
		ClearCalc:       r.ClearCalculation,
	}
	if r.Kind != nil {
		k := payroll.ConceptKind(*r.Kind)
		up.Kind = &k
	}
	return up
}

// =============================================================================
// STRUCTURES
// =============================================================================

// StructureDTO represents a structure in API responses.
type StructureDTO struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	PeriodType    string     `json:"periodType"`
	Roles         []string   `json:"roles"`
	Departments   []string   `json:"departments"`
	ContractTypes []string   `json:"contractTypes"`
	ScopeKey      string     `json:"scopeKey"`
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
	IsActive      bool       `json:"isActive"`
	ActivatedAt   *time.Time `json:"activatedAt,omitempty"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
	Version       int        `json:"version"`
	SupersedesID  string     `json:"supersedesId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CreateStructureRequest is the body of POST /structures.
type CreateStructureRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	PeriodType    string   `json:"periodType"`
	Roles         []string `json:"roles"`
	Departments   []string `json:"departments"`
	ContractTypes []string `json:"contractTypes"`
	EffectiveFrom string   `json:"effectiveFrom"`
	EffectiveTo   string   `json:"effectiveTo"`
	IsActive      *bool    `json:"isActive"`
}

// UpdateStructureRequest is the body of PUT /structures/{id} and the
// overrides of POST /structures/{id}/versions.
type UpdateStructureRequest struct {
	Name             *string   `json:"name"`
	Description      *string   `json:"description"`
	PeriodType       *string   `json:"periodType"`
	Roles            *[]string `json:"roles"`
	Departments      *[]string `json:"departments"`
	ContractTypes    *[]string `json:"contractTypes"`
	EffectiveFrom    *string   `json:"effectiveFrom"`
	EffectiveTo      *string   `json:"effectiveTo"`
	ClearEffectiveTo bool      `json:"clearEffectiveTo"`
}

// CreateVersionRequest is the body of POST /structures/{id}/versions.
type CreateVersionRequest struct {
	UpdateStructureRequest
	SkipRules bool `json:"skipRules"`
}

func toStructureDTO(s payroll.Structure) StructureDTO {
	return StructureDTO{
		ID:            s.ID,
		Name:          s.Name,
		Description:   s.Description,
		PeriodType:    string(s.PeriodType),
		Roles:         nonNil(s.Roles),
		Departments:   nonNil(s.Departments),
		ContractTypes: nonNil(s.ContractTypes),
		ScopeKey:      s.ScopeKey,
		EffectiveFrom: s.EffectiveFrom,
		EffectiveTo:   s.EffectiveTo,
		IsActive:      s.IsActive,
		ActivatedAt:   s.ActivatedAt,
		DeactivatedAt: s.DeactivatedAt,
		Version:       s.Version,
		SupersedesID:  s.SupersedesID,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func (r CreateStructureRequest) toInput() (payroll.StructureInput, error) {
	from, err := optionalDate(r.EffectiveFrom)
	if err != nil {
		return payroll.StructureInput{}, fmt.Errorf("effectiveFrom: %w", err)
	}
	to, err := optionalDate(r.EffectiveTo)
	if err != nil {
		return payroll.StructureInput{}, fmt.Errorf("effectiveTo: %w", err)
	}
	return payroll.StructureInput{
		Name:          r.Name,
		Description:   r.Description,
		PeriodType:    payroll.PeriodType(r.PeriodType),
		Roles:         r.Roles,
		Departments:   r.Departments,
		ContractTypes: r.ContractTypes,
		EffectiveFrom: from,
		EffectiveTo:   to,
		IsActive:      r.IsActive,
	}, nil
}

func (r UpdateStructureRequest) toUpdate() (payroll.StructureUpdate, error) {
	up := payroll.StructureUpdate{
		Name:             r.Name,
		Description:      r.Description,
		Roles:            r.Roles,
		Departments:      r.Departments,
		ContractTypes:    r.ContractTypes,
		ClearEffectiveTo: r.ClearEffectiveTo,
	}
	if r.PeriodType != nil {
		p := payroll.PeriodType(*r.PeriodType)
		up.PeriodType = &p
	}
	if r.EffectiveFrom != nil {
		t, err := parseDate(*r.EffectiveFrom)
		if err != nil {
			return up, fmt.Errorf("effectiveFrom: %w", err)
		}
		up.EffectiveFrom = &t
	}
	if r.EffectiveTo != nil {
		t, err := parseDate(*r.EffectiveTo)
		if err != nil {
			return up, fmt.Errorf("effectiveTo: %w", err)
		}
		up.EffectiveTo = &t
	}
	return up, nil
}

// SuggestionDTO is one ranked candidate.
type SuggestionDTO struct {
	Structure     StructureDTO `json:"structure"`
	Score         int          `json:"score"`
	IsFallback    bool         `json:"isFallback"`
	MatchedFields []string     `json:"matchedFields"`
}

// SuggestionResponse is the body of GET /structures/suggestions.
type SuggestionResponse struct {
	Filters     map[string]string `json:"filters"`
	Total       int               `json:"total"`
	Suggestions []SuggestionDTO   `json:"suggestions"`
}

func toSuggestionResponse(res payroll.SuggestionResult) SuggestionResponse {
	out := SuggestionResponse{
		Filters: map[string]string{
			"role":         res.Filters.Role,
			"department":   res.Filters.Department,
			"contractType": res.Filters.ContractType,
		},
		Total:       res.Total,
		Suggestions: make([]SuggestionDTO, 0, len(res.Suggestions)),
	}
	for _, s := range res.Suggestions {
		fields := []string{}
		if s.Match.Roles {
			fields = append(fields, "role")
		}
		if s.Match.Departments {
			fields = append(fields, "department")
		}
		if s.Match.ContractTypes {
			fields = append(fields, "contractType")
		}
		out.Suggestions = append(out.Suggestions, SuggestionDTO{
			Structure:     toStructureDTO(s.Structure),
			Score:         s.Score,
			IsFallback:    s.IsFallback,
			MatchedFields: fields,
		})
	}
	return out
}

// =============================================================================
// RULES
// =============================================================================

// RuleDTO represents a rule in API responses.
type RuleDTO struct {
	ID               string          `json:"id"`
	StructureID      string          `json:"structureId"`
	ConceptID        string          `json:"conceptId"`
	ConceptKind      string          `json:"conceptKind"`
	Priority         int             `json:"priority"`
	CalculationType  string          `json:"calculationType"`
	Amount           decimal.Decimal `json:"amount"`
	Percentage       decimal.Decimal `json:"percentage"`
	Formula          string          `json:"formula,omitempty"`
	BaseConceptCodes []string        `json:"baseConceptCodes"`
	IsActive         bool            `json:"isActive"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// CreateRuleRequest is the body of POST /structures/{id}/rules.
type CreateRuleRequest struct {
	ConceptID        string          `json:"conceptId"`
	Priority         int             `json:"priority"`
	CalculationType  string          `json:"calculationType"`
	Amount           decimal.Decimal `json:"amount"`
	Percentage       decimal.Decimal `json:"percentage"`
	Formula          string          `json:"formula"`
	BaseConceptCodes []string        `json:"baseConceptCodes"`
	IsActive         *bool           `json:"isActive"`
}

// UpdateRuleRequest is the body of PUT /structures/{id}/rules/{ruleId}.
type UpdateRuleRequest struct {
	ConceptID        *string          `json:"conceptId"`
	Priority         *int             `json:"priority"`
	CalculationType  *string          `json:"calculationType"`
	Amount           *decimal.Decimal `json:"amount"`
	Percentage       *decimal.Decimal `json:"percentage"`
	Formula          *string          `json:"formula"`
	BaseConceptCodes *[]string        `json:"baseConceptCodes"`
	IsActive         *bool            `json:"isActive"`
}

func toRuleDTO(r payroll.Rule) RuleDTO {
	return RuleDTO{
		ID:               r.ID,
		StructureID:      r.StructureID,
		ConceptID:        r.ConceptID,
		ConceptKind:      string(r.ConceptKind),
		Priority:         r.Priority,
		CalculationType:  string(r.CalculationType),
		Amount:           r.Amount,
		Percentage:       r.Percentage,
		Formula:          r.Formula,
		BaseConceptCodes: nonNil(r.BaseConceptCodes),
		IsActive:         r.IsActive,
		CreatedAt:        r.CreatedAt,
	}
}

func (r CreateRuleRequest) toInput() payroll.RuleInput {
	return payroll.RuleInput{
		ConceptID:        r.ConceptID,
		Priority:         r.Priority,
		CalculationType:  payroll.CalculationType(r.CalculationType),
		Amount:           r.Amount,
		Percentage:       r.Percentage,
		Formula:          r.Formula,
		BaseConceptCodes: r.BaseConceptCodes,
		IsActive:         r.IsActive,
	}
}

func (r UpdateRuleRequest) toUpdate() payroll.RuleUpdate {
	up := payroll.RuleUpdate{
		ConceptID:        r.ConceptID,
		Priority:         r.Priority,
		Amount:           r.Amount,
		Percentage:       r.Percentage,
		Formula:          r.Formula,
		BaseConceptCodes: r.BaseConceptCodes,
		IsActive:         r.IsActive,
	}
	if r.CalculationType != nil {
		ct := payroll.CalculationType(*r.CalculationType)
		up.CalculationType = &ct
	}
	return up
}

// ReferenceIssueDTO is one unresolved base reference.
type ReferenceIssueDTO struct {
	RuleID      string   `json:"ruleId"`
	ConceptID   string   `json:"conceptId"`
	Priority    int      `json:"priority"`
	Reference   string   `json:"reference"`
	Reason      string   `json:"reason"`
	Suggestions []string `json:"suggestions"`
}

// =============================================================================
// PREVIEW
// =============================================================================

// PreviewRequest is the body of POST /structures/{id}/preview.
type PreviewRequest struct {
	BaseSalary decimal.Decimal `json:"baseSalary"`
	BaseAmount decimal.Decimal `json:"baseAmount"`
	Context    map[string]any  `json:"context"`
	Label      string          `json:"label"`
	Metadata   map[string]any  `json:"metadata"`
}

// EntryDTO is one computed preview line.
type EntryDTO struct {
	RuleID            string           `json:"ruleId"`
	ConceptID         string           `json:"conceptId"`
	ConceptCode       string           `json:"conceptCode"`
	ConceptName       string           `json:"conceptName"`
	Kind              string           `json:"kind"`
	CalculationType   string           `json:"calculationType"`
	Priority          int              `json:"priority"`
	Amount            decimal.Decimal  `json:"amount"`
	BaseAmount        decimal.Decimal  `json:"baseAmount"`
	AppliedPercentage *decimal.Decimal `json:"appliedPercentage,omitempty"`
	References        []string         `json:"references"`
	FallbackUsed      bool             `json:"fallbackUsed"`
	Reason            string           `json:"reason,omitempty"`
}

// TotalsDTO are preview totals.
type TotalsDTO struct {
	Earnings      decimal.Decimal `json:"earnings"`
	Deductions    decimal.Decimal `json:"deductions"`
	EmployerCosts decimal.Decimal `json:"employerCosts"`
	NetPay        decimal.Decimal `json:"netPay"`
}

// RuleLogDTO explains one rule's evaluation.
type RuleLogDTO struct {
	RuleID            string          `json:"ruleId"`
	ConceptID         string          `json:"conceptId"`
	Kind              string          `json:"kind"`
	CalculationType   string          `json:"calculationType"`
	Priority          int             `json:"priority"`
	BaseAmount        decimal.Decimal `json:"baseAmount"`
	Amount            decimal.Decimal `json:"amount"`
	Skipped           bool            `json:"skipped"`
	Reason            string          `json:"reason,omitempty"`
	References        []string        `json:"references"`
	MissingReferences []string        `json:"missingReferences,omitempty"`
	FallbackUsed      bool            `json:"fallbackUsed"`
	Error             string          `json:"error,omitempty"`
}

// PreviewDTO is the response of a preview.
type PreviewDTO struct {
	StructureID      string       `json:"structureId"`
	StructureVersion int          `json:"structureVersion"`
	Entries          []EntryDTO   `json:"entries"`
	Totals           TotalsDTO    `json:"totals"`
	Logs             []RuleLogDTO `json:"logs"`
}

func toTotalsDTO(t payroll.Totals) TotalsDTO {
	return TotalsDTO{Earnings: t.Earnings, Deductions: t.Deductions, EmployerCosts: t.EmployerCosts, NetPay: t.NetPay}
}

func toRuleLogDTOs(logs []payroll.RuleLog) []RuleLogDTO {
	out := make([]RuleLogDTO, 0, len(logs))
	for _, l := range logs {
		out = append(out, RuleLogDTO{
			RuleID:            l.RuleID,
			ConceptID:         l.ConceptID,
			Kind:              string(l.Kind),
			CalculationType:   string(l.CalculationType),
			Priority:          l.Priority,
			BaseAmount:        l.BaseAmount,
			Amount:            l.Amount,
			Skipped:           l.Skipped,
			Reason:            l.Reason,
			References:        nonNil(l.References),
			MissingReferences: l.MissingReferences,
			FallbackUsed:      l.FallbackUsed,
			Error:             l.Error,
		})
	}
	return out
}

func toPreviewDTO(p payroll.Preview) PreviewDTO {
	dto := PreviewDTO{
		StructureID:      p.StructureID,
		StructureVersion: p.StructureVersion,
		Entries:          make([]EntryDTO, 0, len(p.Entries)),
		Totals:           toTotalsDTO(p.Totals),
		Logs:             toRuleLogDTOs(p.Logs),
	}
	for _, e := range p.Entries {
		dto.Entries = append(dto.Entries, EntryDTO{
			RuleID:            e.RuleID,
			ConceptID:         e.ConceptID,
			ConceptCode:       e.ConceptCode,
			ConceptName:       e.ConceptName,
			Kind:              string(e.Kind),
			CalculationType:   string(e.CalculationType),
			Priority:          e.Priority,
			Amount:            e.Amount,
			BaseAmount:        e.BaseAmount,
			AppliedPercentage: e.AppliedPercentage,
			References:        nonNil(e.References),
			FallbackUsed:      e.FallbackUsed,
			Reason:            e.Reason,
		})
	}
	return dto
}

// =============================================================================
// RUNS
// =============================================================================

// ContractDTO is the contract of a run employee.
type ContractDTO struct {
	ID                 string          `json:"id"`
	Active             *bool           `json:"active"`
	ContractType       string          `json:"contractType"`
	PayFrequency       string          `json:"payFrequency"`
	CompensationType   string          `json:"compensationType"`
	CompensationAmount decimal.Decimal `json:"compensationAmount"`
	StructureID        string          `json:"structureId"`
	BenefitsTotal      decimal.Decimal `json:"benefitsTotal"`
	DeductionsTotal    decimal.Decimal `json:"deductionsTotal"`
	ScheduleHours      decimal.Decimal `json:"scheduleHours"`
}

// RunEmployeeDTO is one employee of a run request.
type RunEmployeeDTO struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Position   string       `json:"position"`
	Department string       `json:"department"`
	Contract   *ContractDTO `json:"contract"`
}

// ComputeRunRequest is the body of POST /runs.
type ComputeRunRequest struct {
	PeriodStart string           `json:"periodStart"`
	PeriodEnd   string           `json:"periodEnd"`
	Label       string           `json:"label"`
	Employees   []RunEmployeeDTO `json:"employees"`
	// RequireFullCoverage rejects the run unless every computed employee
	// used a structure (period close).
	RequireFullCoverage bool `json:"requireFullCoverage"`
	// Archive hands the run to the configured archiver.
	Archive bool `json:"archive"`
}

func (r ComputeRunRequest) toRequest(tenantID string) (payroll.RunRequest, error) {
	start, err := parseDate(r.PeriodStart)
	if err != nil {
		return payroll.RunRequest{}, fmt.Errorf("periodStart: %w", err)
	}
	end, err := parseDate(r.PeriodEnd)
	if err != nil {
		return payroll.RunRequest{}, fmt.Errorf("periodEnd: %w", err)
	}
	req := payroll.RunRequest{TenantID: tenantID, PeriodStart: start, PeriodEnd: end, Label: r.Label}
	for _, e := range r.Employees {
		snap := payroll.EmployeeSnapshot{ID: e.ID, Name: e.Name, Position: e.Position, Department: e.Department}
		if c := e.Contract; c != nil {
			snap.Contract = &payroll.ContractSnapshot{
				ID:                 c.ID,
				Active:             c.Active == nil || *c.Active,
				ContractType:       c.ContractType,
				PayFrequency:       c.PayFrequency,
				CompensationType:   c.CompensationType,
				CompensationAmount: c.CompensationAmount,
				StructureID:        c.StructureID,
				BenefitsTotal:      c.BenefitsTotal,
				DeductionsTotal:    c.DeductionsTotal,
				ScheduleHours:      c.ScheduleHours,
			}
		}
		req.Employees = append(req.Employees, snap)
	}
	return req, nil
}

// BreakdownDTO explains one run entry.
type BreakdownDTO struct {
	Source            string           `json:"source"`
	StructureID       string           `json:"structureId,omitempty"`
	StructureVersion  int              `json:"structureVersion,omitempty"`
	RulePriority      int              `json:"rulePriority,omitempty"`
	CalculationType   string           `json:"calculationType"`
	BaseAmount        decimal.Decimal  `json:"baseAmount"`
	AppliedPercentage *decimal.Decimal `json:"appliedPercentage,omitempty"`
}

// RunEntryDTO is one run line.
type RunEntryDTO struct {
	EmployeeID      string          `json:"employeeId"`
	ContractID      string          `json:"contractId"`
	EmployeeName    string          `json:"employeeName"`
	Department      string          `json:"department,omitempty"`
	ConceptID       string          `json:"conceptId"`
	ConceptCode     string          `json:"conceptCode"`
	ConceptName     string          `json:"conceptName"`
	Kind            string          `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	DebitAccountID  string          `json:"debitAccountId,omitempty"`
	CreditAccountID string          `json:"creditAccountId,omitempty"`
	Breakdown       BreakdownDTO    `json:"breakdown"`
}

// EmployeeLineDTO is the per-employee line of a run.
type EmployeeLineDTO struct {
	EmployeeID       string          `json:"employeeId"`
	EmployeeName     string          `json:"employeeName"`
	Department       string          `json:"department,omitempty"`
	BaseAmount       decimal.Decimal `json:"baseAmount"`
	UsedStructure    bool            `json:"usedStructure"`
	StructureID      string          `json:"structureId,omitempty"`
	StructureVersion int             `json:"structureVersion,omitempty"`
	Earnings         []RunEntryDTO   `json:"earnings"`
	Deductions       []RunEntryDTO   `json:"deductions"`
	EmployerCosts    []RunEntryDTO   `json:"employerCosts"`
	GrossPay         decimal.Decimal `json:"grossPay"`
	TotalDeductions  decimal.Decimal `json:"totalDeductions"`
	TotalEmployer    decimal.Decimal `json:"totalEmployerCosts"`
	NetPay           decimal.Decimal `json:"netPay"`
	PreviewTotals    *TotalsDTO      `json:"previewTotals,omitempty"`
	Logs             []RuleLogDTO    `json:"logs,omitempty"`
}

// StructureUsageDTO is one structure of the coverage summary.
type StructureUsageDTO struct {
	StructureID   string   `json:"structureId"`
	Version       int      `json:"version"`
	Name          string   `json:"name"`
	PeriodType    string   `json:"periodType"`
	Roles         []string `json:"roles"`
	Departments   []string `json:"departments"`
	ContractTypes []string `json:"contractTypes"`
	Employees     int      `json:"employees"`
}

// StructureSummaryDTO is the coverage summary of a run.
type StructureSummaryDTO struct {
	TotalEmployees      int                 `json:"totalEmployees"`
	StructuredEmployees int                 `json:"structuredEmployees"`
	LegacyEmployees     int                 `json:"legacyEmployees"`
	CoveragePercent     int                 `json:"coveragePercent"`
	Structures          []StructureUsageDTO `json:"structures"`
}

// SkippedDTO is an employee left out of a run.
type SkippedDTO struct {
	EmployeeID string `json:"employeeId"`
	Reason     string `json:"reason"`
}

// RunTotalsDTO are run totals.
type RunTotalsDTO struct {
	GrossPay      decimal.Decimal `json:"grossPay"`
	Deductions    decimal.Decimal `json:"deductions"`
	EmployerCosts decimal.Decimal `json:"employerCosts"`
	NetPay        decimal.Decimal `json:"netPay"`
}

// RunDTO is the response of POST /runs.
type RunDTO struct {
	ID          string              `json:"id"`
	Label       string              `json:"label,omitempty"`
	PeriodStart time.Time           `json:"periodStart"`
	PeriodEnd   time.Time           `json:"periodEnd"`
	ComputedAt  time.Time           `json:"computedAt"`
	Entries     []RunEntryDTO       `json:"entries"`
	Lines       []EmployeeLineDTO   `json:"lines"`
	Skipped     []SkippedDTO        `json:"skipped"`
	Totals      RunTotalsDTO        `json:"totals"`
	Summary     StructureSummaryDTO `json:"structureSummary"`
	ArchiveKey  string              `json:"archiveKey,omitempty"`
}

func toRunEntryDTO(e payroll.RunEntry) RunEntryDTO {
	return RunEntryDTO{
		EmployeeID:      e.EmployeeID,
		ContractID:      e.ContractID,
		EmployeeName:    e.EmployeeName,
		Department:      e.Department,
		ConceptID:       e.ConceptID,
		ConceptCode:     e.ConceptCode,
		ConceptName:     e.ConceptName,
		Kind:            string(e.Kind),
		Amount:          e.Amount,
		DebitAccountID:  e.DebitAccountID,
		CreditAccountID: e.CreditAccountID,
		Breakdown: BreakdownDTO{
			Source:            string(e.Breakdown.Source),
			StructureID:       e.Breakdown.StructureID,
			StructureVersion:  e.Breakdown.StructureVersion,
			RulePriority:      e.Breakdown.RulePriority,
			CalculationType:   e.Breakdown.CalculationType,
			BaseAmount:        e.Breakdown.BaseAmount,
			AppliedPercentage: e.Breakdown.AppliedPercentage,
		},
	}
}

func toRunDTO(run payroll.Run) RunDTO {
	dto := RunDTO{
		ID:          run.ID,
		Label:       run.Label,
		PeriodStart: run.PeriodStart,
		PeriodEnd:   run.PeriodEnd,
		ComputedAt:  run.ComputedAt,
		Entries:     make([]RunEntryDTO, 0, len(run.Entries)),
		Lines:       make([]EmployeeLineDTO, 0, len(run.Employees)),
		Skipped:     make([]SkippedDTO, 0, len(run.Skipped)),
		Totals: RunTotalsDTO{
			GrossPay:      run.Totals.GrossPay,
			Deductions:    run.Totals.Deductions,
			EmployerCosts: run.Totals.EmployerCosts,
			NetPay:        run.Totals.NetPay,
		},
		Summary: StructureSummaryDTO{
			TotalEmployees:      run.Summary.TotalEmployees,
			StructuredEmployees: run.Summary.StructuredEmployees,
			LegacyEmployees:     run.Summary.LegacyEmployees,
			CoveragePercent:     run.Summary.CoveragePercent,
			Structures:          make([]StructureUsageDTO, 0, len(run.Summary.Structures)),
		},
	}
	for _, e := range run.Entries {
		dto.Entries = append(dto.Entries, toRunEntryDTO(e))
	}
	for _, emp := range run.Employees {
		line := EmployeeLineDTO{
			EmployeeID:       emp.EmployeeID,
			EmployeeName:     emp.EmployeeName,
			Department:       emp.Department,
			BaseAmount:       emp.BaseAmount,
			UsedStructure:    emp.UsedStructure,
			StructureID:      emp.StructureID,
			StructureVersion: emp.StructureVersion,
			Earnings:         []RunEntryDTO{},
			Deductions:       []RunEntryDTO{},
			EmployerCosts:    []RunEntryDTO{},
			GrossPay:         emp.GrossPay,
			TotalDeductions:  emp.Deductions,
			TotalEmployer:    emp.EmployerCosts,
			NetPay:           emp.NetPay,
		}
		if emp.PreviewTotals != nil {
			t := toTotalsDTO(*emp.PreviewTotals)
			line.PreviewTotals = &t
		}
		if len(emp.Logs) > 0 {
			line.Logs = toRuleLogDTOs(emp.Logs)
		}
		for _, e := range emp.Entries {
			switch e.Kind {
			case payroll.KindEarning:
				line.Earnings = append(line.Earnings, toRunEntryDTO(e))
			case payroll.KindDeduction:
				line.Deductions = append(line.Deductions, toRunEntryDTO(e))
			default:
				line.EmployerCosts = append(line.EmployerCosts, toRunEntryDTO(e))
			}
		}
		dto.Lines = append(dto.Lines, line)
	}
	for _, s := range run.Skipped {
		dto.Skipped = append(dto.Skipped, SkippedDTO{EmployeeID: s.EmployeeID, Reason: s.Reason})
	}
	for _, u := range run.Summary.Structures {
		dto.Summary.Structures = append(dto.Summary.Structures, StructureUsageDTO{
			StructureID:   u.StructureID,
			Version:       u.Version,
			Name:          u.Name,
			PeriodType:    string(u.PeriodType),
			Roles:         nonNil(u.Roles),
			Departments:   nonNil(u.Departments),
			ContractTypes: nonNil(u.ContractTypes),
			Employees:     u.Employees,
		})
	}
	return dto
}

// =============================================================================
// AUDIT & SCENARIOS
// =============================================================================

// AuditEntryDTO represents an audit entry.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entityId"`
	Action    string         `json:"action"`
	Before    any            `json:"before,omitempty"`
	After     any            `json:"after,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LoadScenarioResponse is the response of loading a demo scenario.
type LoadScenarioResponse struct {
	ScenarioID      string         `json:"scenarioId"`
	ConceptsCreated []string       `json:"conceptsCreated"`
	ConceptsReused  []string       `json:"conceptsReused"`
	Structures      []StructureDTO `json:"structures"`
	Run             *RunDTO        `json:"run,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t.UTC(), nil
}

func optionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
