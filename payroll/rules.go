package payroll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/metrics"
)

// =============================================================================
// CONCEPTS
// =============================================================================

// ConceptInput creates a concept.
type ConceptInput struct {
	Code            string
	Name            string
	Kind            ConceptKind
	DebitAccountID  string
	CreditAccountID string
	IsActive        *bool
	Calculation     *LegacyCalculation
}

// ConceptUpdate patches a concept. Nil fields are left unchanged.
type ConceptUpdate struct {
	Name            *string
	Kind            *ConceptKind
	DebitAccountID  *string
	CreditAccountID *string
	IsActive        *bool
	Calculation     *LegacyCalculation
	ClearCalc       bool
}

// CreateConcept registers a concept. Codes are unique per tenant.
func (m *Manager) CreateConcept(ctx context.Context, tenantID string, in ConceptInput) (Concept, error) {
	now := m.clock()
	c := Concept{
		ID:              m.newID(),
		TenantID:        tenantID,
		Code:            strings.TrimSpace(in.Code),
		Name:            strings.TrimSpace(in.Name),
		Kind:            in.Kind,
		DebitAccountID:  in.DebitAccountID,
		CreditAccountID: in.CreditAccountID,
		IsActive:        in.IsActive == nil || *in.IsActive,
		Calculation:     in.Calculation,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.validateConcept(c); err != nil {
		return Concept{}, err
	}
	if err := m.store.SaveConcept(ctx, c); err != nil {
		return Concept{}, err
	}
	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityConcept, EntityID: c.ID, Action: AuditCreated, After: c})
	return c, nil
}

// UpdateConcept patches a concept. The code is immutable.
func (m *Manager) UpdateConcept(ctx context.Context, tenantID, id string, up ConceptUpdate) (Concept, error) {
	before, err := m.store.GetConcept(ctx, tenantID, id)
	if err != nil {
		return Concept{}, err
	}
	c := before
	if up.Name != nil {
		c.Name = strings.TrimSpace(*up.Name)
	}
	if up.Kind != nil {
		c.Kind = *up.Kind
	}
	if up.DebitAccountID != nil {
		c.DebitAccountID = *up.DebitAccountID
	}
	if up.CreditAccountID != nil {
		c.CreditAccountID = *up.CreditAccountID
	}
	if up.IsActive != nil {
		c.IsActive = *up.IsActive
	}
	if up.ClearCalc {
		c.Calculation = nil
	} else if up.Calculation != nil {
		c.Calculation = up.Calculation
	}
	c.UpdatedAt = m.clock()
	if err := m.validateConcept(c); err != nil {
		return Concept{}, err
	}
	if err := m.store.SaveConcept(ctx, c); err != nil {
		return Concept{}, err
	}
	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityConcept, EntityID: id, Action: AuditUpdated, Before: before, After: c})
	return c, nil
}

// GetConcept returns a concept.
func (m *Manager) GetConcept(ctx context.Context, tenantID, id string) (Concept, error) {
	return m.store.GetConcept(ctx, tenantID, id)
}

// ListConcepts returns the tenant's concepts.
func (m *Manager) ListConcepts(ctx context.Context, tenantID string) ([]Concept, error) {
	return m.store.ListConcepts(ctx, tenantID)
}

func (m *Manager) validateConcept(c Concept) error {
	if c.Code == "" {
		return validationf("concept code is required")
	}
	if c.Name == "" {
		return validationf("concept name is required")
	}
	if !c.Kind.Valid() {
		return validationf("unknown concept kind %q", c.Kind)
	}
	if calc := c.Calculation; calc != nil {
		switch calc.Method {
		case LegacyFixedAmount, LegacyPercentageOfBase:
		case LegacyCustomFormula:
			if err := m.engine.Formulas().Compile(calc.Formula); err != nil {
				return validationf("concept formula: %v", err)
			}
		default:
			return validationf("unknown calculation method %q", calc.Method)
		}
	}
	return nil
}

// =============================================================================
// RULES
// =============================================================================

// RuleInput creates a rule.
type RuleInput struct {
	ConceptID        string
	Priority         int
	CalculationType  CalculationType
	Amount           decimal.Decimal
	Percentage       decimal.Decimal
	Formula          string
	BaseConceptCodes []string
	IsActive         *bool
}

// RuleUpdate patches a rule. Nil fields are left unchanged.
type RuleUpdate struct {
	ConceptID        *string
	Priority         *int
	CalculationType  *CalculationType
	Amount           *decimal.Decimal
	Percentage       *decimal.Decimal
	Formula          *string
	BaseConceptCodes *[]string
	IsActive         *bool
}

// ListRules returns a structure's rules by priority, then creation time.
func (m *Manager) ListRules(ctx context.Context, tenantID, structureID string) ([]Rule, error) {
	if _, err := m.store.GetStructure(ctx, tenantID, structureID); err != nil {
		return nil, err
	}
	rules, err := m.store.ListRules(ctx, tenantID, structureID)
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	return rules, nil
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}

// CreateRule adds a rule. The concept must belong to the tenant. Adding a
// rule to an active structure must keep it balanced.
func (m *Manager) CreateRule(ctx context.Context, tenantID, structureID string, in RuleInput) (Rule, error) {
	r := Rule{
		ID:               m.newID(),
		TenantID:         tenantID,
		StructureID:      structureID,
		ConceptID:        strings.TrimSpace(in.ConceptID),
		Priority:         in.Priority,
		CalculationType:  in.CalculationType,
		Amount:           in.Amount,
		Percentage:       in.Percentage,
		Formula:          in.Formula,
		BaseConceptCodes: normalizeRefs(in.BaseConceptCodes),
		IsActive:         in.IsActive == nil || *in.IsActive,
		CreatedAt:        m.clock(),
	}
	err := m.mutateRules(ctx, tenantID, structureID, func(tx Store, s Structure) error {
		if err := m.prepareRule(ctx, tx, &r); err != nil {
			return err
		}
		return tx.SaveRule(ctx, r)
	})
	if err != nil {
		return Rule{}, err
	}
	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityRule, EntityID: r.ID, Action: AuditCreated, After: r,
		Metadata: map[string]any{"structureId": structureID}})
	return r, nil
}

// UpdateRule patches a rule.
func (m *Manager) UpdateRule(ctx context.Context, tenantID, structureID, ruleID string, up RuleUpdate) (Rule, error) {
	var before, r Rule
	err := m.mutateRules(ctx, tenantID, structureID, func(tx Store, s Structure) error {
		var err error
		before, err = tx.GetRule(ctx, tenantID, structureID, ruleID)
		if err != nil {
			return err
		}
		r = before
		if up.ConceptID != nil {
			r.ConceptID = strings.TrimSpace(*up.ConceptID)
		}
		if up.Priority != nil {
			r.Priority = *up.Priority
		}
		if up.CalculationType != nil {
			r.CalculationType = *up.CalculationType
		}
		if up.Amount != nil {
			r.Amount = *up.Amount
		}
		if up.Percentage != nil {
			r.Percentage = *up.Percentage
		}
		if up.Formula != nil {
			r.Formula = *up.Formula
		}
		if up.BaseConceptCodes != nil {
			r.BaseConceptCodes = normalizeRefs(*up.BaseConceptCodes)
		}
		if up.IsActive != nil {
			r.IsActive = *up.IsActive
		}
		if err := m.prepareRule(ctx, tx, &r); err != nil {
			return err
		}
		return tx.SaveRule(ctx, r)
	})
	if err != nil {
		return Rule{}, err
	}
	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityRule, EntityID: r.ID, Action: AuditUpdated, Before: before, After: r,
		Metadata: map[string]any{"structureId": structureID}})
	return r, nil
}

// DeleteRule removes a rule.
func (m *Manager) DeleteRule(ctx context.Context, tenantID, structureID, ruleID string) error {
	var before Rule
	err := m.mutateRules(ctx, tenantID, structureID, func(tx Store, s Structure) error {
		var err error
		before, err = tx.GetRule(ctx, tenantID, structureID, ruleID)
		if err != nil {
			return err
		}
		return tx.DeleteRule(ctx, tenantID, structureID, ruleID)
	})
	if err != nil {
		return err
	}
	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityRule, EntityID: ruleID, Action: AuditDeleted, Before: before,
		Metadata: map[string]any{"structureId": structureID}})
	return nil
}

// mutateRules runs fn in a transaction and, when the structure is active,
// re-validates its balance before committing.
func (m *Manager) mutateRules(ctx context.Context, tenantID, structureID string, fn func(tx Store, s Structure) error) (err error) {
	defer func() { metrics.ObserveStructureMutation("rules", metrics.Result(err)) }()

	s, err := m.store.GetStructure(ctx, tenantID, structureID)
	if err != nil {
		return err
	}
	unlock := m.locks.lock(tenantID, s.ScopeKey)
	defer unlock()

	return m.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetStructure(ctx, tenantID, structureID)
		if err != nil {
			return err
		}
		if err := fn(tx, current); err != nil {
			return err
		}
		if !current.IsActive {
			return nil
		}
		return m.validateBalance(ctx, tx, current)
	})
}

// prepareRule validates r and copies the concept kind onto it.
func (m *Manager) prepareRule(ctx context.Context, tx Store, r *Rule) error {
	if r.ConceptID == "" {
		return validationf("conceptId is required")
	}
	if !r.CalculationType.Valid() {
		return validationf("unknown calculation type %q", r.CalculationType)
	}
	c, err := tx.GetConcept(ctx, r.TenantID, r.ConceptID)
	if errors.Is(err, ErrConceptNotFound) {
		return fmt.Errorf("%w: %s", ErrForeignConcept, r.ConceptID)
	}
	if err != nil {
		return err
	}
	r.ConceptKind = c.Kind
	if r.CalculationType == CalcFormula {
		if err := m.engine.Formulas().Compile(r.Formula); err != nil {
			return validationf("formula: %v", err)
		}
	}
	return nil
}

func normalizeRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// PREVIEW
// =============================================================================

// PreviewInput evaluates a structure for an ad-hoc employee context.
type PreviewInput struct {
	EvaluationInput
	Label    string
	Metadata map[string]any
}

// PreviewStructure evaluates a stored structure and records an audit entry
// describing the preview.
func (m *Manager) PreviewStructure(ctx context.Context, tenantID, structureID string, in PreviewInput) (Preview, error) {
	s, err := m.store.GetStructure(ctx, tenantID, structureID)
	if err != nil {
		return Preview{}, err
	}
	rules, err := m.store.ListRules(ctx, tenantID, structureID)
	if err != nil {
		return Preview{}, fmt.Errorf("list rules: %w", err)
	}
	concepts, err := conceptMap(ctx, m.store, tenantID)
	if err != nil {
		return Preview{}, err
	}

	start := time.Now()
	p, err := m.engine.Evaluate(s, rules, concepts, in.EvaluationInput, true)
	if err != nil {
		return Preview{}, err
	}
	metrics.ObserveEvaluation("preview", time.Since(start), logReasons(p.Logs))

	m.recordAudit(ctx, AuditEntry{
		TenantID: tenantID,
		Entity:   EntityStructurePreview,
		EntityID: structureID,
		Action:   AuditPreview,
		Metadata: previewAuditMetadata(p, in),
	})
	return p, nil
}

func previewAuditMetadata(p Preview, in PreviewInput) map[string]any {
	keys := make([]string, 0, len(in.Context))
	for k := range in.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	md := map[string]any{
		"totals":      p.Totals,
		"entries":     headEntries(p.Entries, 10),
		"logs":        headLogs(p.Logs, 20),
		"contextKeys": keys,
		"baseSalary":  in.BaseSalary,
		"version":     p.StructureVersion,
	}
	if in.Label != "" {
		md["label"] = in.Label
	}
	for k, v := range in.Metadata {
		if _, taken := md[k]; !taken {
			md[k] = v
		}
	}
	return md
}

func headEntries(e []Entry, n int) []Entry {
	if len(e) > n {
		return e[:n]
	}
	return e
}

func headLogs(l []RuleLog, n int) []RuleLog {
	if len(l) > n {
		return l[:n]
	}
	return l
}

// logReasons returns the non-empty reasons of a log set.
func logReasons(logs []RuleLog) []string {
	var out []string
	for _, l := range logs {
		if l.Reason != "" {
			out = append(out, l.Reason)
		}
	}
	return out
}
