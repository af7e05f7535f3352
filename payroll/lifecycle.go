/*
lifecycle.go - Structure lifecycle manager

PURPOSE:
  Owns every mutation of structures: create, update, version, activate,
  deactivate, delete. Enforces the two invariants that protect real payroll
  runs:

    1. At most one active structure per (tenant, scope key).
    2. A structure only becomes (or stays) active if its preview for a
       synthetic base salary is balanced and has non-negative net pay.

CONCURRENCY:
  Mutations that can change which structure is active for a scope take the
  per-scope lock, then run check-then-commit inside Store.WithTx. The store's
  own uniqueness guarantee (unique index in SQL) backs this up across
  processes: of two concurrent activations for one scope exactly one wins,
  the other gets a ScopeConflictError.

VERSIONING:
  CreateVersion clones a structure into an INACTIVE draft with version+1 and
  SupersedesID pointing at the source. Activating the draft deactivates the
  source (and any other active draft of the same source) in the same
  transaction.

COLLABORATORS:
  Audit entries and activation events are best-effort: failures are logged
  and never roll back the mutation.

SEE ALSO:
  - rules.go:      Rule and concept mutations
  - references.go: Strict reference checks
  - engine.go:     Balance check runs the engine
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/payroll-engine/metrics"
)

// DefaultBalanceBaseSalary is the synthetic base salary of the balance check.
var DefaultBalanceBaseSalary = decimal.NewFromInt(1000)

// balanceTolerance is the largest accepted gap between net pay and
// earnings minus deductions.
var balanceTolerance = decimal.RequireFromString("0.01")

const tracerName = "github.com/warp/payroll-engine/payroll"

// =============================================================================
// MANAGER
// =============================================================================

// Manager implements the structure lifecycle.
type Manager struct {
	store     TxStore
	engine    *Engine
	audit     AuditLog
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	locks     *scopeLocks

	now   func() time.Time
	newID func() string

	balanceBase      decimal.Decimal
	strictReferences bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditLog sets the audit sink.
func WithAuditLog(a AuditLog) Option { return func(m *Manager) { m.audit = a } }

// WithPublisher sets the activation event sink.
func WithPublisher(p Publisher) Option { return func(m *Manager) { m.publisher = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

// WithBalanceBaseSalary changes the base salary of the balance check.
func WithBalanceBaseSalary(d decimal.Decimal) Option {
	return func(m *Manager) { m.balanceBase = d }
}

// WithStrictReferences makes activation fail on unresolvable references.
func WithStrictReferences(strict bool) Option {
	return func(m *Manager) { m.strictReferences = strict }
}

// NewManager creates a Manager.
func NewManager(store TxStore, engine *Engine, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		engine:      engine,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		locks:       newScopeLocks(),
		now:         time.Now,
		newID:       uuid.NewString,
		balanceBase: DefaultBalanceBaseSalary,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Engine returns the manager's engine.
func (m *Manager) Engine() *Engine { return m.engine }

func (m *Manager) clock() time.Time { return m.now().UTC() }

// =============================================================================
// INPUTS
// =============================================================================

// StructureInput creates a structure.
type StructureInput struct {
	Name          string
	Description   string
	PeriodType    PeriodType
	Roles         []string
	Departments   []string
	ContractTypes []string
	EffectiveFrom *time.Time // defaults to now
	EffectiveTo   *time.Time
	// IsActive defaults to true.
	IsActive *bool
}

// StructureUpdate patches a structure. Nil fields are left unchanged.
type StructureUpdate struct {
	Name             *string
	Description      *string
	PeriodType       *PeriodType
	Roles            *[]string
	Departments      *[]string
	ContractTypes    *[]string
	EffectiveFrom    *time.Time
	EffectiveTo      *time.Time
	ClearEffectiveTo bool
}

// VersionInput overrides fields of the cloned draft.
type VersionInput struct {
	StructureUpdate
	// SkipRules creates the draft without copying the source's rules.
	SkipRules bool
}

// =============================================================================
// READS
// =============================================================================

// GetStructure returns a structure.
func (m *Manager) GetStructure(ctx context.Context, tenantID, id string) (Structure, error) {
	return m.store.GetStructure(ctx, tenantID, id)
}

// ListStructures returns the tenant's structures, newest first.
func (m *Manager) ListStructures(ctx context.Context, tenantID string, f StructureFilter) ([]Structure, error) {
	return m.store.ListStructures(ctx, tenantID, f)
}

// SuggestStructures ranks the tenant's structures for an employee context.
func (m *Manager) SuggestStructures(ctx context.Context, tenantID string, f MatchFilters, opts SuggestOptions) (SuggestionResult, error) {
	structures, err := m.store.ListStructures(ctx, tenantID, StructureFilter{ActiveOnly: !opts.IncludeInactive})
	if err != nil {
		return SuggestionResult{}, fmt.Errorf("list structures: %w", err)
	}
	return Suggest(structures, f, opts), nil
}

// =============================================================================
// CREATE / UPDATE
// =============================================================================

// CreateStructure creates a version-1 structure. When created active the
// scope must be free and the structure balanced.
func (m *Manager) CreateStructure(ctx context.Context, tenantID string, in StructureInput) (s Structure, err error) {
	defer func() { metrics.ObserveStructureMutation("create", metrics.Result(err)) }()

	now := m.clock()
	s = Structure{
		ID:          m.newID(),
		TenantID:    tenantID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		PeriodType:  in.PeriodType,
		Version:     1,
		IsActive:    in.IsActive == nil || *in.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.PeriodType == "" {
		s.PeriodType = PeriodMonthly
	}
	s.applyScope(ComputeScope(Scope{Roles: in.Roles, Departments: in.Departments, ContractTypes: in.ContractTypes}))
	s.EffectiveFrom = now
	if in.EffectiveFrom != nil {
		s.EffectiveFrom = in.EffectiveFrom.UTC()
	}
	if in.EffectiveTo != nil {
		t := in.EffectiveTo.UTC()
		s.EffectiveTo = &t
	}
	if err := validateStructure(s); err != nil {
		return Structure{}, err
	}

	if !s.IsActive {
		if err := m.store.SaveStructure(ctx, s); err != nil {
			return Structure{}, fmt.Errorf("save structure: %w", err)
		}
		m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityStructure, EntityID: s.ID, Action: AuditCreated, After: s})
		return s, nil
	}

	s.ActivatedAt = &now
	unlock := m.locks.lock(tenantID, s.ScopeKey)
	defer unlock()

	err = m.store.WithTx(ctx, func(tx Store) error {
		if err := ensureUniqueActiveScope(ctx, tx, tenantID, s.ScopeKey, s.ID); err != nil {
			return err
		}
		if err := m.validateBalance(ctx, tx, s); err != nil {
			return err
		}
		return tx.SaveStructure(ctx, s)
	})
	if err != nil {
		return Structure{}, err
	}

	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityStructure, EntityID: s.ID, Action: AuditCreated, After: s})
	m.publishActivation(ctx, s)
	return s, nil
}

// UpdateStructure patches a structure and recomputes its scope. An active
// structure is re-checked for scope uniqueness and balance.
func (m *Manager) UpdateStructure(ctx context.Context, tenantID, id string, up StructureUpdate) (s Structure, err error) {
	defer func() { metrics.ObserveStructureMutation("update", metrics.Result(err)) }()

	before, err := m.store.GetStructure(ctx, tenantID, id)
	if err != nil {
		return Structure{}, err
	}
	s = applyUpdate(before, up)
	s.UpdatedAt = m.clock()
	if err := validateStructure(s); err != nil {
		return Structure{}, err
	}

	unlock := m.locks.lock(tenantID, before.ScopeKey, s.ScopeKey)
	defer unlock()

	err = m.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetStructure(ctx, tenantID, id)
		if err != nil {
			return err
		}
		// Activation state may have changed while waiting for the lock.
		s.IsActive, s.ActivatedAt, s.DeactivatedAt = current.IsActive, current.ActivatedAt, current.DeactivatedAt
		if s.IsActive {
			if err := ensureUniqueActiveScope(ctx, tx, tenantID, s.ScopeKey, s.ID); err != nil {
				return err
			}
			if err := m.validateBalance(ctx, tx, s); err != nil {
				return err
			}
		}
		return tx.SaveStructure(ctx, s)
	})
	if err != nil {
		return Structure{}, err
	}

	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityStructure, EntityID: id, Action: AuditUpdated, Before: before, After: s})
	return s, nil
}

func applyUpdate(s Structure, up StructureUpdate) Structure {
	if up.Name != nil {
		s.Name = strings.TrimSpace(*up.Name)
	}
	if up.Description != nil {
		s.Description = *up.Description
	}
	if up.PeriodType != nil {
		s.PeriodType = *up.PeriodType
	}
	scope := s.Scope()
	if up.Roles != nil {
		scope.Roles = *up.Roles
	}
	if up.Departments != nil {
		scope.Departments = *up.Departments
	}
	if up.ContractTypes != nil {
		scope.ContractTypes = *up.ContractTypes
	}
	s.applyScope(ComputeScope(scope))
	if up.EffectiveFrom != nil {
		s.EffectiveFrom = up.EffectiveFrom.UTC()
	}
	if up.ClearEffectiveTo {
		s.EffectiveTo = nil
	} else if up.EffectiveTo != nil {
		t := up.EffectiveTo.UTC()
		s.EffectiveTo = &t
	}
	return s
}

func validateStructure(s Structure) error {
	if s.Name == "" {
		return validationf("name is required")
	}
	if !s.PeriodType.Valid() {
		return validationf("unknown period type %q", s.PeriodType)
	}
	if s.EffectiveTo != nil && s.EffectiveFrom.After(*s.EffectiveTo) {
		return ErrInvalidRange
	}
	return nil
}

// =============================================================================
// VERSIONING
// =============================================================================

// CreateVersion clones a structure into an inactive draft with version+1.
// The source is left untouched. Rules are copied unless SkipRules is set.
func (m *Manager) CreateVersion(ctx context.Context, tenantID, sourceID string, in VersionInput) (draft Structure, err error) {
	defer func() { metrics.ObserveStructureMutation("version", metrics.Result(err)) }()

	now := m.clock()
	err = m.store.WithTx(ctx, func(tx Store) error {
		source, err := tx.GetStructure(ctx, tenantID, sourceID)
		if err != nil {
			return err
		}
		draft = applyUpdate(source, in.StructureUpdate)
		draft.ID = m.newID()
		draft.Version = source.Version + 1
		draft.SupersedesID = source.ID
		draft.IsActive = false
		draft.ActivatedAt = nil
		draft.DeactivatedAt = nil
		draft.CreatedAt = now
		draft.UpdatedAt = now
		if err := validateStructure(draft); err != nil {
			return err
		}
		if err := tx.SaveStructure(ctx, draft); err != nil {
			return fmt.Errorf("save draft: %w", err)
		}
		if in.SkipRules {
			return nil
		}
		rules, err := tx.ListRules(ctx, tenantID, source.ID)
		if err != nil {
			return fmt.Errorf("list source rules: %w", err)
		}
		for _, r := range rules {
			r.ID = m.newID()
			r.StructureID = draft.ID
			r.CreatedAt = now
			if err := tx.SaveRule(ctx, r); err != nil {
				return fmt.Errorf("copy rule: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Structure{}, err
	}

	m.recordAudit(ctx, AuditEntry{
		TenantID: tenantID, Entity: EntityStructure, EntityID: draft.ID, Action: AuditVersioned, After: draft,
		Metadata: map[string]any{"supersedesId": sourceID, "version": draft.Version, "rulesCopied": !in.SkipRules},
	})
	return draft, nil
}

// =============================================================================
// ACTIVATION
// =============================================================================

// Activate makes a structure the active one for its scope. The structure it
// supersedes, and any other active draft of that same source, are
// deactivated in the same transaction. Activating an active structure is a
// no-op.
func (m *Manager) Activate(ctx context.Context, tenantID, id string) (s Structure, err error) {
	ctx, span := m.tracer.Start(ctx, "payroll.Activate", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("structure.id", id),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.ObserveStructureMutation("activate", metrics.Result(err))
	}()

	s, err = m.store.GetStructure(ctx, tenantID, id)
	if err != nil {
		return Structure{}, err
	}
	if s.IsActive {
		return s, nil
	}

	unlock := m.locks.lock(tenantID, s.ScopeKey)
	defer unlock()

	var deactivated []Structure
	activated := false
	err = m.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetStructure(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if current.IsActive {
			s = current
			return nil
		}
		s = current

		replaced, err := supersededActive(ctx, tx, s)
		if err != nil {
			return err
		}
		exclude := []string{s.ID}
		for _, r := range replaced {
			exclude = append(exclude, r.ID)
		}
		if err := ensureUniqueActiveScope(ctx, tx, tenantID, s.ScopeKey, exclude...); err != nil {
			return err
		}
		if m.strictReferences {
			if err := m.checkReferencesStrict(ctx, tx, s); err != nil {
				return err
			}
		}
		if err := m.validateBalance(ctx, tx, s); err != nil {
			return err
		}

		now := m.clock()
		for _, r := range replaced {
			r.IsActive = false
			r.DeactivatedAt = &now
			r.UpdatedAt = now
			if err := tx.SaveStructure(ctx, r); err != nil {
				return fmt.Errorf("deactivate %s: %w", r.ID, err)
			}
			deactivated = append(deactivated, r)
		}
		s.IsActive = true
		s.ActivatedAt = &now
		s.DeactivatedAt = nil
		s.UpdatedAt = now
		activated = true
		return tx.SaveStructure(ctx, s)
	})
	if err != nil {
		m.logger.Warn("structure activation rejected",
			slog.String("tenant", tenantID), slog.String("structure", id), slog.Any("error", err))
		return Structure{}, err
	}
	if !activated {
		return s, nil
	}

	for _, d := range deactivated {
		m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityStructure, EntityID: d.ID, Action: AuditDeactivated, After: d,
			Metadata: map[string]any{"supersededBy": s.ID}})
	}
	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityStructure, EntityID: s.ID, Action: AuditActivated, After: s})
	m.publishActivation(ctx, s)
	m.logger.Info("structure activated",
		slog.String("tenant", tenantID), slog.String("structure", s.ID),
		slog.Int("version", s.Version), slog.String("scope", s.ScopeKey))
	return s, nil
}

// supersededActive returns the active structures an activation of s
// replaces: its supersede target and other drafts of that target.
func supersededActive(ctx context.Context, tx Store, s Structure) ([]Structure, error) {
	if s.SupersedesID == "" {
		return nil, nil
	}
	var out []Structure
	target, err := tx.GetStructure(ctx, s.TenantID, s.SupersedesID)
	switch {
	case err == nil:
		if target.IsActive {
			out = append(out, target)
		}
	case errors.Is(err, ErrStructureNotFound):
	default:
		return nil, err
	}

	active, err := tx.ListStructures(ctx, s.TenantID, StructureFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for _, a := range active {
		if a.ID != s.ID && a.SupersedesID == s.SupersedesID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Deactivate takes a structure out of service.
func (m *Manager) Deactivate(ctx context.Context, tenantID, id string) (s Structure, err error) {
	defer func() { metrics.ObserveStructureMutation("deactivate", metrics.Result(err)) }()

	err = m.store.WithTx(ctx, func(tx Store) error {
		s, err = tx.GetStructure(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if !s.IsActive {
			return nil
		}
		now := m.clock()
		s.IsActive = false
		s.DeactivatedAt = &now
		s.UpdatedAt = now
		return tx.SaveStructure(ctx, s)
	})
	if err != nil {
		return Structure{}, err
	}
	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityStructure, EntityID: id, Action: AuditDeactivated, After: s})
	return s, nil
}

// DeleteStructure removes a structure and its rules.
func (m *Manager) DeleteStructure(ctx context.Context, tenantID, id string) error {
	before, err := m.store.GetStructure(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteStructure(ctx, tenantID, id); err != nil {
		metrics.ObserveStructureMutation("delete", "error")
		return fmt.Errorf("delete structure: %w", err)
	}
	metrics.ObserveStructureMutation("delete", "success")
	m.recordAudit(ctx, AuditEntry{TenantID: tenantID, Entity: EntityStructure, EntityID: id, Action: AuditDeleted, Before: before})
	return nil
}

// =============================================================================
// INVARIANT CHECKS
// =============================================================================

// ensureUniqueActiveScope fails if an active structure other than the
// excluded ones owns the scope key.
func ensureUniqueActiveScope(ctx context.Context, tx Store, tenantID, scopeKey string, exclude ...string) error {
	active, err := tx.ListStructures(ctx, tenantID, StructureFilter{ActiveOnly: true, ScopeKey: scopeKey})
	if err != nil {
		return fmt.Errorf("list active structures: %w", err)
	}
	for _, a := range active {
		if slices.Contains(exclude, a.ID) {
			continue
		}
		candidate := ""
		if len(exclude) > 0 {
			candidate = exclude[0]
		}
		return &ScopeConflictError{TenantID: tenantID, ScopeKey: scopeKey, ExistingID: a.ID, CandidateID: candidate}
	}
	return nil
}

// validateBalance evaluates s with its current rules against the synthetic
// base salary.
func (m *Manager) validateBalance(ctx context.Context, tx Store, s Structure) error {
	rules, err := tx.ListRules(ctx, s.TenantID, s.ID)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	return m.validateBalanceWith(ctx, tx, s, rules)
}

func (m *Manager) validateBalanceWith(ctx context.Context, tx Store, s Structure, rules []Rule) error {
	concepts, err := conceptMap(ctx, tx, s.TenantID)
	if err != nil {
		return err
	}
	p, err := m.engine.Evaluate(s, rules, concepts, EvaluationInput{BaseSalary: m.balanceBase}, false)
	if err != nil {
		return err
	}
	return CheckBalance(s.ID, p.Totals)
}

// CheckBalance verifies net pay equals earnings minus deductions within
// 0.01 and is not negative.
func CheckBalance(structureID string, t Totals) error {
	expected := t.Earnings.Sub(t.Deductions)
	if t.NetPay.Sub(expected).Abs().GreaterThan(balanceTolerance) {
		return &BalanceError{StructureID: structureID, Earnings: t.Earnings, Deductions: t.Deductions, NetPay: t.NetPay, Reason: "imbalance"}
	}
	if t.NetPay.IsNegative() {
		return &BalanceError{StructureID: structureID, Earnings: t.Earnings, Deductions: t.Deductions, NetPay: t.NetPay, Reason: "negative-net"}
	}
	return nil
}

func conceptMap(ctx context.Context, s Store, tenantID string) (map[string]Concept, error) {
	concepts, err := s.ListConcepts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}
	out := make(map[string]Concept, len(concepts))
	for _, c := range concepts {
		out[c.ID] = c
	}
	return out, nil
}

// =============================================================================
// COLLABORATORS
// =============================================================================

func (m *Manager) recordAudit(ctx context.Context, e AuditEntry) {
	if m.audit == nil {
		return
	}
	if e.ID == "" {
		e.ID = m.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.clock()
	}
	if err := m.audit.Append(ctx, e); err != nil {
		m.logger.Warn("audit append failed",
			slog.String("entity", e.Entity), slog.String("id", e.EntityID),
			slog.String("action", string(e.Action)), slog.Any("error", err))
	}
}

func (m *Manager) publishActivation(ctx context.Context, s Structure) {
	if m.publisher == nil {
		return
	}
	ev := StructureActivated{
		EventID:       ActivationEventID(s.TenantID, s.ID, s.Version),
		TenantID:      s.TenantID,
		StructureID:   s.ID,
		SupersedesID:  s.SupersedesID,
		Version:       s.Version,
		Scope:         EventScope{Roles: nonNil(s.Roles), Departments: nonNil(s.Departments), ContractTypes: nonNil(s.ContractTypes)},
		EffectiveFrom: s.EffectiveFrom,
		EffectiveTo:   s.EffectiveTo,
	}
	if s.ActivatedAt != nil {
		ev.ActivatedAt = *s.ActivatedAt
	}
	if err := m.publisher.PublishStructureActivated(ctx, ev); err != nil {
		m.logger.Warn("activation event not published",
			slog.String("structure", s.ID), slog.Int("version", s.Version), slog.Any("error", err))
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
