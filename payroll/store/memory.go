// Package store provides in-memory payroll.Store and payroll.AuditLog
// implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	concepts   map[string]payroll.Concept
	structures map[string]payroll.Structure
	rules      map[string]payroll.Rule
}

func NewMemory() *Memory {
	return &Memory{
		concepts:   make(map[string]payroll.Concept),
		structures: make(map[string]payroll.Structure),
		rules:      make(map[string]payroll.Rule),
	}
}

func (m *Memory) SaveConcept(_ context.Context, c payroll.Concept) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveConceptLocked(c)
}

func (m *Memory) GetConcept(_ context.Context, tenantID, id string) (payroll.Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getConceptLocked(tenantID, id)
}

func (m *Memory) ListConcepts(_ context.Context, tenantID string) ([]payroll.Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listConceptsLocked(tenantID), nil
}

func (m *Memory) SaveStructure(_ context.Context, s payroll.Structure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveStructureLocked(s)
}

func (m *Memory) GetStructure(_ context.Context, tenantID, id string) (payroll.Structure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getStructureLocked(tenantID, id)
}

func (m *Memory) ListStructures(_ context.Context, tenantID string, f payroll.StructureFilter) ([]payroll.Structure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listStructuresLocked(tenantID, f), nil
}

func (m *Memory) DeleteStructure(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteStructureLocked(tenantID, id)
}

func (m *Memory) SaveRule(_ context.Context, r payroll.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveRuleLocked(r)
}

func (m *Memory) GetRule(_ context.Context, tenantID, structureID, id string) (payroll.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRuleLocked(tenantID, structureID, id)
}

func (m *Memory) ListRules(_ context.Context, tenantID, structureID string) ([]payroll.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRulesLocked(tenantID, structureID), nil
}

func (m *Memory) DeleteRule(_ context.Context, tenantID, structureID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRuleLocked(tenantID, structureID, id)
}

// =============================================================================
// LOCKED OPERATIONS - callers hold m.mu
// =============================================================================

func (m *Memory) saveConceptLocked(c payroll.Concept) error {
	for _, other := range m.concepts {
		if other.TenantID == c.TenantID && other.ID != c.ID && strings.EqualFold(other.Code, c.Code) {
			return payroll.ErrDuplicateConcept
		}
	}
	if c.Calculation != nil {
		calc := *c.Calculation
		c.Calculation = &calc
	}
	m.concepts[c.ID] = c
	return nil
}

func (m *Memory) getConceptLocked(tenantID, id string) (payroll.Concept, error) {
	c, ok := m.concepts[id]
	if !ok || c.TenantID != tenantID {
		return payroll.Concept{}, payroll.ErrConceptNotFound
	}
	return c, nil
}

func (m *Memory) listConceptsLocked(tenantID string) []payroll.Concept {
	out := []payroll.Concept{}
	for _, c := range m.concepts {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (m *Memory) saveStructureLocked(s payroll.Structure) error {
	if s.IsActive {
		for _, other := range m.structures {
			if other.IsActive && other.ID != s.ID && other.TenantID == s.TenantID && other.ScopeKey == s.ScopeKey {
				return &payroll.ScopeConflictError{TenantID: s.TenantID, ScopeKey: s.ScopeKey, ExistingID: other.ID, CandidateID: s.ID}
			}
		}
	}
	m.structures[s.ID] = cloneStructure(s)
	return nil
}

func (m *Memory) getStructureLocked(tenantID, id string) (payroll.Structure, error) {
	s, ok := m.structures[id]
	if !ok || s.TenantID != tenantID {
		return payroll.Structure{}, payroll.ErrStructureNotFound
	}
	return cloneStructure(s), nil
}

func (m *Memory) listStructuresLocked(tenantID string, f payroll.StructureFilter) []payroll.Structure {
	out := []payroll.Structure{}
	for _, s := range m.structures {
		if s.TenantID != tenantID {
			continue
		}
		if f.ActiveOnly && !s.IsActive {
			continue
		}
		if f.ScopeKey != "" && s.ScopeKey != f.ScopeKey {
			continue
		}
		out = append(out, cloneStructure(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) deleteStructureLocked(tenantID, id string) error {
	if _, err := m.getStructureLocked(tenantID, id); err != nil {
		return err
	}
	delete(m.structures, id)
	for rid, r := range m.rules {
		if r.StructureID == id {
			delete(m.rules, rid)
		}
	}
	return nil
}

func (m *Memory) saveRuleLocked(r payroll.Rule) error {
	if _, err := m.getStructureLocked(r.TenantID, r.StructureID); err != nil {
		return err
	}
	r.BaseConceptCodes = append([]string{}, r.BaseConceptCodes...)
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) getRuleLocked(tenantID, structureID, id string) (payroll.Rule, error) {
	r, ok := m.rules[id]
	if !ok || r.TenantID != tenantID || r.StructureID != structureID {
		return payroll.Rule{}, payroll.ErrRuleNotFound
	}
	r.BaseConceptCodes = append([]string{}, r.BaseConceptCodes...)
	return r, nil
}

func (m *Memory) listRulesLocked(tenantID, structureID string) []payroll.Rule {
	out := []payroll.Rule{}
	for _, r := range m.rules {
		if r.TenantID == tenantID && r.StructureID == structureID {
			r.BaseConceptCodes = append([]string{}, r.BaseConceptCodes...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) deleteRuleLocked(tenantID, structureID, id string) error {
	if _, err := m.getRuleLocked(tenantID, structureID, id); err != nil {
		return err
	}
	delete(m.rules, id)
	return nil
}

func cloneStructure(s payroll.Structure) payroll.Structure {
	s.Roles = append([]string(nil), s.Roles...)
	s.Departments = append([]string(nil), s.Departments...)
	s.ContractTypes = append([]string(nil), s.ContractTypes...)
	if s.EffectiveTo != nil {
		t := *s.EffectiveTo
		s.EffectiveTo = &t
	}
	if s.ActivatedAt != nil {
		t := *s.ActivatedAt
		s.ActivatedAt = &t
	}
	if s.DeactivatedAt != nil {
		t := *s.DeactivatedAt
		s.DeactivatedAt = &t
	}
	return s
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(payroll.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	concepts   map[string]payroll.Concept
	structures map[string]payroll.Structure
	rules      map[string]payroll.Rule
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		concepts:   make(map[string]payroll.Concept, len(tm.concepts)),
		structures: make(map[string]payroll.Structure, len(tm.structures)),
		rules:      make(map[string]payroll.Rule, len(tm.rules)),
	}
	for k, v := range tm.concepts {
		s.concepts[k] = v
	}
	for k, v := range tm.structures {
		s.structures[k] = v
	}
	for k, v := range tm.rules {
		s.rules[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.concepts = s.concepts
	tm.structures = s.structures
	tm.rules = s.rules
}

// txMemoryView runs against the parent while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) SaveConcept(_ context.Context, c payroll.Concept) error {
	return tv.parent.saveConceptLocked(c)
}

func (tv *txMemoryView) GetConcept(_ context.Context, tenantID, id string) (payroll.Concept, error) {
	return tv.parent.getConceptLocked(tenantID, id)
}

func (tv *txMemoryView) ListConcepts(_ context.Context, tenantID string) ([]payroll.Concept, error) {
	return tv.parent.listConceptsLocked(tenantID), nil
}

func (tv *txMemoryView) SaveStructure(_ context.Context, s payroll.Structure) error {
	return tv.parent.saveStructureLocked(s)
}

func (tv *txMemoryView) GetStructure(_ context.Context, tenantID, id string) (payroll.Structure, error) {
	return tv.parent.getStructureLocked(tenantID, id)
}

func (tv *txMemoryView) ListStructures(_ context.Context, tenantID string, f payroll.StructureFilter) ([]payroll.Structure, error) {
	return tv.parent.listStructuresLocked(tenantID, f), nil
}

func (tv *txMemoryView) DeleteStructure(_ context.Context, tenantID, id string) error {
	return tv.parent.deleteStructureLocked(tenantID, id)
}

func (tv *txMemoryView) SaveRule(_ context.Context, r payroll.Rule) error {
	return tv.parent.saveRuleLocked(r)
}

func (tv *txMemoryView) GetRule(_ context.Context, tenantID, structureID, id string) (payroll.Rule, error) {
	return tv.parent.getRuleLocked(tenantID, structureID, id)
}

func (tv *txMemoryView) ListRules(_ context.Context, tenantID, structureID string) ([]payroll.Rule, error) {
	return tv.parent.listRulesLocked(tenantID, structureID), nil
}

func (tv *txMemoryView) DeleteRule(_ context.Context, tenantID, structureID, id string) error {
	return tv.parent.deleteRuleLocked(tenantID, structureID, id)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditMemory is an in-memory payroll.AuditLog.
type AuditMemory struct {
	mu      sync.RWMutex
	entries []payroll.AuditEntry
}

func NewAuditMemory() *AuditMemory {
	return &AuditMemory{}
}

func (a *AuditMemory) Append(_ context.Context, e payroll.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

// Query returns matching entries, newest first.
func (a *AuditMemory) Query(_ context.Context, f payroll.AuditFilter) ([]payroll.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := []payroll.AuditEntry{}
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if (f.TenantID != "" && e.TenantID != f.TenantID) ||
			(f.Entity != "" && e.Entity != f.Entity) ||
			(f.EntityID != "" && e.EntityID != f.EntityID) ||
			(f.Action != "" && e.Action != f.Action) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
