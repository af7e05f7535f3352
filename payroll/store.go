/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines what the payroll domain needs from the outside world: storage for
  concepts, structures and rules, an audit sink and an activation event sink.
  Implementations live elsewhere so the domain stays free of drivers.

KEY INTERFACES:
  Store:     Concept, structure and rule persistence
  TxStore:   Store + WithTx for check-then-commit mutations
  AuditLog:  Append-only audit trail
  Publisher: Outbound structure activation events

SCOPE UNIQUENESS:
  Every Store must reject SaveStructure when it would leave two active
  structures with the same (tenant, scope key). The SQL store does it with a
  partial unique index, the memory store with a check under its lock. The
  Manager also checks first so callers get a ScopeConflictError naming the
  current owner; the store check is the backstop for concurrent writers.

IMPLEMENTATIONS:
  - payroll/store/memory.go: In-memory for tests and dev
  - store/sqlstore:          SQLite / PostgreSQL

SEE ALSO:
  - lifecycle.go: Main consumer
  - events/:      Publisher implementations
*/
package payroll

import (
	"context"
	"strconv"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// StructureFilter narrows ListStructures.
type StructureFilter struct {
	ActiveOnly bool
	ScopeKey   string
}

// Store persists payroll configuration. All reads are tenant scoped; an id
// from another tenant is reported as not found.
type Store interface {
	SaveConcept(ctx context.Context, c Concept) error
	GetConcept(ctx context.Context, tenantID, id string) (Concept, error)
	ListConcepts(ctx context.Context, tenantID string) ([]Concept, error)

	// SaveStructure upserts by id. Returns a ScopeConflictError if the
	// write would create a second active structure for the scope key.
	SaveStructure(ctx context.Context, s Structure) error
	GetStructure(ctx context.Context, tenantID, id string) (Structure, error)
	// ListStructures returns structures newest first.
	ListStructures(ctx context.Context, tenantID string, f StructureFilter) ([]Structure, error)
	// DeleteStructure removes a structure and its rules.
	DeleteStructure(ctx context.Context, tenantID, id string) error

	SaveRule(ctx context.Context, r Rule) error
	GetRule(ctx context.Context, tenantID, structureID, id string) (Rule, error)
	// ListRules returns rules ordered by priority, then creation time.
	ListRules(ctx context.Context, tenantID, structureID string) ([]Rule, error)
	DeleteRule(ctx context.Context, tenantID, structureID, id string) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

const (
	AuditCreated     AuditAction = "create"
	AuditUpdated     AuditAction = "update"
	AuditDeleted     AuditAction = "delete"
	AuditActivated   AuditAction = "activate"
	AuditDeactivated AuditAction = "deactivate"
	AuditVersioned   AuditAction = "version"
	AuditPreview     AuditAction = "preview"
)

// Audit entity names.
const (
	EntityConcept          = "payrollConcept"
	EntityStructure        = "payrollStructure"
	EntityRule             = "payrollRule"
	EntityStructurePreview = "payrollStructurePreview"
)

// AuditEntry records a change or an inspection.
type AuditEntry struct {
	ID        string
	TenantID  string
	Entity    string
	EntityID  string
	Action    AuditAction
	Before    any
	After     any
	Metadata  map[string]any
	Timestamp time.Time
}

// AuditFilter narrows Query. Zero fields match everything.
type AuditFilter struct {
	TenantID string
	Entity   string
	EntityID string
	Action   AuditAction
	Limit    int
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// EVENTS
// =============================================================================

// EventStructureActivated is the event type of StructureActivated.
const EventStructureActivated = "payroll.structure.activated"

// StructureActivated is emitted after a successful activation.
type StructureActivated struct {
	// EventID is derived from tenant, structure and version so a consumer
	// can drop redeliveries.
	EventID       string     `json:"eventId"`
	TenantID      string     `json:"tenantId"`
	StructureID   string     `json:"structureId"`
	SupersedesID  string     `json:"supersedesId,omitempty"`
	Version       int        `json:"version"`
	Scope         EventScope `json:"scope"`
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
	ActivatedAt   time.Time  `json:"activatedAt"`
}

// EventScope is the applicability carried by an event.
type EventScope struct {
	Roles         []string `json:"roles"`
	Departments   []string `json:"departments"`
	ContractTypes []string `json:"contractTypes"`
}

// Publisher delivers activation events.
type Publisher interface {
	PublishStructureActivated(ctx context.Context, ev StructureActivated) error
}

// ActivationEventID returns the idempotency key of an activation.
func ActivationEventID(tenantID, structureID string, version int) string {
	return EventStructureActivated + ":" + tenantID + ":" + structureID + ":v" + strconv.Itoa(version)
}
