/*
errors.go - Error types for the payroll domain

PURPOSE:
  Sentinel errors for errors.Is checks and structured errors that carry the
  context a caller needs to explain a rejection (which scope collided, why a
  structure is not balanced).

ERROR CATEGORIES:
  1. Not found   - Concept, structure or rule id does not resolve for tenant
  2. Validation  - Invalid range, unknown enum, foreign concept
  3. Conflict    - Another active structure already owns the scope key
  4. Balance     - Preview is not balanced or has negative net pay

Engine anomalies (self reference, missing base, bad formula) are NOT errors.
They surface as skipped log records.

SEE ALSO:
  - lifecycle.go: Produces validation, conflict and balance errors
  - api/handlers.go: Maps classes to HTTP status codes
*/
package payroll

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrConceptNotFound   = errors.New("concept not found")
	ErrStructureNotFound = errors.New("structure not found")
	ErrRuleNotFound      = errors.New("rule not found")

	// ErrInvalidRange is returned when effectiveFrom is after effectiveTo.
	ErrInvalidRange = errors.New("effective from must be on or before effective to")

	// ErrValidation covers malformed input (unknown enum, missing field).
	ErrValidation = errors.New("validation failed")

	// ErrForeignConcept is returned when a rule references a concept that
	// does not exist for the tenant.
	ErrForeignConcept = errors.New("concept does not exist for tenant")

	// ErrDuplicateConcept is returned when a concept code is already taken.
	ErrDuplicateConcept = errors.New("concept code already exists")

	// ErrScopeConflict is returned when another active structure owns the
	// same (tenant, scope key).
	ErrScopeConflict = errors.New("another active structure already covers this scope")

	// ErrUnbalanced is returned when a structure's preview fails the balance
	// check (net != earnings - deductions, or net < 0).
	ErrUnbalanced = errors.New("structure is not balanced")

	// ErrInvalidRule marks a rule the engine cannot evaluate at all.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrUnresolvedReference is returned in strict reference mode when a rule
	// names a base concept that can never resolve.
	ErrUnresolvedReference = errors.New("unresolved base reference")

	// ErrIncompleteCoverage blocks period close when some employees were
	// computed without a structure.
	ErrIncompleteCoverage = errors.New("structure coverage below 100%")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ScopeConflictError names the structure that already owns the scope.
type ScopeConflictError struct {
	TenantID    string
	ScopeKey    string
	ExistingID  string
	CandidateID string
}

func (e *ScopeConflictError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("scope %q already has an active structure", e.ScopeKey)
	}
	return fmt.Sprintf("scope %q already has active structure %s", e.ScopeKey, e.ExistingID)
}

func (e *ScopeConflictError) Unwrap() error { return ErrScopeConflict }

// BalanceError explains why a structure is not balanced.
type BalanceError struct {
	StructureID string
	Earnings    decimal.Decimal
	Deductions  decimal.Decimal
	NetPay      decimal.Decimal
	Reason      string // "imbalance" or "negative-net"
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("structure %s not balanced (%s): earnings %s, deductions %s, net %s",
		e.StructureID, e.Reason, e.Earnings.StringFixed(2), e.Deductions.StringFixed(2), e.NetPay.StringFixed(2))
}

func (e *BalanceError) Unwrap() error { return ErrUnbalanced }

// RuleError identifies a structurally invalid rule.
type RuleError struct {
	RuleID string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

func (e *RuleError) Unwrap() error { return ErrInvalidRule }

// ReferenceError lists unresolved references found in strict mode.
type ReferenceError struct {
	StructureID string
	Issues      []ReferenceIssue
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("structure %s has %d unresolved base reference(s)", e.StructureID, len(e.Issues))
}

func (e *ReferenceError) Unwrap() error { return ErrUnresolvedReference }

// CoverageError reports the coverage that blocked period close.
type CoverageError struct {
	CoveragePercent int
	LegacyEmployees int
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("structure coverage %d%% (%d employees on legacy concepts)", e.CoveragePercent, e.LegacyEmployees)
}

func (e *CoverageError) Unwrap() error { return ErrIncompleteCoverage }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConceptNotFound) ||
		errors.Is(err, ErrStructureNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}

// IsConflict returns true if the error is a uniqueness conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrScopeConflict) ||
		errors.Is(err, ErrDuplicateConcept)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForeignConcept) ||
		errors.Is(err, ErrUnbalanced) ||
		errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrUnresolvedReference) ||
		errors.Is(err, ErrIncompleteCoverage)
}
