/*
handlers.go - HTTP API handlers for the payroll engine

PURPOSE:
  Exposes the payroll structure manager and run calculator via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  payroll package.

ENDPOINTS (all under /api/tenants/{tenant}):
  Concepts:
    GET    /concepts                          List concepts
    POST   /concepts                          Create concept
    GET    /concepts/{id}                     Get concept
    PUT    /concepts/{id}                     Update concept

  Structures:
    GET    /structures                        List (?active=true&scope=...)
    POST   /structures                        Create structure
    GET    /structures/suggestions            Ranked candidates for an employee
    POST   /structures/import                 Import a YAML/JSON bundle
    GET    /structures/{id}                   Get structure
    PUT    /structures/{id}                   Update structure
    DELETE /structures/{id}                   Delete structure and its rules
    POST   /structures/{id}/versions          Create draft version
    POST   /structures/{id}/activate          Activate
    POST   /structures/{id}/deactivate        Deactivate
    POST   /structures/{id}/preview           Evaluate for an ad-hoc context
    GET    /structures/{id}/references        Unresolved base references
    GET    /structures/{id}/export            Export as YAML bundle

  Rules:
    GET    /structures/{id}/rules             List rules in evaluation order
    POST   /structures/{id}/rules             Create rule
    PUT    /structures/{id}/rules/{ruleId}    Update rule
    DELETE /structures/{id}/rules/{ruleId}    Delete rule

  Runs & audit:
    POST   /runs                              Compute a payroll run
    GET    /audit                             Query audit entries

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, unbalanced structures
  - 404: Resource not found
  - 409: Scope conflict, duplicate concept code
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. The tenant comes from the path.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Archiver hands a computed run to long-term storage and returns its key.
type Archiver interface {
	ArchiveRun(ctx context.Context, run payroll.Run) (string, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Manager *payroll.Manager
	Runs    *payroll.RunCalculator
	Audit   payroll.AuditLog

	// Optional collaborators.
	Archiver Archiver
	Health   Pinger

	Logger *slog.Logger
}

// NewHandler creates a handler. audit may be nil, in which case GET /audit
// answers 404.
func NewHandler(m *payroll.Manager, runs *payroll.RunCalculator, audit payroll.AuditLog, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Manager: m, Runs: runs, Audit: audit, Logger: logger}
}

func tenantID(r *http.Request) string {
	return chi.URLParam(r, "tenant")
}

// =============================================================================
// CONCEPT HANDLERS
// =============================================================================

// ListConcepts returns the tenant's concepts ordered by code.
func (h *Handler) ListConcepts(w http.ResponseWriter, r *http.Request) {
	concepts, err := h.Manager.ListConcepts(r.Context(), tenantID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to list concepts", err)
		return
	}
	dtos := make([]ConceptDTO, len(concepts))
	for i, c := range concepts {
		dtos[i] = toConceptDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateConcept registers a concept.
func (h *Handler) CreateConcept(w http.ResponseWriter, r *http.Request) {
	var req CreateConceptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := h.Manager.CreateConcept(r.Context(), tenantID(r), req.toInput())
	if err != nil {
		h.writeDomainError(w, "Failed to create concept", err)
		return
	}
	writeJSON(w, http.StatusCreated, toConceptDTO(c))
}

// GetConcept returns a single concept.
func (h *Handler) GetConcept(w http.ResponseWriter, r *http.Request) {
	c, err := h.Manager.GetConcept(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get concept", err)
		return
	}
	writeJSON(w, http.StatusOK, toConceptDTO(c))
}

// UpdateConcept applies a partial update.
func (h *Handler) UpdateConcept(w http.ResponseWriter, r *http.Request) {
	var req UpdateConceptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := h.Manager.UpdateConcept(r.Context(), tenantID(r), chi.URLParam(r, "id"), req.toUpdate())
	if err != nil {
		h.writeDomainError(w, "Failed to update concept", err)
		return
	}
	writeJSON(w, http.StatusOK, toConceptDTO(c))
}

// =============================================================================
// STRUCTURE HANDLERS
// =============================================================================

// ListStructures returns structures newest first. Query parameters:
// active=true restricts to active ones, scope filters by scope key.
func (h *Handler) ListStructures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := payroll.StructureFilter{
		ActiveOnly: q.Get("active") == "true",
		ScopeKey:   q.Get("scope"),
	}
	structures, err := h.Manager.ListStructures(r.Context(), tenantID(r), f)
	if err != nil {
		h.writeDomainError(w, "Failed to list structures", err)
		return
	}
	writeJSON(w, http.StatusOK, toStructureDTOs(structures))
}

// CreateStructure creates a structure. It is created active unless isActive
// is false, in which case it stays a draft.
func (h *Handler) CreateStructure(w http.ResponseWriter, r *http.Request) {
	var req CreateStructureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid structure", err)
		return
	}
	s, err := h.Manager.CreateStructure(r.Context(), tenantID(r), in)
	if err != nil {
		h.writeDomainError(w, "Failed to create structure", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStructureDTO(s))
}

// GetStructure returns a single structure.
func (h *Handler) GetStructure(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.GetStructure(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get structure", err)
		return
	}
	writeJSON(w, http.StatusOK, toStructureDTO(s))
}

// UpdateStructure applies a partial update.
func (h *Handler) UpdateStructure(w http.ResponseWriter, r *http.Request) {
	var req UpdateStructureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	up, err := req.toUpdate()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid structure update", err)
		return
	}
	s, err := h.Manager.UpdateStructure(r.Context(), tenantID(r), chi.URLParam(r, "id"), up)
	if err != nil {
		h.writeDomainError(w, "Failed to update structure", err)
		return
	}
	writeJSON(w, http.StatusOK, toStructureDTO(s))
}

// DeleteStructure removes a structure and its rules.
func (h *Handler) DeleteStructure(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.DeleteStructure(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, "Failed to delete structure", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateVersion drafts a new version of a structure. The body is optional.
func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	up, err := req.toUpdate()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid version overrides", err)
		return
	}
	draft, err := h.Manager.CreateVersion(r.Context(), tenantID(r), chi.URLParam(r, "id"),
		payroll.VersionInput{StructureUpdate: up, SkipRules: req.SkipRules})
	if err != nil {
		h.writeDomainError(w, "Failed to create version", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStructureDTO(draft))
}

// ActivateStructure activates a structure, superseding the previous
// version of its lineage.
func (h *Handler) ActivateStructure(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.Activate(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to activate structure", err)
		return
	}
	writeJSON(w, http.StatusOK, toStructureDTO(s))
}

// DeactivateStructure deactivates a structure.
func (h *Handler) DeactivateStructure(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.Deactivate(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to deactivate structure", err)
		return
	}
	writeJSON(w, http.StatusOK, toStructureDTO(s))
}

// SuggestStructures ranks structures for role, department and contractType.
// includeInactive=true widens the candidate set, includeFallback=false
// drops open-scope fallbacks, limit caps the result.
func (h *Handler) SuggestStructures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := payroll.MatchFilters{
		Role:         q.Get("role"),
		Department:   q.Get("department"),
		ContractType: q.Get("contractType"),
	}
	opts := payroll.SuggestOptions{IncludeInactive: q.Get("includeInactive") == "true"}
	if v := q.Get("includeFallback"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid includeFallback", err)
			return
		}
		opts.IncludeFallback = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		opts.Limit = n
	}

	res, err := h.Manager.SuggestStructures(r.Context(), tenantID(r), filters, opts)
	if err != nil {
		h.writeDomainError(w, "Failed to suggest structures", err)
		return
	}
	writeJSON(w, http.StatusOK, toSuggestionResponse(res))
}

// PreviewStructure evaluates a structure for the posted context.
func (h *Handler) PreviewStructure(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.Manager.PreviewStructure(r.Context(), tenantID(r), chi.URLParam(r, "id"), payroll.PreviewInput{
		EvaluationInput: payroll.EvaluationInput{
			BaseSalary: req.BaseSalary,
			BaseAmount: req.BaseAmount,
			Context:    req.Context,
		},
		Label:    req.Label,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to preview structure", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(p))
}

// CheckReferences lists base references that cannot resolve.
func (h *Handler) CheckReferences(w http.ResponseWriter, r *http.Request) {
	issues, err := h.Manager.CheckReferences(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to check references", err)
		return
	}
	dtos := make([]ReferenceIssueDTO, len(issues))
	for i, is := range issues {
		dtos[i] = ReferenceIssueDTO{
			RuleID:      is.RuleID,
			ConceptID:   is.ConceptID,
			Priority:    is.Priority,
			Reference:   is.Reference,
			Reason:      is.Reason,
			Suggestions: nonNil(is.Suggestions),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ImportBundle creates the concepts and structures of a YAML or JSON bundle.
func (h *Handler) ImportBundle(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBundleSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read bundle", err)
		return
	}
	b, err := factory.Parse(data)
	if err != nil {
		status := http.StatusBadRequest
		if payroll.IsConflict(err) {
			status = http.StatusConflict
		}
		writeError(w, status, "Invalid bundle", err)
		return
	}
	res, err := factory.Apply(r.Context(), h.Manager, tenantID(r), b)
	if err != nil {
		h.writeDomainError(w, "Failed to import bundle", err)
		return
	}
	writeJSON(w, http.StatusCreated, LoadScenarioResponse{
		ConceptsCreated: nonNil(res.ConceptsCreated),
		ConceptsReused:  nonNil(res.ConceptsReused),
		Structures:      toStructureDTOs(res.Structures),
	})
}

// ExportStructure returns a structure and its rules as a YAML bundle.
func (h *Handler) ExportStructure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantID(r)
	s, err := h.Manager.GetStructure(ctx, tenant, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to export structure", err)
		return
	}
	rules, err := h.Manager.ListRules(ctx, tenant, s.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to export structure", err)
		return
	}
	concepts, err := h.Manager.ListConcepts(ctx, tenant)
	if err != nil {
		h.writeDomainError(w, "Failed to export structure", err)
		return
	}
	data, err := factory.Marshal(factory.Export(s, rules, concepts))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode bundle", err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns a structure's rules in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Manager.ListRules(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to list rules", err)
		return
	}
	dtos := make([]RuleDTO, len(rules))
	for i, rl := range rules {
		dtos[i] = toRuleDTO(rl)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule adds a rule to a structure.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rule, err := h.Manager.CreateRule(r.Context(), tenantID(r), chi.URLParam(r, "id"), req.toInput())
	if err != nil {
		h.writeDomainError(w, "Failed to create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

// UpdateRule applies a partial update to a rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rule, err := h.Manager.UpdateRule(r.Context(), tenantID(r), chi.URLParam(r, "id"), chi.URLParam(r, "ruleId"), req.toUpdate())
	if err != nil {
		h.writeDomainError(w, "Failed to update rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// DeleteRule removes a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	err := h.Manager.DeleteRule(r.Context(), tenantID(r), chi.URLParam(r, "id"), chi.URLParam(r, "ruleId"))
	if err != nil {
		h.writeDomainError(w, "Failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// ComputeRun computes a payroll run for the posted employees. With
// requireFullCoverage the run is rejected unless every employee used a
// structure. With archive the run is handed to the archiver; an archive
// failure is logged and the run is still returned.
func (h *Handler) ComputeRun(w http.ResponseWriter, r *http.Request) {
	var req ComputeRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	runReq, err := req.toRequest(tenantID(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run request", err)
		return
	}

	run, err := h.Runs.Compute(r.Context(), runReq)
	if err != nil {
		h.writeDomainError(w, "Failed to compute run", err)
		return
	}
	if req.RequireFullCoverage {
		if err := payroll.EnsureCoverage(run.Summary); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Run does not meet coverage requirement", err)
			return
		}
	}

	dto := toRunDTO(run)
	if req.Archive {
		dto.ArchiveKey = h.archive(r.Context(), run)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) archive(ctx context.Context, run payroll.Run) string {
	if h.Archiver == nil {
		h.Logger.Warn("run archive requested but no archiver configured", slog.String("run", run.ID))
		return ""
	}
	key, err := h.Archiver.ArchiveRun(ctx, run)
	if err != nil {
		h.Logger.Warn("failed to archive run",
			slog.String("tenant", run.TenantID), slog.String("run", run.ID), slog.Any("error", err))
		return ""
	}
	return key
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns audit entries newest first. Query parameters: entity,
// entityId, action, limit (default 100).
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "Audit log not configured", nil)
		return
	}
	q := r.URL.Query()
	f := payroll.AuditFilter{
		TenantID: tenantID(r),
		Entity:   q.Get("entity"),
		EntityID: q.Get("entityId"),
		Action:   payroll.AuditAction(q.Get("action")),
		Limit:    defaultAuditLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = n
	}

	entries, err := h.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			Entity:    e.Entity,
			EntityID:  e.EntityID,
			Action:    string(e.Action),
			Before:    e.Before,
			After:     e.After,
			Metadata:  e.Metadata,
			Timestamp: e.Timestamp,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz answers 200 when the store is reachable.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

const (
	maxBundleSize     = 1 << 20
	defaultAuditLimit = 100
)

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func toStructureDTOs(structures []payroll.Structure) []StructureDTO {
	dtos := make([]StructureDTO, len(structures))
	for i, s := range structures {
		dtos[i] = toStructureDTO(s)
	}
	return dtos
}

// writeDomainError maps payroll error classes to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var scope *payroll.ScopeConflictError
	switch {
	case errors.As(err, &scope):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Details: err.Error(), ExistingID: scope.ExistingID})
	case payroll.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case payroll.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case payroll.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Logger.Error(message, slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
