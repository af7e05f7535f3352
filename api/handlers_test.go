/*
handlers_test.go - HTTP tests for the payroll API

Tests for:
- Concept registry endpoints and error status mapping
- Structure lifecycle over HTTP (create, rules, preview, activate, version)
- Suggestions, references, bundle import/export
- Runs with coverage enforcement and archiving
- Audit queries and health
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

type fakeArchiver struct {
	runs []payroll.Run
	err  error
}

func (a *fakeArchiver) ArchiveRun(_ context.Context, run payroll.Run) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.runs = append(a.runs, run)
	return "payroll-runs/" + run.TenantID + "/" + run.ID + ".json", nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type testServer struct {
	t        *testing.T
	handler  *Handler
	router   http.Handler
	archiver *fakeArchiver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewTxMemory()
	audit := store.NewAuditMemory()
	engine := payroll.MustNewEngine()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := payroll.NewManager(st, engine, payroll.WithAuditLog(audit), payroll.WithLogger(logger))
	runs := payroll.NewRunCalculator(st, engine, payroll.WithRunLogger(logger))
	h := NewHandler(m, runs, audit, logger)
	arch := &fakeArchiver{}
	h.Archiver = arch

	return &testServer{t: t, handler: h, router: NewRouter(h, RouterConfig{}), archiver: arch}
}

// do sends body as JSON unless it is a string, which is sent verbatim.
func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const base = "/api/tenants/acme"

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func (s *testServer) createConcept(code, kind string) ConceptDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, base+"/concepts", CreateConceptRequest{Code: code, Name: code, Kind: kind})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ConceptDTO](s.t, rec)
}

func (s *testServer) createStructure(req CreateStructureRequest) StructureDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, base+"/structures", req)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[StructureDTO](s.t, rec)
}

func (s *testServer) createRule(structureID string, req any) RuleDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, base+"/structures/"+structureID+"/rules", req)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[RuleDTO](s.t, rec)
}

// seedDefault creates BASE_PAY 100% of salary and SSO 10% of BASE_PAY on
// an inactive open-scope structure.
func (s *testServer) seedDefault() StructureDTO {
	s.t.Helper()
	basePay := s.createConcept("BASE_PAY", "earning")
	sso := s.createConcept("SSO", "deduction")
	inactive := false
	st := s.createStructure(CreateStructureRequest{Name: "Default", PeriodType: "monthly", EffectiveFrom: "2026-01-01", IsActive: &inactive})
	s.createRule(st.ID, map[string]any{
		"conceptId": basePay.ID, "priority": 1, "calculationType": "percentage",
		"percentage": "100", "baseConceptCodes": []string{"baseSalary"},
	})
	s.createRule(st.ID, map[string]any{
		"conceptId": sso.ID, "priority": 2, "calculationType": "percentage",
		"percentage": 10, "baseConceptCodes": []string{"BASE_PAY"},
	})
	return st
}

// =============================================================================
// CONCEPTS
// =============================================================================

func TestConcepts_CRUD(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A concept
	c := s.createConcept("BASE_PAY", "earning")
	assert.True(t, c.IsActive)

	// WHEN/THEN: The same code is rejected case-insensitively
	rec := s.do(http.MethodPost, base+"/concepts", CreateConceptRequest{Code: "base_pay", Name: "Dup", Kind: "earning"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN/THEN: An unknown kind is a client error
	rec = s.do(http.MethodPost, base+"/concepts", CreateConceptRequest{Code: "X", Name: "X", Kind: "bonus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: The concept is renamed
	name := "Basic salary"
	rec = s.do(http.MethodPut, base+"/concepts/"+c.ID, UpdateConceptRequest{Name: &name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The list reflects the change, other tenants see nothing
	list := decode[[]ConceptDTO](t, s.do(http.MethodGet, base+"/concepts", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "Basic salary", list[0].Name)
	assert.Equal(t, "BASE_PAY", list[0].Code)

	other := decode[[]ConceptDTO](t, s.do(http.MethodGet, "/api/tenants/globex/concepts", nil))
	assert.Empty(t, other)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/tenants/globex/concepts/"+c.ID, nil).Code)
}

func TestCreateConcept_InvalidBody(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, base+"/concepts", "{not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "Invalid request body", body.Error)
	assert.NotEmpty(t, body.Details)
}

// =============================================================================
// STRUCTURES
// =============================================================================

func TestStructureLifecycle(t *testing.T) {
	s := newTestServer(t)
	st := s.seedDefault()
	assert.False(t, st.IsActive)
	assert.Equal(t, "*#*#*", st.ScopeKey)

	// WHEN: The structure is previewed for 3000
	rec := s.do(http.MethodPost, base+"/structures/"+st.ID+"/preview", map[string]any{"baseSalary": "3000", "label": "check"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[PreviewDTO](t, rec)

	// THEN: Totals are computed in priority order
	assert.Equal(t, "3000.00", preview.Totals.Earnings.StringFixed(2))
	assert.Equal(t, "300.00", preview.Totals.Deductions.StringFixed(2))
	assert.Equal(t, "2700.00", preview.Totals.NetPay.StringFixed(2))
	require.Len(t, preview.Entries, 2)
	assert.Equal(t, "BASE_PAY", preview.Entries[0].ConceptCode)
	assert.Equal(t, []string{"BASE_PAY"}, preview.Entries[1].References)

	// WHEN: The structure is activated
	rec = s.do(http.MethodPost, base+"/structures/"+st.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[StructureDTO](t, rec).IsActive)

	// THEN: A second active open-scope structure conflicts and names the owner
	rec = s.do(http.MethodPost, base+"/structures", CreateStructureRequest{Name: "Other"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, st.ID, decode[ErrorResponse](t, rec).ExistingID)

	// WHEN: A version is drafted and activated
	rec = s.do(http.MethodPost, base+"/structures/"+st.ID+"/versions", map[string]any{"name": "Default v2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	draft := decode[StructureDTO](t, rec)
	assert.Equal(t, 2, draft.Version)
	assert.Equal(t, st.ID, draft.SupersedesID)
	assert.False(t, draft.IsActive)

	rules := decode[[]RuleDTO](t, s.do(http.MethodGet, base+"/structures/"+draft.ID+"/rules", nil))
	assert.Len(t, rules, 2)

	rec = s.do(http.MethodPost, base+"/structures/"+draft.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The original is superseded and only the draft is active
	original := decode[StructureDTO](t, s.do(http.MethodGet, base+"/structures/"+st.ID, nil))
	assert.False(t, original.IsActive)
	assert.NotNil(t, original.DeactivatedAt)

	active := decode[[]StructureDTO](t, s.do(http.MethodGet, base+"/structures?active=true", nil))
	require.Len(t, active, 1)
	assert.Equal(t, draft.ID, active[0].ID)

	// WHEN/THEN: Deactivate then delete
	rec = s.do(http.MethodPost, base+"/structures/"+draft.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[StructureDTO](t, rec).IsActive)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, base+"/structures/"+draft.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, base+"/structures/"+draft.ID, nil).Code)
}

func TestCreateStructure_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"bad date", CreateStructureRequest{Name: "S", EffectiveFrom: "01/03/2026"}},
		{"inverted range", CreateStructureRequest{Name: "S", EffectiveFrom: "2026-03-01", EffectiveTo: "2026-02-01"}},
		{"unknown period", CreateStructureRequest{Name: "S", PeriodType: "yearly"}},
		{"missing name", CreateStructureRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, base+"/structures", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestUpdateStructure_ScopeChangeConflicts(t *testing.T) {
	// GIVEN: An active engineering structure and an active open one
	s := newTestServer(t)
	eng := s.createStructure(CreateStructureRequest{Name: "Eng", Roles: []string{"Engineer"}})
	open := s.createStructure(CreateStructureRequest{Name: "Open"})
	assert.Equal(t, "engineer#*#*", eng.ScopeKey)

	// WHEN: The open one is narrowed to the same scope
	roles := []string{" engineer "}
	rec := s.do(http.MethodPut, base+"/structures/"+open.ID, UpdateStructureRequest{Roles: &roles})

	// THEN: The update is rejected
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, eng.ID, decode[ErrorResponse](t, rec).ExistingID)
}

func TestSuggestStructures(t *testing.T) {
	s := newTestServer(t)
	eng := s.createStructure(CreateStructureRequest{Name: "Eng", Roles: []string{"engineer"}})
	engOps := s.createStructure(CreateStructureRequest{Name: "Eng Ops", Roles: []string{"engineer"}, Departments: []string{"ops"}})
	open := s.createStructure(CreateStructureRequest{Name: "Everyone"})

	rec := s.do(http.MethodGet, base+"/structures/suggestions?role=Engineer&department=ops", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[SuggestionResponse](t, rec)

	require.Equal(t, 3, res.Total)
	got := []string{res.Suggestions[0].Structure.ID, res.Suggestions[1].Structure.ID, res.Suggestions[2].Structure.ID}
	if diff := cmp.Diff([]string{engOps.ID, eng.ID, open.ID}, got); diff != "" {
		t.Errorf("suggestion order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"role", "department"}, res.Suggestions[0].MatchedFields); diff != "" {
		t.Errorf("matched fields mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, res.Suggestions[2].IsFallback)
	assert.Equal(t, "ops", res.Filters["department"])

	// WHEN/THEN: Fallbacks can be excluded and the list capped
	res = decode[SuggestionResponse](t, s.do(http.MethodGet, base+"/structures/suggestions?role=engineer&includeFallback=false&limit=1", nil))
	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Suggestions, 1)
	assert.Equal(t, eng.ID, res.Suggestions[0].Structure.ID)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, base+"/structures/suggestions?limit=many", nil).Code)
}

// =============================================================================
// RULES
// =============================================================================

func TestRules_UpdateAndDelete(t *testing.T) {
	s := newTestServer(t)
	st := s.seedDefault()
	rules := decode[[]RuleDTO](t, s.do(http.MethodGet, base+"/structures/"+st.ID+"/rules", nil))
	require.Len(t, rules, 2)
	sso := rules[1]
	assert.Equal(t, "deduction", sso.ConceptKind)

	// WHEN: The SSO percentage is raised
	rec := s.do(http.MethodPut, base+"/structures/"+st.ID+"/rules/"+sso.ID, map[string]any{"percentage": "12.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "12.5", decode[RuleDTO](t, rec).Percentage.String())

	// WHEN: It is deleted
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, base+"/structures/"+st.ID+"/rules/"+sso.ID, nil).Code)

	// THEN: It is gone and a second delete is a 404
	rules = decode[[]RuleDTO](t, s.do(http.MethodGet, base+"/structures/"+st.ID+"/rules", nil))
	assert.Len(t, rules, 1)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, base+"/structures/"+st.ID+"/rules/"+sso.ID, nil).Code)
}

func TestCreateRule_ForeignConcept(t *testing.T) {
	s := newTestServer(t)
	st := s.createStructure(CreateStructureRequest{Name: "S"})

	rec := s.do(http.MethodPost, base+"/structures/"+st.ID+"/rules", map[string]any{
		"conceptId": "ghost", "priority": 1, "calculationType": "fixed", "amount": "10",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestCheckReferences(t *testing.T) {
	// GIVEN: A rule whose base has a typo
	s := newTestServer(t)
	s.createConcept("BASE_PAY", "earning")
	sso := s.createConcept("SSO", "deduction")
	inactive := false
	st := s.createStructure(CreateStructureRequest{Name: "S", IsActive: &inactive})
	s.createRule(st.ID, map[string]any{
		"conceptId": sso.ID, "priority": 2, "calculationType": "percentage",
		"percentage": "10", "baseConceptCodes": []string{"BASE_PAI"},
	})

	// WHEN: References are checked
	rec := s.do(http.MethodGet, base+"/structures/"+st.ID+"/references", nil)

	// THEN: The issue suggests the closest concept code
	require.Equal(t, http.StatusOK, rec.Code)
	issues := decode[[]ReferenceIssueDTO](t, rec)
	require.Len(t, issues, 1)
	assert.Equal(t, "BASE_PAI", issues[0].Reference)
	assert.Equal(t, payroll.RefUnknown, issues[0].Reason)
	assert.Contains(t, issues[0].Suggestions, "BASE_PAY")
}

// =============================================================================
// BUNDLES
// =============================================================================

func TestImportAndExportBundle(t *testing.T) {
	s := newTestServer(t)
	doc := `
concepts:
  - {code: BASE_PAY, name: Base, kind: earning}
  - {code: PENSION, name: Pension, kind: deduction}
structures:
  - name: Imported
    roles: [engineer]
    activate: true
    rules:
      - {concept: BASE_PAY, priority: 1, type: percentage, percentage: "100", base: [baseSalary]}
      - {concept: PENSION, priority: 2, type: percentage, percentage: "3", base: [BASE_PAY]}
`
	rec := s.do(http.MethodPost, base+"/structures/import", doc)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[LoadScenarioResponse](t, rec)
	require.Len(t, res.Structures, 1)
	assert.True(t, res.Structures[0].IsActive)
	assert.Equal(t, []string{"BASE_PAY", "PENSION"}, res.ConceptsCreated)

	rec = s.do(http.MethodGet, base+"/structures/"+res.Structures[0].ID+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	b, err := factory.Parse(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, b.Structures, 1)
	assert.Equal(t, "PENSION", b.Structures[0].Rules[1].Concept)

	// WHEN/THEN: Malformed bundles are client errors
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, base+"/structures/import", "structures: [{rules: []}]").Code)
}

// =============================================================================
// RUNS
// =============================================================================

func runRequest(employees ...RunEmployeeDTO) map[string]any {
	return map[string]any{
		"periodStart": "2026-03-01",
		"periodEnd":   "2026-03-31",
		"employees":   employees,
	}
}

func TestComputeRun(t *testing.T) {
	// GIVEN: An active default structure
	s := newTestServer(t)
	st := s.seedDefault()
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/structures/"+st.ID+"/activate", nil).Code)

	body := runRequest(
		RunEmployeeDTO{ID: "e1", Name: "Ada", Position: "engineer", Contract: &ContractDTO{ID: "c1", CompensationAmount: mustDecimal(t, "3000")}},
		RunEmployeeDTO{ID: "e2", Name: "Bob"},
	)
	body["archive"] = true

	// WHEN: A run is computed
	rec := s.do(http.MethodPost, base+"/runs", body)

	// THEN: The structured employee is paid, the other skipped
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[RunDTO](t, rec)
	require.Len(t, run.Lines, 1)
	line := run.Lines[0]
	assert.True(t, line.UsedStructure)
	assert.Equal(t, st.ID, line.StructureID)
	assert.Len(t, line.Earnings, 1)
	assert.Len(t, line.Deductions, 1)
	assert.Equal(t, "2700.00", line.NetPay.StringFixed(2))
	assert.Equal(t, "2700.00", run.Totals.NetPay.StringFixed(2))
	require.Len(t, run.Skipped, 1)
	assert.Equal(t, payroll.SkipNoContract, run.Skipped[0].Reason)
	assert.Equal(t, 100, run.Summary.CoveragePercent)
	assert.Equal(t, "structure", run.Entries[0].Breakdown.Source)

	// THEN: The run was archived
	require.Len(t, s.archiver.runs, 1)
	assert.Equal(t, "payroll-runs/acme/"+run.ID+".json", run.ArchiveKey)
}

func TestComputeRun_ArchiveFailureIsNotFatal(t *testing.T) {
	s := newTestServer(t)
	s.seedDefault()
	s.archiver.err = errors.New("bucket unavailable")
	body := runRequest(RunEmployeeDTO{ID: "e1", Name: "Ada", Contract: &ContractDTO{CompensationAmount: mustDecimal(t, "1000")}})
	body["archive"] = true

	rec := s.do(http.MethodPost, base+"/runs", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[RunDTO](t, rec).ArchiveKey)
}

func TestComputeRun_RequireFullCoverage(t *testing.T) {
	// GIVEN: No active structure, so the employee is computed on legacy
	s := newTestServer(t)
	s.seedDefault()
	body := runRequest(RunEmployeeDTO{ID: "e1", Name: "Ada", Contract: &ContractDTO{CompensationAmount: mustDecimal(t, "1000")}})

	// WHEN: Without the requirement the run succeeds at 0% coverage
	rec := s.do(http.MethodPost, base+"/runs", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decode[RunDTO](t, rec).Summary.CoveragePercent)

	// THEN: Requiring full coverage rejects it
	body["requireFullCoverage"] = true
	rec = s.do(http.MethodPost, base+"/runs", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestComputeRun_InvalidPeriod(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, base+"/runs", map[string]any{"periodStart": "March", "periodEnd": "2026-03-31"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// AUDIT & HEALTH
// =============================================================================

func TestQueryAudit(t *testing.T) {
	s := newTestServer(t)
	st := s.seedDefault()
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/structures/"+st.ID+"/activate", nil).Code)

	rec := s.do(http.MethodGet, base+"/audit?entity="+payroll.EntityStructure+"&entityId="+st.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := decode[[]AuditEntryDTO](t, rec)

	require.Len(t, entries, 2)
	assert.Equal(t, string(payroll.AuditActivated), entries[0].Action)
	assert.Equal(t, string(payroll.AuditCreated), entries[1].Action)

	limited := decode[[]AuditEntryDTO](t, s.do(http.MethodGet, base+"/audit?limit=1", nil))
	assert.Len(t, limited, 1)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, base+"/audit?limit=0", nil).Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", nil).Code)

	s.handler.Health = fakePinger{err: errors.New("database is locked")}
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, base+"/concepts", nil)

	rec := s.do(http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `payroll_http_requests_total{method="GET",path="/api/tenants/{tenant}/concepts`)
}
