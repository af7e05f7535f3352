/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Exposes the built-in structure bundles of the factory package. Loading a
	scenario seeds a tenant with its concepts and structures and computes a
	run for the scenario's employees, so a fresh deployment has something to
	look at.

AVAILABLE SCENARIOS:

	standard-monthly:  One open-scope structure for everyone
	role-scoped:       Engineers on their own structure, fallback for the rest
	legacy-migration:  Partial coverage, legacy concept calculations

USAGE VIA API:

	GET  /api/scenarios
	POST /api/tenants/acme/scenarios/role-scoped?period=2026-03

NOTE:

	Scenarios do not reset anything. Loading the same scenario twice into a
	tenant fails with 409 because its structures would share an active scope.

SEE ALSO:
  - factory/scenarios.go: Bundle definitions
  - handlers.go: ImportBundle for user-supplied bundles
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

// ListScenarios returns all available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, factory.Scenarios())
}

// LoadScenario applies a scenario to the tenant and computes a run for the
// month given by ?period=YYYY-MM (default: the current month).
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	start, end, err := monthPeriod(r.URL.Query().Get("period"), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	id := chi.URLParam(r, "scenario")
	b, err := factory.LoadScenario(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Scenario not found", err)
		return
	}

	resp, err := h.loadScenario(r.Context(), tenantID(r), id, b, start, end)
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) loadScenario(ctx context.Context, tenant, id string, b factory.Bundle, start, end time.Time) (LoadScenarioResponse, error) {
	res, err := factory.Apply(ctx, h.Manager, tenant, b)
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	resp := LoadScenarioResponse{
		ScenarioID:      id,
		ConceptsCreated: nonNil(res.ConceptsCreated),
		ConceptsReused:  nonNil(res.ConceptsReused),
		Structures:      toStructureDTOs(res.Structures),
	}

	employees, err := b.RunEmployees()
	if err != nil {
		return resp, err
	}
	if len(employees) == 0 {
		return resp, nil
	}
	run, err := h.Runs.Compute(ctx, payroll.RunRequest{
		TenantID:    tenant,
		PeriodStart: start,
		PeriodEnd:   end,
		Label:       "scenario " + id,
		Employees:   employees,
	})
	if err != nil {
		return resp, fmt.Errorf("compute scenario run: %w", err)
	}
	dto := toRunDTO(run)
	resp.Run = &dto
	return resp, nil
}

// SeedScenario loads a scenario at startup. The run result is discarded.
func (h *Handler) SeedScenario(ctx context.Context, tenant, id string) error {
	b, err := factory.LoadScenario(id)
	if err != nil {
		return err
	}
	start, end, _ := monthPeriod("", time.Now().UTC())
	_, err = h.loadScenario(ctx, tenant, id, b, start, end)
	return err
}

// monthPeriod returns the first and last day of the month named by
// "YYYY-MM", or of now's month when period is empty.
func monthPeriod(period string, now time.Time) (time.Time, time.Time, error) {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if p := strings.TrimSpace(period); p != "" {
		t, err := time.Parse("2006-01", p)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("period must be YYYY-MM: %w", err)
		}
		first = t
	}
	return first, first.AddDate(0, 1, -1), nil
}
