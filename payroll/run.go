/*
run.go - Payroll run computation

PURPOSE:
  Computes a pay period for a set of employees. Each employee gets the
  entries of the structure that covers them, plus legacy per-concept
  calculations for every concept the structure does not cover. Employees no
  structure covers are computed entirely from legacy concepts and a
  synthetic BASE_PAY earning.

FLOW (per employee):
  1. Eligibility: active contract with compensation > 0. Others are listed in
     Run.Skipped and do not count toward coverage.
  2. Structure: the contract's explicit structure if it is still active,
     otherwise the best Matcher suggestion (open-scope fallback included).
  3. Engine: a structure with at least one rule is evaluated with the
     employee context. Its entries are tagged source=structure.
  4. Legacy: uncovered concepts with a calculation, tagged source=legacy.
  5. Totals: gross, deductions, employer costs, net = gross - deductions.

CONCURRENCY:
  Employees are computed in parallel by a bounded errgroup. Each worker
  writes only its own slot of the result slice; run totals and the coverage
  summary are built in one pass after every worker finished.

SEE ALSO:
  - summary.go: Structure coverage summary and period close check
  - legacy.go:  Per-concept legacy calculations
*/
package payroll

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/warp/payroll-engine/metrics"
)

// =============================================================================
// INPUT
// =============================================================================

// ContractSnapshot is the contract data a run needs.
type ContractSnapshot struct {
	ID                 string
	Active             bool
	ContractType       string
	PayFrequency       string
	CompensationType   string
	CompensationAmount decimal.Decimal
	// StructureID pins the contract to a structure.
	StructureID     string
	BenefitsTotal   decimal.Decimal
	DeductionsTotal decimal.Decimal
	ScheduleHours   decimal.Decimal
}

// EmployeeSnapshot is one employee of a run.
type EmployeeSnapshot struct {
	ID         string
	Name       string
	Position   string
	Department string
	Contract   *ContractSnapshot
}

// RunRequest asks for a period computation.
type RunRequest struct {
	TenantID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Label       string
	Employees   []EmployeeSnapshot
}

// =============================================================================
// OUTPUT
// =============================================================================

// EntrySource tells where a run entry came from.
type EntrySource string

const (
	SourceStructure EntrySource = "structure"
	SourceLegacy    EntrySource = "legacy"
)

// Breakdown explains how a run entry was computed.
type Breakdown struct {
	Source            EntrySource
	StructureID       string
	StructureVersion  int
	RulePriority      int
	CalculationType   string
	BaseAmount        decimal.Decimal
	AppliedPercentage *decimal.Decimal
}

// RunEntry is one line of a run.
type RunEntry struct {
	EmployeeID      string
	ContractID      string
	EmployeeName    string
	Department      string
	ConceptID       string
	ConceptCode     string
	ConceptName     string
	Kind            ConceptKind
	Amount          decimal.Decimal
	DebitAccountID  string
	CreditAccountID string
	Breakdown       Breakdown
}

// EmployeeResult is the computation of one employee.
type EmployeeResult struct {
	EmployeeID       string
	ContractID       string
	EmployeeName     string
	Department       string
	BaseAmount       decimal.Decimal
	UsedStructure    bool
	StructureID      string
	StructureVersion int
	Entries          []RunEntry
	GrossPay         decimal.Decimal
	Deductions       decimal.Decimal
	EmployerCosts    decimal.Decimal
	NetPay           decimal.Decimal
	// PreviewTotals and Logs are set when a structure was evaluated. Logs
	// keep the first 20 rule logs.
	PreviewTotals *Totals
	Logs          []RuleLog
}

// SkippedEmployee is an employee left out of the run.
type SkippedEmployee struct {
	EmployeeID string
	Reason     string
}

// Skip reasons.
const (
	SkipNoContract     = "no-active-contract"
	SkipNoCompensation = "no-compensation"
)

// RunTotals are the sums of a run.
type RunTotals struct {
	GrossPay      decimal.Decimal
	Deductions    decimal.Decimal
	EmployerCosts decimal.Decimal
	NetPay        decimal.Decimal
}

// Run is a computed pay period.
type Run struct {
	ID          string
	TenantID    string
	Label       string
	PeriodStart time.Time
	PeriodEnd   time.Time
	ComputedAt  time.Time
	Entries     []RunEntry
	Employees   []EmployeeResult
	Skipped     []SkippedEmployee
	Totals      RunTotals
	Summary     StructureSummary
}

// =============================================================================
// CALCULATOR
// =============================================================================

// RunCalculator computes payroll runs.
type RunCalculator struct {
	store   Store
	engine  *Engine
	logger  *slog.Logger
	tracer  trace.Tracer
	workers int
	now     func() time.Time
	newID   func() string
}

// RunOption configures a RunCalculator.
type RunOption func(*RunCalculator)

// WithWorkers bounds the number of employees computed in parallel.
func WithWorkers(n int) RunOption {
	return func(rc *RunCalculator) {
		if n > 0 {
			rc.workers = n
		}
	}
}

// WithRunLogger sets the logger.
func WithRunLogger(l *slog.Logger) RunOption { return func(rc *RunCalculator) { rc.logger = l } }

// WithRunClock overrides time.Now.
func WithRunClock(now func() time.Time) RunOption { return func(rc *RunCalculator) { rc.now = now } }

// NewRunCalculator creates a RunCalculator.
func NewRunCalculator(store Store, engine *Engine, opts ...RunOption) *RunCalculator {
	rc := &RunCalculator{
		store:   store,
		engine:  engine,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		workers: runtime.GOMAXPROCS(0),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(rc)
	}
	return rc
}

// runData is the tenant configuration shared read-only by all workers.
type runData struct {
	concepts     map[string]Concept
	conceptList  []Concept
	structures   []Structure
	structByID   map[string]Structure
	rulesByStruc map[string][]Rule
}

// Compute computes a run.
func (rc *RunCalculator) Compute(ctx context.Context, req RunRequest) (run Run, err error) {
	ctx, span := rc.tracer.Start(ctx, "payroll.ComputeRun", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.Int("employees", len(req.Employees)),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.ObserveRun(metrics.Result(err), time.Since(start), run.Summary.StructuredEmployees, run.Summary.LegacyEmployees)
	}()

	if !req.PeriodEnd.IsZero() && req.PeriodStart.After(req.PeriodEnd) {
		return Run{}, ErrInvalidRange
	}

	data, err := rc.load(ctx, req.TenantID)
	if err != nil {
		return Run{}, err
	}

	results := make([]*EmployeeResult, len(req.Employees))
	skipped := make([]string, len(req.Employees))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.workers)
	for i, emp := range req.Employees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if reason := eligibility(emp); reason != "" {
				skipped[i] = reason
				return nil
			}
			res := rc.computeEmployee(emp, data)
			results[i] = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Run{}, err
	}

	run = Run{
		ID:          rc.newID(),
		TenantID:    req.TenantID,
		Label:       req.Label,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		ComputedAt:  rc.now().UTC(),
		Entries:     []RunEntry{},
		Employees:   []EmployeeResult{},
		Skipped:     []SkippedEmployee{},
	}
	for i, res := range results {
		if res == nil {
			run.Skipped = append(run.Skipped, SkippedEmployee{EmployeeID: req.Employees[i].ID, Reason: skipped[i]})
			continue
		}
		run.Employees = append(run.Employees, *res)
		run.Entries = append(run.Entries, res.Entries...)
		run.Totals.GrossPay = run.Totals.GrossPay.Add(res.GrossPay)
		run.Totals.Deductions = run.Totals.Deductions.Add(res.Deductions)
		run.Totals.EmployerCosts = run.Totals.EmployerCosts.Add(res.EmployerCosts)
	}
	run.Totals.NetPay = run.Totals.GrossPay.Sub(run.Totals.Deductions)
	run.Summary = BuildStructureSummary(run.Employees, data.structByID)

	rc.logger.Info("payroll run computed",
		slog.String("tenant", req.TenantID),
		slog.String("run", run.ID),
		slog.Int("employees", len(run.Employees)),
		slog.Int("skipped", len(run.Skipped)),
		slog.Int("coverage", run.Summary.CoveragePercent),
		slog.String("net", run.Totals.NetPay.StringFixed(2)))
	return run, nil
}

func (rc *RunCalculator) load(ctx context.Context, tenantID string) (runData, error) {
	concepts, err := rc.store.ListConcepts(ctx, tenantID)
	if err != nil {
		return runData{}, fmt.Errorf("list concepts: %w", err)
	}
	structures, err := rc.store.ListStructures(ctx, tenantID, StructureFilter{ActiveOnly: true})
	if err != nil {
		return runData{}, fmt.Errorf("list structures: %w", err)
	}
	d := runData{
		concepts:     make(map[string]Concept, len(concepts)),
		conceptList:  concepts,
		structures:   structures,
		structByID:   make(map[string]Structure, len(structures)),
		rulesByStruc: make(map[string][]Rule, len(structures)),
	}
	for _, c := range concepts {
		d.concepts[c.ID] = c
	}
	for _, s := range structures {
		d.structByID[s.ID] = s
		rules, err := rc.store.ListRules(ctx, tenantID, s.ID)
		if err != nil {
			return runData{}, fmt.Errorf("list rules of %s: %w", s.ID, err)
		}
		d.rulesByStruc[s.ID] = rules
	}
	return d, nil
}

func eligibility(emp EmployeeSnapshot) string {
	if emp.Contract == nil || !emp.Contract.Active {
		return SkipNoContract
	}
	if !emp.Contract.CompensationAmount.IsPositive() {
		return SkipNoCompensation
	}
	return ""
}

// resolveStructure picks the structure of an employee.
func resolveStructure(emp EmployeeSnapshot, d runData) (Structure, bool) {
	if id := emp.Contract.StructureID; id != "" {
		if s, ok := d.structByID[id]; ok {
			return s, true
		}
	}
	return BestStructure(d.structures, MatchFilters{
		Role:         emp.Position,
		Department:   emp.Department,
		ContractType: emp.Contract.ContractType,
	})
}

// ruleContext is the employee context rules and formulas see.
func ruleContext(emp EmployeeSnapshot) map[string]any {
	c := emp.Contract
	return map[string]any{
		"baseSalary":       c.CompensationAmount,
		"baseAmount":       c.CompensationAmount,
		"department":       emp.Department,
		"position":         emp.Position,
		"contractType":     c.ContractType,
		"payFrequency":     c.PayFrequency,
		"compensationType": c.CompensationType,
		"benefitsTotal":    c.BenefitsTotal,
		"deductionsTotal":  c.DeductionsTotal,
		"scheduleHours":    c.ScheduleHours,
	}
}

func (rc *RunCalculator) computeEmployee(emp EmployeeSnapshot, d runData) EmployeeResult {
	c := emp.Contract
	base := c.CompensationAmount
	res := EmployeeResult{
		EmployeeID:   emp.ID,
		ContractID:   c.ID,
		EmployeeName: emp.Name,
		Department:   emp.Department,
		BaseAmount:   base,
		Entries:      []RunEntry{},
	}
	rctx := ruleContext(emp)
	covered := map[string]bool{}

	if s, ok := resolveStructure(emp, d); ok && len(d.rulesByStruc[s.ID]) > 0 {
		start := time.Now()
		p, err := rc.engine.Evaluate(s, d.rulesByStruc[s.ID], d.concepts, EvaluationInput{
			BaseSalary: base,
			BaseAmount: base,
			Context:    rctx,
		}, true)
		if err != nil {
			rc.logger.Warn("structure evaluation failed, using legacy concepts",
				slog.String("employee", emp.ID), slog.String("structure", s.ID), slog.Any("error", err))
		} else {
			metrics.ObserveEvaluation("run", time.Since(start), logReasons(p.Logs))
			res.UsedStructure = true
			res.StructureID = s.ID
			res.StructureVersion = s.Version
			totals := p.Totals
			res.PreviewTotals = &totals
			res.Logs = headLogs(p.Logs, 20)
			for _, en := range p.Entries {
				covered[en.ConceptID] = true
				if en.Amount.IsZero() {
					continue
				}
				res.Entries = append(res.Entries, structureEntry(emp, s, en, d.concepts[en.ConceptID]))
			}
		}
	}

	if !res.UsedStructure {
		if be, conceptID := basePayEntry(emp, d.conceptList); be.Amount.IsPositive() {
			res.Entries = append(res.Entries, be)
			if conceptID != "" {
				covered[conceptID] = true
			}
		}
	}
	res.Entries = append(res.Entries, rc.legacyEntries(emp, d.conceptList, covered, rctx)...)

	for _, en := range res.Entries {
		switch en.Kind {
		case KindEarning:
			res.GrossPay = res.GrossPay.Add(en.Amount)
		case KindDeduction:
			res.Deductions = res.Deductions.Add(en.Amount)
		default:
			res.EmployerCosts = res.EmployerCosts.Add(en.Amount)
		}
	}
	res.NetPay = res.GrossPay.Sub(res.Deductions)
	return res
}

func structureEntry(emp EmployeeSnapshot, s Structure, en Entry, c Concept) RunEntry {
	code, name := c.Code, c.Name
	if code == "" {
		code = en.ConceptID
	}
	if name == "" {
		name = code
	}
	return RunEntry{
		EmployeeID:      emp.ID,
		ContractID:      emp.Contract.ID,
		EmployeeName:    emp.Name,
		Department:      emp.Department,
		ConceptID:       en.ConceptID,
		ConceptCode:     code,
		ConceptName:     name,
		Kind:            en.Kind,
		Amount:          en.Amount,
		DebitAccountID:  c.DebitAccountID,
		CreditAccountID: c.CreditAccountID,
		Breakdown: Breakdown{
			Source:            SourceStructure,
			StructureID:       s.ID,
			StructureVersion:  s.Version,
			RulePriority:      en.Priority,
			CalculationType:   string(en.CalculationType),
			BaseAmount:        en.BaseAmount,
			AppliedPercentage: en.AppliedPercentage,
		},
	}
}

// =============================================================================
// RUN CHECKS
// =============================================================================

// ValidateRun checks that the run totals equal the sums of its entries
// within 0.01.
func ValidateRun(run Run) error {
	var t RunTotals
	for _, en := range run.Entries {
		switch en.Kind {
		case KindEarning:
			t.GrossPay = t.GrossPay.Add(en.Amount)
		case KindDeduction:
			t.Deductions = t.Deductions.Add(en.Amount)
		default:
			t.EmployerCosts = t.EmployerCosts.Add(en.Amount)
		}
	}
	t.NetPay = t.GrossPay.Sub(t.Deductions)
	checks := []struct {
		name           string
		stored, summed decimal.Decimal
	}{
		{"gross", run.Totals.GrossPay, t.GrossPay},
		{"deductions", run.Totals.Deductions, t.Deductions},
		{"employer costs", run.Totals.EmployerCosts, t.EmployerCosts},
		{"net", run.Totals.NetPay, t.NetPay},
	}
	for _, c := range checks {
		if c.stored.Sub(c.summed).Abs().GreaterThan(balanceTolerance) {
			return fmt.Errorf("%w: run %s %s total %s does not match entries %s",
				ErrUnbalanced, run.ID, c.name, c.stored.StringFixed(2), c.summed.StringFixed(2))
		}
	}
	return nil
}
