package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func testStructure(id, scopeKey string, active bool) payroll.Structure {
	meta := payroll.ComputeScope(payroll.Scope{})
	s := payroll.Structure{
		ID: id, TenantID: "t1", Name: "Structure " + id, PeriodType: payroll.PeriodMonthly,
		RoleKey: meta.RoleKey, DepartmentKey: meta.DepartmentKey, ContractTypeKey: meta.ContractTypeKey,
		ScopeKey: scopeKey, EffectiveFrom: t0, IsActive: active, Version: 1,
		CreatedAt: t0, UpdatedAt: t0,
	}
	if active {
		at := t0
		s.ActivatedAt = &at
	}
	return s
}

// =============================================================================
// CONCEPTS
// =============================================================================

func TestConcept_RoundTrip(t *testing.T) {
	// GIVEN: A concept with a legacy calculation
	s := setupTestStore(t)
	ctx := context.Background()
	c := payroll.Concept{
		ID: "c1", TenantID: "t1", Code: "SSO", Name: "Social security", Kind: payroll.KindDeduction,
		DebitAccountID: "6100", IsActive: true,
		Calculation: &payroll.LegacyCalculation{Method: payroll.LegacyPercentageOfBase, Value: decimal.RequireFromString("7.5")},
		CreatedAt:   t0, UpdatedAt: t0,
	}

	// WHEN: Saved and read back
	require.NoError(t, s.SaveConcept(ctx, c))
	got, err := s.GetConcept(ctx, "t1", "c1")

	// THEN: Every field survives
	require.NoError(t, err)
	assert.Equal(t, "SSO", got.Code)
	assert.Equal(t, payroll.KindDeduction, got.Kind)
	assert.Equal(t, "6100", got.DebitAccountID)
	assert.Empty(t, got.CreditAccountID)
	require.NotNil(t, got.Calculation)
	assert.Equal(t, payroll.LegacyPercentageOfBase, got.Calculation.Method)
	assert.True(t, got.Calculation.Value.Equal(decimal.RequireFromString("7.5")))
	assert.True(t, got.CreatedAt.Equal(t0))
}

func TestConcept_CodeUniquePerTenant(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveConcept(ctx, payroll.Concept{ID: "c1", TenantID: "t1", Code: "SSO", Kind: payroll.KindDeduction, CreatedAt: t0, UpdatedAt: t0}))

	err := s.SaveConcept(ctx, payroll.Concept{ID: "c2", TenantID: "t1", Code: "sso", Kind: payroll.KindDeduction, CreatedAt: t0, UpdatedAt: t0})
	assert.ErrorIs(t, err, payroll.ErrDuplicateConcept)

	// Another tenant may reuse the code.
	err = s.SaveConcept(ctx, payroll.Concept{ID: "c3", TenantID: "t2", Code: "SSO", Kind: payroll.KindDeduction, CreatedAt: t0, UpdatedAt: t0})
	assert.NoError(t, err)

	_, err = s.GetConcept(ctx, "t2", "c1")
	assert.ErrorIs(t, err, payroll.ErrConceptNotFound)
}

// =============================================================================
// STRUCTURES
// =============================================================================

func TestStructure_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	st := testStructure("s1", "engineer#*#*", true)
	st.Roles = []string{"engineer"}
	st.RoleKey = "engineer"
	to := t0.AddDate(1, 0, 0)
	st.EffectiveTo = &to
	st.SupersedesID = "s0"

	require.NoError(t, s.SaveStructure(ctx, st))
	got, err := s.GetStructure(ctx, "t1", "s1")

	require.NoError(t, err)
	assert.Equal(t, []string{"engineer"}, got.Roles)
	assert.Nil(t, got.Departments)
	assert.Equal(t, "engineer#*#*", got.ScopeKey)
	require.NotNil(t, got.EffectiveTo)
	assert.True(t, got.EffectiveTo.Equal(to))
	require.NotNil(t, got.ActivatedAt)
	assert.Nil(t, got.DeactivatedAt)
	assert.Equal(t, "s0", got.SupersedesID)
	assert.True(t, got.IsActive)
}

func TestStructure_ActiveScopeIsUnique(t *testing.T) {
	// GIVEN: An active structure for the open scope
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveStructure(ctx, testStructure("a", "*#*#*", true)))

	// WHEN: A second active structure is saved for the same key
	err := s.SaveStructure(ctx, testStructure("b", "*#*#*", true))

	// THEN: The store names the current owner
	var conflict *payroll.ScopeConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "a", conflict.ExistingID)

	// Inactive drafts for the same key are fine.
	assert.NoError(t, s.SaveStructure(ctx, testStructure("c", "*#*#*", false)))
}

func TestStructure_ListNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"old", "mid", "new"} {
		st := testStructure(id, fmt.Sprintf("k%d", i), i != 1)
		st.CreatedAt = t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.SaveStructure(ctx, st))
	}

	all, err := s.ListStructures(ctx, "t1", payroll.StructureFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)

	active, err := s.ListStructures(ctx, "t1", payroll.StructureFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	byKey, err := s.ListStructures(ctx, "t1", payroll.StructureFilter{ScopeKey: "k1"})
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, "mid", byKey[0].ID)
}

func TestStructure_DeleteCascadesRules(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveStructure(ctx, testStructure("a", "k", false)))
	require.NoError(t, s.SaveRule(ctx, payroll.Rule{ID: "r1", TenantID: "t1", StructureID: "a", ConceptID: "c",
		ConceptKind: payroll.KindEarning, CalculationType: payroll.CalcFixed, Amount: decimal.NewFromInt(10), CreatedAt: t0}))

	require.NoError(t, s.DeleteStructure(ctx, "t1", "a"))

	rules, err := s.ListRules(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.ErrorIs(t, s.DeleteStructure(ctx, "t1", "a"), payroll.ErrStructureNotFound)
}

// =============================================================================
// RULES
// =============================================================================

func TestRule_OrderAndRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveStructure(ctx, testStructure("a", "k", false)))
	for _, r := range []payroll.Rule{
		{ID: "late", Priority: 1, CreatedAt: t0.Add(time.Minute)},
		{ID: "second", Priority: 2, CreatedAt: t0, BaseConceptCodes: []string{"BASE", "concept:c9"}},
		{ID: "early", Priority: 1, CreatedAt: t0, Formula: "base * 0.1"},
	} {
		r.TenantID, r.StructureID, r.ConceptID = "t1", "a", "c"
		r.ConceptKind, r.CalculationType, r.IsActive = payroll.KindEarning, payroll.CalcPercentage, true
		r.Percentage = decimal.RequireFromString("12.5")
		require.NoError(t, s.SaveRule(ctx, r))
	}

	rules, err := s.ListRules(ctx, "t1", "a")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"early", "late", "second"}, []string{rules[0].ID, rules[1].ID, rules[2].ID})
	assert.Equal(t, "base * 0.1", rules[0].Formula)
	assert.Equal(t, []string{"BASE", "concept:c9"}, rules[2].BaseConceptCodes)
	assert.True(t, rules[2].Percentage.Equal(decimal.RequireFromString("12.5")))

	require.NoError(t, s.DeleteRule(ctx, "t1", "a", "late"))
	_, err = s.GetRule(ctx, "t1", "a", "late")
	assert.ErrorIs(t, err, payroll.ErrRuleNotFound)
	assert.ErrorIs(t, s.DeleteRule(ctx, "t1", "a", "late"), payroll.ErrRuleNotFound)
}

func TestRule_RequiresStructure(t *testing.T) {
	s := setupTestStore(t)

	err := s.SaveRule(context.Background(), payroll.Rule{ID: "r", TenantID: "t1", StructureID: "missing",
		ConceptID: "c", ConceptKind: payroll.KindEarning, CalculationType: payroll.CalcFixed, CreatedAt: t0})

	assert.Error(t, err)
}

func TestScan_CorruptedListColumnFails(t *testing.T) {
	// GIVEN: A scoped structure and a rule whose stored lists are damaged
	s := setupTestStore(t)
	ctx := context.Background()
	st := testStructure("s1", "engineer#*#*", false)
	st.Roles = []string{"engineer"}
	require.NoError(t, s.SaveStructure(ctx, st))
	require.NoError(t, s.SaveRule(ctx, payroll.Rule{ID: "r1", TenantID: "t1", StructureID: "s1", ConceptID: "c",
		ConceptKind: payroll.KindDeduction, CalculationType: payroll.CalcPercentage, BaseConceptCodes: []string{"BASE"},
		IsActive: true, CreatedAt: t0}))

	_, err := s.db.ExecContext(ctx, `UPDATE payroll_structures SET roles = '["engineer"' WHERE id = 's1'`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE payroll_rules SET base_concept_codes = 'BASE' WHERE id = 'r1'`)
	require.NoError(t, err)

	// WHEN: Reading them back
	_, structErr := s.GetStructure(ctx, "t1", "s1")
	_, ruleErr := s.ListRules(ctx, "t1", "s1")

	// THEN: The read fails instead of widening the scope or dropping references
	assert.ErrorContains(t, structErr, "invalid stored list")
	assert.ErrorContains(t, ruleErr, "invalid stored list")
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveStructure(ctx, testStructure("a", "k", true)))

	err := s.WithTx(ctx, func(tx payroll.Store) error {
		a, err := tx.GetStructure(ctx, "t1", "a")
		if err != nil {
			return err
		}
		a.IsActive = false
		if err := tx.SaveStructure(ctx, a); err != nil {
			return err
		}
		if err := tx.SaveStructure(ctx, testStructure("b", "k", true)); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	a, err := s.GetStructure(ctx, "t1", "a")
	require.NoError(t, err)
	assert.True(t, a.IsActive)
	_, err = s.GetStructure(ctx, "t1", "b")
	assert.ErrorIs(t, err, payroll.ErrStructureNotFound)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestAudit_AppendAndQuery(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for i, e := range []payroll.AuditEntry{
		{ID: "1", TenantID: "t1", Entity: payroll.EntityStructure, EntityID: "s1", Action: payroll.AuditCreated, After: map[string]any{"name": "A"}},
		{ID: "2", TenantID: "t1", Entity: payroll.EntityStructure, EntityID: "s1", Action: payroll.AuditActivated, Metadata: map[string]any{"version": 1}},
		{ID: "3", TenantID: "t2", Entity: payroll.EntityConcept, EntityID: "c1", Action: payroll.AuditCreated},
	} {
		e.Timestamp = t0.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.Query(ctx, payroll.AuditFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID)
	assert.EqualValues(t, 1, got[0].Metadata["version"])
	assert.JSONEq(t, `{"name":"A"}`, string(got[1].After.(json.RawMessage)))

	got, err = s.Query(ctx, payroll.AuditFilter{Action: payroll.AuditCreated, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)
}

// =============================================================================
// MANAGER INTEGRATION
// =============================================================================

func newManager(t *testing.T, s *Store) *payroll.Manager {
	t.Helper()
	var seq atomic.Int64
	return payroll.NewManager(s, payroll.MustNewEngine(),
		payroll.WithAuditLog(s),
		payroll.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		payroll.WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }),
	)
}

func TestManager_ConcurrentActivationOnSQLite(t *testing.T) {
	// GIVEN: Six inactive drafts for the same scope
	s := setupTestStore(t)
	ctx := context.Background()
	m := newManager(t, s)
	inactive := false
	var ids []string
	for i := 0; i < 6; i++ {
		st, err := m.CreateStructure(ctx, "t1", payroll.StructureInput{
			Name: fmt.Sprintf("Draft %d", i), PeriodType: payroll.PeriodMonthly,
			Roles: []string{"Engineer"}, IsActive: &inactive,
		})
		require.NoError(t, err)
		ids = append(ids, st.ID)
	}

	// WHEN: All are activated at once
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := m.Activate(ctx, "t1", id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, payroll.ErrScopeConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	// THEN: Exactly one wins and the database agrees
	assert.Equal(t, 1, winners)
	assert.Equal(t, 5, conflicts)
	active, err := s.ListStructures(ctx, "t1", payroll.StructureFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	entries, err := s.Query(ctx, payroll.AuditFilter{TenantID: "t1", Action: payroll.AuditActivated})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManager_PreviewOnSQLite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := newManager(t, s)
	base, err := m.CreateConcept(ctx, "t1", payroll.ConceptInput{Code: "BASE_PAY", Name: "Base", Kind: payroll.KindEarning})
	require.NoError(t, err)
	sso, err := m.CreateConcept(ctx, "t1", payroll.ConceptInput{Code: "SSO", Name: "SSO", Kind: payroll.KindDeduction})
	require.NoError(t, err)
	inactive := false
	st, err := m.CreateStructure(ctx, "t1", payroll.StructureInput{Name: "Default", PeriodType: payroll.PeriodMonthly, IsActive: &inactive})
	require.NoError(t, err)
	_, err = m.CreateRule(ctx, "t1", st.ID, payroll.RuleInput{ConceptID: base.ID, Priority: 1,
		CalculationType: payroll.CalcPercentage, Percentage: decimal.NewFromInt(100), BaseConceptCodes: []string{"baseSalary"}})
	require.NoError(t, err)
	_, err = m.CreateRule(ctx, "t1", st.ID, payroll.RuleInput{ConceptID: sso.ID, Priority: 2,
		CalculationType: payroll.CalcPercentage, Percentage: decimal.NewFromInt(10), BaseConceptCodes: []string{"BASE_PAY"}})
	require.NoError(t, err)

	p, err := m.PreviewStructure(ctx, "t1", st.ID, payroll.PreviewInput{
		EvaluationInput: payroll.EvaluationInput{BaseSalary: decimal.NewFromInt(3000)},
	})

	require.NoError(t, err)
	assert.Equal(t, "3000.00", p.Totals.Earnings.StringFixed(2))
	assert.Equal(t, "300.00", p.Totals.Deductions.StringFixed(2))
	assert.Equal(t, "2700.00", p.Totals.NetPay.StringFixed(2))
}

// =============================================================================
// POSTGRES DIALECT (sqlmock)
// =============================================================================

func TestSaveStructure_PostgresUniqueViolation(t *testing.T) {
	// GIVEN: A postgres connection whose insert hits the partial unique index
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	s := New(db, DriverPostgres)

	mock.ExpectQuery(`SELECT id FROM payroll_structures`).
		WithArgs("t1", "*#*#*", "b").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO payroll_structures`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	// WHEN: The structure is saved
	err = s.SaveStructure(context.Background(), testStructure("b", "*#*#*", true))

	// THEN: The violation surfaces as a scope conflict
	assert.ErrorIs(t, err, payroll.ErrScopeConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConcept_PostgresNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	s := New(db, DriverPostgres)

	mock.ExpectQuery(`FROM payroll_concepts WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = s.GetConcept(context.Background(), "t1", "nope")

	assert.ErrorIs(t, err, payroll.ErrConceptNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_UsesDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var called bool
	orig := gooseUp
	gooseUp = func(_ context.Context, _ *sql.DB, dir string) error {
		called = true
		assert.Equal(t, ".", dir)
		return nil
	}
	t.Cleanup(func() { gooseUp = orig })

	require.NoError(t, New(db, DriverPostgres).Migrate(context.Background()))
	assert.True(t, called)

	assert.Error(t, New(db, "oracle").Migrate(context.Background()))
}
