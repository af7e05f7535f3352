/*
Package sqlstore provides the SQL-backed payroll.TxStore and payroll.AuditLog.

PURPOSE:
  Persists concepts, structures, rules and audit entries in SQLite or
  PostgreSQL. Both dialects share one schema and one query set; the schema is
  versioned with goose migrations embedded in the binary.

DRIVERS:
  sqlite3: github.com/mattn/go-sqlite3, opened with foreign keys and WAL.
           A single connection is used so ":memory:" databases are shared
           and writers are serialized.
  pgx:     github.com/jackc/pgx/v5/stdlib.

KEY TABLES:
  payroll_concepts:   Tenant concepts, code unique per tenant (case-insensitive)
  payroll_structures: Versioned structures with their scope keys
  payroll_rules:      Rules, cascade-deleted with their structure
  payroll_audit_log:  Append-only audit trail

SCOPE UNIQUENESS:
  idx_payroll_structures_active_scope is a partial unique index on
  (tenant_id, scope_key) WHERE is_active. It is the cross-process guarantee
  behind the lifecycle manager's check-then-commit: a losing concurrent
  activation gets a unique violation, mapped to payroll.ScopeConflictError.

STORAGE FORMATS:
  Timestamps: fixed-width UTC text, so lexical order is chronological.
  Decimals:   decimal.Decimal.String().
  Lists:      JSON arrays.

USAGE:
  st, err := sqlstore.Open(ctx, "sqlite3", "./data/payroll.db")
  if err != nil {
      return err
  }
  defer st.Close()
  manager := payroll.NewManager(st, engine, payroll.WithAuditLog(st))

SEE ALSO:
  - payroll/store.go:        Interface definitions
  - payroll/store/memory.go: In-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlstore/migrations"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// timeLayout is RFC3339 with a fixed nanosecond width.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements payroll.TxStore and payroll.AuditLog.
type Store struct {
	*queries
	db     *sql.DB
	driver string
}

// queries runs every statement against one handle: the pool, or the
// transaction of a WithTx call.
type queries struct {
	db DBTX
}

// Open connects to the database and applies the migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// New wraps an open database without migrating it.
func New(db *sql.DB, driver string) *Store {
	return &Store{queries: &queries{db: db}, db: db, driver: driver}
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_journal_mode=WAL"
}

// gooseUp is a seam for tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(s.driver); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	return gooseUp(ctx, s.db, ".")
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// TRANSACTIONS (payroll.TxStore)
// =============================================================================

// WithTx runs fn inside a database transaction. fn's error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(payroll.Store) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = mapCommitError(cerr)
		}
	}()
	return fn(&queries{db: tx})
}

// DeleteStructure removes a structure and its rules atomically.
func (s *Store) DeleteStructure(ctx context.Context, tenantID, id string) error {
	return s.WithTx(ctx, func(tx payroll.Store) error {
		return tx.DeleteStructure(ctx, tenantID, id)
	})
}

func mapCommitError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", payroll.ErrScopeConflict, err)
	}
	return fmt.Errorf("failed to commit: %w", err)
}

// =============================================================================
// CONCEPTS
// =============================================================================

const conceptColumns = `id, tenant_id, code, code_key, name, kind, debit_account_id, credit_account_id,
	is_active, calc_method, calc_value, calc_formula, created_at, updated_at`

func (q *queries) SaveConcept(ctx context.Context, c payroll.Concept) error {
	var method, value, formula sql.NullString
	if calc := c.Calculation; calc != nil {
		method = nullString(string(calc.Method))
		value = nullString(calc.Value.String())
		formula = nullString(calc.Formula)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payroll_concepts (`+conceptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			code_key = excluded.code_key,
			name = excluded.name,
			kind = excluded.kind,
			debit_account_id = excluded.debit_account_id,
			credit_account_id = excluded.credit_account_id,
			is_active = excluded.is_active,
			calc_method = excluded.calc_method,
			calc_value = excluded.calc_value,
			calc_formula = excluded.calc_formula,
			updated_at = excluded.updated_at
	`,
		c.ID, c.TenantID, c.Code, strings.ToLower(c.Code), c.Name, string(c.Kind),
		nullString(c.DebitAccountID), nullString(c.CreditAccountID), c.IsActive,
		method, value, formula,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", payroll.ErrDuplicateConcept, c.Code)
		}
		return fmt.Errorf("failed to save concept: %w", err)
	}
	return nil
}

func (q *queries) GetConcept(ctx context.Context, tenantID, id string) (payroll.Concept, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+conceptColumns+` FROM payroll_concepts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return payroll.Concept{}, fmt.Errorf("failed to query concept: %w", err)
	}
	concepts, err := collect(rows, scanConcept)
	if err != nil {
		return payroll.Concept{}, err
	}
	if len(concepts) == 0 {
		return payroll.Concept{}, payroll.ErrConceptNotFound
	}
	return concepts[0], nil
}

func (q *queries) ListConcepts(ctx context.Context, tenantID string) ([]payroll.Concept, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+conceptColumns+` FROM payroll_concepts WHERE tenant_id = $1 ORDER BY code`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query concepts: %w", err)
	}
	return collect(rows, scanConcept)
}

func scanConcept(rows *sql.Rows) (payroll.Concept, error) {
	var (
		c                    payroll.Concept
		codeKey, kind        string
		debit, credit        sql.NullString
		method, value, frml  sql.NullString
		createdAt, updatedAt string
	)
	err := rows.Scan(&c.ID, &c.TenantID, &c.Code, &codeKey, &c.Name, &kind, &debit, &credit,
		&c.IsActive, &method, &value, &frml, &createdAt, &updatedAt)
	if err != nil {
		return c, fmt.Errorf("failed to scan concept: %w", err)
	}
	c.Kind = payroll.ConceptKind(kind)
	c.DebitAccountID = debit.String
	c.CreditAccountID = credit.String
	if method.Valid {
		v, err := parseDecimal(value.String)
		if err != nil {
			return c, err
		}
		c.Calculation = &payroll.LegacyCalculation{Method: payroll.LegacyMethod(method.String), Value: v, Formula: frml.String}
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// =============================================================================
// STRUCTURES
// =============================================================================

const structureColumns = `id, tenant_id, name, description, period_type, roles, departments, contract_types,
	role_key, department_key, contract_type_key, scope_key, effective_from, effective_to,
	is_active, activated_at, deactivated_at, version, supersedes_id, created_at, updated_at`

func (q *queries) SaveStructure(ctx context.Context, s payroll.Structure) error {
	if s.IsActive {
		var existing string
		err := q.db.QueryRowContext(ctx, `
			SELECT id FROM payroll_structures
			WHERE tenant_id = $1 AND scope_key = $2 AND is_active AND id <> $3
			LIMIT 1
		`, s.TenantID, s.ScopeKey, s.ID).Scan(&existing)
		switch {
		case err == nil:
			return &payroll.ScopeConflictError{TenantID: s.TenantID, ScopeKey: s.ScopeKey, ExistingID: existing, CandidateID: s.ID}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check active scope: %w", err)
		}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payroll_structures (`+structureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			period_type = excluded.period_type,
			roles = excluded.roles,
			departments = excluded.departments,
			contract_types = excluded.contract_types,
			role_key = excluded.role_key,
			department_key = excluded.department_key,
			contract_type_key = excluded.contract_type_key,
			scope_key = excluded.scope_key,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			is_active = excluded.is_active,
			activated_at = excluded.activated_at,
			deactivated_at = excluded.deactivated_at,
			version = excluded.version,
			supersedes_id = excluded.supersedes_id,
			updated_at = excluded.updated_at
	`,
		s.ID, s.TenantID, s.Name, nullString(s.Description), string(s.PeriodType),
		jsonList(s.Roles), jsonList(s.Departments), jsonList(s.ContractTypes),
		s.RoleKey, s.DepartmentKey, s.ContractTypeKey, s.ScopeKey,
		formatTime(s.EffectiveFrom), nullTime(s.EffectiveTo),
		s.IsActive, nullTime(s.ActivatedAt), nullTime(s.DeactivatedAt),
		s.Version, nullString(s.SupersedesID),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &payroll.ScopeConflictError{TenantID: s.TenantID, ScopeKey: s.ScopeKey, CandidateID: s.ID}
		}
		return fmt.Errorf("failed to save structure: %w", err)
	}
	return nil
}

func (q *queries) GetStructure(ctx context.Context, tenantID, id string) (payroll.Structure, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+structureColumns+` FROM payroll_structures WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return payroll.Structure{}, fmt.Errorf("failed to query structure: %w", err)
	}
	structures, err := collect(rows, scanStructure)
	if err != nil {
		return payroll.Structure{}, err
	}
	if len(structures) == 0 {
		return payroll.Structure{}, payroll.ErrStructureNotFound
	}
	return structures[0], nil
}

func (q *queries) ListStructures(ctx context.Context, tenantID string, f payroll.StructureFilter) ([]payroll.Structure, error) {
	query := `SELECT ` + structureColumns + ` FROM payroll_structures WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.ActiveOnly {
		query += ` AND is_active`
	}
	if f.ScopeKey != "" {
		args = append(args, f.ScopeKey)
		query += fmt.Sprintf(` AND scope_key = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query structures: %w", err)
	}
	return collect(rows, scanStructure)
}

func (q *queries) DeleteStructure(ctx context.Context, tenantID, id string) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM payroll_rules WHERE tenant_id = $1 AND structure_id = $2`, tenantID, id); err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM payroll_structures WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete structure: %w", err)
	}
	return requireAffected(res, payroll.ErrStructureNotFound)
}

func scanStructure(rows *sql.Rows) (payroll.Structure, error) {
	var (
		s                                      payroll.Structure
		description, supersedes                sql.NullString
		periodType                             string
		roles, departments, contractTypes      string
		effectiveFrom, createdAt, updatedAt    string
		effectiveTo, activatedAt, deactivatedAt sql.NullString
	)
	err := rows.Scan(&s.ID, &s.TenantID, &s.Name, &description, &periodType,
		&roles, &departments, &contractTypes,
		&s.RoleKey, &s.DepartmentKey, &s.ContractTypeKey, &s.ScopeKey,
		&effectiveFrom, &effectiveTo,
		&s.IsActive, &activatedAt, &deactivatedAt, &s.Version, &supersedes,
		&createdAt, &updatedAt)
	if err != nil {
		return s, fmt.Errorf("failed to scan structure: %w", err)
	}
	s.Description = description.String
	s.PeriodType = payroll.PeriodType(periodType)
	if s.Roles, err = parseList(roles); err != nil {
		return s, err
	}
	if s.Departments, err = parseList(departments); err != nil {
		return s, err
	}
	if s.ContractTypes, err = parseList(contractTypes); err != nil {
		return s, err
	}
	s.EffectiveFrom = parseTime(effectiveFrom)
	s.EffectiveTo = parseNullTime(effectiveTo)
	s.ActivatedAt = parseNullTime(activatedAt)
	s.DeactivatedAt = parseNullTime(deactivatedAt)
	s.SupersedesID = supersedes.String
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, tenant_id, structure_id, concept_id, concept_kind, priority, calculation_type,
	amount, percentage, formula, base_concept_codes, is_active, created_at`

func (q *queries) SaveRule(ctx context.Context, r payroll.Rule) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payroll_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT(id) DO UPDATE SET
			concept_id = excluded.concept_id,
			concept_kind = excluded.concept_kind,
			priority = excluded.priority,
			calculation_type = excluded.calculation_type,
			amount = excluded.amount,
			percentage = excluded.percentage,
			formula = excluded.formula,
			base_concept_codes = excluded.base_concept_codes,
			is_active = excluded.is_active
	`,
		r.ID, r.TenantID, r.StructureID, r.ConceptID, string(r.ConceptKind), r.Priority,
		string(r.CalculationType), r.Amount.String(), r.Percentage.String(), nullString(r.Formula),
		jsonList(r.BaseConceptCodes), r.IsActive, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (q *queries) GetRule(ctx context.Context, tenantID, structureID, id string) (payroll.Rule, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM payroll_rules WHERE tenant_id = $1 AND structure_id = $2 AND id = $3`,
		tenantID, structureID, id)
	if err != nil {
		return payroll.Rule{}, fmt.Errorf("failed to query rule: %w", err)
	}
	rules, err := collect(rows, scanRule)
	if err != nil {
		return payroll.Rule{}, err
	}
	if len(rules) == 0 {
		return payroll.Rule{}, payroll.ErrRuleNotFound
	}
	return rules[0], nil
}

func (q *queries) ListRules(ctx context.Context, tenantID, structureID string) ([]payroll.Rule, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM payroll_rules
		WHERE tenant_id = $1 AND structure_id = $2
		ORDER BY priority ASC, created_at ASC, id ASC
	`, tenantID, structureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	return collect(rows, scanRule)
}

func (q *queries) DeleteRule(ctx context.Context, tenantID, structureID, id string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM payroll_rules WHERE tenant_id = $1 AND structure_id = $2 AND id = $3`,
		tenantID, structureID, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireAffected(res, payroll.ErrRuleNotFound)
}

func scanRule(rows *sql.Rows) (payroll.Rule, error) {
	var (
		r                           payroll.Rule
		kind, calcType              string
		amount, percentage, refs    string
		formula                     sql.NullString
		createdAt                   string
	)
	err := rows.Scan(&r.ID, &r.TenantID, &r.StructureID, &r.ConceptID, &kind, &r.Priority, &calcType,
		&amount, &percentage, &formula, &refs, &r.IsActive, &createdAt)
	if err != nil {
		return r, fmt.Errorf("failed to scan rule: %w", err)
	}
	r.ConceptKind = payroll.ConceptKind(kind)
	r.CalculationType = payroll.CalculationType(calcType)
	if r.Amount, err = parseDecimal(amount); err != nil {
		return r, err
	}
	if r.Percentage, err = parseDecimal(percentage); err != nil {
		return r, err
	}
	r.Formula = formula.String
	if r.BaseConceptCodes, err = parseList(refs); err != nil {
		return r, err
	}
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

// =============================================================================
// AUDIT LOG (payroll.AuditLog)
// =============================================================================

// Append stores an audit entry.
func (s *Store) Append(ctx context.Context, e payroll.AuditEntry) error {
	before, err := marshalNullable(e.Before)
	if err != nil {
		return err
	}
	after, err := marshalNullable(e.After)
	if err != nil {
		return err
	}
	metadata, err := marshalNullable(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payroll_audit_log
		(id, tenant_id, entity, entity_id, action, before_json, after_json, metadata_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.TenantID, e.Entity, e.EntityID, string(e.Action), before, after, metadata, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Query returns matching audit entries, newest first. Before and After come
// back as json.RawMessage.
func (s *Store) Query(ctx context.Context, f payroll.AuditFilter) ([]payroll.AuditEntry, error) {
	query := `SELECT id, tenant_id, entity, entity_id, action, before_json, after_json, metadata_json, created_at
		FROM payroll_audit_log WHERE 1 = 1`
	var args []any
	for _, c := range []struct{ column, value string }{
		{"tenant_id", f.TenantID},
		{"entity", f.Entity},
		{"entity_id", f.EntityID},
		{"action", string(f.Action)},
	} {
		if c.value == "" {
			continue
		}
		args = append(args, c.value)
		query += fmt.Sprintf(" AND %s = $%d", c.column, len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return collect(rows, scanAudit)
}

func scanAudit(rows *sql.Rows) (payroll.AuditEntry, error) {
	var (
		e                         payroll.AuditEntry
		action, createdAt         string
		before, after, metadata   sql.NullString
	)
	if err := rows.Scan(&e.ID, &e.TenantID, &e.Entity, &e.EntityID, &action, &before, &after, &metadata, &createdAt); err != nil {
		return e, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	e.Action = payroll.AuditAction(action)
	if before.Valid {
		e.Before = json.RawMessage(before.String)
	}
	if after.Valid {
		e.After = json.RawMessage(after.String)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
	}
	e.Timestamp = parseTime(createdAt)
	return e, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func collect[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stored decimal %q: %w", s, err)
	}
	return d, nil
}

func jsonList(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func parseList(s string) ([]string, error) {
	var out []string
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("invalid stored list %q: %w", s, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit payload: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// isUniqueViolation recognizes unique index violations of both drivers.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}
