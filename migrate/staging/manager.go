package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/internal/audit"
	"github.com/satishbabariya/schemaguard/internal/telemetry"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/executor"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
	"github.com/satishbabariya/schemaguard/migrate/sqlgen"
)

// DefaultSampleRows is the per-table row budget.
const DefaultSampleRows = 1000

const insertBatch = 100

// Manager provisions staging environments from one source database.
type Manager struct {
	source      *sql.DB
	provider    string
	catalog     introspect.Introspector
	sampler     SampleSource
	provisioner Provisioner

	sampleRows     int
	stratifyColumn string
	logger         *zap.Logger
	metrics        *telemetry.Metrics
	audit          *audit.Recorder

	mu   sync.Mutex
	envs map[string]*Environment
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records dry run outcomes.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithAudit records provisioning, dry runs and cleanups.
func WithAudit(r *audit.Recorder) Option {
	return func(m *Manager) { m.audit = r }
}

// WithSampleRows sets the per-table row budget.
func WithSampleRows(n int) Option {
	return func(m *Manager) { m.sampleRows = n }
}

// WithStratifyColumn names the column stratified samples partition by
// when a table has it.
func WithStratifyColumn(column string) Option {
	return func(m *Manager) { m.stratifyColumn = column }
}

// WithSampleSource replaces the SQL sampler.
func WithSampleSource(s SampleSource) Option {
	return func(m *Manager) { m.sampler = s }
}

// WithCatalog overrides the source catalog reader.
func WithCatalog(c introspect.Introspector) Option {
	return func(m *Manager) { m.catalog = c }
}

// NewManager creates a staging manager for the source database.
func NewManager(source *sql.DB, provider string, prov Provisioner, opts ...Option) (*Manager, error) {
	if prov == nil {
		return nil, errors.New("staging manager needs a provisioner")
	}
	m := &Manager{
		source:      source,
		provider:    introspect.NormalizeProvider(provider),
		provisioner: prov,
		sampleRows:  DefaultSampleRows,
		logger:      zap.NewNop(),
		envs:        make(map[string]*Environment),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("staging")

	var err error
	if m.catalog == nil {
		if m.catalog, err = introspect.NewIntrospector(source, provider); err != nil {
			return nil, err
		}
	}
	if m.sampler == nil {
		if m.sampler, err = NewSQLSampleSource(source, provider); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Provision creates an environment with the source schema and a sample
// of its rows. The environment is cleaned up automatically at ExpiresAt.
// Any failure cleans up what was created and returns a
// *migrate.StagingProvisionError.
func (m *Manager) Provision(ctx context.Context, strategy SamplingStrategy, limits ResourceLimits) (*Environment, error) {
	if strategy == "" {
		strategy = Representative
	}
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits
	}
	id := uuid.NewString()
	if err := limits.Validate(); err != nil {
		return nil, &migrate.StagingProvisionError{EnvironmentID: id, Reason: "invalid resource limits", Err: err}
	}
	if _, err := ParseSamplingStrategy(string(strategy)); err != nil {
		return nil, &migrate.StagingProvisionError{EnvironmentID: id, Reason: "invalid sampling strategy", Err: err}
	}

	info, db, err := m.provisioner.Create(ctx, id)
	if err != nil {
		m.audit.Record(ctx, "staging.provision", id, audit.OutcomeFailed, map[string]string{"error": err.Error()})
		return nil, &migrate.StagingProvisionError{EnvironmentID: id, Reason: "failed to create database", Err: err}
	}
	now := time.Now()
	env := &Environment{
		ID:             id,
		ConnectionInfo: info,
		Provider:       introspect.NormalizeProvider(info.Provider),
		Strategy:       strategy,
		Limits:         limits,
		CreatedAt:      now,
		ExpiresAt:      now.Add(limits.MaxDuration()),
		SampledRows:    make(map[string]int),
		db:             db,
	}
	m.mu.Lock()
	m.envs[id] = env
	m.mu.Unlock()

	env.mu.Lock()
	env.timer = time.AfterFunc(limits.MaxDuration(), func() { m.expire(env) })
	env.mu.Unlock()

	logger := m.logger.With(zap.String("environment_id", id), zap.String("strategy", string(strategy)))
	logger.Info("provisioning staging environment", zap.Stringer("connection", info))

	if err := m.populate(ctx, env); err != nil {
		var perr *migrate.StagingProvisionError
		if !errors.As(err, &perr) {
			perr = &migrate.StagingProvisionError{EnvironmentID: id, Reason: "failed to populate database", Err: err}
		}
		logger.Warn("provisioning failed", zap.Error(err))
		m.audit.Record(ctx, "staging.provision", id, audit.OutcomeFailed, map[string]string{"error": perr.Error()})
		if cerr := m.Cleanup(context.WithoutCancel(ctx), env); cerr != nil {
			return nil, errors.Join(perr, cerr)
		}
		return nil, perr
	}

	logger.Info("staging environment ready",
		zap.Int64("storage_bytes", env.StorageBytes),
		zap.Time("expires_at", env.ExpiresAt),
	)
	m.audit.Record(ctx, "staging.provision", id, audit.OutcomeSucceeded, map[string]string{
		"strategy": string(strategy),
		"database": info.Database,
	})
	return env, nil
}

type tableSample struct {
	columns []string
	rows    []Row
}

// keys returns the set of value tuples sampled for columns.
func (s *tableSample) keys(columns []string) map[string]bool {
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = -1
		for j, have := range s.columns {
			if strings.EqualFold(have, c) {
				idx[i] = j
			}
		}
		if idx[i] < 0 {
			return nil
		}
	}
	out := make(map[string]bool, len(s.rows))
	for _, row := range s.rows {
		out[tupleKey(row, idx)] = true
	}
	return out
}

func tupleKey(row Row, idx []int) string {
	vals := make([]any, len(idx))
	for i, j := range idx {
		vals[i] = row[j]
	}
	return keyOf(vals...)
}

func (m *Manager) populate(ctx context.Context, env *Environment) error {
	ctx, cancel := context.WithDeadline(ctx, env.ExpiresAt)
	defer cancel()

	schema, err := m.catalog.Introspect(ctx)
	if err != nil {
		return fmt.Errorf("failed to read source catalog: %w", err)
	}
	d, err := sqlgen.ForProvider(env.Provider)
	if err != nil {
		return err
	}
	tables := snapshot.TablesParentsFirst(schema.Tables)

	for _, t := range tables {
		for _, stmt := range m.tableDDL(d, t) {
			if _, err := env.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create table %s: %w", t.Name, err)
			}
		}
	}

	// Rows are copied on one connection with FK enforcement off so cyclic
	// references can be loaded in any order.
	conn, err := env.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if stmt := d.ForeignKeyChecks(false); stmt != "" {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to disable foreign key checks: %w", err)
		}
		defer func() {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), d.ForeignKeyChecks(true))
		}()
	}

	sampled := make(map[string]*tableSample, len(tables))
	for _, t := range tables {
		rows, err := m.sampleTable(ctx, env, t, sampled)
		if err != nil {
			return err
		}
		sampled[strings.ToLower(t.Name)] = &tableSample{columns: t.ColumnNames(), rows: rows}
		if err := m.copyRows(ctx, env, conn, d, t, rows); err != nil {
			return err
		}
		env.SampledRows[t.Name] = len(rows)
	}

	for _, v := range snapshot.ViewsInOrder(schema.Views) {
		if _, err := env.db.ExecContext(ctx, d.CreateView(v)); err != nil {
			return fmt.Errorf("failed to create view %s: %w", v.Name, err)
		}
	}
	for _, tr := range schema.Triggers {
		if _, err := env.db.ExecContext(ctx, snapshot.TriggerDDL(d, tr)); err != nil {
			return fmt.Errorf("failed to create trigger %s: %w", tr.Name, err)
		}
	}
	return nil
}

// tableDDL reuses the stored definition when copying SQLite to SQLite so
// column affinities and constraints carry over verbatim.
func (m *Manager) tableDDL(d sqlgen.Dialect, t introspect.Table) []string {
	if m.provider != introspect.ProviderSQLite || d.Name() != introspect.ProviderSQLite || t.Definition == "" {
		return sqlgen.CreateTableWithIndexes(d, t)
	}
	stmts := []string{t.Definition}
	for _, idx := range t.Indexes {
		stmts = append(stmts, d.CreateIndex(t.Name, idx))
	}
	return stmts
}

func (m *Manager) sampleTable(ctx context.Context, env *Environment, t introspect.Table, sampled map[string]*tableSample) ([]Row, error) {
	req := SampleRequest{
		Table:    t.Name,
		Columns:  t.ColumnNames(),
		Limit:    m.sampleRows,
		Strategy: env.Strategy,
	}
	if env.Strategy == Stratified {
		req.StratifyColumn = m.stratifyColumnFor(t)
	}

	type check struct {
		idx  []int
		keys map[string]bool
		self bool
	}
	var checks []check
	if env.Strategy == Representative {
		for _, fk := range t.ForeignKeys {
			parent := strings.ToLower(fk.ReferencedTable)
			refCols := referencedColumns(fk, t, sampled[parent])
			idx := columnIndexes(req.Columns, fk.Columns)
			if idx == nil {
				continue
			}
			if strings.EqualFold(fk.ReferencedTable, t.Name) {
				checks = append(checks, check{idx: idx, self: true, keys: nil})
				continue
			}
			s, ok := sampled[parent]
			if !ok {
				continue
			}
			keys := s.keys(refCols)
			if keys == nil {
				continue
			}
			if len(fk.Columns) == 1 {
				req.Filters = append(req.Filters, KeyFilter{Column: fk.Columns[0], Values: columnValues(s, refCols[0])})
			}
			checks = append(checks, check{idx: idx, keys: keys})
		}
	}

	rows, err := m.sampler.SampleRows(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", t.Name, err)
	}
	if len(checks) == 0 {
		return rows, nil
	}

	kept := rows[:0:0]
	for _, row := range rows {
		ok := true
		for _, c := range checks {
			if c.self || isNullTuple(row, c.idx) {
				continue
			}
			if !c.keys[tupleKey(row, c.idx)] {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, row)
		}
	}

	// Self references: drop rows whose parent row was not kept until the
	// set is closed.
	for _, fk := range t.ForeignKeys {
		if !strings.EqualFold(fk.ReferencedTable, t.Name) {
			continue
		}
		idx := columnIndexes(req.Columns, fk.Columns)
		refIdx := columnIndexes(req.Columns, referencedColumns(fk, t, nil))
		if idx == nil || refIdx == nil {
			continue
		}
		for {
			present := make(map[string]bool, len(kept))
			for _, row := range kept {
				present[tupleKey(row, refIdx)] = true
			}
			next := kept[:0:0]
			for _, row := range kept {
				if isNullTuple(row, idx) || present[tupleKey(row, idx)] {
					next = append(next, row)
				}
			}
			if len(next) == len(kept) {
				break
			}
			kept = next
		}
	}
	return kept, nil
}

// stratifyColumnFor picks the configured column when the table has it,
// otherwise the first column that is neither key nor foreign key.
func (m *Manager) stratifyColumnFor(t introspect.Table) string {
	if m.stratifyColumn != "" && t.HasColumn(m.stratifyColumn) {
		return t.Column(m.stratifyColumn).Name
	}
	for _, c := range t.Columns {
		if t.PrimaryKey != nil && introspect.ContainsColumn(t.PrimaryKey.Columns, c.Name) {
			continue
		}
		fkColumn := false
		for _, fk := range t.ForeignKeys {
			if introspect.ContainsColumn(fk.Columns, c.Name) {
				fkColumn = true
			}
		}
		if !fkColumn {
			return c.Name
		}
	}
	return ""
}

// referencedColumns falls back to the parent's primary key when the
// foreign key names no columns.
func referencedColumns(fk introspect.ForeignKey, self introspect.Table, parent *tableSample) []string {
	if len(fk.ReferencedColumns) > 0 {
		return fk.ReferencedColumns
	}
	if strings.EqualFold(fk.ReferencedTable, self.Name) && self.PrimaryKey != nil {
		return self.PrimaryKey.Columns
	}
	if parent != nil && len(parent.columns) > 0 {
		return parent.columns[:1]
	}
	return nil
}

func columnIndexes(columns, want []string) []int {
	if len(want) == 0 {
		return nil
	}
	idx := make([]int, len(want))
	for i, w := range want {
		idx[i] = -1
		for j, c := range columns {
			if strings.EqualFold(c, w) {
				idx[i] = j
			}
		}
		if idx[i] < 0 {
			return nil
		}
	}
	return idx
}

func columnValues(s *tableSample, column string) []any {
	idx := columnIndexes(s.columns, []string{column})
	if idx == nil {
		return nil
	}
	seen := make(map[string]bool, len(s.rows))
	var out []any
	for _, row := range s.rows {
		v := row[idx[0]]
		if v == nil {
			continue
		}
		if k := keyOf(v); !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func isNullTuple(row Row, idx []int) bool {
	for _, i := range idx {
		if row[i] == nil {
			return true
		}
	}
	return false
}

func (m *Manager) copyRows(ctx context.Context, env *Environment, conn *sql.Conn, d sqlgen.Dialect, t introspect.Table, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = d.Quote(c.Name)
	}
	budget := env.Limits.MaxBytes()

	for start := 0; start < len(rows); start += insertBatch {
		if err := ctx.Err(); err != nil {
			return &migrate.StagingProvisionError{EnvironmentID: env.ID, Reason: "duration limit exceeded while copying " + t.Name, Err: err}
		}
		batch := rows[start:min(start+insertBatch, len(rows))]

		var size int64
		for _, row := range batch {
			size += estimateSize(row)
		}
		if env.StorageBytes+size > budget {
			return &migrate.StagingProvisionError{
				EnvironmentID: env.ID,
				Reason:        fmt.Sprintf("storage limit of %v GB exceeded while copying %s", env.Limits.MaxStorageGB, t.Name),
			}
		}

		groups := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(cols))
		for i, row := range batch {
			marks := make([]string, len(row))
			for j, v := range row {
				args = append(args, v)
				marks[j] = d.Placeholder(len(args))
			}
			groups[i] = "(" + strings.Join(marks, ", ") + ")"
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", d.Quote(t.Name), strings.Join(cols, ", "), strings.Join(groups, ", "))
		if _, err := conn.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("failed to copy rows into %s: %w", t.Name, err)
		}
		env.StorageBytes += size
	}
	return nil
}

// TestMigration dry-runs plan against env. A failed dry run is reported in
// the result; the error is reserved for environments that cannot be used.
// A run still going at ExpiresAt is cut off and the environment cleaned up.
func (m *Manager) TestMigration(ctx context.Context, env *Environment, plan TestPlan) (*TestResult, error) {
	if env.Cleaned() {
		return nil, ErrEnvironmentClosed
	}
	op := plan.operation()
	if err := op.Validate(); err != nil {
		return nil, err
	}
	logger := m.logger.With(zap.String("environment_id", env.ID), zap.String("operation", op.Name()))

	runCtx, cancel := context.WithDeadline(ctx, env.ExpiresAt)
	defer cancel()

	catalog, err := introspect.NewIntrospector(env.db, env.Provider)
	if err != nil {
		return nil, err
	}
	d, err := sqlgen.ForProvider(env.Provider)
	if err != nil {
		return nil, err
	}
	exec, err := executor.NewDDLExecutor(env.db, env.Provider, executor.WithLogger(m.logger))
	if err != nil {
		return nil, err
	}

	before, err := rowCounts(runCtx, env.db, d, catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to count staging rows: %w", err)
	}
	violationsBefore, err := foreignKeyViolations(runCtx, env.db, d, catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to check staging foreign keys: %w", err)
	}
	sizeBefore, sizeErr := databaseSize(runCtx, env.db, env.Provider)
	if sizeErr != nil {
		logger.Warn("cannot measure staging database size", zap.Error(sizeErr))
	}

	result := &TestResult{EnvironmentID: env.ID}
	began := time.Now()
	res, execErr := exec.Execute(runCtx, op)
	if res != nil {
		result.PerformanceMetrics = PerformanceMetrics{
			Statements:         res.Statements,
			RowsAffected:       res.RowsAffected,
			StatementDurations: res.StatementDurations,
		}
	}
	if execErr == nil && plan.Verify != nil {
		execErr = plan.Verify(runCtx, env.db)
	}
	result.PerformanceMetrics.Duration = time.Since(began)

	// Exceeding either limit ends the run whatever its state.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !time.Now().Before(env.ExpiresAt) {
		logger.Warn("dry run exceeded duration limit, cleaning up")
		return m.abort(ctx, env, result, op, fmt.Sprintf("dry run exceeded the %v hour limit", env.Limits.MaxDurationHours))
	}
	if sizeErr == nil {
		if sizeAfter, err := databaseSize(runCtx, env.db, env.Provider); err != nil {
			logger.Warn("cannot measure staging database size", zap.Error(err))
		} else if grown := sizeAfter - sizeBefore; grown > 0 {
			env.StorageBytes += grown
		}
		if env.StorageBytes > env.Limits.MaxBytes() {
			logger.Warn("dry run exceeded storage limit, cleaning up", zap.Int64("storage_bytes", env.StorageBytes))
			return m.abort(ctx, env, result, op, fmt.Sprintf("dry run exceeded the storage limit of %v GB", env.Limits.MaxStorageGB))
		}
	}
	if execErr != nil {
		result.Error = execErr.Error()
	}

	check := DataIntegrityCheck{RowCountsBefore: before}
	if after, err := rowCounts(runCtx, env.db, d, catalog); err != nil {
		check.Errors = append(check.Errors, fmt.Sprintf("failed to count rows after the run: %v", err))
	} else {
		check.RowCountsAfter = after
		check.Errors = append(check.Errors, lostRows(op, before, after)...)
	}
	if violations, err := foreignKeyViolations(runCtx, env.db, d, catalog); err != nil {
		check.Errors = append(check.Errors, fmt.Sprintf("failed to check foreign keys after the run: %v", err))
	} else {
		check.ForeignKeyViolations = violations
		if violations > violationsBefore {
			check.Errors = append(check.Errors, fmt.Sprintf("%d new foreign key violations", violations-violationsBefore))
		}
	}
	check.Passed = len(check.Errors) == 0
	result.DataIntegrityCheck = check
	result.Success = execErr == nil && check.Passed

	m.finish(ctx, env, result, op)
	return result, nil
}

// abort records a run cut off by a resource limit and cleans env up.
func (m *Manager) abort(ctx context.Context, env *Environment, result *TestResult, op migrate.Operation, reason string) (*TestResult, error) {
	result.Success = false
	result.Error = reason
	m.finish(ctx, env, result, op)
	if err := m.Cleanup(context.WithoutCancel(ctx), env); err != nil {
		return result, err
	}
	return result, nil
}

func (m *Manager) finish(ctx context.Context, env *Environment, result *TestResult, op migrate.Operation) {
	outcome := audit.OutcomeSucceeded
	label := "passed"
	if !result.Success {
		outcome = audit.OutcomeFailed
		label = "failed"
	}
	m.metrics.StagingRun(label)
	details := map[string]string{"operation": op.Name()}
	if f := result.Failure(); f != "" {
		details["failure"] = f
	}
	m.audit.Record(ctx, "staging.test", env.ID, outcome, details)
	m.logger.Info("dry run finished",
		zap.String("environment_id", env.ID),
		zap.String("operation", op.Name()),
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.PerformanceMetrics.Duration),
	)
}

// lostRows reports tables that disappeared or shrank, except where the
// operation itself removes or renames the table.
func lostRows(op migrate.Operation, before, after map[string]int64) []string {
	var out []string
	target := strings.ToLower(op.Target.TableName())
	for _, name := range sortedNames(before) {
		n := before[name]
		key := strings.ToLower(name)
		if key == target {
			switch op.Kind {
			case migrate.OpDropTable:
				continue
			case migrate.OpRenameTable:
				if got, ok := lookupFold(after, op.NewName); !ok || got < n {
					out = append(out, fmt.Sprintf("table %s lost rows while renaming to %s", name, op.NewName))
				}
				continue
			}
		}
		got, ok := lookupFold(after, name)
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("table %s disappeared", name))
		case got < n:
			out = append(out, fmt.Sprintf("table %s lost %d rows", name, n-got))
		}
	}
	return out
}

func lookupFold(m map[string]int64, name string) (int64, bool) {
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return 0, false
}

func sortedNames(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func rowCounts(ctx context.Context, db *sql.DB, d sqlgen.Dialect, catalog introspect.Introspector) (map[string]int64, error) {
	schema, err := catalog.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(schema.Tables))
	for _, t := range schema.Tables {
		var n int64
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.Quote(t.Name)).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t.Name, err)
		}
		out[t.Name] = n
	}
	return out, nil
}

// databaseSize reports the bytes the database occupies on the server.
func databaseSize(ctx context.Context, db *sql.DB, provider string) (int64, error) {
	var query string
	switch provider {
	case introspect.ProviderSQLite:
		query = `SELECT (page_count - freelist_count) * page_size FROM pragma_page_count(), pragma_freelist_count(), pragma_page_size()`
	case introspect.ProviderPostgres:
		query = `SELECT pg_database_size(current_database())`
	case introspect.ProviderMySQL:
		query = `SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.tables WHERE table_schema = DATABASE()`
	default:
		return 0, fmt.Errorf("%w: %s", introspect.ErrUnsupportedProvider, provider)
	}
	var n int64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to measure database size: %w", err)
	}
	return n, nil
}

// foreignKeyViolations counts rows whose foreign key points at no parent.
func foreignKeyViolations(ctx context.Context, db *sql.DB, d sqlgen.Dialect, catalog introspect.Introspector) (int, error) {
	if d.Name() == introspect.ProviderSQLite {
		rows, err := db.QueryContext(ctx, "PRAGMA foreign_key_check")
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			n++
		}
		return n, rows.Err()
	}

	schema, err := catalog.Introspect(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range schema.Tables {
		for _, fk := range t.ForeignKeys {
			parent := schema.Table(fk.ReferencedTable)
			if parent == nil {
				continue
			}
			refs := fk.ReferencedColumns
			if len(refs) == 0 && parent.PrimaryKey != nil {
				refs = parent.PrimaryKey.Columns
			}
			if len(refs) != len(fk.Columns) {
				continue
			}
			var notNull, join []string
			for i, c := range fk.Columns {
				notNull = append(notNull, "c."+d.Quote(c)+" IS NOT NULL")
				join = append(join, fmt.Sprintf("p.%s = c.%s", d.Quote(refs[i]), d.Quote(c)))
			}
			query := fmt.Sprintf("SELECT COUNT(*) FROM %s c WHERE %s AND NOT EXISTS (SELECT 1 FROM %s p WHERE %s)",
				d.Quote(t.Name), strings.Join(notNull, " AND "), d.Quote(parent.Name), strings.Join(join, " AND "))
			var n int
			if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
				return 0, fmt.Errorf("failed to check %s -> %s: %w", t.Name, parent.Name, err)
			}
			total += n
		}
	}
	return total, nil
}

// Cleanup closes and drops env. Only the first call does the work; later
// calls return its error.
func (m *Manager) Cleanup(ctx context.Context, env *Environment) error {
	env.once.Do(func() {
		env.mu.Lock()
		if env.timer != nil {
			env.timer.Stop()
		}
		env.mu.Unlock()

		var errs []error
		if env.db != nil {
			if err := env.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close staging database: %w", err))
			}
		}
		if err := m.provisioner.Drop(ctx, env.ConnectionInfo); err != nil {
			errs = append(errs, fmt.Errorf("failed to drop staging database: %w", err))
		}
		err := errors.Join(errs...)

		env.mu.Lock()
		env.cleaned = true
		env.cleanupErr = err
		env.mu.Unlock()

		m.mu.Lock()
		delete(m.envs, env.ID)
		m.mu.Unlock()

		outcome := audit.OutcomeSucceeded
		if err != nil {
			outcome = audit.OutcomeFailed
			m.logger.Error("staging cleanup failed", zap.String("environment_id", env.ID), zap.Error(err))
		} else {
			m.logger.Info("staging environment cleaned up", zap.String("environment_id", env.ID))
		}
		m.audit.Record(ctx, "staging.cleanup", env.ID, outcome, nil)
	})

	env.mu.Lock()
	defer env.mu.Unlock()
	return env.cleanupErr
}

func (m *Manager) expire(env *Environment) {
	if env.Cleaned() {
		return
	}
	m.logger.Warn("staging environment expired", zap.String("environment_id", env.ID), zap.Time("expires_at", env.ExpiresAt))
	m.audit.Record(context.Background(), "staging.expire", env.ID, audit.OutcomeExpired, nil)
	_ = m.Cleanup(context.Background(), env)
}

// Run provisions an environment, dry-runs plan and cleans up on every
// exit path, including panics.
func (m *Manager) Run(ctx context.Context, strategy SamplingStrategy, limits ResourceLimits, plan TestPlan) (res *TestResult, err error) {
	env, err := m.Provision(ctx, strategy, limits)
	if err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("staging dry run panicked: %v", p)
		}
		if cerr := m.Cleanup(context.WithoutCancel(ctx), env); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return m.TestMigration(ctx, env, plan)
}

// ActiveEnvironments lists environments that are not cleaned up yet.
func (m *Manager) ActiveEnvironments() []*Environment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Environment, 0, len(m.envs))
	for _, env := range m.envs {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close cleans up every active environment.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, env := range m.ActiveEnvironments() {
		if err := m.Cleanup(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
