// Package executor runs an operation's DDL against the target database.
package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/history"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/sqlgen"
)

// RunIDKey is the operation metadata key carrying the orchestrator run ID
// into the history table.
const RunIDKey = "run_id"

// SnapshotIDKey is the operation metadata key carrying the pre-snapshot ID.
const SnapshotIDKey = "snapshot_id"

type runIDContextKey struct{}

// WithRunID tags ctx so everything executed under it is recorded with id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDContextKey{}, id)
}

// RunIDFromContext returns the run ID set by WithRunID.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDContextKey{}).(string)
	return id
}

// Result describes an executed operation.
type Result struct {
	Statements         int             `json:"statements"`
	RowsAffected       int64           `json:"rows_affected"`
	Duration           time.Duration   `json:"duration"`
	StatementDurations []time.Duration `json:"statement_durations"`
	Transactional      bool            `json:"transactional"`
}

// DDLExecutor executes operations on a database. Statements run inside one
// transaction when the dialect supports transactional DDL, one by one
// otherwise.
type DDLExecutor struct {
	db      *sql.DB
	dialect sqlgen.Dialect
	history *history.Manager
	logger  *zap.Logger

	initOnce sync.Once
	initErr  error
}

// Option configures a DDLExecutor.
type Option func(*DDLExecutor)

// WithHistory records every execution through h.
func WithHistory(h *history.Manager) Option {
	return func(e *DDLExecutor) { e.history = h }
}

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *DDLExecutor) { e.logger = l }
}

// NewDDLExecutor creates an executor for provider.
func NewDDLExecutor(db *sql.DB, provider string, opts ...Option) (*DDLExecutor, error) {
	dialect, err := sqlgen.ForProvider(provider)
	if err != nil {
		return nil, err
	}
	e := &DDLExecutor{db: db, dialect: dialect, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("executor")
	return e, nil
}

// DB returns the underlying database.
func (e *DDLExecutor) DB() *sql.DB { return e.db }

// Provider returns the dialect name.
func (e *DDLExecutor) Provider() string { return e.dialect.Name() }

// Execute runs op.Statements with op.Isolation and records the outcome.
func (e *DDLExecutor) Execute(ctx context.Context, op migrate.Operation) (*Result, error) {
	if len(nonEmpty(op.Statements)) == 0 {
		return nil, fmt.Errorf("operation %s has no statements", op.Name())
	}
	return e.run(ctx, op, &sql.TxOptions{Isolation: op.Isolation}, false)
}

// StatementOptions tune ExecuteStatements.
type StatementOptions struct {
	// DisableForeignKeys turns FK enforcement off on the executing
	// connection for the duration of the run. Table rebuilds need this so
	// dropping a parent table does not cascade into its children.
	DisableForeignKeys bool
	// Kind is recorded in history; defaults to "statements".
	Kind migrate.OperationKind
	// RunID groups the history record with an orchestrator run.
	RunID string
}

// ExecuteStatements runs ad hoc statements, such as a rollback plan, under
// name.
func (e *DDLExecutor) ExecuteStatements(ctx context.Context, name string, statements []string, opts StatementOptions) (*Result, error) {
	if opts.Kind == "" {
		opts.Kind = "statements"
	}
	op := migrate.Operation{
		ID:         name,
		Kind:       opts.Kind,
		Target:     migrate.Table("", name),
		Statements: statements,
		Metadata:   map[string]string{},
	}
	if opts.RunID != "" {
		op.Metadata[RunIDKey] = opts.RunID
	}
	return e.run(ctx, op, nil, opts.DisableForeignKeys)
}

func (e *DDLExecutor) run(ctx context.Context, op migrate.Operation, txOpts *sql.TxOptions, disableFK bool) (*Result, error) {
	if err := e.ensureHistory(ctx); err != nil {
		return nil, err
	}
	if id := RunIDFromContext(ctx); id != "" && op.Metadata[RunIDKey] == "" {
		meta := make(map[string]string, len(op.Metadata)+1)
		for k, v := range op.Metadata {
			meta[k] = v
		}
		meta[RunIDKey] = id
		op.Metadata = meta
	}
	statements := nonEmpty(op.Statements)
	logger := e.logger.With(zap.String("operation", op.Name()), zap.Int("statements", len(statements)))

	// One connection carries the session settings and every statement.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if disableFK {
		if err := e.setForeignKeyChecks(ctx, conn, false); err != nil {
			return nil, err
		}
		defer func() {
			if err := e.setForeignKeyChecks(context.WithoutCancel(ctx), conn, true); err != nil {
				logger.Error("failed to re-enable foreign key checks", zap.Error(err))
				// Discard the connection rather than return it to the pool unchecked.
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
		}()
	}

	var res *Result
	if e.dialect.SupportsTransactionalDDL() {
		res, err = e.runInTx(ctx, conn, op, statements, txOpts)
	} else {
		res, err = e.runEach(ctx, conn, op, statements)
	}
	if err != nil {
		logger.Warn("execution failed", zap.Error(err))
		e.recordFailure(ctx, op, statements, err)
		return res, err
	}
	logger.Info("execution finished",
		zap.Duration("duration", res.Duration),
		zap.Int64("rows_affected", res.RowsAffected),
		zap.Bool("transactional", res.Transactional),
	)
	return res, nil
}

func (e *DDLExecutor) runInTx(ctx context.Context, conn *sql.Conn, op migrate.Operation, statements []string, txOpts *sql.TxOptions) (*Result, error) {
	start := time.Now()
	res := &Result{Transactional: true}

	tx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	for i, stmt := range statements {
		if err := e.exec(ctx, tx, res, stmt); err != nil {
			_ = tx.Rollback()
			return res, fmt.Errorf("failed to execute statement %d: %w", i+1, err)
		}
	}
	if err := e.checkForeignKeys(ctx, tx); err != nil {
		_ = tx.Rollback()
		return res, err
	}
	res.Duration = time.Since(start)

	if e.history != nil {
		if err := e.history.RecordWith(ctx, tx, e.record(op, statements, res, nil)); err != nil {
			_ = tx.Rollback()
			return res, err
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit %s: %w", op.Name(), err)
	}
	return res, nil
}

// runEach executes statements one at a time. A failure leaves the earlier
// statements applied; the caller's rollback path deals with that.
func (e *DDLExecutor) runEach(ctx context.Context, conn *sql.Conn, op migrate.Operation, statements []string) (*Result, error) {
	start := time.Now()
	res := &Result{}
	for i, stmt := range statements {
		if err := e.exec(ctx, conn, res, stmt); err != nil {
			return res, fmt.Errorf("failed to execute statement %d of %d (%d applied): %w", i+1, len(statements), i, err)
		}
	}
	res.Duration = time.Since(start)
	if e.history != nil {
		if err := e.history.Record(ctx, e.record(op, statements, res, nil)); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *DDLExecutor) exec(ctx context.Context, ex history.Execer, res *Result, stmt string) error {
	began := time.Now()
	r, err := ex.ExecContext(ctx, stmt)
	res.StatementDurations = append(res.StatementDurations, time.Since(began))
	if err != nil {
		return err
	}
	res.Statements++
	if n, err := r.RowsAffected(); err == nil && n > 0 {
		res.RowsAffected += n
	}
	return nil
}

func (e *DDLExecutor) setForeignKeyChecks(ctx context.Context, conn *sql.Conn, enabled bool) error {
	stmt := e.dialect.ForeignKeyChecks(enabled)
	if stmt == "" {
		return nil
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to toggle foreign key checks: %w", err)
	}
	return nil
}

// checkForeignKeys fails the transaction when SQLite reports dangling
// references. Other dialects enforce this per statement.
func (e *DDLExecutor) checkForeignKeys(ctx context.Context, tx *sql.Tx) error {
	if e.dialect.Name() != introspect.ProviderSQLite {
		return nil
	}
	rows, err := tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("failed to check foreign keys: %w", err)
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var (
			table, parent string
			rowid         sql.NullInt64
			fkid          int
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign key check: %w", err)
		}
		violations = append(violations, fmt.Sprintf("%s row %d -> %s", table, rowid.Int64, parent))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(violations) > 0 {
		return fmt.Errorf("%d foreign key violations: %s", len(violations), strings.Join(violations, "; "))
	}
	return nil
}

func (e *DDLExecutor) ensureHistory(ctx context.Context) error {
	if e.history == nil {
		return nil
	}
	e.initOnce.Do(func() {
		e.initErr = e.history.InitTable(ctx)
	})
	return e.initErr
}

func (e *DDLExecutor) recordFailure(ctx context.Context, op migrate.Operation, statements []string, cause error) {
	if e.history == nil {
		return
	}
	// The failed transaction is gone; the failure record goes through the pool.
	if err := e.history.Record(context.WithoutCancel(ctx), e.record(op, statements, &Result{}, cause)); err != nil {
		e.logger.Warn("failed to record failure in history", zap.Error(err))
	}
}

func (e *DDLExecutor) record(op migrate.Operation, statements []string, res *Result, cause error) *history.Record {
	r := &history.Record{
		RunID:         op.Metadata[RunIDKey],
		Operation:     op.Name(),
		Kind:          op.Kind,
		Target:        op.Target.QualifiedName(),
		Status:        migrate.StatusSucceeded,
		Checksum:      history.CalculateChecksum(statements...),
		ExecutionTime: res.Duration.Milliseconds(),
		SnapshotID:    op.Metadata[SnapshotIDKey],
	}
	if r.RunID == "" {
		r.RunID = op.Name()
	}
	if cause != nil {
		r.Status = migrate.StatusFailed
		r.ErrorMessage = cause.Error()
	}
	return r
}

func nonEmpty(statements []string) []string {
	out := make([]string, 0, len(statements))
	for _, s := range statements {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
