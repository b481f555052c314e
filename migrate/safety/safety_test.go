package safety

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/schemaguard/internal/audit"
	"github.com/satishbabariya/schemaguard/internal/testdb"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/dependency"
	"github.com/satishbabariya/schemaguard/migrate/executor"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/lock"
	"github.com/satishbabariya/schemaguard/migrate/mitigation"
	"github.com/satishbabariya/schemaguard/migrate/risk"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
	"github.com/satishbabariya/schemaguard/migrate/staging"
	"github.com/satishbabariya/schemaguard/migrate/validation"
)

// trackingExecutor runs the real DDL and records how many runs overlap.
type trackingExecutor struct {
	inner  *executor.DDLExecutor
	hold   time.Duration
	calls  atomic.Int32
	inside atomic.Int32
	max    atomic.Int32
}

func (e *trackingExecutor) Execute(ctx context.Context, op migrate.Operation) (*executor.Result, error) {
	e.calls.Add(1)
	n := e.inside.Add(1)
	defer e.inside.Add(-1)
	for {
		cur := e.max.Load()
		if n <= cur || e.max.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(e.hold)
	return e.inner.Execute(ctx, op)
}

type stagerFunc func(ctx context.Context, strategy staging.SamplingStrategy, limits staging.ResourceLimits, plan staging.TestPlan) (*staging.TestResult, error)

func (f stagerFunc) Run(ctx context.Context, strategy staging.SamplingStrategy, limits staging.ResourceLimits, plan staging.TestPlan) (*staging.TestResult, error) {
	return f(ctx, strategy, limits, plan)
}

type pipeline struct {
	db    *sql.DB
	sink  *audit.MemorySink
	exec  *trackingExecutor
	locks *lock.Manager
	valid *validation.Manager
	orch  *Orchestrator
}

type pipelineOption func(*Components)

func withoutStaging() pipelineOption {
	return func(c *Components) { c.Staging = nil }
}

func withStager(s Stager) pipelineOption {
	return func(c *Components) { c.Staging = s }
}

func newPipeline(t *testing.T, db *sql.DB, opts ...pipelineOption) *pipeline {
	t.Helper()
	p := &pipeline{db: db, sink: audit.NewMemorySink()}
	rec := audit.NewRecorder(p.sink, "tester")

	catalog, err := introspect.NewIntrospector(db, introspect.ProviderSQLite)
	require.NoError(t, err)
	engine, err := risk.NewEngine(risk.DefaultConfig(), nil)
	require.NoError(t, err)

	inner, err := executor.NewDDLExecutor(db, introspect.ProviderSQLite)
	require.NoError(t, err)
	p.exec = &trackingExecutor{inner: inner}

	snaps, err := snapshot.NewManager(db, introspect.ProviderSQLite, nil, snapshot.WithExecutor(inner))
	require.NoError(t, err)

	p.locks = lock.NewManager(lock.NewMemoryStore(),
		lock.WithAudit(rec),
		lock.WithPollInterval(time.Millisecond, 5*time.Millisecond),
	)
	t.Cleanup(func() { _ = p.locks.Close() })

	p.valid, err = validation.NewManager(db, introspect.ProviderSQLite, p.exec, snaps,
		validation.WithLocks(p.locks),
		validation.WithAudit(rec),
		validation.WithMonitorInterval(5*time.Millisecond),
	)
	require.NoError(t, err)

	stager, err := staging.NewManager(db, introspect.ProviderSQLite, &staging.SQLiteProvisioner{Dir: t.TempDir()},
		staging.WithAudit(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = stager.Close(context.Background()) })

	c := Components{
		Analyzer:   dependency.NewSuite(catalog, nil),
		Risk:       engine,
		Mitigation: mitigation.NewPlanner(mitigation.DefaultCatalog()),
		Staging:    stager,
		Locks:      p.locks,
		Validation: p.valid,
		Snapshots:  snaps,
	}
	for _, opt := range opts {
		opt(&c)
	}
	p.orch, err = New(c, WithAudit(rec))
	require.NoError(t, err)
	return p
}

func hasColumn(t *testing.T, db *sql.DB, table, column string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n))
	return n == 1
}

func addColumn(table, column string) migrate.Operation {
	return migrate.Operation{
		Kind:       migrate.OpAddColumn,
		Target:     migrate.Column("", table, column),
		Statements: []string{`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` TEXT`},
	}
}

func TestParseStagingMode(t *testing.T) {
	for in, want := range map[string]StagingMode{"": StagingAuto, "AUTO": StagingAuto, " always": StagingAlways, "never": StagingNever} {
		got, err := ParseStagingMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseStagingMode("sometimes")
	assert.Error(t, err)
}

func TestNewRequiresCoreComponents(t *testing.T) {
	_, err := New(Components{})
	assert.Error(t, err)
}

func TestDropColumnSucceeds(t *testing.T) {
	db := testdb.OpenCommerce(t, true)
	p := newPipeline(t, db)

	report, err := p.orch.Run(context.Background(), Request{
		Operation: migrate.Operation{
			Kind:       migrate.OpDropColumn,
			Target:     migrate.Column("", "customers", "region"),
			Statements: []string{`ALTER TABLE customers DROP COLUMN region`},
		},
		Staging:           StagingPolicy{Mode: StagingAlways},
		RollbackOnFailure: true,
	})
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.NotEmpty(t, report.RunID)
	assert.NotEmpty(t, report.LockID)
	assert.Equal(t, migrate.RollbackNotAttempted, report.RollbackOutcome)
	require.NotNil(t, report.Risk)
	require.NotNil(t, report.Mitigation)
	require.NotNil(t, report.Staging)
	assert.True(t, report.Staging.Ran)
	assert.True(t, report.Staging.Result.Success, report.Staging.Result.Failure())
	assert.False(t, hasColumn(t, db, "customers", "region"))

	require.NotNil(t, report.Evolution)
	var removed []snapshot.SchemaChange
	for _, c := range report.Evolution.Changes {
		if c.Type == snapshot.ChangeRemoved && c.ObjectKind == migrate.KindColumn {
			removed = append(removed, c)
		}
	}
	require.Len(t, removed, 1)
	assert.Equal(t, "region", removed[0].Name)

	runs := p.sink.Filter("migration.run")
	require.Len(t, runs, 2)
	assert.Equal(t, audit.OutcomeStarted, runs[0].Outcome)
	assert.Equal(t, audit.OutcomeSucceeded, runs[1].Outcome)
	assert.Len(t, p.sink.Filter(lock.AuditAcquire), 1)
	assert.Len(t, p.sink.Filter(lock.AuditRelease), 1)
}

var accountsSchema = []string{
	`CREATE TABLE accounts (
		id INTEGER PRIMARY KEY,
		owner TEXT NOT NULL,
		balance REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE ledger (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		amount REAL NOT NULL
	)`,
	`CREATE INDEX idx_accounts_balance ON accounts(balance)`,
	`CREATE VIEW rich_accounts AS SELECT id, owner FROM accounts WHERE balance > 1000`,
	`CREATE VIEW account_balances AS SELECT owner, balance FROM accounts`,
	`CREATE VIEW ledger_totals AS SELECT a.owner, a.balance, SUM(l.amount) AS total FROM accounts a JOIN ledger l ON l.account_id = a.id GROUP BY a.id`,
	`INSERT INTO accounts (id, owner, balance) VALUES (1, 'ann', 10), (2, 'bob', 5000)`,
	`INSERT INTO ledger (id, account_id, amount) VALUES (1, 1, 10), (2, 2, 5000)`,
}

func dropBalance() migrate.Operation {
	return migrate.Operation{
		Kind:       migrate.OpDropColumn,
		Target:     migrate.Column("", "accounts", "balance"),
		Statements: []string{`ALTER TABLE accounts DROP COLUMN balance`},
	}
}

func TestFailedDryRunRaisesRiskAndAborts(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t, accountsSchema...)
	p := newPipeline(t, db)
	req := Request{Operation: dropBalance(), Staging: StagingPolicy{Mode: StagingAlways}}

	assessed, err := p.orch.Assess(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, assessed.Impact)
	assert.GreaterOrEqual(t, assessed.Impact.ViewCount, 3)
	assert.NotContains(t, assessed.Risk.FactorCodes(risk.Availability), risk.FactorStagingFailure)

	report, err := p.orch.Run(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStagingFailed)
	assert.Equal(t, migrate.StatusAborted, report.Status)
	assert.NotEmpty(t, report.Error)

	require.NotNil(t, report.Staging)
	assert.True(t, report.Staging.Ran)
	assert.False(t, report.Staging.Result.Success)
	assert.Contains(t, report.Risk.FactorCodes(risk.Availability), risk.FactorStagingFailure)
	assert.GreaterOrEqual(t, report.Risk.OverallScore, assessed.Risk.OverallScore)
	assert.Contains(t, report.Mitigation.Names(), "investigate_dry_run")
	assert.NotEmpty(t, report.FailedChecks)

	assert.Empty(t, p.sink.Filter(lock.AuditAcquire), "production is never locked")
	assert.Zero(t, p.exec.calls.Load())
	assert.True(t, hasColumn(t, db, "accounts", "balance"))
}

func TestProceedOnFailedDryRun(t *testing.T) {
	db := testdb.OpenCommerce(t, true)
	p := newPipeline(t, db, withStager(stagerFunc(func(context.Context, staging.SamplingStrategy, staging.ResourceLimits, staging.TestPlan) (*staging.TestResult, error) {
		return &staging.TestResult{Success: false, Error: "sample drift"}, nil
	})))

	report, err := p.orch.Run(context.Background(), Request{
		Operation: addColumn("customers", "tier"),
		Staging:   StagingPolicy{Mode: StagingAlways, ProceedOnFailure: true},
	})
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.True(t, report.Staging.Overridden)
	assert.Contains(t, report.Risk.FactorCodes(risk.Availability), risk.FactorStagingFailure)
	assert.Len(t, p.sink.Filter("staging.override"), 1)
	assert.True(t, hasColumn(t, db, "customers", "tier"))
}

func TestConcurrentRunsOnOneTableSerialize(t *testing.T) {
	db := testdb.OpenCommerce(t, true)
	p := newPipeline(t, db)
	p.exec.hold = 30 * time.Millisecond

	columns := []string{"tier", "score", "segment"}
	reports := make([]*Report, len(columns))
	errs := make([]error, len(columns))
	var wg sync.WaitGroup
	for i, col := range columns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = p.orch.Run(context.Background(), Request{
				Operation: addColumn("customers", col),
				Staging:   StagingPolicy{Mode: StagingNever},
				Lock:      LockPolicy{Timeout: 10 * time.Second},
			})
		}()
	}
	wg.Wait()

	for i, col := range columns {
		require.NoError(t, errs[i], col)
		assert.True(t, reports[i].Succeeded(), col)
		assert.True(t, hasColumn(t, db, "customers", col))
	}
	assert.Equal(t, int32(len(columns)), p.exec.calls.Load())
	assert.Equal(t, int32(1), p.exec.max.Load(), "DDL on one table never overlaps")
}

func TestFailFastWhenLocked(t *testing.T) {
	ctx := context.Background()
	db := testdb.OpenCommerce(t, true)
	p := newPipeline(t, db)
	op := addColumn("customers", "tier")

	scope, key := lock.ResourceKeyFor(op)
	held, err := p.locks.Acquire(ctx, scope, key, lock.AcquireOptions{Holder: map[string]string{"owner": "deploy-42"}})
	require.NoError(t, err)
	defer func() { _ = p.locks.Release(ctx, held) }()

	report, err := p.orch.Run(ctx, Request{
		Operation: op,
		Staging:   StagingPolicy{Mode: StagingNever},
		Lock:      LockPolicy{FailFast: true},
	})
	var lte *migrate.LockTimeoutError
	require.ErrorAs(t, err, &lte)
	assert.Equal(t, "deploy-42", lte.Holder["owner"])
	assert.Equal(t, migrate.StatusAborted, report.Status)
	assert.Empty(t, report.LockID)
	assert.Zero(t, p.exec.calls.Load())
	assert.False(t, hasColumn(t, db, "customers", "tier"))
}

func TestFailedValidationRollsBack(t *testing.T) {
	db := testdb.OpenCommerce(t, true)
	p := newPipeline(t, db)
	require.NoError(t, p.valid.Registry().Register(validation.Func("row_budget", func(context.Context, validation.Target) error {
		return errors.New("over budget")
	})))

	op := addColumn("customers", "tier")
	checkpoints := append(validation.DefaultCheckpoints(op),
		validation.Checkpoint{Stage: validation.StagePost, Validators: []string{"row_budget"}, Required: true})

	report, err := p.orch.Run(context.Background(), Request{
		Operation:         op,
		Checkpoints:       checkpoints,
		RollbackOnFailure: true,
		Staging:           StagingPolicy{Mode: StagingNever},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, migrate.ErrValidation)
	assert.Equal(t, migrate.StatusFailed, report.Status)
	assert.Equal(t, migrate.RollbackSucceeded, report.RollbackOutcome)
	require.NotNil(t, report.Validation)
	assert.True(t, report.Validation.RollbackCompleted)
	assert.Contains(t, report.FailedChecks, "post_migration/row_budget: over budget")
	assert.NotNil(t, report.Mitigation)
	assert.True(t, report.Evolution.IsEmpty(), "schema is back where it started")
	assert.False(t, hasColumn(t, db, "customers", "tier"))
	assert.Len(t, p.sink.Filter(lock.AuditRelease), 1)
}

func TestProvisionFailure(t *testing.T) {
	failing := stagerFunc(func(context.Context, staging.SamplingStrategy, staging.ResourceLimits, staging.TestPlan) (*staging.TestResult, error) {
		return nil, &migrate.StagingProvisionError{EnvironmentID: "env-1", Reason: "quota exhausted"}
	})

	t.Run("aborts by default", func(t *testing.T) {
		db := testdb.OpenCommerce(t, true)
		p := newPipeline(t, db, withStager(failing))
		report, err := p.orch.Run(context.Background(), Request{
			Operation: addColumn("customers", "tier"),
			Staging:   StagingPolicy{Mode: StagingAlways},
		})
		assert.ErrorIs(t, err, migrate.ErrStagingProvision)
		assert.Equal(t, migrate.StatusAborted, report.Status)
		assert.Zero(t, p.exec.calls.Load())
	})

	t.Run("proceeds when allowed", func(t *testing.T) {
		db := testdb.OpenCommerce(t, true)
		p := newPipeline(t, db, withStager(failing))
		report, err := p.orch.Run(context.Background(), Request{
			Operation: addColumn("customers", "tier"),
			Staging:   StagingPolicy{Mode: StagingAlways, AllowWithoutStaging: true},
		})
		require.NoError(t, err)
		assert.True(t, report.Succeeded())
		assert.True(t, report.Staging.Overridden)
		assert.False(t, report.Staging.Ran)
		assert.Contains(t, report.Staging.Error, "quota exhausted")
		assert.NotEmpty(t, report.Warnings)
	})

	t.Run("missing environment", func(t *testing.T) {
		db := testdb.OpenCommerce(t, true)
		p := newPipeline(t, db, withoutStaging())
		_, err := p.orch.Run(context.Background(), Request{
			Operation: addColumn("customers", "tier"),
			Staging:   StagingPolicy{Mode: StagingAlways},
		})
		assert.ErrorIs(t, err, migrate.ErrStagingProvision)
	})
}

func TestStagingSkippedBelowLevel(t *testing.T) {
	db := testdb.OpenCommerce(t, true)
	p := newPipeline(t, db)

	report, err := p.orch.Run(context.Background(), Request{Operation: addColumn("audit_log", "level")})
	require.NoError(t, err)
	assert.False(t, report.Mitigation.RequiresStaging)
	assert.False(t, report.Staging.Required)
	assert.False(t, report.Staging.Ran)
	assert.NotEmpty(t, report.Staging.Skipped)
}

func TestCanceledBeforeLock(t *testing.T) {
	db := testdb.OpenCommerce(t, true)
	p := newPipeline(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := p.orch.Run(ctx, Request{
		Operation: addColumn("customers", "tier"),
		Staging:   StagingPolicy{Mode: StagingNever},
	})
	require.Error(t, err)
	assert.Equal(t, migrate.StatusAborted, report.Status)
	assert.NotNil(t, report.Risk)
	assert.NotNil(t, report.Mitigation)
	assert.Empty(t, p.sink.Filter(lock.AuditAcquire))
	assert.False(t, hasColumn(t, db, "customers", "tier"))
}

func TestInvalidOperationIsAborted(t *testing.T) {
	db := testdb.OpenCommerce(t, true)
	p := newPipeline(t, db)

	report, err := p.orch.Assess(context.Background(), Request{Operation: migrate.Operation{Kind: migrate.OpAddColumn}})
	require.Error(t, err)
	assert.Equal(t, migrate.StatusAborted, report.Status)
	assert.NotNil(t, report.Risk)
}
