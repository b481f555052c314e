package validation

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/schemaguard/internal/audit"
	"github.com/satishbabariya/schemaguard/internal/testdb"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/executor"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, op migrate.Operation) (*executor.Result, error) {
	args := m.Called(ctx, op)
	res, _ := args.Get(0).(*executor.Result)
	return res, args.Error(1)
}

// countingExecutor runs the real DDL and counts calls.
type countingExecutor struct {
	inner *executor.DDLExecutor
	calls atomic.Int32
}

func (c *countingExecutor) Execute(ctx context.Context, op migrate.Operation) (*executor.Result, error) {
	c.calls.Add(1)
	return c.inner.Execute(ctx, op)
}

type execFunc func(ctx context.Context, op migrate.Operation) (*executor.Result, error)

func (f execFunc) Execute(ctx context.Context, op migrate.Operation) (*executor.Result, error) {
	return f(ctx, op)
}

type harness struct {
	db    *sql.DB
	state *snapshot.Manager
	exec  *countingExecutor
	sink  *audit.MemorySink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testdb.OpenCommerce(t, true)
	state, err := snapshot.NewManager(db, "sqlite", nil)
	require.NoError(t, err)
	inner, err := executor.NewDDLExecutor(db, "sqlite")
	require.NoError(t, err)
	return &harness{db: db, state: state, exec: &countingExecutor{inner: inner}, sink: audit.NewMemorySink()}
}

func (h *harness) manager(t *testing.T, exec Executor, opts ...Option) *Manager {
	t.Helper()
	if exec == nil {
		exec = h.exec
	}
	opts = append([]Option{
		WithAudit(audit.NewRecorder(h.sink, "tester")),
		WithMonitorInterval(5 * time.Millisecond),
		WithValidatorTimeout(5 * time.Second),
	}, opts...)
	m, err := NewManager(h.db, "sqlite", exec, h.state, opts...)
	require.NoError(t, err)
	return m
}

func addTier() migrate.Operation {
	return migrate.Operation{
		Kind:       migrate.OpAddColumn,
		Target:     migrate.Column("", "customers", "tier"),
		Statements: []string{`ALTER TABLE customers ADD COLUMN tier TEXT`},
	}
}

func hasColumn(t *testing.T, db *sql.DB, table, column string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n))
	return n == 1
}

func failing(name string) Validator {
	return Func(name, func(context.Context, Target) error { return errors.New("boom") })
}

func TestRequiredPreFailureNeverExecutes(t *testing.T) {
	h := newHarness(t)
	exec := new(mockExecutor)
	m := h.manager(t, exec)
	require.NoError(t, m.Registry().Register(failing("change_window")))

	checkpoints := []Checkpoint{
		{Stage: StagePre, Validators: []string{Connectivity, "change_window"}, Required: true},
		{Stage: StagePost, Validators: []string{IntentApplied}, Required: true},
	}
	res, err := m.ExecuteWithValidation(context.Background(), addTier(), checkpoints, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, migrate.ErrValidation)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	assert.Equal(t, migrate.StatusAborted, res.Status)
	assert.False(t, res.Executed)
	assert.False(t, res.RollbackAttempted)
	assert.Equal(t, migrate.RollbackNotAttempted, res.RollbackOutcome)
	assert.Empty(t, res.PreSnapshotID)
	assert.Equal(t, []string{"pre_migration/change_window: boom"}, res.FailedChecks())

	pre := res.Checkpoints[0]
	assert.Equal(t, StateFailed, pre.State)
	require.Len(t, pre.Results, 2)
	assert.True(t, pre.Results[0].Passed)
	assert.False(t, pre.Results[1].Passed)
	assert.Equal(t, StatePending, res.Checkpoints[1].State)

	snaps, err := h.state.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps, "no snapshot is taken when preflight fails")
}

func TestTargetMissingAbortsWithDefaults(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, nil)
	op := migrate.Operation{
		Kind:       migrate.OpDropColumn,
		Target:     migrate.Column("", "customers", "nickname"),
		Statements: []string{`ALTER TABLE customers DROP COLUMN nickname`},
	}
	res, err := m.ExecuteWithValidation(context.Background(), op, DefaultCheckpoints(op), true)
	assert.ErrorIs(t, err, migrate.ErrValidation)
	assert.Equal(t, migrate.StatusAborted, res.Status)
	assert.Zero(t, h.exec.calls.Load())
	assert.Contains(t, res.FailedChecks()[0], "target_exists")
}

func TestExecuteWithDefaultCheckpoints(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, nil)
	op := addTier()

	res, err := m.ExecuteWithValidation(context.Background(), op, DefaultCheckpoints(op), true)
	require.NoError(t, err)
	assert.Equal(t, migrate.StatusSucceeded, res.Status)
	assert.True(t, res.Executed)
	assert.Equal(t, int32(1), h.exec.calls.Load())
	assert.NotEmpty(t, res.PreSnapshotID)
	assert.Empty(t, res.Warnings)
	require.NotNil(t, res.Execution)
	assert.Equal(t, 1, res.Execution.Statements)
	assert.True(t, hasColumn(t, h.db, "customers", "tier"))

	for _, cp := range res.Checkpoints {
		assert.Equal(t, StatePassed, cp.State, cp.Name)
		assert.NotEmpty(t, cp.Results, cp.Name)
		assert.False(t, cp.ExecutedAt.IsZero(), cp.Name)
	}
	during := res.Stage(StageDuring)
	require.Len(t, during, 1)
	assert.GreaterOrEqual(t, during[0].Rounds, 1)

	started := 0
	for _, e := range h.sink.Events() {
		if e.Outcome == audit.OutcomeStarted {
			started++
		}
	}
	assert.Equal(t, len(res.Checkpoints), started, "every checkpoint transition is audited")
	assert.Empty(t, h.sink.Filter(AuditRollback))
}

func TestRequiredPostFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.manager(t, nil)
	require.NoError(t, m.Registry().Register(failing("row_budget")))

	checkpoints := []Checkpoint{
		{Stage: StagePre, Validators: []string{TargetExists}, Required: true},
		{Stage: StagePost, Validators: []string{IntentApplied, "row_budget"}, Required: true},
	}
	res, err := m.ExecuteWithValidation(ctx, addTier(), checkpoints, true)
	require.Error(t, err)

	var vf *migrate.ValidationFailure
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, "post_migration", vf.Stage)
	assert.Equal(t, migrate.RollbackSucceeded, vf.Rollback)
	assert.Equal(t, []string{"post_migration/row_budget: boom"}, vf.FailedChecks)

	assert.Equal(t, migrate.StatusFailed, res.Status)
	assert.True(t, res.Executed)
	assert.True(t, res.RollbackAttempted)
	assert.True(t, res.RollbackCompleted)
	assert.Equal(t, migrate.RollbackSucceeded, res.RollbackOutcome)
	require.NotNil(t, res.Rollback)
	assert.True(t, res.Rollback.StructureRestored)
	assert.False(t, hasColumn(t, h.db, "customers", "tier"))

	pre, err := h.state.Get(ctx, res.PreSnapshotID)
	require.NoError(t, err)
	report, err := h.state.DiffCurrent(ctx, pre)
	require.NoError(t, err)
	assert.True(t, report.IsEmpty(), "changes after rollback: %v", report.Changes)

	events := h.sink.Filter(AuditRollback)
	require.Len(t, events, 2)
	assert.Equal(t, audit.OutcomeSucceeded, events[1].Outcome)
	assert.Equal(t, res.PreSnapshotID, events[1].Resource)
}

func TestPostFailureWithoutRollback(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, nil)
	require.NoError(t, m.Registry().Register(failing("row_budget")))

	res, err := m.ExecuteWithValidation(context.Background(), addTier(),
		[]Checkpoint{{Stage: StagePost, Validators: []string{"row_budget"}, Required: true}}, false)
	assert.ErrorIs(t, err, migrate.ErrValidation)
	assert.Equal(t, migrate.StatusFailed, res.Status)
	assert.False(t, res.RollbackAttempted)
	assert.Equal(t, migrate.RollbackNotAttempted, res.RollbackOutcome)
	assert.True(t, hasColumn(t, h.db, "customers", "tier"), "the change stays without rollback")
}

func TestExecutionErrorAlwaysEvaluatesRollback(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, nil)
	op := addTier()
	op.Statements = append(op.Statements, `ALTER TABLE no_such_table ADD COLUMN x TEXT`)

	res, err := m.ExecuteWithValidation(context.Background(), op,
		[]Checkpoint{{Stage: StagePost, Validators: []string{IntentApplied}, Required: true}}, false)
	require.Error(t, err)

	var execErr *migrate.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, migrate.RollbackSucceeded, execErr.Rollback)
	assert.Equal(t, migrate.StatusFailed, res.Status)
	assert.False(t, res.Executed)
	assert.True(t, res.RollbackCompleted)
	assert.Contains(t, res.ExecutionError, "no_such_table")
	assert.Equal(t, StatePending, res.Checkpoints[0].State, "post checks are skipped after a failed execution")
	assert.False(t, hasColumn(t, h.db, "customers", "tier"))
}

func TestOptionalFailureIsWarning(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, nil)
	require.NoError(t, m.Registry().Register(failing("flaky")))

	res, err := m.ExecuteWithValidation(context.Background(), addTier(), []Checkpoint{
		{Stage: StagePost, Validators: []string{IntentApplied}, Required: true},
		{Stage: StagePost, Validators: []string{"flaky"}},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, migrate.StatusSucceeded, res.Status)
	assert.Equal(t, []string{"post_migration/flaky: boom"}, res.Warnings)
	assert.Equal(t, StateFailed, res.Checkpoints[1].State)
	assert.Empty(t, res.FailedChecks())
}

func TestMonitorsRunAlongsideExecution(t *testing.T) {
	h := newHarness(t)
	var monitors atomic.Int32
	exec := execFunc(func(ctx context.Context, op migrate.Operation) (*executor.Result, error) {
		deadline := time.After(5 * time.Second)
		for monitors.Load() < 3 {
			select {
			case <-deadline:
				return nil, errors.New("monitors never ran")
			case <-time.After(time.Millisecond):
			}
		}
		return &executor.Result{Statements: 1}, nil
	})
	m := h.manager(t, exec)
	require.NoError(t, m.Registry().Register(Func("heartbeat", func(context.Context, Target) error {
		monitors.Add(1)
		return nil
	})))

	res, err := m.ExecuteWithValidation(context.Background(), addTier(),
		[]Checkpoint{{Stage: StageDuring, Validators: []string{"heartbeat"}, Required: true}}, true)
	require.NoError(t, err)
	run := res.Checkpoints[0]
	assert.Equal(t, StatePassed, run.State)
	assert.GreaterOrEqual(t, run.Rounds, 3)
}

func TestMonitorDeadlineKeepsPartialResults(t *testing.T) {
	h := newHarness(t)
	exec := execFunc(func(context.Context, migrate.Operation) (*executor.Result, error) {
		return &executor.Result{}, nil
	})
	release := make(chan struct{})
	defer close(release)
	m := h.manager(t, exec, WithMonitorDeadline(50*time.Millisecond))
	require.NoError(t, m.Registry().Register(Func("stuck", func(context.Context, Target) error {
		<-release
		return nil
	})))

	began := time.Now()
	res, err := m.ExecuteWithValidation(context.Background(), addTier(),
		[]Checkpoint{{Stage: StageDuring, Validators: []string{Connectivity, "stuck"}}}, true)
	require.NoError(t, err)
	assert.Less(t, time.Since(began), 3*time.Second)

	run := res.Checkpoints[0]
	require.Len(t, run.Results, 2)
	assert.True(t, run.Results[0].Passed, "the finished monitor is kept")
	assert.False(t, run.Results[1].Passed)
	assert.Equal(t, "no result before the monitor deadline", run.Results[1].Error)
	assert.Equal(t, StateFailed, run.State)
	assert.Len(t, res.Warnings, 1)
}

func TestValidatorTimeout(t *testing.T) {
	h := newHarness(t)
	exec := new(mockExecutor)
	m := h.manager(t, exec)
	require.NoError(t, m.Registry().Register(Func("slow", func(ctx context.Context, _ Target) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	res, err := m.ExecuteWithValidation(context.Background(), addTier(),
		[]Checkpoint{{Stage: StagePre, Validators: []string{"slow"}, Required: true, Timeout: 20 * time.Millisecond}}, true)
	assert.ErrorIs(t, err, migrate.ErrValidation)
	assert.Contains(t, res.Checkpoints[0].Results[0].Error, "deadline exceeded")
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestCanceledBeforeExecution(t *testing.T) {
	h := newHarness(t)
	exec := new(mockExecutor)
	m := h.manager(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := m.ExecuteWithValidation(ctx, addTier(), nil, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, migrate.StatusAborted, res.Status)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestExecutionIgnoresLateCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	exec := execFunc(func(execCtx context.Context, op migrate.Operation) (*executor.Result, error) {
		cancel()
		if err := execCtx.Err(); err != nil {
			return nil, err
		}
		return h.exec.Execute(execCtx, op)
	})
	m := h.manager(t, exec)

	res, err := m.ExecuteWithValidation(ctx, addTier(),
		[]Checkpoint{{Stage: StagePost, Validators: []string{IntentApplied}, Required: true}}, true)
	require.NoError(t, err)
	assert.Equal(t, migrate.StatusSucceeded, res.Status)
	assert.Equal(t, StatePassed, res.Checkpoints[0].State)
}

func TestUnknownValidatorIsRejected(t *testing.T) {
	h := newHarness(t)
	exec := new(mockExecutor)
	m := h.manager(t, exec)

	_, err := m.ExecuteWithValidation(context.Background(), addTier(),
		[]Checkpoint{{Stage: StagePre, Validators: []string{"nope"}}}, true)
	assert.ErrorContains(t, err, `unknown validator "nope"`)

	_, err = m.ExecuteWithValidation(context.Background(), addTier(),
		[]Checkpoint{{Stage: "sometime", Validators: []string{Connectivity}}}, true)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{
		Connectivity, DependentViewsValid, ForeignKeyIntegrity, IntentApplied, NoPendingLocks, TargetExists,
	}, r.Names())
	assert.Error(t, r.Register(failing(Connectivity)))
	assert.Error(t, r.Register(failing("")))
	require.NoError(t, r.Register(failing("custom")))
	_, ok := r.Get("custom")
	assert.True(t, ok)
}

func TestDefaultCheckpoints(t *testing.T) {
	drop := migrate.Operation{Kind: migrate.OpDropColumn, Target: migrate.Column("", "t", "c")}
	cps := DefaultCheckpoints(drop)
	require.Len(t, cps, 4)
	assert.Equal(t, StagePre, cps[0].Stage)
	assert.True(t, cps[0].Required)
	assert.False(t, cps[2].Required, "monitors warn")
	assert.Contains(t, cps[3].Validators, DependentViewsValid)

	assert.NotContains(t, DefaultCheckpoints(addTier())[3].Validators, DependentViewsValid)
}
