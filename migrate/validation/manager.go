package validation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satishbabariya/schemaguard/internal/audit"
	"github.com/satishbabariya/schemaguard/internal/telemetry"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/executor"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
)

// Defaults for Manager timings.
const (
	DefaultValidatorTimeout = 30 * time.Second
	DefaultMonitorInterval  = 2 * time.Second
)

// AuditRollback is the audit operation recorded for rollbacks.
const AuditRollback = "rollback"

// Executor runs an operation's DDL.
type Executor interface {
	Execute(ctx context.Context, op migrate.Operation) (*executor.Result, error)
}

// StateManager captures the pre-operation snapshot and restores it.
type StateManager interface {
	Snapshot(ctx context.Context, description string, opts snapshot.Options) (*snapshot.Snapshot, error)
	RollbackTo(ctx context.Context, snap *snapshot.Snapshot) (*snapshot.RollbackResult, error)
}

// Manager runs operations behind validation checkpoints.
type Manager struct {
	registry *Registry
	exec     Executor
	state    StateManager
	db       *sql.DB
	provider string
	catalog  introspect.Introspector
	locks    LockLister
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	audit    *audit.Recorder
	tracer   trace.Tracer
	clock    func() time.Time

	validatorTimeout time.Duration
	monitorInterval  time.Duration
	monitorDeadline  time.Duration
	snapshotOptions  snapshot.Options
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records checkpoint results.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithAudit records checkpoint transitions and rollbacks.
func WithAudit(r *audit.Recorder) Option {
	return func(m *Manager) { m.audit = r }
}

// WithTracer sets the tracer for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithRegistry replaces the validator registry.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithCatalog overrides the catalog reader handed to validators.
func WithCatalog(c introspect.Introspector) Option {
	return func(m *Manager) { m.catalog = c }
}

// WithLocks lets the no_pending_locks validator see the lock registry.
func WithLocks(l LockLister) Option {
	return func(m *Manager) { m.locks = l }
}

// WithValidatorTimeout bounds each validator run without its own
// checkpoint timeout.
func WithValidatorTimeout(d time.Duration) Option {
	return func(m *Manager) { m.validatorTimeout = d }
}

// WithMonitorInterval sets the pause between during-migration monitor rounds.
func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) { m.monitorInterval = d }
}

// WithMonitorDeadline bounds how long monitors may keep running after the
// DDL has finished. Results gathered by then are kept.
func WithMonitorDeadline(d time.Duration) Option {
	return func(m *Manager) { m.monitorDeadline = d }
}

// WithSnapshotOptions sets what the pre-operation snapshot captures.
func WithSnapshotOptions(opts snapshot.Options) Option {
	return func(m *Manager) { m.snapshotOptions = opts }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a checkpoint manager for db.
func NewManager(db *sql.DB, provider string, exec Executor, state StateManager, opts ...Option) (*Manager, error) {
	if exec == nil || state == nil {
		return nil, errors.New("validation manager needs an executor and a state manager")
	}
	m := &Manager{
		exec:             exec,
		state:            state,
		db:               db,
		provider:         introspect.NormalizeProvider(provider),
		logger:           zap.NewNop(),
		clock:            time.Now,
		validatorTimeout: DefaultValidatorTimeout,
		monitorInterval:  DefaultMonitorInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("validation")
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.monitorDeadline <= 0 {
		m.monitorDeadline = m.validatorTimeout
	}
	if m.catalog == nil {
		var err error
		if m.catalog, err = introspect.NewIntrospector(db, provider); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the validator registry.
func (m *Manager) Registry() *Registry { return m.registry }

type lockIDKey struct{}

// WithLockID tells validators which lock the running migration holds.
func WithLockID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, lockIDKey{}, id)
}

func lockIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(lockIDKey{}).(string)
	return id
}

type plannedCheckpoint struct {
	Checkpoint
	index      int
	validators []Validator
}

// ExecuteWithValidation runs op behind checkpoints. A required pre failure
// aborts before any DDL. Once the DDL starts, caller cancellation is no
// longer honored: the run completes its stages and evaluates rollback.
//
// The returned Result is non-nil whenever the inputs are valid. On failure
// the error is a *migrate.ValidationFailure or *migrate.ExecutionError,
// joined with a *migrate.RollbackError when the rollback itself failed.
func (m *Manager) ExecuteWithValidation(ctx context.Context, op migrate.Operation, checkpoints []Checkpoint, rollbackOnFailure bool) (*Result, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	planned, err := m.plan(checkpoints)
	if err != nil {
		return nil, err
	}

	began := m.clock()
	result := &Result{
		Operation:       op,
		Checkpoints:     make([]CheckpointRun, len(checkpoints)),
		RollbackOutcome: migrate.RollbackNotAttempted,
	}
	for i, cp := range checkpoints {
		result.Checkpoints[i] = CheckpointRun{Name: cp.Label(), Stage: cp.Stage, Required: cp.Required, State: StatePending}
	}
	defer func() { result.Duration = m.clock().Sub(began) }()

	logger := m.logger.With(zap.String("operation", op.Name()))
	target := Target{
		Operation: op,
		DB:        m.db,
		Provider:  m.provider,
		Catalog:   m.catalog,
		Locks:     m.locks,
		LockID:    lockIDFrom(ctx),
	}

	// Pre-migration: nothing has touched the database yet.
	target.Stage = StagePre
	m.runStage(ctx, result, planned[StagePre], target)
	if failed := blocking(result, StagePre); len(failed) > 0 {
		result.Status = migrate.StatusAborted
		logger.Warn("pre-migration checks failed, aborting", zap.Strings("failed", failed))
		return result, &migrate.ValidationFailure{Stage: string(StagePre), FailedChecks: failed, Rollback: migrate.RollbackNotAttempted}
	}
	if err := ctx.Err(); err != nil {
		result.Status = migrate.StatusAborted
		return result, fmt.Errorf("canceled before execution: %w", err)
	}

	pre, err := m.state.Snapshot(ctx, "before "+op.Name(), m.snapshotOptions)
	if err != nil {
		result.Status = migrate.StatusAborted
		return result, fmt.Errorf("pre-operation snapshot: %w", err)
	}
	result.PreSnapshotID = pre.ID
	target.Before = pre

	// From here on the run is detached from the caller.
	runCtx := context.WithoutCancel(ctx)
	execErr := m.executeWithMonitors(runCtx, result, op, planned[StageDuring], target)
	if execErr != nil {
		result.ExecutionError = execErr.Error()
		logger.Error("execution failed", zap.Error(execErr))
	} else {
		target.Stage = StagePost
		m.runStage(runCtx, result, planned[StagePost], target)
	}

	failedStage := firstBlockingStage(result)
	if execErr == nil && failedStage == "" {
		result.Status = migrate.StatusSucceeded
		logger.Info("operation validated", zap.Strings("warnings", result.Warnings))
		return result, nil
	}
	result.Status = migrate.StatusFailed

	var rollbackErr error
	if execErr != nil || rollbackOnFailure {
		rollbackErr = m.rollback(runCtx, result, pre)
	}

	var cause error
	if execErr != nil {
		cause = &migrate.ExecutionError{Operation: op.Name(), Rollback: result.RollbackOutcome, Err: execErr}
	} else {
		cause = &migrate.ValidationFailure{Stage: string(failedStage), FailedChecks: result.FailedChecks(), Rollback: result.RollbackOutcome}
	}
	if rollbackErr != nil {
		return result, errors.Join(cause, rollbackErr)
	}
	return result, cause
}

func (m *Manager) plan(checkpoints []Checkpoint) (map[Stage][]plannedCheckpoint, error) {
	out := make(map[Stage][]plannedCheckpoint)
	for i, cp := range checkpoints {
		if _, err := ParseStage(string(cp.Stage)); err != nil {
			return nil, err
		}
		validators, err := m.registry.resolve(cp)
		if err != nil {
			return nil, err
		}
		out[cp.Stage] = append(out[cp.Stage], plannedCheckpoint{Checkpoint: cp, index: i, validators: validators})
	}
	return out, nil
}

// runStage runs the checkpoints of one stage one after another; the
// validators inside a checkpoint run in parallel.
func (m *Manager) runStage(ctx context.Context, result *Result, cps []plannedCheckpoint, target Target) {
	if len(cps) == 0 {
		return
	}
	ctx, span := telemetry.StartSpan(ctx, m.tracer, "validation."+string(target.Stage),
		attribute.String("operation", target.Operation.Name()))
	for _, cp := range cps {
		run := &result.Checkpoints[cp.index]
		m.begin(ctx, run, target)
		results := make([]ValidatorResult, len(cp.validators))
		var g errgroup.Group
		for i, v := range cp.validators {
			g.Go(func() error {
				results[i] = m.runValidator(ctx, v, target, m.timeout(cp.Checkpoint))
				return nil
			})
		}
		_ = g.Wait()
		run.Rounds = 1
		m.finish(ctx, result, run, results, target)
	}
	var err error
	if failed := blocking(result, target.Stage); len(failed) > 0 {
		err = &migrate.ValidationFailure{Stage: string(target.Stage), FailedChecks: failed}
	}
	telemetry.EndSpan(span, err)
}

func (m *Manager) timeout(cp Checkpoint) time.Duration {
	if cp.Timeout > 0 {
		return cp.Timeout
	}
	return m.validatorTimeout
}

// runValidator enforces the timeout even for validators that ignore ctx,
// and turns panics into failures.
func (m *Manager) runValidator(ctx context.Context, v Validator, target Target, timeout time.Duration) ValidatorResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("validator panicked: %v", p)
			}
		}()
		done <- v.Validate(ctx, target)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("did not finish: %w", ctx.Err())
	}
	res := ValidatorResult{Name: v.Name(), Passed: err == nil, Duration: time.Since(began)}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (m *Manager) begin(ctx context.Context, run *CheckpointRun, target Target) {
	run.State = StateRunning
	run.ExecutedAt = m.clock()
	m.audit.Record(ctx, checkpointOperation(run.Stage), resource(target, run), audit.OutcomeStarted, nil)
}

func (m *Manager) finish(ctx context.Context, result *Result, run *CheckpointRun, results []ValidatorResult, target Target) {
	run.Results = results
	run.Passed = true
	run.Errors = nil
	for _, r := range results {
		if !r.Passed {
			run.Passed = false
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %s", r.Name, r.Error))
		}
	}
	outcome := audit.OutcomeSucceeded
	run.State = StatePassed
	if !run.Passed {
		run.State = StateFailed
		outcome = audit.OutcomeFailed
		if !run.Required {
			result.Warnings = append(result.Warnings, failures(*run)...)
		}
	}
	m.metrics.CheckpointResult(string(run.Stage), run.Passed)
	details := map[string]string{"required": fmt.Sprint(run.Required), "state": string(run.State)}
	if len(run.Errors) > 0 {
		details["errors"] = fmt.Sprint(run.Errors)
	}
	m.audit.Record(ctx, checkpointOperation(run.Stage), resource(target, run), outcome, details)
	m.logger.Debug("checkpoint finished",
		zap.String("checkpoint", run.Name),
		zap.String("stage", string(run.Stage)),
		zap.String("state", string(run.State)),
		zap.Strings("errors", run.Errors),
	)
}

func checkpointOperation(stage Stage) string { return "checkpoint." + string(stage) }

func resource(target Target, run *CheckpointRun) string {
	return target.Operation.Name() + "/" + run.Name
}

// executeWithMonitors runs the DDL while the during-migration checkpoints
// monitor the database in rounds. The monitors are joined once the DDL is
// done, waiting at most monitorDeadline for the round in flight.
func (m *Manager) executeWithMonitors(ctx context.Context, result *Result, op migrate.Operation, cps []plannedCheckpoint, target Target) error {
	target.Stage = StageDuring
	ctx, span := telemetry.StartSpan(ctx, m.tracer, "validation.execute", attribute.String("operation", op.Name()))

	monitors := newMonitorSet(cps)
	monitorCtx, cancelMonitors := context.WithCancel(ctx)
	defer cancelMonitors()
	stop := make(chan struct{})
	joined := make(chan struct{})

	if len(cps) > 0 {
		for _, cp := range cps {
			m.begin(ctx, &result.Checkpoints[cp.index], target)
		}
		go func() {
			defer close(joined)
			m.monitorLoop(monitorCtx, monitors, target, stop)
		}()
	} else {
		close(joined)
	}

	res, err := m.exec.Execute(ctx, op)
	result.Executed = err == nil
	if res != nil {
		result.Execution = &ExecutionStats{Statements: res.Statements, RowsAffected: res.RowsAffected, Duration: res.Duration}
	}

	close(stop)
	timer := time.NewTimer(m.monitorDeadline)
	select {
	case <-joined:
		timer.Stop()
	case <-timer.C:
		m.logger.Warn("monitors missed the deadline, keeping partial results", zap.Duration("deadline", m.monitorDeadline))
		monitors.cut()
		cancelMonitors()
		<-joined
	}

	for i, cp := range cps {
		run := &result.Checkpoints[cp.index]
		run.Rounds = monitors.rounds(i)
		m.finish(ctx, result, run, monitors.results(i), target)
	}
	telemetry.EndSpan(span, err)
	return err
}

// monitorLoop runs at least one round and stops after the round in flight
// when stop closes.
func (m *Manager) monitorLoop(ctx context.Context, monitors *monitorSet, target Target, stop <-chan struct{}) {
	for {
		var g errgroup.Group
		for i, cp := range monitors.checkpoints {
			for j, v := range cp.validators {
				g.Go(func() error {
					monitors.record(i, j, m.runValidator(ctx, v, target, m.timeout(cp.Checkpoint)))
					return nil
				})
			}
		}
		_ = g.Wait()
		monitors.endRound()

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(m.monitorInterval):
		}
	}
}

// monitorSet keeps the latest result per monitor. A failure sticks so a
// later passing round cannot hide it.
type monitorSet struct {
	checkpoints []plannedCheckpoint

	mu       sync.Mutex
	latest   [][]*ValidatorResult
	finished []int
	frozen   bool
}

func newMonitorSet(cps []plannedCheckpoint) *monitorSet {
	p := &monitorSet{checkpoints: cps, latest: make([][]*ValidatorResult, len(cps)), finished: make([]int, len(cps))}
	for i, cp := range cps {
		p.latest[i] = make([]*ValidatorResult, len(cp.validators))
	}
	return p
}

func (p *monitorSet) record(i, j int, r ValidatorResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return
	}
	if cur := p.latest[i][j]; cur != nil && !cur.Passed {
		return
	}
	p.latest[i][j] = &r
}

func (p *monitorSet) endRound() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return
	}
	for i := range p.finished {
		p.finished[i]++
	}
}

// cut freezes the results; anything the round in flight reports later is
// dropped.
func (p *monitorSet) cut() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
}

func (p *monitorSet) rounds(i int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished[i]
}

func (p *monitorSet) results(i int) []ValidatorResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ValidatorResult, len(p.latest[i]))
	for j, r := range p.latest[i] {
		if r == nil {
			out[j] = ValidatorResult{Name: p.checkpoints[i].validators[j].Name(), Error: "no result before the monitor deadline"}
			continue
		}
		out[j] = *r
	}
	return out
}

// rollback restores the pre-operation snapshot. The returned error is a
// *migrate.RollbackError.
func (m *Manager) rollback(ctx context.Context, result *Result, pre *snapshot.Snapshot) error {
	ctx, span := telemetry.StartSpan(ctx, m.tracer, "validation.rollback", attribute.String("snapshot_id", pre.ID))
	result.RollbackAttempted = true
	op := result.Operation
	m.audit.Record(ctx, AuditRollback, pre.ID, audit.OutcomeStarted, map[string]string{"operation": op.Name()})

	rb, err := m.state.RollbackTo(ctx, pre)
	result.Rollback = rb
	switch {
	case rb != nil:
		result.RollbackOutcome = rb.Outcome
	case err != nil:
		result.RollbackOutcome = migrate.RollbackFailed
	}
	result.RollbackCompleted = err == nil && result.RollbackOutcome == migrate.RollbackSucceeded

	details := map[string]string{"operation": op.Name(), "rollback_outcome": string(result.RollbackOutcome)}
	if rb != nil && len(rb.Limitations) > 0 {
		details["limitations"] = fmt.Sprint(rb.Limitations)
	}
	if err != nil {
		details["error"] = err.Error()
		m.audit.Record(ctx, AuditRollback, pre.ID, audit.OutcomeFailed, details)
		m.logger.Error("rollback failed", zap.String("snapshot_id", pre.ID), zap.Error(err))

		var rbErr *migrate.RollbackError
		if !errors.As(err, &rbErr) {
			err = &migrate.RollbackError{SnapshotID: pre.ID, Outcome: result.RollbackOutcome, Err: err}
		}
		telemetry.EndSpan(span, err)
		return err
	}
	m.audit.Record(ctx, AuditRollback, pre.ID, audit.OutcomeSucceeded, details)
	m.logger.Info("rolled back", zap.String("snapshot_id", pre.ID), zap.String("outcome", string(result.RollbackOutcome)))
	telemetry.EndSpan(span, nil)
	return nil
}

func blocking(result *Result, stage Stage) []string {
	var out []string
	for _, cp := range result.Checkpoints {
		if cp.Stage == stage && cp.Blocking() {
			out = append(out, failures(cp)...)
		}
	}
	return out
}

func firstBlockingStage(result *Result) Stage {
	for _, stage := range Stages {
		if len(blocking(result, stage)) > 0 {
			return stage
		}
	}
	return ""
}
