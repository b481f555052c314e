package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/internal/audit"
	"github.com/satishbabariya/schemaguard/internal/telemetry"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/dependency"
	"github.com/satishbabariya/schemaguard/migrate/executor"
	"github.com/satishbabariya/schemaguard/migrate/lock"
	"github.com/satishbabariya/schemaguard/migrate/mitigation"
	"github.com/satishbabariya/schemaguard/migrate/risk"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
	"github.com/satishbabariya/schemaguard/migrate/staging"
	"github.com/satishbabariya/schemaguard/migrate/validation"
)

// StagingFailureImpact is added to the availability score when a dry run
// fails.
const StagingFailureImpact = 30.0

// Analyzer produces the dependency report of an operation.
type Analyzer interface {
	Analyze(ctx context.Context, op migrate.Operation, extra ...migrate.SchemaObject) (*dependency.Report, error)
}

// Stager dry-runs an operation in a throwaway environment.
type Stager interface {
	Run(ctx context.Context, strategy staging.SamplingStrategy, limits staging.ResourceLimits, plan staging.TestPlan) (*staging.TestResult, error)
}

// Locker serializes DDL per resource.
type Locker interface {
	WithLock(ctx context.Context, scope lock.Scope, key string, opts lock.AcquireOptions, fn func(context.Context, *lock.Lock) error) error
}

// Validator runs an operation behind checkpoints.
type Validator interface {
	ExecuteWithValidation(ctx context.Context, op migrate.Operation, checkpoints []validation.Checkpoint, rollbackOnFailure bool) (*validation.Result, error)
}

// Snapshots reads stored snapshots and diffs them against the database.
type Snapshots interface {
	Get(ctx context.Context, id string) (*snapshot.Snapshot, error)
	DiffCurrent(ctx context.Context, from *snapshot.Snapshot) (*snapshot.EvolutionReport, error)
}

// Components are the pipeline stages. Staging may be nil, in which case
// no dry run can happen.
type Components struct {
	Analyzer   Analyzer
	Risk       *risk.Engine
	Mitigation *mitigation.Planner
	Staging    Stager
	Locks      Locker
	Validation Validator
	Snapshots  Snapshots
}

// Orchestrator runs requests through the pipeline.
type Orchestrator struct {
	c       Components
	logger  *zap.Logger
	metrics *telemetry.Metrics
	audit   *audit.Recorder
	tracer  trace.Tracer
	clock   func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records risk scores and run outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAudit records every stage.
func WithAudit(r *audit.Recorder) Option {
	return func(o *Orchestrator) { o.audit = r }
}

// WithTracer sets the tracer for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New creates an orchestrator. Analyzer, Risk and Mitigation are always
// required; Locks, Validation and Snapshots are required by Run.
func New(c Components, opts ...Option) (*Orchestrator, error) {
	if c.Analyzer == nil || c.Risk == nil || c.Mitigation == nil {
		return nil, errors.New("orchestrator needs an analyzer, a risk engine and a mitigation planner")
	}
	o := &Orchestrator{
		c:      c,
		logger: zap.NewNop(),
		tracer: telemetry.Tracer(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("safety")
	return o, nil
}

// Assess analyzes, scores and plans mitigations for req without touching
// the database.
func (o *Orchestrator) Assess(ctx context.Context, req Request) (*Report, error) {
	report := o.newReport(req)
	err := o.assess(ctx, req, report)
	if err != nil {
		o.fail(report, migrate.StatusAborted, err)
	}
	report.FinishedAt = o.clock()
	return report, err
}

// Run applies req. The report is returned even when err is non-nil.
//
// Staging happens before the lock is taken. A failed dry run raises the
// risk, recomputes the mitigation plan and aborts unless the policy says
// otherwise. Caller cancellation is honored up to lock acquisition; once
// DDL starts the validation manager finishes the run.
func (o *Orchestrator) Run(ctx context.Context, req Request) (report *Report, err error) {
	if o.c.Locks == nil || o.c.Validation == nil || o.c.Snapshots == nil {
		return nil, errors.New("orchestrator needs locks, validation and snapshots to run")
	}
	report = o.newReport(req)
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "safety.run",
		attribute.String("run_id", report.RunID),
		attribute.String("operation", req.Operation.Name()),
	)
	logger := o.logger.With(zap.String("run_id", report.RunID), zap.String("operation", req.Operation.Name()))
	o.audit.Record(ctx, "migration.run", req.Operation.Name(), audit.OutcomeStarted, map[string]string{"run_id": report.RunID})

	defer func() {
		report.FinishedAt = o.clock()
		if err != nil && report.Status == "" {
			o.fail(report, migrate.StatusFailed, err)
		}
		o.metrics.OperationFinished(string(req.Operation.Kind), string(report.Status), report.Duration())
		outcome := audit.OutcomeSucceeded
		if report.Status != migrate.StatusSucceeded {
			outcome = audit.OutcomeFailed
		}
		o.audit.Record(ctx, "migration.run", req.Operation.Name(), outcome, map[string]string{
			"run_id": report.RunID,
			"status": string(report.Status),
		})
		logger.Info("run finished", zap.String("status", string(report.Status)), zap.Duration("duration", report.Duration()))
		telemetry.EndSpan(span, err)
	}()

	if err := o.assess(ctx, req, report); err != nil {
		o.fail(report, migrate.StatusAborted, err)
		return report, err
	}

	if err := o.stage(ctx, req, report); err != nil {
		o.fail(report, migrate.StatusAborted, err)
		return report, err
	}

	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("canceled before lock acquisition: %w", err)
		o.fail(report, migrate.StatusAborted, err)
		return report, err
	}

	if err := o.execute(ctx, req, report); err != nil {
		status := migrate.StatusFailed
		if report.Validation != nil && report.Validation.Status != "" {
			status = report.Validation.Status
		}
		if report.Validation == nil {
			// Nothing ran: the lock was never taken or validation inputs
			// were rejected.
			status = migrate.StatusAborted
		}
		o.fail(report, status, err)
		return report, err
	}

	report.Status = migrate.StatusSucceeded
	return report, nil
}

func (o *Orchestrator) newReport(req Request) *Report {
	return &Report{
		RunID:           uuid.NewString(),
		Operation:       req.Operation,
		RollbackOutcome: migrate.RollbackNotAttempted,
		StartedAt:       o.clock(),
	}
}

// fail stamps the failure onto report. The risk and mitigation plan are
// filled in from the operation alone when analysis never produced them.
func (o *Orchestrator) fail(report *Report, status migrate.Status, err error) {
	report.Status = status
	report.Error = err.Error()
	if report.Risk == nil {
		report.Risk = o.c.Risk.Assess(report.Operation, nil)
	}
	if report.Mitigation == nil {
		report.Mitigation = o.c.Mitigation.Plan(report.Risk, mitigation.OperationContext{
			Operation:        report.Operation,
			StagingAvailable: o.c.Staging != nil,
		})
	}
	if report.Validation != nil {
		report.FailedChecks = report.Validation.FailedChecks()
		report.RollbackOutcome = report.Validation.RollbackOutcome
	}
	if report.Staging != nil && report.Staging.Result != nil && !report.Staging.Result.Success {
		report.FailedChecks = append(report.FailedChecks, "staging: "+report.Staging.Result.Failure())
	}
}

func (o *Orchestrator) assess(ctx context.Context, req Request, report *Report) (err error) {
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "safety.assess")
	defer func() { telemetry.EndSpan(span, err) }()

	if err := req.Operation.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	deps, err := o.c.Analyzer.Analyze(ctx, req.Operation, req.Targets...)
	if err != nil {
		o.audit.Record(ctx, "analysis", req.Operation.Target.QualifiedName(), audit.OutcomeFailed, map[string]string{"error": err.Error()})
		return err
	}
	report.Impact = deps.Combined()
	report.ForeignKeys = deps.ForeignKeys
	report.Rename = deps.Rename
	if report.Impact != nil {
		report.Warnings = append(report.Warnings, report.Impact.Warnings...)
	}

	report.Risk = o.c.Risk.Assess(req.Operation, deps)
	o.metrics.RiskScore(report.Risk.OverallScore)
	report.Mitigation = o.replan(req, report)

	details := map[string]string{
		"risk":       report.Risk.OverallLevel.String(),
		"strategies": fmt.Sprint(len(report.Mitigation.Strategies)),
	}
	if report.Impact != nil {
		details["impact"] = string(report.Impact.ImpactLevel)
	}
	o.audit.Record(ctx, "analysis", req.Operation.Target.QualifiedName(), audit.OutcomeSucceeded, details)
	o.logger.Info("operation assessed",
		zap.String("operation", req.Operation.Name()),
		zap.String("risk", report.Risk.OverallLevel.String()),
		zap.Float64("score", report.Risk.OverallScore),
		zap.Bool("requires_staging", report.Mitigation.RequiresStaging),
	)
	return nil
}

func (o *Orchestrator) replan(req Request, report *Report) *mitigation.Plan {
	return o.c.Mitigation.Plan(report.Risk, mitigation.OperationContext{
		Operation:        req.Operation,
		StagingAvailable: o.c.Staging != nil && req.Staging.Mode != StagingNever,
	})
}

func (o *Orchestrator) stage(ctx context.Context, req Request, report *Report) (err error) {
	mode := req.Staging.Mode
	if mode == "" {
		mode = StagingAuto
	}
	required := mode == StagingAlways || (mode == StagingAuto && report.Mitigation.RequiresStaging)
	report.Staging = &StagingReport{Required: required}
	switch {
	case mode == StagingNever:
		report.Staging.Skipped = "staging disabled"
		return nil
	case !required:
		report.Staging.Skipped = "risk below the staging level"
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, o.tracer, "safety.staging")
	defer func() { telemetry.EndSpan(span, err) }()
	resource := req.Operation.Name()

	provisionFailed := func(cause error) error {
		report.Staging.Error = cause.Error()
		if req.Staging.AllowWithoutStaging {
			report.Staging.Overridden = true
			report.Warnings = append(report.Warnings, "proceeding without staging: "+cause.Error())
			o.audit.Record(ctx, "staging.override", resource, audit.OutcomeSkipped, map[string]string{"reason": cause.Error()})
			return nil
		}
		return cause
	}

	if o.c.Staging == nil {
		return provisionFailed(&migrate.StagingProvisionError{Reason: "no staging environment is configured"})
	}

	res, err := o.c.Staging.Run(ctx, req.Staging.Strategy, req.Staging.Limits, staging.TestPlan{
		Operation:  req.Operation,
		Statements: req.Staging.Statements,
		Verify:     req.Staging.Verify,
	})
	if err != nil {
		if errors.Is(err, migrate.ErrStagingProvision) {
			return provisionFailed(err)
		}
		report.Staging.Error = err.Error()
		return fmt.Errorf("%w: %w", ErrStagingFailed, err)
	}
	report.Staging.Ran = true
	report.Staging.Result = res
	if res.Success {
		return nil
	}

	// Feed the failure back: it is new evidence for the risk engine and
	// the mitigation plan is recomputed from the raised assessment.
	report.Risk = o.c.Risk.AddFactor(report.Risk, risk.Availability, risk.Factor{
		Code:        risk.FactorStagingFailure,
		Description: "the staging dry run failed",
		ImpactScore: StagingFailureImpact,
		Evidence:    res.Failure(),
	})
	o.metrics.RiskScore(report.Risk.OverallScore)
	report.Mitigation = o.replan(req, report)
	o.logger.Warn("staging dry run failed",
		zap.String("operation", req.Operation.Name()),
		zap.String("failure", res.Failure()),
		zap.String("risk", report.Risk.OverallLevel.String()),
	)

	if req.Staging.ProceedOnFailure {
		report.Staging.Overridden = true
		report.Warnings = append(report.Warnings, "proceeding despite failed dry run: "+res.Failure())
		o.audit.Record(ctx, "staging.override", resource, audit.OutcomeSkipped, map[string]string{"reason": res.Failure()})
		return nil
	}
	return fmt.Errorf("%w: %s", ErrStagingFailed, res.Failure())
}

func (o *Orchestrator) execute(ctx context.Context, req Request, report *Report) (err error) {
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "safety.execute")
	defer func() { telemetry.EndSpan(span, err) }()

	checkpoints := req.Checkpoints
	if checkpoints == nil {
		checkpoints = validation.DefaultCheckpoints(req.Operation)
	}
	actor := req.Actor
	if actor == "" {
		actor = o.audit.Actor()
	}

	scope, key := lock.ResourceKeyFor(req.Operation)
	opts := lock.AcquireOptions{
		Timeout:  req.Lock.Timeout,
		TTL:      req.Lock.TTL,
		FailFast: req.Lock.FailFast,
		Holder: map[string]string{
			"owner":     report.RunID,
			"actor":     actor,
			"operation": req.Operation.Name(),
		},
	}

	return o.c.Locks.WithLock(ctx, scope, key, opts, func(lctx context.Context, l *lock.Lock) error {
		report.LockID = l.ID
		runCtx := validation.WithLockID(executor.WithRunID(lctx, report.RunID), l.ID)

		res, verr := o.c.Validation.ExecuteWithValidation(runCtx, req.Operation, checkpoints, req.RollbackOnFailure)
		report.Validation = res
		if res != nil {
			report.RollbackOutcome = res.RollbackOutcome
			report.Warnings = append(report.Warnings, res.Warnings...)
			if res.PreSnapshotID != "" {
				report.Evolution = o.evolution(context.WithoutCancel(lctx), res.PreSnapshotID)
			}
		}
		return verr
	})
}

// evolution diffs the live schema against the pre-operation snapshot. A
// diff failure is logged; it never changes the outcome of the run.
func (o *Orchestrator) evolution(ctx context.Context, snapshotID string) *snapshot.EvolutionReport {
	pre, err := o.c.Snapshots.Get(ctx, snapshotID)
	if err != nil {
		o.logger.Warn("failed to load pre-operation snapshot", zap.String("snapshot_id", snapshotID), zap.Error(err))
		return nil
	}
	evo, err := o.c.Snapshots.DiffCurrent(ctx, pre)
	if err != nil {
		o.logger.Warn("failed to diff against pre-operation snapshot", zap.String("snapshot_id", snapshotID), zap.Error(err))
		return nil
	}
	return evo
}
