// Package validation runs an operation behind pre, during and post
// migration checkpoints and rolls back to the pre-operation snapshot when
// a required check fails.
package validation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/lock"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
)

// Stage is the point in a migration a checkpoint gates.
type Stage string

const (
	StagePre    Stage = "pre_migration"
	StageDuring Stage = "during_migration"
	StagePost   Stage = "post_migration"
)

// Stages lists the stages in execution order.
var Stages = []Stage{StagePre, StageDuring, StagePost}

// ParseStage validates a textual stage.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown checkpoint stage %q", s)
}

// State is the progress of one checkpoint.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StatePassed  State = "PASSED"
	StateFailed  State = "FAILED"
)

// Checkpoint names the validators that gate a stage. A failing required
// checkpoint fails the migration; any other failure is a warning.
type Checkpoint struct {
	Name       string        `json:"name,omitempty" yaml:"name"`
	Stage      Stage         `json:"stage" yaml:"stage"`
	Validators []string      `json:"validators" yaml:"validators"`
	Required   bool          `json:"required" yaml:"required"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// Label returns the checkpoint name, falling back to its stage.
func (c Checkpoint) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Stage)
}

// LockLister reports the locks currently held anywhere in the registry.
type LockLister interface {
	ListActive(ctx context.Context) ([]lock.Record, error)
}

// Target is what a validator inspects.
type Target struct {
	Operation migrate.Operation
	Stage     Stage
	DB        *sql.DB
	Provider  string
	Catalog   introspect.Introspector
	Locks     LockLister
	// LockID is the lock the running migration holds, if any.
	LockID string
	// Before is the catalog captured before execution. Nil at the pre
	// stage.
	Before *snapshot.Snapshot
}

// Validator checks one property of the database. A nil error passes.
type Validator interface {
	Name() string
	Validate(ctx context.Context, t Target) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc struct {
	ID string
	Fn func(ctx context.Context, t Target) error
}

// Func returns a named validator backed by fn.
func Func(name string, fn func(ctx context.Context, t Target) error) ValidatorFunc {
	return ValidatorFunc{ID: name, Fn: fn}
}

func (f ValidatorFunc) Name() string { return f.ID }

func (f ValidatorFunc) Validate(ctx context.Context, t Target) error { return f.Fn(ctx, t) }

// ValidatorResult is the outcome of one validator.
type ValidatorResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CheckpointRun is the report of one checkpoint.
type CheckpointRun struct {
	Name       string            `json:"name"`
	Stage      Stage             `json:"stage"`
	Required   bool              `json:"required"`
	State      State             `json:"state"`
	Passed     bool              `json:"passed"`
	Errors     []string          `json:"errors,omitempty"`
	ExecutedAt time.Time         `json:"executed_at,omitzero"`
	Rounds     int               `json:"rounds,omitempty"`
	Results    []ValidatorResult `json:"results"`
}

// Blocking reports whether the run failed a required checkpoint.
func (r CheckpointRun) Blocking() bool {
	return r.Required && r.State == StateFailed
}

// Result is the report of ExecuteWithValidation.
type Result struct {
	Status            migrate.Status           `json:"status"`
	Operation         migrate.Operation        `json:"operation"`
	Checkpoints       []CheckpointRun          `json:"checkpoints"`
	Warnings          []string                 `json:"warnings,omitempty"`
	ExecutionError    string                   `json:"execution_error,omitempty"`
	Executed          bool                     `json:"executed"`
	Execution         *ExecutionStats          `json:"execution,omitempty"`
	PreSnapshotID     string                   `json:"pre_snapshot_id,omitempty"`
	RollbackAttempted bool                     `json:"rollback_attempted"`
	RollbackCompleted bool                     `json:"rollback_completed"`
	RollbackOutcome   migrate.RollbackOutcome  `json:"rollback_outcome"`
	Rollback          *snapshot.RollbackResult `json:"rollback,omitempty"`
	Duration          time.Duration            `json:"duration"`
}

// ExecutionStats summarizes the DDL run.
type ExecutionStats struct {
	Statements   int           `json:"statements"`
	RowsAffected int64         `json:"rows_affected"`
	Duration     time.Duration `json:"duration"`
}

// FailedChecks lists every required check that failed, as
// "stage/validator: error", plus the execution error if there was one.
func (r *Result) FailedChecks() []string {
	var out []string
	for _, cp := range r.Checkpoints {
		if !cp.Blocking() {
			continue
		}
		out = append(out, failures(cp)...)
	}
	if r.ExecutionError != "" {
		out = append(out, "execution: "+r.ExecutionError)
	}
	return out
}

// Stage returns the runs of one stage.
func (r *Result) Stage(stage Stage) []CheckpointRun {
	var out []CheckpointRun
	for _, cp := range r.Checkpoints {
		if cp.Stage == stage {
			out = append(out, cp)
		}
	}
	return out
}

func failures(cp CheckpointRun) []string {
	var out []string
	for _, v := range cp.Results {
		if !v.Passed {
			out = append(out, fmt.Sprintf("%s/%s: %s", cp.Stage, v.Name, v.Error))
		}
	}
	return out
}
