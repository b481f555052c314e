// Package safety runs a schema change through the whole protocol: impact
// analysis, risk scoring, mitigation planning, an optional staging dry run,
// the migration lock, checkpointed execution and the evolution diff.
package safety

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/dependency"
	"github.com/satishbabariya/schemaguard/migrate/mitigation"
	"github.com/satishbabariya/schemaguard/migrate/risk"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
	"github.com/satishbabariya/schemaguard/migrate/staging"
	"github.com/satishbabariya/schemaguard/migrate/validation"
)

// ErrStagingFailed is returned when the staging dry run of an operation
// failed and the caller did not choose to proceed anyway.
var ErrStagingFailed = errors.New("staging dry run failed")

// StagingMode decides when the dry run happens.
type StagingMode string

const (
	// StagingAuto runs the dry run when the mitigation plan asks for it.
	StagingAuto   StagingMode = "auto"
	StagingAlways StagingMode = "always"
	StagingNever  StagingMode = "never"
)

// ParseStagingMode validates a textual mode. Empty means StagingAuto.
func ParseStagingMode(s string) (StagingMode, error) {
	switch StagingMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", StagingAuto:
		return StagingAuto, nil
	case StagingAlways:
		return StagingAlways, nil
	case StagingNever:
		return StagingNever, nil
	}
	return "", fmt.Errorf("unknown staging mode %q", s)
}

// StagingPolicy configures the dry run of a request.
type StagingPolicy struct {
	Mode StagingMode
	// AllowWithoutStaging lets the run go on when no staging environment
	// could be provisioned.
	AllowWithoutStaging bool
	// ProceedOnFailure lets the run go on after a failed dry run. The
	// failure still raises the risk and reshapes the mitigation plan.
	ProceedOnFailure bool
	Strategy         staging.SamplingStrategy
	Limits           staging.ResourceLimits
	// Statements override the operation's statements in staging.
	Statements []string
	Verify     staging.VerifyFunc
}

// LockPolicy configures the migration lock of a request.
type LockPolicy struct {
	Timeout  time.Duration
	TTL      time.Duration
	FailFast bool
}

// Request is one schema change to run safely.
type Request struct {
	Operation migrate.Operation
	// Targets are further objects the change touches. They are analyzed
	// alongside the operation target.
	Targets []migrate.SchemaObject
	// Checkpoints default to validation.DefaultCheckpoints.
	Checkpoints       []validation.Checkpoint
	RollbackOnFailure bool
	Staging           StagingPolicy
	Lock              LockPolicy
	Actor             string
}

// StagingReport is what the dry run produced.
type StagingReport struct {
	Required bool                `json:"required"`
	Ran      bool                `json:"ran"`
	Skipped  string              `json:"skipped,omitempty"`
	Result   *staging.TestResult `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
	// Overridden is set when the run went on despite a staging problem.
	Overridden bool `json:"overridden,omitempty"`
}

// Report is the full account of a request. Every failure carries the
// error, the risk, the failed checks and the mitigation plan.
type Report struct {
	RunID           string                       `json:"run_id"`
	Status          migrate.Status               `json:"status"`
	Operation       migrate.Operation            `json:"operation"`
	Impact          *dependency.ImpactReport     `json:"impact,omitempty"`
	ForeignKeys     *dependency.ForeignKeyReport `json:"foreign_keys,omitempty"`
	Rename          *dependency.RenameReport     `json:"rename,omitempty"`
	Risk            *risk.Assessment             `json:"risk"`
	Mitigation      *mitigation.Plan             `json:"mitigation"`
	Staging         *StagingReport               `json:"staging,omitempty"`
	LockID          string                       `json:"lock_id,omitempty"`
	Validation      *validation.Result           `json:"validation,omitempty"`
	Evolution       *snapshot.EvolutionReport    `json:"evolution,omitempty"`
	RollbackOutcome migrate.RollbackOutcome      `json:"rollback_outcome"`
	Error           string                       `json:"error,omitempty"`
	FailedChecks    []string                     `json:"failed_checks,omitempty"`
	Warnings        []string                     `json:"warnings,omitempty"`
	StartedAt       time.Time                    `json:"started_at"`
	FinishedAt      time.Time                    `json:"finished_at,omitzero"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the change was applied and validated.
func (r *Report) Succeeded() bool { return r != nil && r.Status == migrate.StatusSucceeded }
