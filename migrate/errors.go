package migrate

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrAnalysis         = errors.New("dependency analysis failed")
	ErrLockTimeout      = errors.New("lock acquisition timed out")
	ErrStagingProvision = errors.New("staging environment provisioning failed")
	ErrValidation       = errors.New("validation checkpoint failed")
	ErrRollback         = errors.New("rollback failed")
)

// AnalysisError is returned when the catalog cannot be read or parsed.
// It is always fatal: a broken read never means "no dependencies".
type AnalysisError struct {
	Object SchemaObject
	Stage  string
	Err    error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of %s failed during %s: %v", e.Object.QualifiedName(), e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

func (e *AnalysisError) Is(target error) bool { return target == ErrAnalysis }

// LockTimeoutError is returned when a lock could not be acquired in time.
type LockTimeoutError struct {
	Scope       string
	ResourceKey string
	Timeout     time.Duration
	Holder      map[string]string
}

func (e *LockTimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s lock on %q", e.Timeout, e.Scope, e.ResourceKey)
	if owner := e.Holder["owner"]; owner != "" {
		msg += fmt.Sprintf(" (held by %s)", owner)
	}
	return msg
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// StagingProvisionError is fatal for the dry run only.
type StagingProvisionError struct {
	EnvironmentID string
	Reason        string
	Err           error
}

func (e *StagingProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("staging environment %s: %s: %v", e.EnvironmentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("staging environment %s: %s", e.EnvironmentID, e.Reason)
}

func (e *StagingProvisionError) Unwrap() error { return e.Err }

func (e *StagingProvisionError) Is(target error) bool { return target == ErrStagingProvision }

// ValidationFailure lists the required checks that failed at a stage.
type ValidationFailure struct {
	Stage        string
	FailedChecks []string
	Rollback     RollbackOutcome
}

func (e *ValidationFailure) Error() string {
	msg := fmt.Sprintf("%s validation failed: %s", e.Stage, strings.Join(e.FailedChecks, "; "))
	if e.Rollback != "" && e.Rollback != RollbackNotAttempted {
		msg += fmt.Sprintf(" (rollback %s)", e.Rollback)
	}
	return msg
}

func (e *ValidationFailure) Is(target error) bool { return target == ErrValidation }

// RollbackError is always fatal and must be escalated to an operator.
type RollbackError struct {
	SnapshotID string
	Outcome    RollbackOutcome
	Err        error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback to snapshot %s %s: %v", e.SnapshotID, e.Outcome, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

func (e *RollbackError) Is(target error) bool { return target == ErrRollback }

// ExecutionError wraps a failure raised while DDL was running, carrying the
// outcome of the rollback evaluated before the error propagated.
type ExecutionError struct {
	Operation string
	Rollback  RollbackOutcome
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %s failed (rollback %s): %v", e.Operation, e.Rollback, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
