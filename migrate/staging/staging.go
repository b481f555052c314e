// Package staging provisions short-lived copies of a database filled with
// sampled rows and dry-runs operations against them.
package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/satishbabariya/schemaguard/migrate"
)

// ErrEnvironmentClosed is returned when an environment was already
// cleaned up.
var ErrEnvironmentClosed = errors.New("staging environment already cleaned up")

// SamplingStrategy selects how rows are copied into staging.
type SamplingStrategy string

const (
	// Representative keeps foreign keys intact: child rows are only copied
	// when the rows they reference were sampled.
	Representative SamplingStrategy = "representative"
	Random         SamplingStrategy = "random"
	// Stratified samples evenly across the values of one column.
	Stratified SamplingStrategy = "stratified"
)

// ParseSamplingStrategy validates a textual strategy. Empty means
// Representative.
func ParseSamplingStrategy(s string) (SamplingStrategy, error) {
	switch SamplingStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Representative:
		return Representative, nil
	case Random:
		return Random, nil
	case Stratified:
		return Stratified, nil
	}
	return "", fmt.Errorf("unknown sampling strategy %q", s)
}

// ResourceLimits bound a staging environment.
type ResourceLimits struct {
	MaxStorageGB     float64 `json:"max_storage_gb" yaml:"max_storage_gb"`
	MaxDurationHours float64 `json:"max_duration_hours" yaml:"max_duration_hours"`
}

// DefaultLimits applies when a caller passes zero limits.
var DefaultLimits = ResourceLimits{MaxStorageGB: 1, MaxDurationHours: 1}

// Validate rejects non-positive limits.
func (l ResourceLimits) Validate() error {
	if l.MaxStorageGB <= 0 || math.IsNaN(l.MaxStorageGB) {
		return fmt.Errorf("max_storage_gb must be positive, got %v", l.MaxStorageGB)
	}
	if l.MaxDurationHours <= 0 || math.IsNaN(l.MaxDurationHours) {
		return fmt.Errorf("max_duration_hours must be positive, got %v", l.MaxDurationHours)
	}
	return nil
}

// MaxDuration is the lifetime of an environment.
func (l ResourceLimits) MaxDuration() time.Duration {
	return time.Duration(l.MaxDurationHours * float64(time.Hour))
}

// MaxBytes is the storage budget of an environment.
func (l ResourceLimits) MaxBytes() int64 {
	return int64(l.MaxStorageGB * (1 << 30))
}

// ConnectionInfo locates a staging database.
type ConnectionInfo struct {
	Provider string `json:"provider"`
	DSN      string `json:"-"`
	Database string `json:"database"`
}

// String returns the DSN with any password masked.
func (c ConnectionInfo) String() string {
	u, err := url.Parse(c.DSN)
	if err != nil || u.User == nil {
		return c.DSN
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// Environment is one provisioned staging database. It is used for a single
// dry run and cleaned up exactly once.
type Environment struct {
	ID             string           `json:"environment_id"`
	ConnectionInfo ConnectionInfo   `json:"connection_info"`
	Provider       string           `json:"provider"`
	Strategy       SamplingStrategy `json:"sampling_strategy"`
	Limits         ResourceLimits   `json:"resource_limits"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	SampledRows    map[string]int   `json:"sampled_rows"`
	StorageBytes   int64            `json:"storage_bytes"`

	db         *sql.DB
	once       sync.Once
	mu         sync.Mutex
	cleaned    bool
	cleanupErr error
	timer      *time.Timer
}

// DB returns the staging database handle.
func (e *Environment) DB() *sql.DB { return e.db }

// Cleaned reports whether the environment has been torn down.
func (e *Environment) Cleaned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleaned
}

// VerifyFunc runs extra checks against a staging database after the DDL.
type VerifyFunc func(ctx context.Context, db *sql.DB) error

// TestPlan is what a dry run executes.
type TestPlan struct {
	Operation migrate.Operation `json:"operation"`
	// Statements override Operation.Statements when set.
	Statements []string   `json:"statements,omitempty"`
	Verify     VerifyFunc `json:"-"`
}

func (p TestPlan) operation() migrate.Operation {
	op := p.Operation
	if len(p.Statements) > 0 {
		op.Statements = p.Statements
	}
	return op
}

// PerformanceMetrics times a dry run.
type PerformanceMetrics struct {
	Duration           time.Duration   `json:"duration"`
	Statements         int             `json:"statements"`
	RowsAffected       int64           `json:"rows_affected"`
	StatementDurations []time.Duration `json:"statement_durations,omitempty"`
}

// DataIntegrityCheck compares the staging data before and after a dry run.
type DataIntegrityCheck struct {
	Passed               bool             `json:"passed"`
	RowCountsBefore      map[string]int64 `json:"row_counts_before"`
	RowCountsAfter       map[string]int64 `json:"row_counts_after"`
	ForeignKeyViolations int              `json:"foreign_key_violations"`
	Errors               []string         `json:"errors,omitempty"`
}

// TestResult is the outcome of a dry run.
type TestResult struct {
	EnvironmentID      string             `json:"environment_id"`
	Success            bool               `json:"success"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
	DataIntegrityCheck DataIntegrityCheck `json:"data_integrity_check"`
	Error              string             `json:"error,omitempty"`
}

// Failure summarizes why a dry run failed.
func (r *TestResult) Failure() string {
	if r == nil || r.Success {
		return ""
	}
	parts := make([]string, 0, 1+len(r.DataIntegrityCheck.Errors))
	if r.Error != "" {
		parts = append(parts, r.Error)
	}
	parts = append(parts, r.DataIntegrityCheck.Errors...)
	return strings.Join(parts, "; ")
}
