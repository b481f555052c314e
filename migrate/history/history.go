// Package history records every schemaguard run in the target database.
package history

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// TableName is the history table. The introspectors hide it from analysis.
const TableName = introspect.InternalTablePrefix + "history"

// Record is one executed (or attempted) operation.
type Record struct {
	ID            int64
	RunID         string
	Operation     string
	Kind          migrate.OperationKind
	Target        string
	Status        migrate.Status
	Checksum      string
	AppliedAt     time.Time
	ExecutionTime int64 // milliseconds
	RolledBack    bool
	SnapshotID    string
	ErrorMessage  string
}

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Manager manages the history table.
type Manager struct {
	db       *sql.DB
	provider string
}

// NewManager creates a new history manager.
func NewManager(db *sql.DB, provider string) *Manager {
	return &Manager{
		db:       db,
		provider: introspect.NormalizeProvider(provider),
	}
}

// InitTable creates the history table if it does not exist.
func (m *Manager) InitTable(ctx context.Context) error {
	createTableSQL := m.createTableSQL()
	if createTableSQL == "" {
		return fmt.Errorf("%w: %s", introspect.ErrUnsupportedProvider, m.provider)
	}
	if _, err := m.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}
	return nil
}

// Record inserts r using the manager's database.
func (m *Manager) Record(ctx context.Context, r *Record) error {
	return m.RecordWith(ctx, m.db, r)
}

// RecordWith inserts r through ex, so a record can join the transaction that
// ran the operation.
func (m *Manager) RecordWith(ctx context.Context, ex Execer, r *Record) error {
	if r.AppliedAt.IsZero() {
		r.AppliedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, m.insertSQL(),
		r.RunID,
		r.Operation,
		string(r.Kind),
		r.Target,
		string(r.Status),
		r.Checksum,
		r.AppliedAt,
		r.ExecutionTime,
		r.RolledBack,
		r.SnapshotID,
		r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", r.Operation, err)
	}
	return nil
}

// GetAll returns every record, oldest first.
func (m *Manager) GetAll(ctx context.Context) ([]Record, error) {
	return m.query(ctx, "")
}

// GetByRun returns the records of one run.
func (m *Manager) GetByRun(ctx context.Context, runID string) ([]Record, error) {
	return m.query(ctx, "WHERE run_id = "+m.placeholder(1), runID)
}

// MarkRolledBack flags every record of runID as rolled back.
func (m *Manager) MarkRolledBack(ctx context.Context, runID string) error {
	q := fmt.Sprintf("UPDATE %s SET rolled_back = %s WHERE run_id = %s", TableName, m.boolLiteral(true), m.placeholder(1))
	res, err := m.db.ExecContext(ctx, q, runID)
	if err != nil {
		return fmt.Errorf("failed to mark run %s rolled back: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %q not found in history", runID)
	}
	return nil
}

func (m *Manager) query(ctx context.Context, where string, args ...any) ([]Record, error) {
	q := fmt.Sprintf(`SELECT id, run_id, operation, kind, target, status, checksum, applied_at,
		execution_time_ms, rolled_back, snapshot_id, error_message
		FROM %s %s ORDER BY applied_at ASC, id ASC`, TableName, where)
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                 Record
			kind, status      string
			snapshot, message sql.NullString
		)
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Operation,
			&kind,
			&r.Target,
			&status,
			&r.Checksum,
			&r.AppliedAt,
			&r.ExecutionTime,
			&r.RolledBack,
			&snapshot,
			&message,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		r.Kind = migrate.OperationKind(kind)
		r.Status = migrate.Status(status)
		r.SnapshotID = snapshot.String
		r.ErrorMessage = message.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// CalculateChecksum returns the hex SHA-256 of the statements joined by
// newlines.
func CalculateChecksum(statements ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(statements, "\n")))
	return hex.EncodeToString(hash[:])
}

func (m *Manager) createTableSQL() string {
	switch m.provider {
	case introspect.ProviderPostgres:
		return `
			CREATE TABLE IF NOT EXISTS ` + TableName + ` (
				id BIGSERIAL PRIMARY KEY,
				run_id VARCHAR(64) NOT NULL,
				operation VARCHAR(255) NOT NULL,
				kind VARCHAR(64) NOT NULL,
				target VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				checksum VARCHAR(64) NOT NULL,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				execution_time_ms BIGINT,
				rolled_back BOOLEAN NOT NULL DEFAULT FALSE,
				snapshot_id VARCHAR(64),
				error_message TEXT
			)
		`
	case introspect.ProviderMySQL:
		return `
			CREATE TABLE IF NOT EXISTS ` + TableName + ` (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				run_id VARCHAR(64) NOT NULL,
				operation VARCHAR(255) NOT NULL,
				kind VARCHAR(64) NOT NULL,
				target VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				checksum VARCHAR(64) NOT NULL,
				applied_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				execution_time_ms BIGINT,
				rolled_back TINYINT(1) NOT NULL DEFAULT 0,
				snapshot_id VARCHAR(64),
				error_message TEXT
			)
		`
	case introspect.ProviderSQLite:
		return `
			CREATE TABLE IF NOT EXISTS ` + TableName + ` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				operation TEXT NOT NULL,
				kind TEXT NOT NULL,
				target TEXT NOT NULL,
				status TEXT NOT NULL,
				checksum TEXT NOT NULL,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				execution_time_ms INTEGER,
				rolled_back BOOLEAN NOT NULL DEFAULT 0,
				snapshot_id TEXT,
				error_message TEXT
			)
		`
	default:
		return ""
	}
}

func (m *Manager) insertSQL() string {
	ph := make([]string, 11)
	for i := range ph {
		ph[i] = m.placeholder(i + 1)
	}
	return fmt.Sprintf(`
		INSERT INTO %s (run_id, operation, kind, target, status, checksum, applied_at,
			execution_time_ms, rolled_back, snapshot_id, error_message)
		VALUES (%s)
	`, TableName, strings.Join(ph, ", "))
}

func (m *Manager) placeholder(n int) string {
	if m.provider == introspect.ProviderPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (m *Manager) boolLiteral(v bool) string {
	switch {
	case m.provider == introspect.ProviderPostgres && v:
		return "TRUE"
	case m.provider == introspect.ProviderPostgres:
		return "FALSE"
	case v:
		return "1"
	default:
		return "0"
	}
}
