package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/internal/telemetry"
	"github.com/satishbabariya/schemaguard/migrate/executor"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/sqlgen"
	"github.com/satishbabariya/schemaguard/migrate/sqlref"
)

// Manager captures, stores, diffs and restores snapshots of one database.
type Manager struct {
	db           *sql.DB
	dialect      sqlgen.Dialect
	introspector introspect.Introspector
	store        Store
	exec         *executor.DDLExecutor
	logger       *zap.Logger
	metrics      *telemetry.Metrics
	clock        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithExecutor runs rollback statements through e, so they are recorded in
// its history.
func WithExecutor(e *executor.DDLExecutor) Option {
	return func(m *Manager) { m.exec = e }
}

// WithIntrospector overrides the catalog reader.
func WithIntrospector(i introspect.Introspector) Option {
	return func(m *Manager) { m.introspector = i }
}

// WithMetrics records rollback outcomes.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a manager for db. A nil store keeps snapshots in memory.
func NewManager(db *sql.DB, provider string, store Store, opts ...Option) (*Manager, error) {
	dialect, err := sqlgen.ForProvider(provider)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		db:      db,
		dialect: dialect,
		store:   store,
		logger:  zap.NewNop(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("snapshot")
	if m.introspector == nil {
		if m.introspector, err = introspect.NewIntrospector(db, provider); err != nil {
			return nil, err
		}
	}
	if m.exec == nil {
		if m.exec, err = executor.NewDDLExecutor(db, provider, executor.WithLogger(m.logger)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Capture reads the current state without storing it.
func (m *Manager) Capture(ctx context.Context, opts Options) (*Snapshot, error) {
	schema, err := m.introspector.Introspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	snap := &Snapshot{
		ID:            uuid.NewString(),
		TakenAt:       m.clock().UTC(),
		Provider:      schema.Provider,
		ServerVersion: schema.ServerVersion,
		Scope:         append([]string(nil), opts.Scope...),
	}
	fillStructure(snap, schema)

	if err := m.captureData(ctx, snap, opts); err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshot captures the current state and stores it.
func (m *Manager) Snapshot(ctx context.Context, description string, opts Options) (*Snapshot, error) {
	snap, err := m.Capture(ctx, opts)
	if err != nil {
		return nil, err
	}
	snap.Description = description
	out, err := snap.Clone()
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, snap); err != nil {
		return nil, err
	}
	m.logger.Info("snapshot stored",
		zap.String("snapshot_id", snap.ID),
		zap.String("description", description),
		zap.Int("tables", len(snap.Tables)),
		zap.Bool("backup", snap.Backup != nil),
	)
	return out, nil
}

// Get returns a stored snapshot.
func (m *Manager) Get(ctx context.Context, id string) (*Snapshot, error) {
	return m.store.Get(ctx, id)
}

// List returns every stored snapshot, oldest first.
func (m *Manager) List(ctx context.Context) ([]*Snapshot, error) {
	return m.store.List(ctx)
}

// DiffCurrent compares a snapshot with the live database.
func (m *Manager) DiffCurrent(ctx context.Context, from *Snapshot) (*EvolutionReport, error) {
	current, err := m.Capture(ctx, Options{Scope: from.Scope})
	if err != nil {
		return nil, err
	}
	return Diff(from, current), nil
}

func fillStructure(snap *Snapshot, schema *introspect.DatabaseSchema) {
	in := snap.InScope
	for _, t := range schema.Tables {
		if in(t.Name) {
			snap.Tables = append(snap.Tables, t)
		}
	}
	for _, c := range schema.CheckConstraints {
		if in(c.TableName) {
			snap.Constraints = append(snap.Constraints, c)
		}
	}
	for _, tr := range schema.Triggers {
		if in(tr.TableName) || mentionsScope(snap.Scope, tr.Definition) {
			snap.Triggers = append(snap.Triggers, tr)
		}
	}
	for _, v := range schema.Views {
		if len(snap.Scope) == 0 || mentionsScope(snap.Scope, v.Definition) {
			snap.Views = append(snap.Views, v)
		}
	}
	for _, p := range schema.StoredProcedures {
		if len(snap.Scope) == 0 || mentionsScope(snap.Scope, p.Definition) {
			snap.Procedures = append(snap.Procedures, p)
		}
	}
	if snap.Tables == nil {
		snap.Tables = []introspect.Table{}
	}
}

func mentionsScope(scope []string, definition string) bool {
	for _, table := range scope {
		if sqlref.References(definition, table) {
			return true
		}
	}
	return false
}

func (m *Manager) captureData(ctx context.Context, snap *Snapshot, opts Options) error {
	snap.RowCounts = make(map[string]int64, len(snap.Tables))
	if opts.DataChecksums {
		snap.DataChecksums = make(map[string]string, len(snap.Tables))
	}
	if opts.PerformanceBaseline {
		snap.Baseline = &Baseline{CapturedAt: m.clock().UTC(), TableScans: make(map[string]time.Duration)}
	}
	if opts.Backup {
		snap.Backup = &Backup{Tables: make(map[string]TableData)}
	}
	limit := opts.BackupRowLimit
	if limit <= 0 {
		limit = DefaultBackupRowLimit
	}

	for _, t := range snap.Tables {
		began := time.Now()
		var n int64
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s", m.dialect.Quote(t.Name))
		if err := m.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return fmt.Errorf("failed to count rows of %s: %w", t.Name, err)
		}
		snap.RowCounts[t.Name] = n
		if snap.Baseline != nil {
			snap.Baseline.TableScans[t.Name] = time.Since(began)
		}

		if !opts.DataChecksums && !opts.Backup {
			continue
		}
		withRows := opts.Backup && n <= int64(limit)
		sum, data, err := m.readTable(ctx, t, withRows)
		if err != nil {
			return err
		}
		if opts.DataChecksums {
			snap.DataChecksums[t.Name] = sum
		}
		if opts.Backup {
			if withRows {
				snap.Backup.Tables[t.Name] = data
			} else {
				snap.Backup.Truncated = append(snap.Backup.Truncated, t.Name)
			}
		}
	}
	return nil
}

// readTable hashes every row in primary key order and optionally keeps the
// rows.
func (m *Manager) readTable(ctx context.Context, t introspect.Table, keep bool) (string, TableData, error) {
	cols := t.ColumnNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = m.dialect.Quote(c)
	}
	order := quoted
	if t.PrimaryKey != nil && len(t.PrimaryKey.Columns) > 0 {
		order = make([]string, len(t.PrimaryKey.Columns))
		for i, c := range t.PrimaryKey.Columns {
			order[i] = m.dialect.Quote(c)
		}
	}
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(quoted, ", "), m.dialect.Quote(t.Name), strings.Join(order, ", "))

	rows, err := m.db.QueryContext(ctx, q)
	if err != nil {
		return "", TableData{}, fmt.Errorf("failed to read %s: %w", t.Name, err)
	}
	defer rows.Close()

	h := sha256.New()
	data := TableData{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", TableData{}, fmt.Errorf("failed to scan %s: %w", t.Name, err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
			fmt.Fprintf(h, "%v\x1f", values[i])
		}
		h.Write([]byte{'\x1e'})
		if keep {
			data.Rows = append(data.Rows, values)
		}
	}
	if err := rows.Err(); err != nil {
		return "", TableData{}, err
	}
	return hex.EncodeToString(h.Sum(nil)), data, nil
}
