package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/satishbabariya/schemaguard/internal/testdb"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/dependency"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

type SnapshotSuite struct {
	suite.Suite
	ctx context.Context
	db  *sql.DB
	mgr *Manager
	now time.Time
}

func TestSnapshotSuite(t *testing.T) {
	suite.Run(t, new(SnapshotSuite))
}

func (s *SnapshotSuite) SetupTest() {
	s.ctx = context.Background()
	s.db = testdb.OpenCommerce(s.T(), true)
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mgr, err := NewManager(s.db, "sqlite", nil, WithClock(func() time.Time {
		s.now = s.now.Add(time.Second)
		return s.now
	}))
	s.Require().NoError(err)
	s.mgr = mgr
}

func (s *SnapshotSuite) exec(stmts ...string) {
	for _, stmt := range stmts {
		_, err := s.db.Exec(stmt)
		s.Require().NoError(err, stmt)
	}
}

func (s *SnapshotSuite) count(query string) int {
	var n int
	s.Require().NoError(s.db.QueryRow(query).Scan(&n))
	return n
}

func (s *SnapshotSuite) TestCaptureReadsStructureAndCounts() {
	snap, err := s.mgr.Capture(s.ctx, Options{DataChecksums: true, PerformanceBaseline: true})
	s.Require().NoError(err)

	s.Equal(introspect.ProviderSQLite, snap.Provider)
	s.Len(snap.Tables, 4)
	s.NotNil(snap.Table("ORDERS"))
	s.Len(snap.Views, 1)
	s.Len(snap.Triggers, 1)
	s.Equal(int64(3), snap.RowCounts["orders"])
	s.Equal(int64(0), snap.RowCounts["audit_log"])
	s.Len(snap.DataChecksums, 4)
	s.Require().NotNil(snap.Baseline)
	s.Contains(snap.Baseline.TableScans, "customers")
	s.Nil(snap.Backup)

	again, err := s.mgr.Capture(s.ctx, Options{DataChecksums: true})
	s.Require().NoError(err)
	s.Equal(snap.DataChecksums, again.DataChecksums)
	s.NotEqual(snap.ID, again.ID)

	s.exec(`UPDATE customers SET email = 'z@example.com' WHERE id = 3`)
	changed, err := s.mgr.Capture(s.ctx, Options{DataChecksums: true})
	s.Require().NoError(err)
	s.NotEqual(snap.DataChecksums["customers"], changed.DataChecksums["customers"])
	s.Equal(snap.DataChecksums["orders"], changed.DataChecksums["orders"])
}

func (s *SnapshotSuite) TestScopeLimitsCapturedObjects() {
	snap, err := s.mgr.Capture(s.ctx, Options{Scope: []string{"orders"}})
	s.Require().NoError(err)

	s.Require().Len(snap.Tables, 1)
	s.Equal("orders", snap.Tables[0].Name)
	s.Len(snap.Triggers, 1, "trigger on orders")
	s.Len(snap.Views, 1, "view selects from orders")
	s.True(snap.InScope("Orders"))
	s.False(snap.InScope("customers"))

	s.exec(`ALTER TABLE customers DROP COLUMN region`)
	report, err := s.mgr.DiffCurrent(s.ctx, snap)
	s.Require().NoError(err)
	s.True(report.IsEmpty(), "changes outside the scope are ignored: %v", report.Changes)
}

func (s *SnapshotSuite) TestSnapshotIsStoredAndListed() {
	first, err := s.mgr.Snapshot(s.ctx, "first", Options{})
	s.Require().NoError(err)
	second, err := s.mgr.Snapshot(s.ctx, "second", Options{})
	s.Require().NoError(err)

	got, err := s.mgr.Get(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal("first", got.Description)
	s.Equal(first.Tables, got.Tables)

	list, err := s.mgr.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(first.ID, list[0].ID)
	s.Equal(second.ID, list[1].ID)

	got.Description = "mutated"
	again, err := s.mgr.Get(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal("first", again.Description)

	_, err = s.mgr.Get(s.ctx, "missing")
	s.ErrorIs(err, ErrSnapshotNotFound)
}

func (s *SnapshotSuite) TestRollbackRestoresDroppedColumn() {
	snap, err := s.mgr.Snapshot(s.ctx, "before drop", Options{})
	s.Require().NoError(err)

	s.exec(`ALTER TABLE customers DROP COLUMN region`)
	report, err := s.mgr.DiffCurrent(s.ctx, snap)
	s.Require().NoError(err)
	s.Require().Len(report.Changes, 1)
	s.Equal(ChangeRemoved, report.Changes[0].Type)
	s.Equal(migrate.KindColumn, report.Changes[0].ObjectKind)
	s.Equal(dependency.ImpactHigh, report.HighestImpact)

	res, err := s.mgr.RollbackTo(s.ctx, snap)
	s.Require().NoError(err)
	s.Equal(migrate.RollbackSucceeded, res.Outcome)
	s.True(res.StructureRestored)
	s.False(res.DataRestored)
	s.Empty(res.Remaining)
	s.Positive(res.StatementsApplied)
	s.Contains(res.Limitations, "column customers.region is restored without its data")

	s.Equal(3, s.count(`SELECT COUNT(*) FROM customers`))
	s.Equal(3, s.count(`SELECT COUNT(*) FROM customers WHERE region IS NULL`))
	s.Equal(3, s.count(`SELECT COUNT(*) FROM customer_orders`))
	s.Equal(1, s.count(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger'`))
	s.Equal(3, s.count(`SELECT COUNT(*) FROM order_items`), "children survive the parent rebuild")

	report, err = s.mgr.DiffCurrent(s.ctx, snap)
	s.Require().NoError(err)
	s.True(report.IsEmpty())
}

func (s *SnapshotSuite) TestRollbackRecreatesDroppedTable() {
	snap, err := s.mgr.Snapshot(s.ctx, "before", Options{})
	s.Require().NoError(err)

	s.exec(`DROP TABLE order_items`, `CREATE TABLE scratch (id INTEGER PRIMARY KEY)`)
	res, err := s.mgr.RollbackTo(s.ctx, snap)
	s.Require().NoError(err)
	s.Equal(migrate.RollbackSucceeded, res.Outcome)
	s.Contains(res.Limitations, "table order_items is recreated empty")

	s.Equal(0, s.count(`SELECT COUNT(*) FROM order_items`))
	s.Equal(0, s.count(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'scratch'`))

	_, err = s.db.Exec(`INSERT INTO order_items (order_id, sku, quantity) VALUES (99, 'X', 1)`)
	s.Error(err, "foreign key is back in force")
}

func (s *SnapshotSuite) TestRollbackWithBackupRestoresData() {
	snap, err := s.mgr.Snapshot(s.ctx, "with backup", Options{Backup: true, DataChecksums: true})
	s.Require().NoError(err)
	s.Require().NotNil(snap.Backup)
	s.Len(snap.Backup.Tables, 4)
	s.Empty(snap.Backup.Truncated)

	s.exec(
		`DELETE FROM orders WHERE id = 3`,
		`UPDATE customers SET email = 'changed@example.com'`,
		`UPDATE orders SET status = 'void' WHERE id = 1`,
	)
	s.Equal(1, s.count(`SELECT COUNT(*) FROM audit_log`))

	res, err := s.mgr.RollbackTo(s.ctx, snap)
	s.Require().NoError(err)
	s.Equal(migrate.RollbackSucceeded, res.Outcome)
	s.True(res.DataRestored)

	after, err := s.mgr.Capture(s.ctx, Options{DataChecksums: true})
	s.Require().NoError(err)
	s.Equal(snap.DataChecksums, after.DataChecksums)
	s.Equal(3, s.count(`SELECT COUNT(*) FROM order_items`))
	s.Equal(0, s.count(`SELECT COUNT(*) FROM audit_log`))
}

func (s *SnapshotSuite) TestBackupRowLimitMarksTruncated() {
	snap, err := s.mgr.Capture(s.ctx, Options{Backup: true, BackupRowLimit: 2})
	s.Require().NoError(err)
	s.ElementsMatch([]string{"customers", "orders", "order_items"}, snap.Backup.Truncated)
	s.Contains(snap.Backup.Tables, "audit_log")

	plan, err := PlanRollback(snap, snap)
	s.Require().NoError(err)
	s.Contains(plan.Limitations, "table orders exceeded the backup row limit; its data is not restored")
}

func (s *SnapshotSuite) TestRollbackRejectsOtherProvider() {
	snap, err := s.mgr.Capture(s.ctx, Options{})
	s.Require().NoError(err)
	snap.Provider = introspect.ProviderPostgres

	res, err := s.mgr.RollbackTo(s.ctx, snap)
	s.Require().Error(err)
	s.ErrorIs(err, migrate.ErrRollback)
	var rbErr *migrate.RollbackError
	s.Require().ErrorAs(err, &rbErr)
	s.Equal(migrate.RollbackFailed, rbErr.Outcome)
	s.Equal(migrate.RollbackFailed, res.Outcome)
}

func (s *SnapshotSuite) TestRollbackWithoutChangesIsNoop() {
	snap, err := s.mgr.Snapshot(s.ctx, "idle", Options{})
	s.Require().NoError(err)

	res, err := s.mgr.RollbackTo(s.ctx, snap)
	s.Require().NoError(err)
	s.Empty(res.Statements)
	s.Equal(migrate.RollbackSucceeded, res.Outcome)
}

func TestFileStoreRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(afero.NewOsFs(), dir)

	snap := &Snapshot{ID: "snap-1", TakenAt: time.Now().UTC(), Provider: "sqlite", Tables: []introspect.Table{{Name: "t"}}}
	require.NoError(t, store.Put(ctx, snap))
	assert.ErrorIs(t, store.Put(ctx, snap), ErrSnapshotExists)
	assert.Error(t, store.Put(ctx, &Snapshot{}))

	reopened := NewFileStore(afero.NewOsFs(), dir)
	got, err := reopened.Get(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "t", got.Tables[0].Name)

	require.NoError(t, afero.WriteFile(afero.NewOsFs(), dir+"/broken.json", []byte("{"), 0o640))
	list, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	empty, err := NewMemoryStore().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDiffGradesChanges(t *testing.T) {
	def := "0"
	from := &Snapshot{ID: "a", Tables: []introspect.Table{
		{
			Name: "orders",
			Columns: []introspect.Column{
				{Name: "id", Type: "INTEGER"},
				{Name: "total", Type: "REAL", DefaultValue: &def},
				{Name: "status", Type: "TEXT", Nullable: true},
			},
			PrimaryKey:  &introspect.PrimaryKey{Columns: []string{"id"}},
			Indexes:     []introspect.Index{{Name: "idx_status", Columns: []string{"status"}}},
			ForeignKeys: []introspect.ForeignKey{{Name: "a", Columns: []string{"id"}, ReferencedTable: "x", ReferencedColumns: []string{"id"}}},
		},
		{Name: "legacy", Columns: []introspect.Column{{Name: "id", Type: "INTEGER"}}},
	}}
	to := &Snapshot{ID: "b", Tables: []introspect.Table{
		{
			Name: "ORDERS",
			Columns: []introspect.Column{
				{Name: "id", Type: "integer"},
				{Name: "total", Type: "NUMERIC", DefaultValue: &def},
				{Name: "status", Type: "TEXT", Nullable: true},
				{Name: "note", Type: "TEXT", Nullable: true},
			},
			PrimaryKey:  &introspect.PrimaryKey{Columns: []string{"id"}},
			ForeignKeys: []introspect.ForeignKey{{Name: "renamed", Columns: []string{"id"}, ReferencedTable: "x", ReferencedColumns: []string{"id"}}},
		},
	}, Views: []introspect.View{{Name: "v", Definition: "SELECT 1"}}}

	report := Diff(from, to)
	var got []string
	for _, c := range report.Changes {
		got = append(got, c.String())
	}
	assert.Equal(t, []string{
		"added view v",
		"removed table legacy: 1 columns",
		"added column orders.note: TEXT",
		"modified column orders.total: type REAL -> NUMERIC",
		"removed index orders.idx_status: (status)",
	}, got)
	assert.Equal(t, dependency.ImpactCritical, report.HighestImpact)
	assert.Equal(t, 3, report.Summary[ChangeRemoved]+report.Summary[ChangeModified])
	assert.Equal(t, 2, report.Summary[ChangeAdded])

	assert.True(t, Diff(from, from).IsEmpty())
	assert.Equal(t, dependency.ImpactNone, Diff(from, from).HighestImpact)
}

func TestPlanRollbackForPostgres(t *testing.T) {
	customers := introspect.Table{
		Name:       "customers",
		Columns:    []introspect.Column{{Name: "id", Type: "integer"}, {Name: "email", Type: "text"}},
		PrimaryKey: &introspect.PrimaryKey{Columns: []string{"id"}},
	}
	orders := introspect.Table{
		Name: "orders",
		Columns: []introspect.Column{
			{Name: "id", Type: "integer"},
			{Name: "customer_id", Type: "integer"},
			{Name: "status", Type: "text", Nullable: true},
		},
		PrimaryKey:  &introspect.PrimaryKey{Columns: []string{"id"}},
		Indexes:     []introspect.Index{{Name: "idx_orders_status", Columns: []string{"status"}}},
		ForeignKeys: []introspect.ForeignKey{{Name: "orders_customer_fk", Columns: []string{"customer_id"}, ReferencedTable: "customers", ReferencedColumns: []string{"id"}}},
	}
	snap := &Snapshot{ID: "s", Provider: "postgres", Tables: []introspect.Table{customers, orders},
		Views: []introspect.View{{Name: "open_orders", Definition: "SELECT id FROM orders WHERE status = 'open'"}}}

	current := &Snapshot{Provider: "postgres", Tables: []introspect.Table{{
		Name: "orders",
		Columns: []introspect.Column{
			{Name: "id", Type: "integer"},
			{Name: "customer_id", Type: "bigint"},
			{Name: "flag", Type: "boolean", Nullable: true},
		},
		PrimaryKey: &introspect.PrimaryKey{Columns: []string{"id"}},
	}}}

	plan, err := PlanRollback(snap, current)
	require.NoError(t, err)
	assert.Equal(t, []string{
		`CREATE TABLE "customers" (` + "\n" + `  "id" integer NOT NULL,` + "\n" + `  "email" text NOT NULL,` + "\n" + `  PRIMARY KEY ("id")` + "\n)",
		`ALTER TABLE "orders" DROP COLUMN "flag"`,
		`ALTER TABLE "orders" ALTER COLUMN "customer_id" TYPE integer USING "customer_id"::integer, ALTER COLUMN "customer_id" SET NOT NULL`,
		`ALTER TABLE "orders" ADD COLUMN "status" text`,
		`CREATE INDEX "idx_orders_status" ON "orders" ("status")`,
		`ALTER TABLE "orders" ADD CONSTRAINT "orders_customer_fk" FOREIGN KEY ("customer_id") REFERENCES "customers" ("id")`,
		`CREATE VIEW "open_orders" AS SELECT id FROM orders WHERE status = 'open'`,
	}, plan.Statements)
	assert.Contains(t, plan.Limitations, "table customers is recreated empty")
	assert.Contains(t, plan.Limitations, "column orders.status is restored without its data")
	assert.False(t, plan.RestoresData)
}

func TestViewsAndTablesAreOrdered(t *testing.T) {
	views := ViewsInOrder([]introspect.View{
		{Name: "top", Definition: "SELECT * FROM middle"},
		{Name: "base", Definition: "SELECT * FROM orders"},
		{Name: "middle", Definition: "SELECT * FROM base"},
	})
	assert.Equal(t, "base", views[0].Name)
	assert.Equal(t, "middle", views[1].Name)
	assert.Equal(t, "top", views[2].Name)

	tables := TablesParentsFirst([]introspect.Table{
		{Name: "a", ForeignKeys: []introspect.ForeignKey{{ReferencedTable: "b"}}},
		{Name: "b", ForeignKeys: []introspect.ForeignKey{{ReferencedTable: "a"}}},
		{Name: "c", ForeignKeys: []introspect.ForeignKey{{ReferencedTable: "c"}}},
	})
	assert.Equal(t, "c", tables[0].Name, "self references do not block")
	assert.Len(t, tables, 3, "cycles are still emitted")
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		provider string
		in       any
		want     string
	}{
		{"sqlite", nil, "NULL"},
		{"sqlite", json.Number("10.5"), "10.5"},
		{"sqlite", "it's", "'it''s'"},
		{"mysql", `a\b`, `'a\\b'`},
		{"postgres", true, "TRUE"},
		{"mysql", false, "0"},
		{"sqlite", []byte{0xca, 0xfe}, "X'cafe'"},
		{"postgres", []byte{0xca, 0xfe}, `'\xcafe'`},
		{"sqlite", int64(7), "7"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, literal(tt.provider, tt.in), "%s %#v", tt.provider, tt.in)
	}
}

func TestCloneFailsOnValuesJSONCannotCarry(t *testing.T) {
	snap := &Snapshot{ID: "s1", Backup: &Backup{Tables: map[string]TableData{
		"readings": {Columns: []string{"id", "value"}, Rows: [][]any{{int64(1), math.Inf(1)}}},
	}}}
	c, err := snap.Clone()
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Contains(t, err.Error(), "copy snapshot s1")

	snap.Backup.Tables["readings"].Rows[0][1] = 1.5
	c, err = snap.Clone()
	require.NoError(t, err)
	c.Backup.Tables["readings"].Rows[0][1] = "changed"
	assert.Equal(t, 1.5, snap.Backup.Tables["readings"].Rows[0][1])
}

func TestSnapshotNeverReturnsNilWithoutError(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t,
		`CREATE TABLE readings (id INTEGER PRIMARY KEY, value REAL)`,
		`INSERT INTO readings VALUES (1, 9e999)`,
	)
	store := NewMemoryStore()
	mgr, err := NewManager(db, "sqlite", store)
	require.NoError(t, err)

	snap, err := mgr.Snapshot(ctx, "before overflow", Options{Backup: true})
	require.Error(t, err)
	assert.Nil(t, snap)

	stored, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored, "a snapshot that cannot be copied is not stored")

	snap, err = mgr.Snapshot(ctx, "structure only", Options{})
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.RowCounts["readings"])
}
