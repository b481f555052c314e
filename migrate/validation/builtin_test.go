package validation

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/schemaguard/internal/testdb"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/lock"
)

func target(t *testing.T, db *sql.DB, op migrate.Operation, stage Stage) Target {
	t.Helper()
	catalog, err := introspect.NewIntrospector(db, "sqlite")
	require.NoError(t, err)
	return Target{Operation: op, Stage: stage, DB: db, Provider: "sqlite", Catalog: catalog}
}

func validate(t *testing.T, name string, tg Target) error {
	t.Helper()
	v, ok := NewRegistry().Get(name)
	require.True(t, ok, name)
	return v.Validate(context.Background(), tg)
}

func TestTargetExists(t *testing.T) {
	db := testdb.OpenCommerce(t, false)

	tests := []struct {
		name    string
		op      migrate.Operation
		wantErr string
	}{
		{"existing column", migrate.Operation{Kind: migrate.OpDropColumn, Target: migrate.Column("", "customers", "region")}, ""},
		{"missing column", migrate.Operation{Kind: migrate.OpDropColumn, Target: migrate.Column("", "customers", "nickname")}, "not found"},
		{"create existing table", migrate.Operation{Kind: migrate.OpCreateTable, Target: migrate.Table("", "orders")}, "already exists"},
		{"create new table", migrate.Operation{Kind: migrate.OpCreateTable, Target: migrate.Table("", "shipments")}, ""},
		{"add column to missing table", migrate.Operation{Kind: migrate.OpAddColumn, Target: migrate.Column("", "shipments", "id")}, "table shipments not found"},
		{"rename onto existing table", migrate.Operation{Kind: migrate.OpRenameTable, Target: migrate.Table("", "orders"), NewName: "customers"}, "already exists"},
		{"rename table", migrate.Operation{Kind: migrate.OpRenameTable, Target: migrate.Table("", "orders"), NewName: "purchases"}, ""},
		{"existing index", migrate.Operation{Kind: migrate.OpDropIndex, Target: migrate.Index("", "orders", "idx_orders_status")}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(t, TargetExists, target(t, db, tt.op, StagePre))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestIntentApplied(t *testing.T) {
	db := testdb.OpenCommerce(t, false)
	op := migrate.Operation{Kind: migrate.OpRenameColumn, Target: migrate.Column("", "audit_log", "message"), NewName: "body"}

	assert.ErrorContains(t, validate(t, IntentApplied, target(t, db, op, StagePost)), "still exists")

	_, err := db.Exec(`ALTER TABLE audit_log RENAME COLUMN message TO body`)
	require.NoError(t, err)
	assert.NoError(t, validate(t, IntentApplied, target(t, db, op, StagePost)))

	alter := migrate.Operation{
		Kind:     migrate.OpAlterColumnType,
		Target:   migrate.Column("", "orders", "total"),
		Metadata: map[string]string{"column_type": "NUMERIC"},
	}
	assert.ErrorContains(t, validate(t, IntentApplied, target(t, db, alter, StagePost)), "want NUMERIC")
	alter.Metadata["column_type"] = "real"
	assert.NoError(t, validate(t, IntentApplied, target(t, db, alter, StagePost)))
}

func TestForeignKeyIntegrity(t *testing.T) {
	db := testdb.OpenCommerce(t, true)
	op := migrate.Operation{Kind: migrate.OpAddColumn, Target: migrate.Column("", "customers", "tier")}
	assert.NoError(t, validate(t, ForeignKeyIntegrity, target(t, db, op, StagePost)))

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), `PRAGMA foreign_keys = OFF`)
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), `INSERT INTO orders (id, customer_id, total) VALUES (9, 42, 1)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), `PRAGMA foreign_keys = ON`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	err = validate(t, ForeignKeyIntegrity, target(t, db, op, StagePost))
	assert.ErrorContains(t, err, "1 orphaned rows in orders(customer_id) -> customers")

	unrelated := migrate.Operation{Kind: migrate.OpAddColumn, Target: migrate.Column("", "audit_log", "level")}
	assert.NoError(t, validate(t, ForeignKeyIntegrity, target(t, db, unrelated, StagePost)))
}

func TestDependentViewsValid(t *testing.T) {
	db := testdb.OpenCommerce(t, false)
	op := migrate.Operation{Kind: migrate.OpDropTable, Target: migrate.Table("", "customers")}
	assert.NoError(t, validate(t, DependentViewsValid, target(t, db, op, StagePost)))

	_, err := db.Exec(`DROP TABLE customers`)
	require.NoError(t, err)
	assert.ErrorContains(t, validate(t, DependentViewsValid, target(t, db, op, StagePost)), "view customer_orders")
}

func TestNoPendingLocks(t *testing.T) {
	ctx := context.Background()
	db := testdb.OpenCommerce(t, false)
	locks := lock.NewManager(nil)
	t.Cleanup(func() { _ = locks.Close() })

	op := migrate.Operation{Kind: migrate.OpDropColumn, Target: migrate.Column("", "orders", "status")}
	tg := target(t, db, op, StagePre)
	tg.Locks = locks
	assert.NoError(t, validate(t, NoPendingLocks, tg))

	other, err := locks.Acquire(ctx, lock.ScopeData, "default.orders", lock.AcquireOptions{Holder: map[string]string{"owner": "backfill"}})
	require.NoError(t, err)
	assert.ErrorContains(t, validate(t, NoPendingLocks, tg), "held by backfill")

	tg.LockID = other.ID
	assert.NoError(t, validate(t, NoPendingLocks, tg), "the migration's own lock does not conflict")
	require.NoError(t, locks.Release(ctx, other))

	schemaLock, err := locks.Acquire(ctx, lock.ScopeSchema, "default", lock.AcquireOptions{})
	require.NoError(t, err)
	tg.LockID = ""
	assert.ErrorContains(t, validate(t, NoPendingLocks, tg), "schema_modification lock on default")
	require.NoError(t, locks.Release(ctx, schemaLock))

	_, err = locks.Acquire(ctx, lock.ScopeTable, "default.customers", lock.AcquireOptions{})
	require.NoError(t, err)
	assert.NoError(t, validate(t, NoPendingLocks, tg), "other tables do not conflict")
}

func TestConnectivity(t *testing.T) {
	db := testdb.Open(t)
	op := migrate.Operation{Kind: migrate.OpCreateTable, Target: migrate.Table("", "t")}
	assert.NoError(t, validate(t, Connectivity, target(t, db, op, StageDuring)))

	require.NoError(t, db.Close())
	assert.Error(t, validate(t, Connectivity, Target{Operation: op, DB: db}))
	assert.Error(t, validate(t, Connectivity, Target{Operation: op}))
}
