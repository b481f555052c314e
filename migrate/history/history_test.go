package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/schemaguard/internal/testdb"
	"github.com/satishbabariya/schemaguard/migrate"
)

func TestRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t)
	m := NewManager(db, "sqlite3")
	require.NoError(t, m.InitTable(ctx))
	require.NoError(t, m.InitTable(ctx), "init is idempotent")

	first := &Record{
		RunID:         "run-1",
		Operation:     "drop_column_customers_region",
		Kind:          migrate.OpDropColumn,
		Target:        "customers.region",
		Status:        migrate.StatusSucceeded,
		Checksum:      CalculateChecksum("ALTER TABLE customers DROP COLUMN region"),
		ExecutionTime: 12,
		SnapshotID:    "snap-1",
	}
	require.NoError(t, m.Record(ctx, first))
	require.False(t, first.AppliedAt.IsZero())

	require.NoError(t, m.Record(ctx, &Record{
		RunID:        "run-2",
		Operation:    "drop_table_orders",
		Kind:         migrate.OpDropTable,
		Target:       "orders",
		Status:       migrate.StatusFailed,
		Checksum:     CalculateChecksum("DROP TABLE orders"),
		AppliedAt:    first.AppliedAt.Add(time.Second),
		ErrorMessage: "post validation failed",
	}))

	all, err := m.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "run-1", all[0].RunID)
	assert.Equal(t, migrate.OpDropColumn, all[0].Kind)
	assert.Equal(t, migrate.StatusSucceeded, all[0].Status)
	assert.Equal(t, "snap-1", all[0].SnapshotID)
	assert.Equal(t, int64(12), all[0].ExecutionTime)
	assert.False(t, all[0].RolledBack)
	assert.Equal(t, "post validation failed", all[1].ErrorMessage)
	assert.Empty(t, all[1].SnapshotID)

	require.NoError(t, m.MarkRolledBack(ctx, "run-2"))
	run, err := m.GetByRun(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, run, 1)
	assert.True(t, run[0].RolledBack)

	assert.Error(t, m.MarkRolledBack(ctx, "missing"))
}

func TestRecordWithJoinsTransaction(t *testing.T) {
	ctx := context.Background()
	db := testdb.Open(t)
	m := NewManager(db, "sqlite")
	require.NoError(t, m.InitTable(ctx))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, m.RecordWith(ctx, tx, &Record{RunID: "r", Operation: "op", Kind: migrate.OpAddIndex,
		Target: "t", Status: migrate.StatusSucceeded, Checksum: CalculateChecksum()}))
	require.NoError(t, tx.Rollback())

	all, err := m.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCalculateChecksum(t *testing.T) {
	a := CalculateChecksum("CREATE TABLE a (id INT)", "DROP TABLE b")
	assert.Len(t, a, 64)
	assert.Equal(t, a, CalculateChecksum("CREATE TABLE a (id INT)\nDROP TABLE b"))
	assert.NotEqual(t, a, CalculateChecksum("DROP TABLE b", "CREATE TABLE a (id INT)"))
}

func TestUnsupportedProvider(t *testing.T) {
	m := NewManager(testdb.Open(t), "oracle")
	assert.Error(t, m.InitTable(context.Background()))
}
