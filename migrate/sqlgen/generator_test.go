package sqlgen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/schemaguard/internal/testdb"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

func ordersTable() introspect.Table {
	zero := "0"
	return introspect.Table{
		Name: "orders",
		Columns: []introspect.Column{
			{Name: "id", Type: "INTEGER", AutoIncrement: true},
			{Name: "customer_id", Type: "INTEGER"},
			{Name: "total", Type: "REAL", DefaultValue: &zero},
			{Name: "status", Type: "TEXT", Nullable: true},
		},
		PrimaryKey: &introspect.PrimaryKey{Columns: []string{"id"}},
		Indexes:    []introspect.Index{{Name: "idx_orders_status", Columns: []string{"status"}}},
		ForeignKeys: []introspect.ForeignKey{{
			Name: "orders_customer_fk", Columns: []string{"customer_id"},
			ReferencedTable: "customers", ReferencedColumns: []string{"id"}, OnDelete: "CASCADE", OnUpdate: "NO ACTION",
		}},
	}
}

func TestCreateTablePerDialect(t *testing.T) {
	pg, err := ForProvider("postgresql")
	require.NoError(t, err)
	stmt := pg.CreateTable(ordersTable())
	assert.Contains(t, stmt, `CREATE TABLE "orders"`)
	assert.Contains(t, stmt, `PRIMARY KEY ("id")`)
	assert.Contains(t, stmt, `REFERENCES "customers" ("id") ON DELETE CASCADE`)
	assert.NotContains(t, stmt, "ON UPDATE")

	my, err := ForProvider("mysql")
	require.NoError(t, err)
	assert.Contains(t, my.CreateTable(ordersTable()), "`id` INTEGER NOT NULL AUTO_INCREMENT")
	assert.Equal(t, "RENAME TABLE `a` TO `b`", my.RenameTable("a", "b"))

	lite, err := ForProvider("sqlite3")
	require.NoError(t, err)
	assert.Contains(t, lite.CreateTable(ordersTable()), `"id" INTEGER PRIMARY KEY`)
	assert.Empty(t, lite.AlterColumn("orders", introspect.Column{Name: "total", Type: "TEXT"}))

	_, err = ForProvider("oracle")
	assert.ErrorIs(t, err, introspect.ErrUnsupportedProvider)
}

func TestGeneratedDDLRoundTripsThroughSQLite(t *testing.T) {
	db := testdb.Open(t, `CREATE TABLE customers (id INTEGER PRIMARY KEY)`)
	d, err := ForProvider("sqlite")
	require.NoError(t, err)

	for _, stmt := range CreateTableWithIndexes(d, ordersTable()) {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	intro, err := introspect.NewIntrospector(db, "sqlite")
	require.NoError(t, err)
	schema, err := intro.Introspect(context.Background())
	require.NoError(t, err)

	orders := schema.Table("orders")
	require.NotNil(t, orders)
	assert.Equal(t, []string{"id", "customer_id", "total", "status"}, orders.ColumnNames())
	assert.Len(t, orders.Indexes, 1)
	require.Len(t, orders.ForeignKeys, 1)
	assert.True(t, orders.ForeignKeys[0].Cascades())
}

func TestRebuildTableKeepsSharedColumns(t *testing.T) {
	db := testdb.Open(t,
		`CREATE TABLE customers (id INTEGER PRIMARY KEY)`,
		`INSERT INTO customers (id) VALUES (7)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER NOT NULL, total REAL NOT NULL DEFAULT 0, status TEXT, note TEXT)`,
		`INSERT INTO orders (id, customer_id, total, status, note) VALUES (1, 7, 12.5, 'paid', 'gift')`,
	)
	d, _ := ForProvider("sqlite")

	stmts := RebuildTable(d, ordersTable(), []string{"id", "customer_id", "total", "status", "note"})
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	var total float64
	var status string
	require.NoError(t, db.QueryRow(`SELECT total, status FROM orders WHERE id = 1`).Scan(&total, &status))
	assert.Equal(t, 12.5, total)
	assert.Equal(t, "paid", status)

	_, err := db.Exec(`SELECT note FROM orders`)
	assert.Error(t, err)
}

func TestForeignKeyAndIndexStatements(t *testing.T) {
	fk := introspect.ForeignKey{Name: "fk_orders_customer", Columns: []string{"customer_id"},
		ReferencedTable: "customers", ReferencedColumns: []string{"id"}, OnDelete: "CASCADE"}

	pg, err := ForProvider("postgresql")
	require.NoError(t, err)
	assert.Equal(t, `ALTER TABLE "orders" ADD CONSTRAINT "fk_orders_customer" FOREIGN KEY ("customer_id") REFERENCES "customers" ("id") ON DELETE CASCADE`,
		AddForeignKey(pg, "orders", fk))
	assert.Equal(t, `ALTER TABLE "orders" DROP CONSTRAINT IF EXISTS "fk_orders_customer"`, DropForeignKey(pg, "orders", fk))
	assert.Equal(t, `DROP INDEX IF EXISTS "idx"`, DropIndex(pg, "orders", "idx"))

	my, err := ForProvider("mysql")
	require.NoError(t, err)
	assert.Equal(t, "ALTER TABLE `orders` DROP FOREIGN KEY `fk_orders_customer`", DropForeignKey(my, "orders", fk))
	assert.Equal(t, "DROP INDEX `idx` ON `orders`", DropIndex(my, "orders", "idx"))

	lite, err := ForProvider("sqlite")
	require.NoError(t, err)
	assert.Empty(t, AddForeignKey(lite, "orders", fk))
	assert.Empty(t, DropForeignKey(lite, "orders", fk))
	fk.Name = ""
	assert.Empty(t, DropForeignKey(pg, "orders", fk))
}
