// Package testdb opens throwaway SQLite databases for package tests.
package testdb

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// CommerceSchema is a small catalog with cascading and self-referencing
// foreign keys, a dependent view, a trigger and a secondary index.
var CommerceSchema = []string{
	`CREATE TABLE customers (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL,
		region TEXT
	)`,
	`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		parent_order_id INTEGER REFERENCES orders(id),
		total REAL NOT NULL DEFAULT 0,
		status TEXT
	)`,
	`CREATE TABLE order_items (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		sku TEXT NOT NULL,
		quantity INTEGER NOT NULL
	)`,
	`CREATE TABLE audit_log (
		id INTEGER PRIMARY KEY,
		message TEXT
	)`,
	`CREATE INDEX idx_orders_status ON orders(status)`,
	`CREATE VIEW customer_orders AS
		SELECT c.email, o.id AS order_id, o.total
		FROM customers c JOIN orders o ON o.customer_id = c.id`,
	`CREATE TRIGGER orders_audit AFTER UPDATE ON orders
		BEGIN
			INSERT INTO audit_log(message) VALUES ('order ' || NEW.id || ' updated');
		END`,
}

// CommerceRows seeds the commerce schema.
var CommerceRows = []string{
	`INSERT INTO customers (id, email, region) VALUES (1, 'a@example.com', 'eu'), (2, 'b@example.com', 'us'), (3, 'c@example.com', 'us')`,
	`INSERT INTO orders (id, customer_id, parent_order_id, total, status) VALUES (1, 1, NULL, 10.5, 'paid'), (2, 1, 1, 3.0, 'paid'), (3, 2, NULL, 99.0, 'open')`,
	`INSERT INTO order_items (id, order_id, sku, quantity) VALUES (1, 1, 'A', 1), (2, 1, 'B', 2), (3, 3, 'C', 5)`,
}

// DSN returns a file-backed SQLite DSN inside the test's temp dir.
func DSN(t testing.TB, name string) string {
	t.Helper()
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.Join(t.TempDir(), name+".db"))
}

// Open creates a fresh database and runs the given statements.
func Open(t testing.TB, statements ...string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", DSN(t, "test"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return db
}

// OpenCommerce opens a database with CommerceSchema and optionally its rows.
func OpenCommerce(t testing.TB, withRows bool) *sql.DB {
	t.Helper()
	stmts := append([]string{}, CommerceSchema...)
	if withRows {
		stmts = append(stmts, CommerceRows...)
	}
	return Open(t, stmts...)
}
