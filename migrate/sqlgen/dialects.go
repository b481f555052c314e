package sqlgen

import (
	"fmt"
	"strings"

	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

type postgresDialect struct{}

func (postgresDialect) Name() string { return introspect.ProviderPostgres }

func (postgresDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d postgresDialect) CreateTable(t introspect.Table) string { return createTable(d, t, false) }

func (d postgresDialect) CreateIndex(table string, idx introspect.Index) string {
	return createIndex(d, table, idx)
}

func (d postgresDialect) DropTable(name string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(name))
}

func (d postgresDialect) RenameTable(from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.Quote(from), d.Quote(to))
}

func (d postgresDialect) AddColumn(table string, col introspect.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), columnDefinition(d, col, false))
}

func (d postgresDialect) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column))
}

func (d postgresDialect) AlterColumn(table string, col introspect.Column) string {
	null := "DROP NOT NULL"
	if !col.Nullable {
		null = "SET NOT NULL"
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s, ALTER COLUMN %s %s",
		d.Quote(table), d.Quote(col.Name), col.Type, d.Quote(col.Name), col.Type, d.Quote(col.Name), null)
}

func (d postgresDialect) CreateView(v introspect.View) string {
	return fmt.Sprintf("CREATE VIEW %s AS %s", d.Quote(v.Name), strings.TrimRight(strings.TrimSpace(v.Definition), ";"))
}

func (d postgresDialect) DropView(name string) string {
	return fmt.Sprintf("DROP VIEW IF EXISTS %s", d.Quote(name))
}

func (d postgresDialect) DropTrigger(tr introspect.Trigger) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", d.Quote(tr.Name), d.Quote(tr.TableName))
}

func (postgresDialect) SupportsTransactionalDDL() bool { return true }

func (postgresDialect) ForeignKeyChecks(enabled bool) string {
	if enabled {
		return "SET session_replication_role = DEFAULT"
	}
	return "SET session_replication_role = replica"
}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return introspect.ProviderMySQL }

func (mysqlDialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (d mysqlDialect) CreateTable(t introspect.Table) string {
	stmt := createTable(d, t, false)
	// MySQL marks auto increment on the column itself
	for _, col := range t.Columns {
		if col.AutoIncrement {
			def := columnDefinition(d, col, false)
			stmt = strings.Replace(stmt, def, def+" AUTO_INCREMENT", 1)
		}
	}
	return stmt
}

func (d mysqlDialect) CreateIndex(table string, idx introspect.Index) string {
	return createIndex(d, table, idx)
}

func (d mysqlDialect) DropTable(name string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(name))
}

func (d mysqlDialect) RenameTable(from, to string) string {
	return fmt.Sprintf("RENAME TABLE %s TO %s", d.Quote(from), d.Quote(to))
}

func (d mysqlDialect) AddColumn(table string, col introspect.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), columnDefinition(d, col, false))
}

func (d mysqlDialect) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column))
}

func (d mysqlDialect) AlterColumn(table string, col introspect.Column) string {
	return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", d.Quote(table), columnDefinition(d, col, false))
}

func (d mysqlDialect) CreateView(v introspect.View) string {
	return fmt.Sprintf("CREATE VIEW %s AS %s", d.Quote(v.Name), strings.TrimRight(strings.TrimSpace(v.Definition), ";"))
}

func (d mysqlDialect) DropView(name string) string {
	return fmt.Sprintf("DROP VIEW IF EXISTS %s", d.Quote(name))
}

func (d mysqlDialect) DropTrigger(tr introspect.Trigger) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s", d.Quote(tr.Name))
}

func (mysqlDialect) SupportsTransactionalDDL() bool { return false }

func (mysqlDialect) ForeignKeyChecks(enabled bool) string {
	if enabled {
		return "SET FOREIGN_KEY_CHECKS = 1"
	}
	return "SET FOREIGN_KEY_CHECKS = 0"
}

func (mysqlDialect) Placeholder(int) string { return "?" }

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return introspect.ProviderSQLite }

func (sqliteDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// CreateTable inlines INTEGER PRIMARY KEY so the column keeps aliasing rowid.
func (d sqliteDialect) CreateTable(t introspect.Table) string { return createTable(d, t, true) }

func (d sqliteDialect) CreateIndex(table string, idx introspect.Index) string {
	return createIndex(d, table, idx)
}

func (d sqliteDialect) DropTable(name string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(name))
}

func (d sqliteDialect) RenameTable(from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.Quote(from), d.Quote(to))
}

func (d sqliteDialect) AddColumn(table string, col introspect.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), columnDefinition(d, col, false))
}

func (d sqliteDialect) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column))
}

func (sqliteDialect) AlterColumn(string, introspect.Column) string { return "" }

// CreateView reuses the stored CREATE VIEW text when the catalog kept it.
func (d sqliteDialect) CreateView(v introspect.View) string {
	def := strings.TrimRight(strings.TrimSpace(v.Definition), ";")
	if strings.HasPrefix(strings.ToUpper(def), "CREATE ") {
		return def
	}
	return fmt.Sprintf("CREATE VIEW %s AS %s", d.Quote(v.Name), def)
}

func (d sqliteDialect) DropView(name string) string {
	return fmt.Sprintf("DROP VIEW IF EXISTS %s", d.Quote(name))
}

func (d sqliteDialect) DropTrigger(tr introspect.Trigger) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s", d.Quote(tr.Name))
}

func (sqliteDialect) SupportsTransactionalDDL() bool { return true }

func (sqliteDialect) ForeignKeyChecks(enabled bool) string {
	if enabled {
		return "PRAGMA foreign_keys = ON"
	}
	return "PRAGMA foreign_keys = OFF"
}

func (sqliteDialect) Placeholder(int) string { return "?" }
