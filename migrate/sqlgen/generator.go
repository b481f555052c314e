// Package sqlgen renders DDL for introspected schema objects. It is used to
// clone a schema into a staging database and to rebuild objects when
// rolling back to a snapshot.
package sqlgen

import (
	"fmt"
	"strings"

	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// Dialect renders provider specific DDL.
type Dialect interface {
	Name() string
	Quote(ident string) string
	CreateTable(t introspect.Table) string
	CreateIndex(table string, idx introspect.Index) string
	DropTable(name string) string
	RenameTable(from, to string) string
	AddColumn(table string, col introspect.Column) string
	DropColumn(table, column string) string
	// AlterColumn changes type and nullability in place; "" when the
	// dialect can only do this by rebuilding the table.
	AlterColumn(table string, col introspect.Column) string
	CreateView(v introspect.View) string
	DropView(name string) string
	DropTrigger(tr introspect.Trigger) string
	// SupportsTransactionalDDL reports whether DDL can run inside a transaction.
	SupportsTransactionalDDL() bool
	// ForeignKeyChecks returns the statement toggling FK enforcement, or "".
	ForeignKeyChecks(enabled bool) string
	// Placeholder returns the n-th (1-based) bind parameter marker.
	Placeholder(n int) string
}

// ForProvider returns the dialect for a provider name.
func ForProvider(provider string) (Dialect, error) {
	switch introspect.NormalizeProvider(provider) {
	case introspect.ProviderPostgres:
		return postgresDialect{}, nil
	case introspect.ProviderMySQL:
		return mysqlDialect{}, nil
	case introspect.ProviderSQLite:
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", introspect.ErrUnsupportedProvider, provider)
	}
}

// CreateTableWithIndexes returns the table DDL followed by its index DDL.
func CreateTableWithIndexes(d Dialect, t introspect.Table) []string {
	stmts := []string{d.CreateTable(t)}
	for _, idx := range t.Indexes {
		stmts = append(stmts, d.CreateIndex(t.Name, idx))
	}
	return stmts
}

// RebuildTable reshapes an existing table into target while keeping the
// data of every column both definitions share. The statements create a
// temporary table, copy rows, swap names and recreate indexes.
func RebuildTable(d Dialect, target introspect.Table, currentColumns []string) []string {
	tmp := target
	tmp.Name = target.Name + "__sg_rebuild"
	tmp.Indexes = nil

	var shared []string
	for _, col := range target.Columns {
		if introspect.ContainsColumn(currentColumns, col.Name) {
			shared = append(shared, d.Quote(col.Name))
		}
	}

	stmts := []string{d.CreateTable(tmp)}
	if len(shared) > 0 {
		cols := strings.Join(shared, ", ")
		stmts = append(stmts, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			d.Quote(tmp.Name), cols, cols, d.Quote(target.Name)))
	}
	stmts = append(stmts,
		d.DropTable(target.Name),
		d.RenameTable(tmp.Name, target.Name),
	)
	for _, idx := range target.Indexes {
		stmts = append(stmts, d.CreateIndex(target.Name, idx))
	}
	return stmts
}

func columnDefinition(d Dialect, col introspect.Column, inlinePK bool) string {
	var b strings.Builder
	b.WriteString(d.Quote(col.Name))
	b.WriteString(" ")
	b.WriteString(col.Type)
	if inlinePK {
		b.WriteString(" PRIMARY KEY")
	}
	if !col.Nullable && !inlinePK {
		b.WriteString(" NOT NULL")
	}
	if col.DefaultValue != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(*col.DefaultValue)
	}
	return b.String()
}

func quoteList(d Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.Quote(n)
	}
	return strings.Join(quoted, ", ")
}

func foreignKeyClause(d Dialect, fk introspect.ForeignKey) string {
	var b strings.Builder
	if fk.Name != "" {
		fmt.Fprintf(&b, "CONSTRAINT %s ", d.Quote(fk.Name))
	}
	fmt.Fprintf(&b, "FOREIGN KEY (%s) REFERENCES %s", quoteList(d, fk.Columns), d.Quote(fk.ReferencedTable))
	if len(fk.ReferencedColumns) > 0 && fk.ReferencedColumns[0] != "" {
		fmt.Fprintf(&b, " (%s)", quoteList(d, fk.ReferencedColumns))
	}
	if rule := normalizeRule(fk.OnDelete); rule != "" {
		b.WriteString(" ON DELETE " + rule)
	}
	if rule := normalizeRule(fk.OnUpdate); rule != "" {
		b.WriteString(" ON UPDATE " + rule)
	}
	return b.String()
}

func normalizeRule(rule string) string {
	r := strings.ToUpper(strings.TrimSpace(rule))
	if r == "" || r == "NO ACTION" {
		return ""
	}
	return r
}

func createTable(d Dialect, t introspect.Table, inlineIntegerPK bool) string {
	var defs []string

	inlinePK := ""
	if inlineIntegerPK && t.PrimaryKey != nil && len(t.PrimaryKey.Columns) == 1 {
		if col := t.Column(t.PrimaryKey.Columns[0]); col != nil && col.AutoIncrement {
			inlinePK = col.Name
		}
	}

	for _, col := range t.Columns {
		defs = append(defs, columnDefinition(d, col, col.Name == inlinePK))
	}
	if t.PrimaryKey != nil && len(t.PrimaryKey.Columns) > 0 && inlinePK == "" {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteList(d, t.PrimaryKey.Columns)))
	}
	for _, fk := range t.ForeignKeys {
		defs = append(defs, foreignKeyClause(d, fk))
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.Quote(t.Name), strings.Join(defs, ",\n  "))
}

func createIndex(d Dialect, table string, idx introspect.Index) string {
	unique := ""
	if idx.IsUnique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, d.Quote(idx.Name), d.Quote(table), quoteList(d, idx.Columns))
}

// AddForeignKey returns the statement adding fk to an existing table, or ""
// when the dialect can only declare foreign keys at creation.
func AddForeignKey(d Dialect, table string, fk introspect.ForeignKey) string {
	if d.Name() == introspect.ProviderSQLite {
		return ""
	}
	return fmt.Sprintf("ALTER TABLE %s ADD %s", d.Quote(table), foreignKeyClause(d, fk))
}

// DropForeignKey returns the statement removing a named foreign key, or ""
// when the key is unnamed or the dialect cannot drop it in place.
func DropForeignKey(d Dialect, table string, fk introspect.ForeignKey) string {
	if fk.Name == "" {
		return ""
	}
	switch d.Name() {
	case introspect.ProviderMySQL:
		return fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", d.Quote(table), d.Quote(fk.Name))
	case introspect.ProviderPostgres:
		return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", d.Quote(table), d.Quote(fk.Name))
	default:
		return ""
	}
}

// DropIndex returns the statement removing an index.
func DropIndex(d Dialect, table, name string) string {
	if d.Name() == introspect.ProviderMySQL {
		return fmt.Sprintf("DROP INDEX %s ON %s", d.Quote(name), d.Quote(table))
	}
	return fmt.Sprintf("DROP INDEX IF EXISTS %s", d.Quote(name))
}
