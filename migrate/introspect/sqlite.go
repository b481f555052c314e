package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// SQLiteIntrospector implements introspection for SQLite
type SQLiteIntrospector struct {
	db *sql.DB
}

// Introspect reads the SQLite database schema
func (i *SQLiteIntrospector) Introspect(ctx context.Context) (*DatabaseSchema, error) {
	schema := &DatabaseSchema{
		Provider: ProviderSQLite,
		Tables:   []Table{},
		Views:    []View{},
	}

	if err := i.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&schema.ServerVersion); err != nil {
		return nil, fmt.Errorf("failed to read server version: %w", err)
	}

	entries, err := i.masterEntries(ctx)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		switch e.kind {
		case "table":
			table, err := i.introspectTable(ctx, e.name)
			if err != nil {
				return nil, fmt.Errorf("failed to introspect table %s: %w", e.name, err)
			}
			table.Definition = e.sql
			schema.Tables = append(schema.Tables, *table)
		case "view":
			schema.Views = append(schema.Views, View{Name: e.name, Schema: "main", Definition: e.sql})
		case "trigger":
			schema.Triggers = append(schema.Triggers, parseSQLiteTrigger(e.name, e.table, e.sql))
		}
	}

	return schema, nil
}

type masterEntry struct {
	kind  string
	name  string
	table string
	sql   string
}

// masterEntries lists user objects from sqlite_master. Rows are drained
// before per-table PRAGMAs run so a single-connection pool never blocks.
func (i *SQLiteIntrospector) masterEntries(ctx context.Context) ([]masterEntry, error) {
	query := `
		SELECT type, name, tbl_name, COALESCE(sql, '')
		FROM sqlite_master
		WHERE type IN ('table', 'view', 'trigger')
		  AND name NOT LIKE 'sqlite_%'
		ORDER BY type, name
	`

	rows, err := i.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sqlite_master: %w", err)
	}
	defer rows.Close()

	var entries []masterEntry
	for rows.Next() {
		var e masterEntry
		if err := rows.Scan(&e.kind, &e.name, &e.table, &e.sql); err != nil {
			return nil, fmt.Errorf("failed to scan sqlite_master row: %w", err)
		}
		if e.kind == "table" && IsInternalTable(e.name) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (i *SQLiteIntrospector) introspectTable(ctx context.Context, name string) (*Table, error) {
	table := &Table{Name: name, Schema: "main"}

	columns, pk, err := i.introspectColumns(ctx, name)
	if err != nil {
		return nil, err
	}
	table.Columns = columns
	table.PrimaryKey = pk

	indexes, err := i.introspectIndexes(ctx, name)
	if err != nil {
		return nil, err
	}
	table.Indexes = indexes

	fks, err := i.introspectForeignKeys(ctx, name)
	if err != nil {
		return nil, err
	}
	table.ForeignKeys = fks

	return table, nil
}

// introspectColumns reads columns and the primary key through PRAGMA table_info
func (i *SQLiteIntrospector) introspectColumns(ctx context.Context, tableName string) ([]Column, *PrimaryKey, error) {
	rows, err := i.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteSQLite(tableName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	type pkCol struct {
		pos  int
		name string
	}
	var columns []Column
	var pkCols []pkCol

	for rows.Next() {
		var cid, notNull, pkPos int
		var col Column
		var colType string
		var dfltValue sql.NullString

		if err := rows.Scan(&cid, &col.Name, &colType, &notNull, &dfltValue, &pkPos); err != nil {
			return nil, nil, fmt.Errorf("failed to scan column: %w", err)
		}

		col.Type = strings.ToUpper(colType)
		col.Nullable = notNull == 0 && pkPos == 0
		if dfltValue.Valid && dfltValue.String != "" {
			v := dfltValue.String
			col.DefaultValue = &v
		}
		if pkPos > 0 {
			pkCols = append(pkCols, pkCol{pos: pkPos, name: col.Name})
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if len(pkCols) == 0 {
		return columns, nil, nil
	}

	sort.Slice(pkCols, func(a, b int) bool { return pkCols[a].pos < pkCols[b].pos })
	pk := &PrimaryKey{Name: tableName + "_pkey"}
	for _, c := range pkCols {
		pk.Columns = append(pk.Columns, c.name)
	}

	// INTEGER PRIMARY KEY aliases the rowid
	if len(pkCols) == 1 {
		for idx := range columns {
			if columns[idx].Name == pkCols[0].name && columns[idx].Type == "INTEGER" {
				columns[idx].AutoIncrement = true
			}
		}
	}

	return columns, pk, nil
}

// introspectIndexes reads explicitly created indexes for a table
func (i *SQLiteIntrospector) introspectIndexes(ctx context.Context, tableName string) ([]Index, error) {
	rows, err := i.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteSQLite(tableName)))
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}

	var indexes []Index
	for rows.Next() {
		var seq, unique, partial int
		var idx Index
		var origin string

		if err := rows.Scan(&seq, &idx.Name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		// pk and u origins are implied by the table definition
		if origin != "c" {
			continue
		}
		idx.IsUnique = unique == 1
		indexes = append(indexes, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for n := range indexes {
		cols, err := i.indexColumns(ctx, indexes[n].Name)
		if err != nil {
			return nil, err
		}
		indexes[n].Columns = cols
	}

	sort.Slice(indexes, func(a, b int) bool { return indexes[a].Name < indexes[b].Name })
	return indexes, nil
}

func (i *SQLiteIntrospector) indexColumns(ctx context.Context, indexName string) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteSQLite(indexName)))
	if err != nil {
		return nil, fmt.Errorf("failed to query index columns: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("failed to scan index column: %w", err)
		}
		if name.Valid {
			columns = append(columns, name.String)
		}
	}
	return columns, rows.Err()
}

// introspectForeignKeys reads all foreign keys for a table
func (i *SQLiteIntrospector) introspectForeignKeys(ctx context.Context, tableName string) ([]ForeignKey, error) {
	rows, err := i.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteSQLite(tableName)))
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer rows.Close()

	// One row per column; group by constraint id.
	fkMap := make(map[int]*ForeignKey)
	var order []int

	for rows.Next() {
		var id, seq int
		var table, from string
		var to sql.NullString
		var onUpdate, onDelete, match string

		if err := rows.Scan(&id, &seq, &table, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}

		fk, exists := fkMap[id]
		if !exists {
			fk = &ForeignKey{
				Name:            fmt.Sprintf("%s_fk_%d", tableName, id),
				ReferencedTable: table,
				OnUpdate:        onUpdate,
				OnDelete:        onDelete,
			}
			fkMap[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, from)
		fk.ReferencedColumns = append(fk.ReferencedColumns, to.String)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Ints(order)
	fks := make([]ForeignKey, 0, len(order))
	for _, id := range order {
		fks = append(fks, *fkMap[id])
	}
	return fks, nil
}

// parseSQLiteTrigger extracts timing and event from the stored CREATE TRIGGER text.
func parseSQLiteTrigger(name, table, definition string) Trigger {
	tr := Trigger{Name: name, Schema: "main", TableName: table, Definition: definition}
	header := " " + strings.Join(strings.Fields(strings.ToUpper(definition)), " ") + " "
	if idx := strings.Index(header, " ON "); idx > 0 {
		header = header[:idx+1]
	}
	switch {
	case strings.Contains(header, " INSTEAD OF "):
		tr.Timing = "INSTEAD OF"
	case strings.Contains(header, " BEFORE "):
		tr.Timing = "BEFORE"
	default:
		tr.Timing = "AFTER"
	}
	for _, ev := range []string{"INSERT", "UPDATE", "DELETE"} {
		if strings.Contains(header, " "+ev+" ") || strings.HasSuffix(header, " "+ev+" ") {
			tr.Event = ev
			break
		}
	}
	return tr
}

func quoteSQLite(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// InternalTablePrefix marks bookkeeping tables that are never analyzed or snapshotted.
const InternalTablePrefix = "_schemaguard_"

// IsInternalTable reports whether a table belongs to this tool.
func IsInternalTable(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), InternalTablePrefix)
}
