package introspect

import "strings"

// catalogBuilder groups the row-per-column result sets of the server
// catalogs into tables. Callers feed rows ordered by table and key
// position. Rows naming an internal or unknown table are dropped.
type catalogBuilder struct {
	tables []Table
	byName map[string]int
}

func newCatalogBuilder() *catalogBuilder {
	return &catalogBuilder{byName: make(map[string]int)}
}

// column registers a table on its first column.
func (b *catalogBuilder) column(schema, table string, col Column) {
	if IsInternalTable(table) {
		return
	}
	key := strings.ToLower(table)
	i, ok := b.byName[key]
	if !ok {
		i = len(b.tables)
		b.byName[key] = i
		b.tables = append(b.tables, Table{Name: table, Schema: schema, Columns: []Column{}})
	}
	b.tables[i].Columns = append(b.tables[i].Columns, col)
}

func (b *catalogBuilder) lookup(table string) *Table {
	i, ok := b.byName[strings.ToLower(table)]
	if !ok {
		return nil
	}
	return &b.tables[i]
}

func (b *catalogBuilder) primaryKeyColumn(table, constraint, column string) {
	t := b.lookup(table)
	if t == nil {
		return
	}
	if t.PrimaryKey == nil {
		t.PrimaryKey = &PrimaryKey{Name: constraint}
	}
	t.PrimaryKey.Columns = append(t.PrimaryKey.Columns, column)
}

func (b *catalogBuilder) indexColumn(table, index string, unique bool, column string) {
	t := b.lookup(table)
	if t == nil {
		return
	}
	if n := len(t.Indexes); n > 0 && t.Indexes[n-1].Name == index {
		t.Indexes[n-1].Columns = append(t.Indexes[n-1].Columns, column)
		return
	}
	t.Indexes = append(t.Indexes, Index{Name: index, Columns: []string{column}, IsUnique: unique})
}

// foreignKeyColumn adds one column pair of a foreign key. Pairs of the same
// constraint must arrive consecutively and in key order.
func (b *catalogBuilder) foreignKeyColumn(table string, fk ForeignKey, column, referenced string) {
	t := b.lookup(table)
	if t == nil {
		return
	}
	if n := len(t.ForeignKeys); n > 0 && t.ForeignKeys[n-1].Name == fk.Name {
		last := &t.ForeignKeys[n-1]
		last.Columns = append(last.Columns, column)
		last.ReferencedColumns = append(last.ReferencedColumns, referenced)
		return
	}
	fk.Columns = []string{column}
	fk.ReferencedColumns = []string{referenced}
	t.ForeignKeys = append(t.ForeignKeys, fk)
}

func (b *catalogBuilder) result() []Table {
	return b.tables
}
