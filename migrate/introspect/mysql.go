package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// MySQLIntrospector reads information_schema for the connection's default
// database. Column types are kept exactly as the server reports them so
// rebuilt tables match the original.
type MySQLIntrospector struct {
	db *sql.DB
}

func (i *MySQLIntrospector) Introspect(ctx context.Context) (*DatabaseSchema, error) {
	schema := &DatabaseSchema{Provider: ProviderMySQL, Tables: []Table{}, Views: []View{}}

	var database sql.NullString
	if err := i.db.QueryRowContext(ctx, "SELECT VERSION(), DATABASE()").Scan(&schema.ServerVersion, &database); err != nil {
		return nil, fmt.Errorf("failed to read server version: %w", err)
	}
	if !database.Valid {
		return nil, fmt.Errorf("%w: the connection has no default database", ErrIntrospectionFailed)
	}
	// "8.0.36-log" -> "8.0.36"
	if idx := strings.IndexAny(schema.ServerVersion, "-+ "); idx > 0 {
		schema.ServerVersion = schema.ServerVersion[:idx]
	}

	b := newCatalogBuilder()
	steps := []struct {
		what string
		run  func(context.Context, *catalogBuilder) error
	}{
		{"columns", i.columns},
		{"keys", i.keys},
		{"foreign keys", i.foreignKeys},
	}
	for _, step := range steps {
		if err := step.run(ctx, b); err != nil {
			return nil, fmt.Errorf("failed to introspect %s: %w", step.what, err)
		}
	}
	schema.Tables = b.result()

	var err error
	if schema.Views, err = i.views(ctx); err != nil {
		return nil, fmt.Errorf("failed to introspect views: %w", err)
	}
	if schema.Triggers, err = i.triggers(ctx); err != nil {
		return nil, fmt.Errorf("failed to introspect triggers: %w", err)
	}
	if schema.StoredProcedures, err = i.routines(ctx); err != nil {
		return nil, fmt.Errorf("failed to introspect routines: %w", err)
	}
	if schema.CheckConstraints, err = i.checkConstraints(ctx); err != nil {
		return nil, fmt.Errorf("failed to introspect check constraints: %w", err)
	}
	return schema, nil
}

func (i *MySQLIntrospector) columns(ctx context.Context, b *catalogBuilder) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT c.table_schema, c.table_name, c.column_name, c.column_type,
			c.is_nullable = 'YES', c.column_default, c.extra
		FROM information_schema.columns c
		JOIN information_schema.tables t
			ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = DATABASE()
		  AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			schema, table, extra string
			col                  Column
			def                  sql.NullString
		)
		if err := rows.Scan(&schema, &table, &col.Name, &col.Type, &col.Nullable, &def, &extra); err != nil {
			return err
		}
		if def.Valid {
			col.DefaultValue = &def.String
		}
		col.AutoIncrement = strings.Contains(strings.ToLower(extra), "auto_increment")
		b.column(schema, table, col)
	}
	return rows.Err()
}

// keys reads the primary key and the secondary indexes from one scan of
// information_schema.statistics.
func (i *MySQLIntrospector) keys(ctx context.Context, b *catalogBuilder) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT table_name, index_name, non_unique = 0, column_name
		FROM information_schema.statistics
		WHERE table_schema = DATABASE()
		  AND column_name IS NOT NULL
		ORDER BY table_name, index_name, seq_in_index`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, index, column string
			unique               bool
		)
		if err := rows.Scan(&table, &index, &unique, &column); err != nil {
			return err
		}
		if index == "PRIMARY" {
			b.primaryKeyColumn(table, index, column)
			continue
		}
		b.indexColumn(table, index, unique, column)
	}
	return rows.Err()
}

// foreignKeys reads one row per column pair; key_column_usage carries the
// referenced column next to each local one.
func (i *MySQLIntrospector) foreignKeys(ctx context.Context, b *catalogBuilder) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT kcu.table_name, kcu.constraint_name, kcu.referenced_table_name,
			kcu.column_name, kcu.referenced_column_name, rc.update_rule, rc.delete_rule
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.referential_constraints rc
			ON rc.constraint_schema = kcu.constraint_schema
			AND rc.constraint_name = kcu.constraint_name
			AND rc.table_name = kcu.table_name
		WHERE kcu.table_schema = DATABASE()
		  AND kcu.referenced_table_name IS NOT NULL
		ORDER BY kcu.table_name, kcu.constraint_name, kcu.ordinal_position`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, column, referenced string
			fk                        ForeignKey
		)
		if err := rows.Scan(&table, &fk.Name, &fk.ReferencedTable, &column, &referenced, &fk.OnUpdate, &fk.OnDelete); err != nil {
			return err
		}
		b.foreignKeyColumn(table, fk, column, referenced)
	}
	return rows.Err()
}

func (i *MySQLIntrospector) views(ctx context.Context) ([]View, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT table_schema, table_name, view_definition
		FROM information_schema.views
		WHERE table_schema = DATABASE()
		ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := []View{}
	for rows.Next() {
		var v View
		if err := rows.Scan(&v.Schema, &v.Name, &v.Definition); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// triggers rebuilds the CREATE TRIGGER text, which information_schema
// only stores as the body.
func (i *MySQLIntrospector) triggers(ctx context.Context) ([]Trigger, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT trigger_name, trigger_schema, event_object_table, action_timing, event_manipulation, action_statement
		FROM information_schema.triggers
		WHERE trigger_schema = DATABASE()
		ORDER BY event_object_table, trigger_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		var (
			tr   Trigger
			body string
		)
		if err := rows.Scan(&tr.Name, &tr.Schema, &tr.TableName, &tr.Timing, &tr.Event, &body); err != nil {
			return nil, err
		}
		tr.Definition = fmt.Sprintf("CREATE TRIGGER `%s` %s %s ON `%s` FOR EACH ROW %s",
			tr.Name, tr.Timing, tr.Event, tr.TableName, body)
		triggers = append(triggers, tr)
	}
	return triggers, rows.Err()
}

func (i *MySQLIntrospector) routines(ctx context.Context) ([]StoredProcedure, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT routine_name, routine_schema, COALESCE(routine_definition, '')
		FROM information_schema.routines
		WHERE routine_schema = DATABASE()
		ORDER BY routine_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procs []StoredProcedure
	for rows.Next() {
		var p StoredProcedure
		if err := rows.Scan(&p.Name, &p.Schema, &p.Definition); err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// checkConstraints needs MySQL 8.0.16 or later; older servers have no
// CHECK_CONSTRAINTS view and report none.
func (i *MySQLIntrospector) checkConstraints(ctx context.Context) ([]CheckConstraint, error) {
	var n int
	err := i.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = 'information_schema' AND table_name = 'CHECK_CONSTRAINTS'`).Scan(&n)
	if err != nil || n == 0 {
		return nil, err
	}

	rows, err := i.db.QueryContext(ctx, `
		SELECT cc.constraint_name, tc.table_name, cc.check_clause
		FROM information_schema.check_constraints cc
		JOIN information_schema.table_constraints tc
			ON tc.constraint_schema = cc.constraint_schema
			AND tc.constraint_name = cc.constraint_name
			AND tc.constraint_type = 'CHECK'
		WHERE cc.constraint_schema = DATABASE()
		ORDER BY tc.table_name, cc.constraint_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []CheckConstraint
	for rows.Next() {
		var c CheckConstraint
		if err := rows.Scan(&c.Name, &c.TableName, &c.Definition); err != nil {
			return nil, err
		}
		if !IsInternalTable(c.TableName) {
			c.Definition = "CHECK (" + c.Definition + ")"
			checks = append(checks, c)
		}
	}
	return checks, rows.Err()
}
