package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresIntrospector reads pg_catalog for the first schema on the
// search_path. Each object kind is one query over the whole schema.
type PostgresIntrospector struct {
	db *sql.DB
}

func (i *PostgresIntrospector) Introspect(ctx context.Context) (*DatabaseSchema, error) {
	schema := &DatabaseSchema{Provider: ProviderPostgres, Tables: []Table{}, Views: []View{}}

	if err := i.db.QueryRowContext(ctx, "SHOW server_version").Scan(&schema.ServerVersion); err != nil {
		return nil, fmt.Errorf("failed to read server version: %w", err)
	}
	// "16.2 (Debian 16.2-1.pgdg120+2)" -> "16.2"
	if fields := strings.Fields(schema.ServerVersion); len(fields) > 0 {
		schema.ServerVersion = fields[0]
	}

	b := newCatalogBuilder()
	steps := []struct {
		what string
		run  func(context.Context, *catalogBuilder) error
	}{
		{"columns", i.columns},
		{"primary keys", i.primaryKeys},
		{"indexes", i.indexes},
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
	if schema.StoredProcedures, err = i.procedures(ctx); err != nil {
		return nil, fmt.Errorf("failed to introspect procedures: %w", err)
	}
	if schema.CheckConstraints, err = i.checkConstraints(ctx); err != nil {
		return nil, fmt.Errorf("failed to introspect check constraints: %w", err)
	}
	return schema, nil
}

func (i *PostgresIntrospector) columns(ctx context.Context, b *catalogBuilder) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT n.nspname, c.relname, a.attname,
			format_type(a.atttypid, a.atttypmod),
			NOT a.attnotnull,
			pg_get_expr(d.adbin, d.adrelid),
			a.attidentity <> ''
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped
		LEFT JOIN pg_attrdef d ON d.adrelid = c.oid AND d.adnum = a.attnum
		WHERE c.relkind IN ('r', 'p')
		  AND n.nspname = current_schema()
		ORDER BY c.relname, a.attnum`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			schema, table string
			col           Column
			def           sql.NullString
			identity      bool
		)
		if err := rows.Scan(&schema, &table, &col.Name, &col.Type, &col.Nullable, &def, &identity); err != nil {
			return err
		}
		col.Type = NormalizeType(col.Type)
		if def.Valid && def.String != "" {
			col.DefaultValue = &def.String
		}
		col.AutoIncrement = identity || strings.HasPrefix(def.String, "nextval(")
		b.column(schema, table, col)
	}
	return rows.Err()
}

func (i *PostgresIntrospector) primaryKeys(ctx context.Context, b *catalogBuilder) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT c.relname, con.conname, a.attname
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		CROSS JOIN LATERAL unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		WHERE con.contype = 'p'
		  AND n.nspname = current_schema()
		ORDER BY c.relname, k.ord`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var table, name, column string
		if err := rows.Scan(&table, &name, &column); err != nil {
			return err
		}
		b.primaryKeyColumn(table, name, column)
	}
	return rows.Err()
}

// indexes skips primary keys and expression columns.
func (i *PostgresIntrospector) indexes(ctx context.Context, b *catalogBuilder) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT t.relname, ic.relname, ix.indisunique, a.attname
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class ic ON ic.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		CROSS JOIN LATERAL unnest(ix.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE NOT ix.indisprimary
		  AND n.nspname = current_schema()
		ORDER BY t.relname, ic.relname, k.ord`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, name, column string
			unique              bool
		)
		if err := rows.Scan(&table, &name, &unique, &column); err != nil {
			return err
		}
		b.indexColumn(table, name, unique, column)
	}
	return rows.Err()
}

// foreignKeys pairs conkey and confkey by position, so composite keys keep
// their column order.
func (i *PostgresIntrospector) foreignKeys(ctx context.Context, b *catalogBuilder) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT c.relname, con.conname, ref.relname, a.attname, ra.attname,
			con.confupdtype, con.confdeltype
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_class ref ON ref.oid = con.confrelid
		CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, refattnum, ord)
		JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		JOIN pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = k.refattnum
		WHERE con.contype = 'f'
		  AND n.nspname = current_schema()
		ORDER BY c.relname, con.conname, k.ord`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, column, referenced string
			fk                        ForeignKey
			onUpdate, onDelete        string
		)
		if err := rows.Scan(&table, &fk.Name, &fk.ReferencedTable, &column, &referenced, &onUpdate, &onDelete); err != nil {
			return err
		}
		fk.OnUpdate = postgresRule(onUpdate)
		fk.OnDelete = postgresRule(onDelete)
		b.foreignKeyColumn(table, fk, column, referenced)
	}
	return rows.Err()
}

// postgresRule spells out a pg_constraint action code.
func postgresRule(code string) string {
	switch code {
	case "c":
		return "CASCADE"
	case "n":
		return "SET NULL"
	case "d":
		return "SET DEFAULT"
	case "r":
		return "RESTRICT"
	default:
		return "NO ACTION"
	}
}

// views includes materialized views; they break the same way when a
// column they read goes away.
func (i *PostgresIntrospector) views(ctx context.Context) ([]View, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT n.nspname, c.relname, pg_get_viewdef(c.oid, true)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('v', 'm')
		  AND n.nspname = current_schema()
		ORDER BY c.relname`)
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

func (i *PostgresIntrospector) triggers(ctx context.Context) ([]Trigger, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT t.tgname, n.nspname, c.relname, t.tgtype, pg_get_triggerdef(t.oid, true)
		FROM pg_trigger t
		JOIN pg_class c ON c.oid = t.tgrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE NOT t.tgisinternal
		  AND n.nspname = current_schema()
		ORDER BY c.relname, t.tgname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		var (
			tr     Trigger
			tgtype int64
		)
		if err := rows.Scan(&tr.Name, &tr.Schema, &tr.TableName, &tgtype, &tr.Definition); err != nil {
			return nil, err
		}
		tr.Timing, tr.Event = decodeTriggerType(tgtype)
		triggers = append(triggers, tr)
	}
	return triggers, rows.Err()
}

// decodeTriggerType reads the timing and events out of pg_trigger.tgtype.
func decodeTriggerType(tgtype int64) (timing, event string) {
	switch {
	case tgtype&(1<<1) != 0:
		timing = "BEFORE"
	case tgtype&(1<<6) != 0:
		timing = "INSTEAD OF"
	default:
		timing = "AFTER"
	}
	var events []string
	for _, e := range []struct {
		bit  int64
		name string
	}{{1 << 2, "INSERT"}, {1 << 3, "DELETE"}, {1 << 4, "UPDATE"}, {1 << 5, "TRUNCATE"}} {
		if tgtype&e.bit != 0 {
			events = append(events, e.name)
		}
	}
	return timing, strings.Join(events, " OR ")
}

func (i *PostgresIntrospector) procedures(ctx context.Context) ([]StoredProcedure, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT p.proname, n.nspname, p.prosrc
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE p.prokind IN ('f', 'p')
		  AND n.nspname = current_schema()
		ORDER BY p.proname`)
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

func (i *PostgresIntrospector) checkConstraints(ctx context.Context) ([]CheckConstraint, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT con.conname, c.relname, pg_get_constraintdef(con.oid, true)
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE con.contype = 'c'
		  AND n.nspname = current_schema()
		ORDER BY c.relname, con.conname`)
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
			checks = append(checks, c)
		}
	}
	return checks, rows.Err()
}
