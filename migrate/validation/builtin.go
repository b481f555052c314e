package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/dependency"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/lock"
	"github.com/satishbabariya/schemaguard/migrate/sqlgen"
	"github.com/satishbabariya/schemaguard/migrate/sqlref"
)

func builtins() []Validator {
	return []Validator{
		Func(Connectivity, connectivity),
		Func(TargetExists, targetExists),
		Func(ForeignKeyIntegrity, foreignKeyIntegrity),
		Func(DependentViewsValid, dependentViewsValid),
		Func(IntentApplied, intentApplied),
		Func(NoPendingLocks, noPendingLocks),
	}
}

func connectivity(ctx context.Context, t Target) error {
	if t.DB == nil {
		return errors.New("no database handle")
	}
	if err := t.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	var one int
	if err := t.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("select 1: %w", err)
	}
	return nil
}

func readCatalog(ctx context.Context, t Target) (*introspect.DatabaseSchema, error) {
	if t.Catalog == nil {
		return nil, errors.New("no catalog accessor")
	}
	schema, err := t.Catalog.Introspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return schema, nil
}

// targetExists checks, before execution, that the object an operation
// acts on is present, or absent for operations that create it. At later
// stages it only requires the containing table unless the operation
// removes or renames it.
func targetExists(ctx context.Context, t Target) error {
	schema, err := readCatalog(ctx, t)
	if err != nil {
		return err
	}
	op := t.Operation
	table := op.Target.TableName()

	if t.Stage != StagePre {
		if op.Kind == migrate.OpDropTable || op.Kind == migrate.OpRenameTable {
			return nil
		}
		if !schema.HasTable(table) {
			return fmt.Errorf("table %s not found", table)
		}
		return nil
	}

	_, found := dependency.Resolve(schema, op.Target)
	switch {
	case found && op.Kind.CreatesTarget():
		return fmt.Errorf("%s already exists", op.Target)
	case !found && !op.Kind.CreatesTarget():
		return fmt.Errorf("%s not found", op.Target)
	case op.Target.Kind != migrate.KindTable && !schema.HasTable(table):
		return fmt.Errorf("table %s not found", table)
	}
	if op.Kind.IsRename() {
		renamed := renamedTarget(op)
		if _, taken := dependency.Resolve(schema, renamed); taken {
			return fmt.Errorf("rename target %s already exists", renamed)
		}
	}
	return nil
}

func renamedTarget(op migrate.Operation) migrate.SchemaObject {
	out := op.Target
	out.Name = op.NewName
	return out
}

// intentApplied checks that the catalog reflects the operation.
func intentApplied(ctx context.Context, t Target) error {
	schema, err := readCatalog(ctx, t)
	if err != nil {
		return err
	}
	op := t.Operation
	_, found := dependency.Resolve(schema, op.Target)

	switch op.Kind {
	case migrate.OpCreateTable, migrate.OpAddColumn, migrate.OpAddIndex, migrate.OpAddConstraint:
		if !found {
			return fmt.Errorf("%s is missing after %s", op.Target, op.Kind)
		}
	case migrate.OpDropTable, migrate.OpDropColumn, migrate.OpDropIndex, migrate.OpDropConstraint:
		if found {
			return fmt.Errorf("%s still exists after %s", op.Target, op.Kind)
		}
	case migrate.OpRenameTable, migrate.OpRenameColumn:
		if found {
			return fmt.Errorf("%s still exists after %s", op.Target, op.Kind)
		}
		if _, ok := dependency.Resolve(schema, renamedTarget(op)); !ok {
			return fmt.Errorf("%s is missing after %s", renamedTarget(op), op.Kind)
		}
	case migrate.OpAlterColumnType:
		if !found {
			return fmt.Errorf("%s is missing after %s", op.Target, op.Kind)
		}
		want := op.Metadata["column_type"]
		if want == "" {
			return nil
		}
		col := schema.Table(op.Target.Table).Column(op.Target.Name)
		if !introspect.SameType(col.Type, want) {
			return fmt.Errorf("%s has type %s, want %s", op.Target, col.Type, want)
		}
	default:
		return fmt.Errorf("no intent check for %s", op.Kind)
	}
	return nil
}

// touchedTables returns the tables an operation acts on, including the new
// name of a renamed table.
func touchedTables(op migrate.Operation) []string {
	out := []string{op.Target.TableName()}
	if op.Kind == migrate.OpRenameTable {
		out = append(out, op.NewName)
	}
	return out
}

// foreignKeyIntegrity counts orphaned rows on every foreign key into or
// out of the tables the operation touches.
func foreignKeyIntegrity(ctx context.Context, t Target) error {
	schema, err := readCatalog(ctx, t)
	if err != nil {
		return err
	}
	d, err := sqlgen.ForProvider(schema.Provider)
	if err != nil {
		return err
	}
	tables := touchedTables(t.Operation)

	var problems []string
	for _, child := range schema.Tables {
		for _, fk := range child.ForeignKeys {
			if !introspect.ContainsColumn(tables, child.Name) && !introspect.ContainsColumn(tables, fk.ReferencedTable) {
				continue
			}
			parent := schema.Table(fk.ReferencedTable)
			if parent == nil {
				problems = append(problems, fmt.Sprintf("%s(%s) references missing table %s",
					child.Name, strings.Join(fk.Columns, ", "), fk.ReferencedTable))
				continue
			}
			n, err := orphans(ctx, t, d, &child, parent, fk)
			if err != nil {
				return err
			}
			if n > 0 {
				problems = append(problems, fmt.Sprintf("%d orphaned rows in %s(%s) -> %s",
					n, child.Name, strings.Join(fk.Columns, ", "), parent.Name))
			}
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func orphans(ctx context.Context, t Target, d sqlgen.Dialect, child, parent *introspect.Table, fk introspect.ForeignKey) (int64, error) {
	refs := referencedColumns(parent, fk)
	if len(refs) != len(fk.Columns) {
		return 0, fmt.Errorf("foreign key on %s: %d columns reference %d", child.Name, len(fk.Columns), len(refs))
	}
	var notNull, join []string
	for i, col := range fk.Columns {
		notNull = append(notNull, fmt.Sprintf("c.%s IS NOT NULL", d.Quote(col)))
		join = append(join, fmt.Sprintf("p.%s = c.%s", d.Quote(refs[i]), d.Quote(col)))
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s c WHERE %s AND NOT EXISTS (SELECT 1 FROM %s p WHERE %s)",
		d.Quote(child.Name), strings.Join(notNull, " AND "), d.Quote(parent.Name), strings.Join(join, " AND "))

	var n int64
	if err := t.DB.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orphans in %s: %w", child.Name, err)
	}
	return n, nil
}

// referencedColumns falls back to the parent's primary key when the
// catalog leaves the referenced columns implicit.
func referencedColumns(parent *introspect.Table, fk introspect.ForeignKey) []string {
	var refs []string
	for _, c := range fk.ReferencedColumns {
		if c != "" {
			refs = append(refs, c)
		}
	}
	if len(refs) == 0 && parent.PrimaryKey != nil {
		refs = parent.PrimaryKey.Columns
	}
	return refs
}

// dependentViewsValid selects from every view that references a touched
// table; a view broken by the change fails to compile.
func dependentViewsValid(ctx context.Context, t Target) error {
	schema, err := readCatalog(ctx, t)
	if err != nil {
		return err
	}
	d, err := sqlgen.ForProvider(schema.Provider)
	if err != nil {
		return err
	}
	tables := touchedTables(t.Operation)

	var broken []string
	for _, v := range schema.Views {
		if !referencesAny(v.Definition, tables) {
			continue
		}
		rows, err := t.DB.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", d.Quote(v.Name)))
		if err != nil {
			broken = append(broken, fmt.Sprintf("view %s: %v", v.Name, err))
			continue
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			broken = append(broken, fmt.Sprintf("view %s: %v", v.Name, err))
		}
	}
	if len(broken) > 0 {
		return errors.New(strings.Join(broken, "; "))
	}
	return nil
}

func referencesAny(definition string, tables []string) bool {
	for _, table := range tables {
		if sqlref.References(definition, table) {
			return true
		}
	}
	return false
}

// noPendingLocks fails when another migration holds a lock that overlaps
// the operation's resource.
func noPendingLocks(ctx context.Context, t Target) error {
	if t.Locks == nil {
		return nil
	}
	records, err := t.Locks.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list locks: %w", err)
	}
	scope, key := lock.ResourceKeyFor(t.Operation)

	var conflicts []string
	for _, r := range records {
		if r.ID == t.LockID || !overlaps(scope, key, r.Scope, r.ResourceKey) {
			continue
		}
		msg := fmt.Sprintf("%s lock on %s", r.Scope, r.ResourceKey)
		if owner := r.Holder["owner"]; owner != "" {
			msg += " held by " + owner
		}
		conflicts = append(conflicts, msg)
	}
	if len(conflicts) > 0 {
		return errors.New(strings.Join(conflicts, "; "))
	}
	return nil
}

func overlaps(scope lock.Scope, key string, otherScope lock.Scope, otherKey string) bool {
	switch {
	case scope == lock.ScopeSchema && otherScope == lock.ScopeSchema:
		return strings.EqualFold(key, otherKey)
	case scope == lock.ScopeSchema:
		return strings.EqualFold(key, lock.SchemaOf(otherKey))
	case otherScope == lock.ScopeSchema:
		return strings.EqualFold(lock.SchemaOf(key), otherKey)
	default:
		return strings.EqualFold(key, otherKey)
	}
}
