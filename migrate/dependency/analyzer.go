package dependency

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/sqlref"
)

// ErrObjectNotFound is wrapped in an AnalysisError when the target is missing.
var ErrObjectNotFound = errors.New("object not found in catalog")

// Analyzer walks the catalog outward from a target and records every
// object that would be affected by changing it.
type Analyzer struct {
	catalog     introspect.Introspector
	logger      *zap.Logger
	maxDepth    int
	parallelism int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the analyzer logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithMaxDepth bounds traversal depth; 0 means unlimited.
func WithMaxDepth(depth int) Option {
	return func(a *Analyzer) { a.maxDepth = depth }
}

// WithParallelism bounds concurrent per-target analysis in AnalyzeMany.
func WithParallelism(n int) Option {
	return func(a *Analyzer) { a.parallelism = n }
}

// NewAnalyzer creates an analyzer reading from catalog.
func NewAnalyzer(catalog introspect.Introspector, opts ...Option) *Analyzer {
	a := &Analyzer{
		catalog:     catalog,
		logger:      zap.NewNop(),
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("dependency")
	return a
}

// Result is the outcome of analyzing one target.
type Result struct {
	Graph  *Graph        `json:"graph"`
	Impact *ImpactReport `json:"impact"`
	// Visited lists every reached object once, in traversal order.
	Visited []migrate.SchemaObject `json:"visited"`
}

// Catalog reads the catalog once, wrapping failures in an AnalysisError.
func (a *Analyzer) Catalog(ctx context.Context, target migrate.SchemaObject) (*introspect.DatabaseSchema, error) {
	schema, err := a.catalog.Introspect(ctx)
	if err != nil {
		return nil, &migrate.AnalysisError{Object: target, Stage: "catalog read", Err: err}
	}
	return schema, nil
}

// Analyze builds the dependency graph and impact report for target.
func (a *Analyzer) Analyze(ctx context.Context, target migrate.SchemaObject, kind migrate.OperationKind) (*Result, error) {
	schema, err := a.Catalog(ctx, target)
	if err != nil {
		return nil, err
	}
	return a.AnalyzeSchema(ctx, schema, target, kind)
}

// AnalyzeMany analyzes several targets concurrently against a single
// catalog read. The first failure cancels the remaining work.
func (a *Analyzer) AnalyzeMany(ctx context.Context, targets []migrate.SchemaObject, kind migrate.OperationKind) ([]*Result, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	schema, err := a.Catalog(ctx, targets[0])
	if err != nil {
		return nil, err
	}

	results := make([]*Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	if a.parallelism > 0 {
		g.SetLimit(a.parallelism)
	}
	for i, target := range targets {
		g.Go(func() error {
			res, err := a.AnalyzeSchema(gctx, schema, target, kind)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AnalyzeSchema runs the traversal over an already loaded catalog. The
// schema is only read, so concurrent calls may share it.
func (a *Analyzer) AnalyzeSchema(ctx context.Context, schema *introspect.DatabaseSchema, target migrate.SchemaObject, kind migrate.OperationKind) (*Result, error) {
	resolved, found := Resolve(schema, target)
	if !found && !kind.CreatesTarget() {
		return nil, &migrate.AnalysisError{Object: target, Stage: "resolve target", Err: ErrObjectNotFound}
	}

	g := NewGraph()
	root := g.AddNode(resolved)
	visited := map[NodeID]bool{root: true}
	order := []NodeID{root}
	depth := map[NodeID]int{root: 0}
	queue := []NodeID{root}

	if found {
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, &migrate.AnalysisError{Object: target, Stage: "traversal", Err: err}
			}
			id := queue[0]
			queue = queue[1:]

			if a.maxDepth > 0 && depth[id] >= a.maxDepth {
				continue
			}

			for _, dep := range directDependents(schema, g.Node(id)) {
				to := g.AddNode(dep.object)
				g.AddEdge(id, to, dep.kind, dep.cascade)
				if visited[to] {
					continue
				}
				visited[to] = true
				order = append(order, to)
				depth[to] = depth[id] + 1
				queue = append(queue, to)
			}
		}
	}

	impact := buildImpact(g, root, kind, schema)
	a.logger.Debug("dependency analysis complete",
		zap.String("target", resolved.QualifiedName()),
		zap.String("operation", string(kind)),
		zap.Int("affected", len(impact.AffectedObjects)),
		zap.String("impact", string(impact.ImpactLevel)),
		zap.Int("cycles", len(impact.Cycles)),
	)

	reached := make([]migrate.SchemaObject, len(order))
	for i, id := range order {
		reached[i] = g.Node(id)
	}
	return &Result{Graph: g, Impact: impact, Visited: reached}, nil
}

// Resolve canonicalizes target against the catalog, filling the schema
// name and exact casing. It reports whether the object exists.
func Resolve(schema *introspect.DatabaseSchema, target migrate.SchemaObject) (migrate.SchemaObject, bool) {
	switch target.Kind {
	case migrate.KindTable:
		if t := schema.Table(target.Name); t != nil {
			return migrate.Table(t.Schema, t.Name), true
		}
	case migrate.KindView:
		if v := schema.View(target.Name); v != nil {
			return migrate.View(v.Schema, v.Name), true
		}
	case migrate.KindColumn:
		if t := schema.Table(target.Table); t != nil {
			if c := t.Column(target.Name); c != nil {
				return migrate.Column(t.Schema, t.Name, c.Name), true
			}
		}
	case migrate.KindIndex:
		if t := schema.Table(target.Table); t != nil {
			for _, idx := range t.Indexes {
				if strings.EqualFold(idx.Name, target.Name) {
					return migrate.Index(t.Schema, t.Name, idx.Name), true
				}
			}
		}
	case migrate.KindConstraint:
		if t := schema.Table(target.Table); t != nil {
			for _, fk := range t.ForeignKeys {
				if strings.EqualFold(fk.Name, target.Name) {
					return migrate.Constraint(t.Schema, t.Name, fk.Name), true
				}
			}
			if t.PrimaryKey != nil && strings.EqualFold(t.PrimaryKey.Name, target.Name) {
				return migrate.Constraint(t.Schema, t.Name, t.PrimaryKey.Name), true
			}
			for _, ck := range schema.CheckConstraints {
				if strings.EqualFold(ck.TableName, t.Name) && strings.EqualFold(ck.Name, target.Name) {
					return migrate.Constraint(t.Schema, t.Name, ck.Name), true
				}
			}
		}
	case migrate.KindTrigger:
		for _, tr := range schema.Triggers {
			if strings.EqualFold(tr.Name, target.Name) {
				return migrate.Trigger(tr.Schema, tr.TableName, tr.Name), true
			}
		}
	case migrate.KindProcedure:
		for _, p := range schema.StoredProcedures {
			if strings.EqualFold(p.Name, target.Name) {
				return migrate.Procedure(p.Schema, p.Name), true
			}
		}
	}
	return target, false
}

type dependent struct {
	object  migrate.SchemaObject
	kind    EdgeKind
	cascade bool
}

// directDependents returns the objects one hop away from obj.
func directDependents(schema *introspect.DatabaseSchema, obj migrate.SchemaObject) []dependent {
	switch obj.Kind {
	case migrate.KindTable:
		return tableDependents(schema, obj)
	case migrate.KindColumn:
		return columnDependents(schema, obj)
	case migrate.KindView, migrate.KindProcedure:
		return definitionDependents(schema, obj.Name, obj)
	default:
		return nil
	}
}

func tableDependents(schema *introspect.DatabaseSchema, obj migrate.SchemaObject) []dependent {
	name := obj.Name
	out := definitionDependents(schema, name, obj)

	for _, t := range schema.Tables {
		for _, fk := range t.ForeignKeysTo(name) {
			out = append(out, dependent{
				object:  migrate.Table(t.Schema, t.Name),
				kind:    EdgeForeignKey,
				cascade: fk.Cascades(),
			})
		}
	}

	for _, tr := range schema.Triggers {
		if strings.EqualFold(tr.TableName, name) {
			out = append(out, dependent{object: migrate.Trigger(tr.Schema, tr.TableName, tr.Name), kind: EdgeTrigger})
		}
	}
	return out
}

// definitionDependents finds views, procedures and triggers whose stored
// text mentions name.
func definitionDependents(schema *introspect.DatabaseSchema, name string, self migrate.SchemaObject) []dependent {
	var out []dependent
	for _, v := range schema.Views {
		if self.Kind == migrate.KindView && strings.EqualFold(v.Name, self.Name) {
			continue
		}
		if sqlref.References(viewBody(v), name) {
			out = append(out, dependent{object: migrate.View(v.Schema, v.Name), kind: EdgeViewReference})
		}
	}
	for _, p := range schema.StoredProcedures {
		if self.Kind == migrate.KindProcedure && strings.EqualFold(p.Name, self.Name) {
			continue
		}
		if sqlref.References(p.Definition, name) {
			out = append(out, dependent{object: migrate.Procedure(p.Schema, p.Name), kind: EdgeProcedureReference})
		}
	}
	for _, tr := range schema.Triggers {
		if strings.EqualFold(tr.TableName, name) {
			// triggers on the object itself are attached, not referencing
			if self.Kind == migrate.KindView {
				out = append(out, dependent{object: migrate.Trigger(tr.Schema, tr.TableName, tr.Name), kind: EdgeTrigger})
			}
			continue
		}
		if sqlref.References(triggerBody(tr), name) {
			out = append(out, dependent{object: migrate.Trigger(tr.Schema, tr.TableName, tr.Name), kind: EdgeTrigger})
		}
	}
	return out
}

func columnDependents(schema *introspect.DatabaseSchema, obj migrate.SchemaObject) []dependent {
	table := schema.Table(obj.Table)
	if table == nil {
		return nil
	}
	var out []dependent

	for _, v := range schema.Views {
		if sqlref.ReferencesColumn(viewBody(v), table.Name, obj.Name) {
			out = append(out, dependent{object: migrate.View(v.Schema, v.Name), kind: EdgeViewReference})
		}
	}
	for _, p := range schema.StoredProcedures {
		if sqlref.ReferencesColumn(p.Definition, table.Name, obj.Name) {
			out = append(out, dependent{object: migrate.Procedure(p.Schema, p.Name), kind: EdgeProcedureReference})
		}
	}
	for _, tr := range schema.Triggers {
		body := triggerBody(tr)
		onTable := strings.EqualFold(tr.TableName, table.Name)
		if (onTable && mentions(body, obj.Name)) || (!onTable && sqlref.ReferencesColumn(body, table.Name, obj.Name)) {
			out = append(out, dependent{object: migrate.Trigger(tr.Schema, tr.TableName, tr.Name), kind: EdgeTrigger})
		}
	}

	// inbound: child tables whose keys reference this column
	for _, t := range schema.Tables {
		for _, fk := range t.ForeignKeysTo(table.Name) {
			if introspect.ContainsColumn(fk.ReferencedColumns, obj.Name) || referencesImplicitPK(table, fk, obj.Name) {
				out = append(out, dependent{object: migrate.Table(t.Schema, t.Name), kind: EdgeForeignKey, cascade: fk.Cascades()})
			}
		}
	}
	// outbound: constraints declared on this column
	for _, fk := range table.ForeignKeys {
		if introspect.ContainsColumn(fk.Columns, obj.Name) {
			out = append(out, dependent{object: migrate.Constraint(table.Schema, table.Name, fk.Name), kind: EdgeForeignKey})
		}
	}
	for _, idx := range table.Indexes {
		if introspect.ContainsColumn(idx.Columns, obj.Name) {
			out = append(out, dependent{object: migrate.Index(table.Schema, table.Name, idx.Name), kind: EdgeIndex})
		}
	}
	return out
}

// referencesImplicitPK handles "REFERENCES parent" without a column list.
func referencesImplicitPK(parent *introspect.Table, fk introspect.ForeignKey, column string) bool {
	if len(fk.ReferencedColumns) > 0 && fk.ReferencedColumns[0] != "" {
		return false
	}
	return parent.PrimaryKey != nil && introspect.ContainsColumn(parent.PrimaryKey.Columns, column)
}

func mentions(sql, name string) bool {
	refs, err := sqlref.Identifiers(sql)
	if err != nil {
		return false
	}
	for _, r := range refs {
		if strings.EqualFold(r.Name(), name) {
			return true
		}
	}
	return false
}

var viewHeader = regexp.MustCompile(`(?is)^\s*CREATE\s.*?\bVIEW\b.*?\sAS\s`)

// viewBody strips the CREATE VIEW header SQLite keeps so the view's own
// name is not mistaken for a reference.
func viewBody(v introspect.View) string {
	if loc := viewHeader.FindStringIndex(v.Definition); loc != nil {
		return v.Definition[loc[1]:]
	}
	return v.Definition
}

// triggerBody drops the trigger name from the definition header.
func triggerBody(tr introspect.Trigger) string {
	return strings.Replace(tr.Definition, tr.Name, "", 1)
}

func (r *Result) String() string {
	return fmt.Sprintf("%s: %d affected (%s)", r.Impact.Target.QualifiedName(), len(r.Impact.AffectedObjects), r.Impact.ImpactLevel)
}
