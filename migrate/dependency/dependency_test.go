package dependency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/schemaguard/internal/testdb"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

type failingCatalog struct{ err error }

func (f failingCatalog) Introspect(context.Context) (*introspect.DatabaseSchema, error) {
	return nil, f.err
}

func commerceCatalog(t *testing.T) introspect.Introspector {
	t.Helper()
	db := testdb.OpenCommerce(t, false)
	intro, err := introspect.NewIntrospector(db, "sqlite")
	require.NoError(t, err)
	return intro
}

func keys(objs []migrate.SchemaObject) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.Key()
	}
	return out
}

func TestGraphCycleDetection(t *testing.T) {
	g := NewGraph()
	a := g.AddNode(migrate.Table("", "a"))
	b := g.AddNode(migrate.Table("", "b"))
	c := g.AddNode(migrate.Table("", "c"))
	assert.Equal(t, a, g.AddNode(migrate.Table("", "A")), "nodes are deduplicated case-insensitively")

	g.AddEdge(a, b, EdgeForeignKey, false)
	g.AddEdge(b, a, EdgeForeignKey, false)
	g.AddEdge(c, c, EdgeForeignKey, false)
	g.AddEdge(a, b, EdgeForeignKey, true)

	require.Len(t, g.Edges(), 3)
	assert.True(t, g.Edges()[0].Cascade, "repeated cascading edge upgrades the stored edge")

	cycles := g.DetectCycles()
	require.Len(t, cycles, 2)
	names := g.CycleNames(cycles)
	assert.Contains(t, names, []string{"a", "b"})
	assert.Contains(t, names, []string{"c"})
}

func TestGraphDeepChainDoesNotRecurse(t *testing.T) {
	g := NewGraph()
	prev := g.AddNode(migrate.Table("", "t0"))
	for i := 1; i < 50000; i++ {
		next := g.AddNode(migrate.Table("", fmt.Sprintf("t%d", i)))
		g.AddEdge(prev, next, EdgeForeignKey, false)
		prev = next
	}
	assert.Empty(t, g.DetectCycles())
}

func TestAnalyzeDropTable(t *testing.T) {
	a := NewAnalyzer(commerceCatalog(t))

	res, err := a.Analyze(context.Background(), migrate.Table("", "ORDERS"), migrate.OpDropTable)
	require.NoError(t, err)

	impact := res.Impact
	assert.Equal(t, "orders", impact.Target.Name, "target is canonicalized from the catalog")
	assert.ElementsMatch(t, []string{
		"view:customer_orders",
		"table:order_items",
		"trigger:orders.orders_audit",
	}, keys(impact.AffectedObjects))
	assert.Equal(t, 1, impact.ViewCount)
	assert.Equal(t, 1, impact.TriggerCount)
	assert.Equal(t, 2, impact.ForeignKeyCount)
	assert.Equal(t, 1, impact.CascadeCount)
	assert.Equal(t, ImpactHigh, impact.ImpactLevel)
	assert.False(t, impact.IsSafeToProceed)
	assert.Equal(t, [][]string{{"orders"}}, impact.Cycles, "self reference is reported, not collapsed")
}

func TestAnalyzeVisitsEachObjectOnce(t *testing.T) {
	a := NewAnalyzer(commerceCatalog(t))

	res, err := a.Analyze(context.Background(), migrate.Table("", "customers"), migrate.OpDropTable)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, o := range res.Visited {
		seen[o.Key()]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, key)
	}
	assert.Contains(t, seen, "table:orders")
	assert.Contains(t, seen, "table:order_items", "cascades are followed transitively")
	assert.Equal(t, res.Graph.Len(), len(res.Visited))
}

func TestAnalyzeColumnWithoutDependents(t *testing.T) {
	a := NewAnalyzer(commerceCatalog(t))

	res, err := a.Analyze(context.Background(), migrate.Column("", "customers", "region"), migrate.OpDropColumn)
	require.NoError(t, err)

	assert.Empty(t, res.Impact.AffectedObjects)
	assert.Empty(t, res.Graph.Edges())
	assert.Equal(t, ImpactNone, res.Impact.ImpactLevel)
	assert.True(t, res.Impact.IsSafeToProceed)
}

func TestAnalyzeColumnDependents(t *testing.T) {
	a := NewAnalyzer(commerceCatalog(t))
	ctx := context.Background()

	res, err := a.Analyze(ctx, migrate.Column("", "orders", "status"), migrate.OpDropColumn)
	require.NoError(t, err)
	assert.Equal(t, []string{"index:orders.idx_orders_status"}, keys(res.Impact.AffectedObjects))
	assert.False(t, res.Impact.IsSafeToProceed)

	res, err = a.Analyze(ctx, migrate.Column("", "customers", "id"), migrate.OpAlterColumnType)
	require.NoError(t, err)
	affected := keys(res.Impact.AffectedObjects)
	assert.Contains(t, affected, "view:customer_orders")
	assert.Contains(t, affected, "table:orders")
	assert.Equal(t, 2, res.Impact.CascadeCount, "customers -> orders -> order_items")
}

func TestAnalyzeMissingTarget(t *testing.T) {
	a := NewAnalyzer(commerceCatalog(t))
	ctx := context.Background()

	_, err := a.Analyze(ctx, migrate.Table("", "ghost"), migrate.OpDropTable)
	require.Error(t, err)
	assert.ErrorIs(t, err, migrate.ErrAnalysis)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	res, err := a.Analyze(ctx, migrate.Table("", "ghost"), migrate.OpCreateTable)
	require.NoError(t, err)
	assert.True(t, res.Impact.IsSafeToProceed)
}

func TestCatalogFailureIsFatal(t *testing.T) {
	boom := errors.New("connection refused")
	a := NewAnalyzer(failingCatalog{err: boom})

	res, err := a.Analyze(context.Background(), migrate.Table("", "orders"), migrate.OpDropTable)
	assert.Nil(t, res)

	var analysisErr *migrate.AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, "catalog read", analysisErr.Stage)
	assert.ErrorIs(t, err, boom)
}

func TestAnalyzeMany(t *testing.T) {
	a := NewAnalyzer(commerceCatalog(t), WithParallelism(2))

	_, err := a.AnalyzeMany(context.Background(), []migrate.SchemaObject{
		migrate.Table("", "orders"),
		migrate.Table("", "ghost"),
	}, migrate.OpDropTable)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	results, err := a.AnalyzeMany(context.Background(), []migrate.SchemaObject{
		migrate.Table("", "orders"),
		migrate.Table("", "audit_log"),
	}, migrate.OpDropTable)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "orders", results[0].Impact.Target.Name)
	assert.Equal(t, "audit_log", results[1].Impact.Target.Name)
	assert.Len(t, results[1].Impact.AffectedObjects, 1, "orders_audit writes to audit_log")
}

func TestMaxDepth(t *testing.T) {
	a := NewAnalyzer(commerceCatalog(t), WithMaxDepth(1))

	res, err := a.Analyze(context.Background(), migrate.Table("", "customers"), migrate.OpDropTable)
	require.NoError(t, err)
	assert.NotContains(t, keys(res.Impact.AffectedObjects), "table:order_items")
}

func TestForeignKeyAnalyzer(t *testing.T) {
	fa := NewForeignKeyAnalyzer(commerceCatalog(t), nil)
	ctx := context.Background()

	report, err := fa.Analyze(ctx, migrate.Table("", "orders"), migrate.OpDropTable)
	require.NoError(t, err)
	require.Len(t, report.Inbound, 1)
	assert.Equal(t, "order_items", report.Inbound[0].ChildTable)
	assert.True(t, report.Inbound[0].Cascades)
	require.Len(t, report.Outbound, 2)
	require.Len(t, report.SelfReferences, 1)
	assert.Equal(t, [][]string{{"orders", "order_items"}}, report.CascadeChains)
	assert.False(t, report.IsSafeToProceed)

	report, err = fa.Analyze(ctx, migrate.Table("", "customers"), migrate.OpDropTable)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"customers", "orders", "order_items"}}, report.CascadeChains)

	report, err = fa.Analyze(ctx, migrate.Column("", "customers", "region"), migrate.OpDropColumn)
	require.NoError(t, err)
	assert.Empty(t, report.Inbound)
	assert.Empty(t, report.Outbound)
	assert.Empty(t, report.OrphanRisk)

	report, err = fa.Analyze(ctx, migrate.Table("", "audit_log"), migrate.OpAddColumn)
	require.NoError(t, err)
	assert.True(t, report.IsSafeToProceed)
}

func TestForeignKeyOrphanRisk(t *testing.T) {
	db := testdb.Open(t,
		`CREATE TABLE parents (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE children (id INTEGER PRIMARY KEY, parent_id INTEGER REFERENCES parents(id))`,
	)
	intro, err := introspect.NewIntrospector(db, "sqlite")
	require.NoError(t, err)

	report, err := NewForeignKeyAnalyzer(intro, nil).Analyze(context.Background(), migrate.Table("", "parents"), migrate.OpDropTable)
	require.NoError(t, err)
	assert.Equal(t, []string{"children"}, report.OrphanRisk)
	assert.Empty(t, report.CascadeChains)
	assert.False(t, report.IsSafeToProceed)
}

func TestRenameAnalyzer(t *testing.T) {
	ra := NewRenameAnalyzer(commerceCatalog(t), nil)
	ctx := context.Background()

	report, err := ra.Analyze(ctx, migrate.Table("", "orders"), "purchases")
	require.NoError(t, err)
	assert.False(t, report.Conflict)

	var view *RenameReference
	fkRefs := 0
	for i, ref := range report.References {
		switch ref.Kind {
		case EdgeViewReference:
			view = &report.References[i]
		case EdgeForeignKey:
			fkRefs++
		}
	}
	require.NotNil(t, view)
	assert.Contains(t, view.SuggestedDefinition, "JOIN purchases o")
	assert.Equal(t, 1, view.Occurrences)
	assert.Equal(t, 2, fkRefs, "order_items and the self reference")
	assert.True(t, report.IsSafeToProceed, "sqlite rebinds views and keys on rename")

	report, err = ra.Analyze(ctx, migrate.Table("", "orders"), "customers")
	require.NoError(t, err)
	assert.True(t, report.Conflict)
	assert.Equal(t, "table customers", report.ConflictWith)
	assert.False(t, report.IsSafeToProceed)

	report, err = ra.Analyze(ctx, migrate.Column("", "orders", "total"), "amount")
	require.NoError(t, err)
	require.Len(t, report.References, 1)
	assert.Contains(t, report.References[0].SuggestedDefinition, "o.amount")
}

func TestRenameAnalyzerFlagsProcedures(t *testing.T) {
	schema := &introspect.DatabaseSchema{
		Provider: introspect.ProviderMySQL,
		Tables:   []introspect.Table{{Name: "orders", Columns: []introspect.Column{{Name: "id"}}}},
		StoredProcedures: []introspect.StoredProcedure{
			{Name: "close_orders", Definition: "BEGIN UPDATE orders SET id = id; END"},
		},
	}
	report, err := NewRenameAnalyzer(nil, nil).AnalyzeSchema(schema, migrate.Table("", "orders"), "purchases")
	require.NoError(t, err)
	require.Len(t, report.References, 1)
	assert.False(t, report.References[0].FollowsRename)
	assert.Equal(t, "BEGIN UPDATE purchases SET id = id; END", report.References[0].SuggestedDefinition)
	assert.False(t, report.IsSafeToProceed)
}

func TestSuiteAnalyze(t *testing.T) {
	s := NewSuite(commerceCatalog(t), nil)

	report, err := s.Analyze(context.Background(), migrate.Operation{
		Kind:    migrate.OpRenameTable,
		Target:  migrate.Table("", "orders"),
		NewName: "purchases",
	}, migrate.Table("", "order_items"))
	require.NoError(t, err)

	assert.Equal(t, introspect.ProviderSQLite, report.Provider)
	assert.NotEmpty(t, report.ServerVersion)
	require.NotNil(t, report.Rename)
	require.NotNil(t, report.ForeignKeys)
	require.Len(t, report.Related, 1)
	assert.False(t, report.Impact.IsSafeToProceed, "renames are never safe with dependents")

	combined := report.Combined()
	assert.GreaterOrEqual(t, len(combined.AffectedObjects), len(report.Impact.AffectedObjects))

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"impact_level"`)
	assert.Contains(t, string(data), `"nodes"`)
}
