package dependency

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// ForeignKeyRef is one foreign key seen from the analyzed target.
type ForeignKeyRef struct {
	Constraint    string   `json:"constraint"`
	ChildTable    string   `json:"child_table"`
	ChildColumns  []string `json:"child_columns"`
	ParentTable   string   `json:"parent_table"`
	ParentColumns []string `json:"parent_columns,omitempty"`
	OnDelete      string   `json:"on_delete,omitempty"`
	OnUpdate      string   `json:"on_update,omitempty"`
	Cascades      bool     `json:"cascades"`
}

func (r ForeignKeyRef) String() string {
	return fmt.Sprintf("%s(%s) -> %s(%s)", r.ChildTable, strings.Join(r.ChildColumns, ", "),
		r.ParentTable, strings.Join(r.ParentColumns, ", "))
}

// ForeignKeyReport describes the referential footprint of a target.
type ForeignKeyReport struct {
	Target          migrate.SchemaObject  `json:"target"`
	Operation       migrate.OperationKind `json:"operation"`
	Inbound         []ForeignKeyRef       `json:"inbound"`
	Outbound        []ForeignKeyRef       `json:"outbound"`
	SelfReferences  []ForeignKeyRef       `json:"self_references,omitempty"`
	CascadeChains   [][]string            `json:"cascade_chains,omitempty"`
	OrphanRisk      []string              `json:"orphan_risk,omitempty"`
	IsSafeToProceed bool                  `json:"is_safe_to_proceed"`
	Warnings        []string              `json:"warnings,omitempty"`
}

// ForeignKeyAnalyzer inspects constraint metadata around a target.
type ForeignKeyAnalyzer struct {
	catalog introspect.Introspector
	logger  *zap.Logger
}

// NewForeignKeyAnalyzer creates a foreign key analyzer.
func NewForeignKeyAnalyzer(catalog introspect.Introspector, logger *zap.Logger) *ForeignKeyAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForeignKeyAnalyzer{catalog: catalog, logger: logger.Named("foreign_keys")}
}

// Analyze reads the catalog and reports the target's foreign keys.
func (a *ForeignKeyAnalyzer) Analyze(ctx context.Context, target migrate.SchemaObject, kind migrate.OperationKind) (*ForeignKeyReport, error) {
	schema, err := a.catalog.Introspect(ctx)
	if err != nil {
		return nil, &migrate.AnalysisError{Object: target, Stage: "catalog read", Err: err}
	}
	return a.AnalyzeSchema(schema, target, kind)
}

// AnalyzeSchema reports on an already loaded catalog.
func (a *ForeignKeyAnalyzer) AnalyzeSchema(schema *introspect.DatabaseSchema, target migrate.SchemaObject, kind migrate.OperationKind) (*ForeignKeyReport, error) {
	resolved, found := Resolve(schema, target)
	if !found && !kind.CreatesTarget() {
		return nil, &migrate.AnalysisError{Object: target, Stage: "resolve target", Err: ErrObjectNotFound}
	}

	report := &ForeignKeyReport{
		Target:    resolved,
		Operation: kind,
		Inbound:   []ForeignKeyRef{},
		Outbound:  []ForeignKeyRef{},
	}
	table := schema.Table(resolved.TableName())
	if !found || table == nil {
		report.IsSafeToProceed = true
		return report, nil
	}

	for _, t := range schema.Tables {
		for _, fk := range t.ForeignKeysTo(table.Name) {
			ref := newRef(t.Name, fk)
			if strings.EqualFold(t.Name, table.Name) {
				report.SelfReferences = append(report.SelfReferences, ref)
				continue
			}
			if resolved.Kind == migrate.KindColumn &&
				!introspect.ContainsColumn(fk.ReferencedColumns, resolved.Name) &&
				!referencesImplicitPK(table, fk, resolved.Name) {
				continue
			}
			report.Inbound = append(report.Inbound, ref)
		}
	}

	for _, fk := range table.ForeignKeys {
		switch resolved.Kind {
		case migrate.KindColumn:
			if !introspect.ContainsColumn(fk.Columns, resolved.Name) {
				continue
			}
		case migrate.KindConstraint:
			if !strings.EqualFold(fk.Name, resolved.Name) {
				continue
			}
		}
		report.Outbound = append(report.Outbound, newRef(table.Name, fk))
	}

	if resolved.Kind == migrate.KindTable || len(report.Inbound) > 0 {
		report.CascadeChains = cascadeChains(schema, table.Name)
	}
	a.assess(report, kind)

	a.logger.Debug("foreign key analysis complete",
		zap.String("target", resolved.QualifiedName()),
		zap.Int("inbound", len(report.Inbound)),
		zap.Int("outbound", len(report.Outbound)),
		zap.Int("cascade_chains", len(report.CascadeChains)),
	)
	return report, nil
}

func (a *ForeignKeyAnalyzer) assess(report *ForeignKeyReport, kind migrate.OperationKind) {
	report.IsSafeToProceed = true

	for _, ref := range report.SelfReferences {
		report.Warnings = append(report.Warnings, fmt.Sprintf("self-referencing foreign key %s", ref))
	}

	if !kind.IsDestructive() && !kind.IsRename() {
		return
	}

	for _, ref := range report.Inbound {
		if ref.Cascades {
			report.IsSafeToProceed = false
			continue
		}
		if kind == migrate.OpDropTable || kind == migrate.OpDropColumn {
			report.OrphanRisk = append(report.OrphanRisk, ref.ChildTable)
			report.IsSafeToProceed = false
		}
	}
	if kind.IsDestructive() && len(report.CascadeChains) > 0 {
		report.IsSafeToProceed = false
		for _, chain := range report.CascadeChains {
			report.Warnings = append(report.Warnings, "cascade chain: "+strings.Join(chain, " -> "))
		}
	}
	if len(report.OrphanRisk) > 0 {
		sort.Strings(report.OrphanRisk)
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("rows in %s would lose their referenced parent", strings.Join(report.OrphanRisk, ", ")))
	}
	if kind == migrate.OpDropConstraint && len(report.Outbound) > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("referential integrity of %s will no longer be enforced", report.Outbound[0]))
	}
	if kind.IsRename() && len(report.Inbound)+len(report.SelfReferences) > 0 {
		report.Warnings = append(report.Warnings, "foreign keys referencing the old name must follow the rename")
	}
}

func newRef(child string, fk introspect.ForeignKey) ForeignKeyRef {
	return ForeignKeyRef{
		Constraint:    fk.Name,
		ChildTable:    child,
		ChildColumns:  fk.Columns,
		ParentTable:   fk.ReferencedTable,
		ParentColumns: fk.ReferencedColumns,
		OnDelete:      fk.OnDelete,
		OnUpdate:      fk.OnUpdate,
		Cascades:      fk.Cascades(),
	}
}

// cascadeChains returns every maximal path of cascading foreign keys that
// starts at root. A table never appears twice in one chain.
func cascadeChains(schema *introspect.DatabaseSchema, root string) [][]string {
	children := make(map[string][]string)
	for _, t := range schema.Tables {
		for _, fk := range t.ForeignKeys {
			if !fk.Cascades() || strings.EqualFold(fk.ReferencedTable, t.Name) {
				continue
			}
			parent := strings.ToLower(fk.ReferencedTable)
			children[parent] = append(children[parent], t.Name)
		}
	}

	var chains [][]string
	stack := [][]string{{root}}
	for len(stack) > 0 {
		path := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		extended := false
		for _, child := range children[strings.ToLower(path[len(path)-1])] {
			if inPath(path, child) {
				continue
			}
			next := make([]string, len(path)+1)
			copy(next, path)
			next[len(path)] = child
			stack = append(stack, next)
			extended = true
		}
		if !extended && len(path) > 1 {
			chains = append(chains, path)
		}
	}
	sort.Slice(chains, func(i, j int) bool {
		return strings.Join(chains[i], ".") < strings.Join(chains[j], ".")
	})
	return chains
}

func inPath(path []string, name string) bool {
	for _, p := range path {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}
