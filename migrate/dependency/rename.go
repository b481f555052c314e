package dependency

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/sqlref"
)

// RenameReference is one object whose definition mentions the old name.
type RenameReference struct {
	Object              migrate.SchemaObject `json:"object"`
	Kind                EdgeKind             `json:"kind"`
	Definition          string               `json:"definition,omitempty"`
	SuggestedDefinition string               `json:"suggested_definition,omitempty"`
	Occurrences         int                  `json:"occurrences"`
	// FollowsRename is true when the database rebinds the reference itself.
	FollowsRename bool `json:"follows_rename"`
}

// RenameReport lists what a rename would break.
type RenameReport struct {
	Target          migrate.SchemaObject `json:"target"`
	OldName         string               `json:"old_name"`
	NewName         string               `json:"new_name"`
	References      []RenameReference    `json:"references"`
	Conflict        bool                 `json:"conflict"`
	ConflictWith    string               `json:"conflict_with,omitempty"`
	IsSafeToProceed bool                 `json:"is_safe_to_proceed"`
	Warnings        []string             `json:"warnings,omitempty"`
}

// RenameAnalyzer finds references to a table or column about to be renamed.
type RenameAnalyzer struct {
	catalog introspect.Introspector
	logger  *zap.Logger
}

// NewRenameAnalyzer creates a rename analyzer.
func NewRenameAnalyzer(catalog introspect.Introspector, logger *zap.Logger) *RenameAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RenameAnalyzer{catalog: catalog, logger: logger.Named("rename")}
}

// Analyze reads the catalog and reports on renaming target to newName.
func (a *RenameAnalyzer) Analyze(ctx context.Context, target migrate.SchemaObject, newName string) (*RenameReport, error) {
	schema, err := a.catalog.Introspect(ctx)
	if err != nil {
		return nil, &migrate.AnalysisError{Object: target, Stage: "catalog read", Err: err}
	}
	return a.AnalyzeSchema(schema, target, newName)
}

// AnalyzeSchema reports on an already loaded catalog.
func (a *RenameAnalyzer) AnalyzeSchema(schema *introspect.DatabaseSchema, target migrate.SchemaObject, newName string) (*RenameReport, error) {
	if newName == "" {
		return nil, &migrate.AnalysisError{Object: target, Stage: "resolve target", Err: fmt.Errorf("new name is required")}
	}
	resolved, found := Resolve(schema, target)
	if !found {
		return nil, &migrate.AnalysisError{Object: target, Stage: "resolve target", Err: ErrObjectNotFound}
	}

	report := &RenameReport{
		Target:     resolved,
		OldName:    resolved.Name,
		NewName:    newName,
		References: []RenameReference{},
	}

	switch resolved.Kind {
	case migrate.KindTable:
		a.tableReferences(schema, report)
	case migrate.KindColumn:
		a.columnReferences(schema, report)
	default:
		return nil, &migrate.AnalysisError{Object: target, Stage: "resolve target",
			Err: fmt.Errorf("cannot analyze rename of a %s", resolved.Kind)}
	}

	report.IsSafeToProceed = !report.Conflict
	for _, ref := range report.References {
		if !ref.FollowsRename {
			report.IsSafeToProceed = false
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s still refers to %s after the rename", ref.Object, report.OldName))
		}
	}

	a.logger.Debug("rename analysis complete",
		zap.String("target", resolved.QualifiedName()),
		zap.String("new_name", newName),
		zap.Int("references", len(report.References)),
		zap.Bool("conflict", report.Conflict),
	)
	return report, nil
}

func (a *RenameAnalyzer) tableReferences(schema *introspect.DatabaseSchema, report *RenameReport) {
	old := report.OldName
	if t := schema.Table(report.NewName); t != nil {
		report.Conflict, report.ConflictWith = true, migrate.Table(t.Schema, t.Name).String()
	} else if v := schema.View(report.NewName); v != nil {
		report.Conflict, report.ConflictWith = true, migrate.View(v.Schema, v.Name).String()
	}
	viewsFollow := schema.Provider != introspect.ProviderMySQL

	for _, v := range schema.Views {
		if sqlref.References(viewBody(v), old) {
			report.addDefinition(migrate.View(v.Schema, v.Name), EdgeViewReference, v.Definition, old, viewsFollow)
		}
	}
	for _, p := range schema.StoredProcedures {
		if sqlref.References(p.Definition, old) {
			report.addDefinition(migrate.Procedure(p.Schema, p.Name), EdgeProcedureReference, p.Definition, old, false)
		}
	}
	for _, tr := range schema.Triggers {
		// triggers attached to the table move with it; only their bodies matter
		if sqlref.References(triggerBody(tr), old) && !strings.EqualFold(tr.TableName, old) {
			report.addDefinition(migrate.Trigger(tr.Schema, tr.TableName, tr.Name), EdgeTrigger, tr.Definition, old, false)
		}
	}
	for _, t := range schema.Tables {
		for _, fk := range t.ForeignKeysTo(old) {
			report.References = append(report.References, RenameReference{
				Object:        migrate.Constraint(t.Schema, t.Name, fk.Name),
				Kind:          EdgeForeignKey,
				Occurrences:   1,
				FollowsRename: true,
			})
		}
	}
}

func (a *RenameAnalyzer) columnReferences(schema *introspect.DatabaseSchema, report *RenameReport) {
	table := schema.Table(report.Target.Table)
	old := report.OldName
	if c := table.Column(report.NewName); c != nil {
		report.Conflict = true
		report.ConflictWith = migrate.Column(table.Schema, table.Name, c.Name).String()
	}
	viewsFollow := schema.Provider != introspect.ProviderMySQL

	for _, v := range schema.Views {
		if sqlref.ReferencesColumn(viewBody(v), table.Name, old) {
			report.addDefinition(migrate.View(v.Schema, v.Name), EdgeViewReference, v.Definition, old, viewsFollow)
		}
	}
	for _, p := range schema.StoredProcedures {
		if sqlref.ReferencesColumn(p.Definition, table.Name, old) {
			report.addDefinition(migrate.Procedure(p.Schema, p.Name), EdgeProcedureReference, p.Definition, old, false)
		}
	}
	for _, tr := range schema.Triggers {
		body := triggerBody(tr)
		if (strings.EqualFold(tr.TableName, table.Name) && mentions(body, old)) || sqlref.ReferencesColumn(body, table.Name, old) {
			report.addDefinition(migrate.Trigger(tr.Schema, tr.TableName, tr.Name), EdgeTrigger, tr.Definition, old, false)
		}
	}
	for _, t := range schema.Tables {
		for _, fk := range t.ForeignKeysTo(table.Name) {
			if introspect.ContainsColumn(fk.ReferencedColumns, old) {
				report.References = append(report.References, RenameReference{
					Object:        migrate.Constraint(t.Schema, t.Name, fk.Name),
					Kind:          EdgeForeignKey,
					Occurrences:   1,
					FollowsRename: true,
				})
			}
		}
	}
	for _, idx := range table.Indexes {
		if introspect.ContainsColumn(idx.Columns, old) {
			report.References = append(report.References, RenameReference{
				Object:        migrate.Index(table.Schema, table.Name, idx.Name),
				Kind:          EdgeIndex,
				Occurrences:   1,
				FollowsRename: true,
			})
		}
	}
}

func (r *RenameReport) addDefinition(obj migrate.SchemaObject, kind EdgeKind, definition, old string, follows bool) {
	rewritten, n := sqlref.Rewrite(definition, old, r.NewName)
	r.References = append(r.References, RenameReference{
		Object:              obj,
		Kind:                kind,
		Definition:          definition,
		SuggestedDefinition: rewritten,
		Occurrences:         n,
		FollowsRename:       follows,
	})
}
