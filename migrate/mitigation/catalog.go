// Package mitigation turns a risk assessment into an advisory, ranked list
// of strategies drawn from a catalog keyed by risk category and operation.
package mitigation

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/risk"
)

// CoversOperation marks a template that addresses the operation's base risk
// rather than a specific factor.
const CoversOperation = "operation"

// Template is a catalog entry. Steps may use the placeholders {target},
// {table} and {new_name}.
type Template struct {
	Name              string   `yaml:"name" json:"name"`
	Description       string   `yaml:"description" json:"description"`
	Steps             []string `yaml:"steps" json:"steps"`
	Covers            []string `yaml:"covers" json:"covers"`
	BaseEffectiveness float64  `yaml:"base_effectiveness" json:"base_effectiveness"`
	RequiresStaging   bool     `yaml:"requires_staging,omitempty" json:"requires_staging,omitempty"`
	NeedsDowntime     bool     `yaml:"needs_downtime,omitempty" json:"needs_downtime,omitempty"`
}

// Key indexes the catalog. Operation may be migrate.AnyOperation.
type Key struct {
	Category  risk.Category
	Operation migrate.OperationKind
}

// Catalog maps a (category, operation) pair to its templates.
type Catalog map[Key][]Template

// Lookup returns the templates for an exact operation followed by the
// wildcard templates of the category.
func (c Catalog) Lookup(category risk.Category, op migrate.OperationKind) []Template {
	out := append([]Template(nil), c[Key{Category: category, Operation: op}]...)
	if op != migrate.AnyOperation {
		out = append(out, c[Key{Category: category, Operation: migrate.AnyOperation}]...)
	}
	return out
}

// Merge returns a new catalog in which entries of override replace the
// entries of c under the same key.
func (c Catalog) Merge(override Catalog) Catalog {
	out := make(Catalog, len(c)+len(override))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Keys returns the catalog keys in a stable order.
func (c Catalog) Keys() []Key {
	keys := make([]Key, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Category != keys[j].Category {
			return keys[i].Category < keys[j].Category
		}
		return keys[i].Operation < keys[j].Operation
	})
	return keys
}

type catalogFile struct {
	Strategies []struct {
		Category  string     `yaml:"category"`
		Operation string     `yaml:"operation"`
		Templates []Template `yaml:"templates"`
	} `yaml:"strategies"`
}

// LoadCatalog decodes a YAML catalog:
//
//	strategies:
//	  - category: data_loss
//	    operation: drop_column   # or "*"
//	    templates:
//	      - name: archive_column
//	        base_effectiveness: 0.8
//	        covers: [operation]
//	        steps: ["copy {target} into an archive table"]
func LoadCatalog(r io.Reader) (Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode strategy catalog: %w", err)
	}

	out := make(Catalog)
	for i, entry := range file.Strategies {
		cat := risk.Category(entry.Category)
		if !knownCategory(cat) {
			return nil, fmt.Errorf("strategy %d: unknown category %q", i, entry.Category)
		}
		op := migrate.AnyOperation
		if entry.Operation != "" && entry.Operation != string(migrate.AnyOperation) {
			parsed, err := migrate.ParseOperationKind(entry.Operation)
			if err != nil {
				return nil, fmt.Errorf("strategy %d: %w", i, err)
			}
			op = parsed
		}
		for _, t := range entry.Templates {
			if t.Name == "" {
				return nil, fmt.Errorf("strategy %d: template without a name", i)
			}
			if t.BaseEffectiveness <= 0 || t.BaseEffectiveness > 1 {
				return nil, fmt.Errorf("template %q: base_effectiveness must be in (0, 1]", t.Name)
			}
		}
		key := Key{Category: cat, Operation: op}
		out[key] = append(out[key], entry.Templates...)
	}
	return out, nil
}

func knownCategory(c risk.Category) bool {
	for _, known := range risk.Categories {
		if c == known {
			return true
		}
	}
	return false
}

// DefaultCatalog returns the built-in strategies.
func DefaultCatalog() Catalog {
	anyOp := migrate.AnyOperation
	return Catalog{
		{risk.DataLoss, migrate.OpDropTable}: {
			{
				Name:              "backup_table",
				Description:       "Export the table before dropping it",
				Steps:             []string{"copy {table} into {table}_archive or dump it", "verify the archive row count", "drop {table}"},
				Covers:            []string{CoversOperation, risk.FactorOrphanRisk},
				BaseEffectiveness: 0.85,
			},
		},
		{risk.DataLoss, migrate.OpDropColumn}: {
			{
				Name:              "archive_column",
				Description:       "Copy the column with its key into an archive table before dropping it",
				Steps:             []string{"create {table}_archive with the primary key and {target}", "copy existing values", "drop {target}"},
				Covers:            []string{CoversOperation},
				BaseEffectiveness: 0.8,
			},
			{
				Name:              "deprecate_then_drop",
				Description:       "Stop reading and writing the column, then drop it in a later release",
				Steps:             []string{"remove application reads of {target}", "remove writes", "drop {target} after one release cycle"},
				Covers:            []string{CoversOperation, risk.FactorDependentView},
				BaseEffectiveness: 0.7,
			},
		},
		{risk.DataLoss, migrate.OpAlterColumnType}: {
			{
				Name:              "shadow_column",
				Description:       "Add a column of the new type, backfill, then swap",
				Steps:             []string{"add a nullable column with the new type", "backfill in batches and compare values", "swap names and drop the old column"},
				Covers:            []string{CoversOperation, risk.FactorLargeTable},
				BaseEffectiveness: 0.75,
			},
		},
		{risk.DataLoss, anyOp}: {
			{
				Name:              "snapshot_with_checksums",
				Description:       "Capture a snapshot with data checksums before the change",
				Steps:             []string{"snapshot the affected tables with data checksums", "keep the snapshot until the change is verified"},
				Covers:            []string{CoversOperation, risk.FactorOrphanRisk},
				BaseEffectiveness: 0.5,
			},
		},
		{risk.Availability, migrate.OpAddColumn}: {
			{
				Name:              "nullable_then_backfill",
				Description:       "Add the column as nullable, backfill in batches, then tighten",
				Steps:             []string{"add {target} as nullable without a default", "backfill in batches", "set the default and NOT NULL"},
				Covers:            []string{CoversOperation, risk.FactorLargeTable},
				BaseEffectiveness: 0.8,
			},
		},
		{risk.Availability, migrate.OpAddIndex}: {
			{
				Name:              "online_index_build",
				Description:       "Build the index without blocking writes",
				Steps:             []string{"use CREATE INDEX CONCURRENTLY or ALGORITHM=INPLACE, LOCK=NONE", "check the index is valid afterwards"},
				Covers:            []string{CoversOperation, risk.FactorLargeTable},
				BaseEffectiveness: 0.85,
			},
		},
		{risk.Availability, migrate.OpRenameTable}: {
			{
				Name:              "compatibility_view",
				Description:       "Keep the old name available as a view during the transition",
				Steps:             []string{"rename {table} to {new_name}", "create a view named {table} selecting from {new_name}", "drop the view once clients moved"},
				Covers:            []string{CoversOperation, risk.FactorRenameReference, risk.FactorDependentView},
				BaseEffectiveness: 0.8,
			},
		},
		{risk.Availability, migrate.OpRenameColumn}: {
			{
				Name:              "expand_contract_rename",
				Description:       "Add the new column, dual-write, switch reads, then drop the old column",
				Steps:             []string{"add {new_name} and backfill from {target}", "write to both columns", "switch reads to {new_name}", "drop {target}"},
				Covers:            []string{CoversOperation, risk.FactorRenameReference, risk.FactorDependentView},
				BaseEffectiveness: 0.8,
			},
		},
		{risk.Availability, anyOp}: {
			{
				Name:              "update_dependents_first",
				Description:       "Rewrite dependent views and routines before the change",
				Steps:             []string{"apply the suggested definitions for every dependent object", "re-run analysis until no dependent breaks"},
				Covers:            []string{risk.FactorDependentView, risk.FactorProcedure, risk.FactorRenameReference},
				BaseEffectiveness: 0.7,
			},
			{
				Name:              "off_peak_window",
				Description:       "Run the change in a low traffic window",
				Steps:             []string{"schedule the change off peak", "set a statement timeout", "watch lock waits while it runs"},
				Covers:            []string{CoversOperation, risk.FactorLargeTable, risk.FactorTableRebuild, risk.FactorIndex},
				BaseEffectiveness: 0.5,
			},
			{
				Name:              "batched_rebuild",
				Description:       "Rebuild the table with an online copy in batches",
				Steps:             []string{"create the new table shape", "copy rows in batches", "swap tables in a short transaction"},
				Covers:            []string{risk.FactorTableRebuild, risk.FactorLargeTable},
				BaseEffectiveness: 0.7,
			},
			{
				Name:              "choose_unused_name",
				Description:       "Pick a name that is not already taken",
				Steps:             []string{"choose a different target name", "re-run analysis"},
				Covers:            []string{risk.FactorNameConflict},
				BaseEffectiveness: 0.9,
			},
			{
				Name:              "investigate_dry_run",
				Description:       "Fix the failure seen in the staging dry run before touching production",
				Steps:             []string{"read the staging integrity report", "adjust the statements", "repeat the dry run"},
				Covers:            []string{risk.FactorStagingFailure},
				BaseEffectiveness: 0.9,
				RequiresStaging:   true,
			},
		},
		{risk.ReferentialIntegrity, migrate.OpDropTable}: {
			{
				Name:              "migrate_children_first",
				Description:       "Drop or repoint child foreign keys before removing the parent",
				Steps:             []string{"list child tables from the foreign key report", "repoint or drop their constraints", "drop {table}"},
				Covers:            []string{risk.FactorInboundForeignKey, risk.FactorOrphanRisk, risk.FactorForeignKey, risk.FactorCascade},
				BaseEffectiveness: 0.8,
			},
		},
		{risk.ReferentialIntegrity, migrate.OpDropColumn}: {
			{
				Name:              "migrate_children_first",
				Description:       "Drop or repoint foreign keys that reference the column first",
				Steps:             []string{"list referencing constraints from the foreign key report", "repoint or drop them", "drop {target}"},
				Covers:            []string{risk.FactorInboundForeignKey, risk.FactorOrphanRisk, risk.FactorForeignKey, risk.FactorCascade},
				BaseEffectiveness: 0.8,
			},
		},
		{risk.ReferentialIntegrity, migrate.OpAddConstraint}: {
			{
				Name:              "not_valid_then_validate",
				Description:       "Add the constraint without checking old rows, then validate separately",
				Steps:             []string{"ADD CONSTRAINT ... NOT VALID", "fix violating rows", "VALIDATE CONSTRAINT"},
				Covers:            []string{CoversOperation},
				BaseEffectiveness: 0.85,
			},
		},
		{risk.ReferentialIntegrity, anyOp}: {
			{
				Name:              "restrict_cascades",
				Description:       "Replace cascading actions with RESTRICT for the duration of the change",
				Steps:             []string{"alter cascading foreign keys to ON DELETE RESTRICT", "apply the change", "restore the original actions"},
				Covers:            []string{risk.FactorCascade, risk.FactorInboundForeignKey},
				BaseEffectiveness: 0.75,
			},
			{
				Name:              "verify_integrity_after",
				Description:       "Run foreign key integrity checks right after the change",
				Steps:             []string{"enable the foreign_key_integrity post checkpoint", "fail the migration on any violation"},
				Covers:            []string{CoversOperation, risk.FactorForeignKey, risk.FactorCycle},
				BaseEffectiveness: 0.6,
			},
		},
		{risk.RollbackDifficulty, anyOp}: {
			{
				Name:              "staging_rehearsal",
				Description:       "Rehearse the change and its rollback on a staging clone",
				Steps:             []string{"provision a representative staging environment", "apply the change and roll it back", "compare row counts"},
				Covers:            []string{CoversOperation, risk.FactorNonTransactionalDDL, risk.FactorStagingFailure, risk.FactorTableRebuild},
				BaseEffectiveness: 0.75,
				RequiresStaging:   true,
			},
			{
				Name:              "logical_backup",
				Description:       "Take a logical backup so data can be restored, not only structure",
				Steps:             []string{"dump the affected tables", "record the backup location with the snapshot"},
				Covers:            []string{CoversOperation, risk.FactorLargeTable},
				BaseEffectiveness: 0.7,
			},
			{
				Name:              "pre_snapshot",
				Description:       "Snapshot the structure and keep the rollback statements ready",
				Steps:             []string{"snapshot the schema", "review the planned rollback statements"},
				Covers:            []string{CoversOperation, risk.FactorNonTransactionalDDL, risk.FactorTableRebuild},
				BaseEffectiveness: 0.6,
			},
		},
		{risk.BlastRadius, anyOp}: {
			{
				Name:              "phase_dependents",
				Description:       "Split the change so dependents move one at a time",
				Steps:             []string{"migrate each dependent object separately", "verify after each step"},
				Covers:            []string{risk.FactorDependentView, risk.FactorDependentTable, risk.FactorIndex},
				BaseEffectiveness: 0.65,
			},
			{
				Name:              "review_triggers",
				Description:       "Review triggers and routines that touch the target",
				Steps:             []string{"read each trigger and routine listed in the impact report", "disable or rewrite the ones that break"},
				Covers:            []string{risk.FactorTrigger, risk.FactorProcedure},
				BaseEffectiveness: 0.6,
			},
			{
				Name:              "notify_owners",
				Description:       "Tell the owners of dependent objects before the change",
				Steps:             []string{"share the impact report", "agree on a change window"},
				Covers:            []string{risk.FactorDependentView, risk.FactorDependentTable, risk.FactorTrigger, risk.FactorProcedure},
				BaseEffectiveness: 0.4,
			},
		},
	}
}
