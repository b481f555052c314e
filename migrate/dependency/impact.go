package dependency

import (
	"fmt"
	"strings"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// ImpactLevel grades how far a change reaches.
type ImpactLevel string

const (
	ImpactNone     ImpactLevel = "none"
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// ImpactReport summarizes a dependency graph for one target.
type ImpactReport struct {
	Target          migrate.SchemaObject   `json:"target"`
	Operation       migrate.OperationKind  `json:"operation"`
	AffectedObjects []migrate.SchemaObject `json:"affected_objects"`
	ImpactLevel     ImpactLevel            `json:"impact_level"`
	IsSafeToProceed bool                   `json:"is_safe_to_proceed"`
	Cycles          [][]string             `json:"cycles,omitempty"`
	ViewCount       int                    `json:"view_count"`
	ForeignKeyCount int                    `json:"foreign_key_count"`
	CascadeCount    int                    `json:"cascade_count"`
	TriggerCount    int                    `json:"trigger_count"`
	ProcedureCount  int                    `json:"procedure_count"`
	IndexCount      int                    `json:"index_count"`
	Warnings        []string               `json:"warnings,omitempty"`
	ServerVersion   string                 `json:"server_version,omitempty"`
}

func buildImpact(g *Graph, root NodeID, kind migrate.OperationKind, schema *introspect.DatabaseSchema) *ImpactReport {
	report := &ImpactReport{
		Target:          g.Node(root),
		Operation:       kind,
		AffectedObjects: []migrate.SchemaObject{},
		ServerVersion:   schema.ServerVersion,
	}

	for id, obj := range g.Nodes() {
		if NodeID(id) == root {
			continue
		}
		report.AffectedObjects = append(report.AffectedObjects, obj)
		switch obj.Kind {
		case migrate.KindView:
			report.ViewCount++
		case migrate.KindTrigger:
			report.TriggerCount++
		case migrate.KindProcedure:
			report.ProcedureCount++
		case migrate.KindIndex:
			report.IndexCount++
		}
	}
	for _, e := range g.Edges() {
		if e.Kind != EdgeForeignKey {
			continue
		}
		report.ForeignKeyCount++
		if e.Cascade {
			report.CascadeCount++
		}
	}

	cycles := g.DetectCycles()
	report.Cycles = g.CycleNames(cycles)
	throughTarget := false
	for i, c := range cycles {
		for _, id := range c {
			if id == root {
				throughTarget = true
			}
		}
		report.Warnings = append(report.Warnings, fmt.Sprintf("dependency cycle: %s", strings.Join(report.Cycles[i], " -> ")))
	}

	if report.CascadeCount > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d foreign key(s) cascade from %s", report.CascadeCount, report.Target.QualifiedName()))
	}
	if kind.IsDestructive() && len(report.AffectedObjects) > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s would affect %d dependent object(s)", kind, len(report.AffectedObjects)))
	}

	report.ImpactLevel = impactLevel(report, kind)
	n := len(report.AffectedObjects)
	report.IsSafeToProceed = n == 0 ||
		(!kind.IsDestructive() && !kind.IsRename() && report.CascadeCount == 0 && !throughTarget)
	return report
}

func impactLevel(r *ImpactReport, kind migrate.OperationKind) ImpactLevel {
	n := len(r.AffectedObjects)
	destructive := kind.IsDestructive()
	switch {
	case n == 0:
		return ImpactNone
	case (destructive && r.CascadeCount > 0 && n >= 5) || n >= 20:
		return ImpactCritical
	case r.CascadeCount > 0 || r.ViewCount >= 3 || (destructive && r.ForeignKeyCount > 0):
		return ImpactHigh
	case n >= 3 || (destructive && r.ViewCount > 0):
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// Rank orders impact levels from none (0) to critical (4).
func (l ImpactLevel) Rank() int {
	switch l {
	case ImpactLow:
		return 1
	case ImpactMedium:
		return 2
	case ImpactHigh:
		return 3
	case ImpactCritical:
		return 4
	default:
		return 0
	}
}

// Merge folds other into r, keeping the first target. It is used when an
// operation touches several objects.
func (r *ImpactReport) Merge(other *ImpactReport) {
	if other == nil {
		return
	}
	seen := make(map[string]bool, len(r.AffectedObjects))
	for _, o := range r.AffectedObjects {
		seen[o.Key()] = true
	}
	for _, o := range other.AffectedObjects {
		if !seen[o.Key()] && o.Key() != r.Target.Key() {
			seen[o.Key()] = true
			r.AffectedObjects = append(r.AffectedObjects, o)
		}
	}
	r.ViewCount += other.ViewCount
	r.ForeignKeyCount += other.ForeignKeyCount
	r.CascadeCount += other.CascadeCount
	r.TriggerCount += other.TriggerCount
	r.ProcedureCount += other.ProcedureCount
	r.IndexCount += other.IndexCount
	r.Cycles = append(r.Cycles, other.Cycles...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if other.ImpactLevel.Rank() > r.ImpactLevel.Rank() {
		r.ImpactLevel = other.ImpactLevel
	}
	r.IsSafeToProceed = r.IsSafeToProceed && other.IsSafeToProceed
}
