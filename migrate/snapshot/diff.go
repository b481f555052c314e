package snapshot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/dependency"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// ChangeType says how an object differs between two snapshots.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Object kinds that have no SchemaObject counterpart.
const (
	KindForeignKey migrate.ObjectKind = "foreign_key"
	KindPrimaryKey migrate.ObjectKind = "primary_key"
)

// SchemaChange is one difference between two snapshots, seen from the
// older one.
type SchemaChange struct {
	Type        ChangeType             `json:"type"`
	ObjectKind  migrate.ObjectKind     `json:"object_kind"`
	Table       string                 `json:"table,omitempty"`
	Name        string                 `json:"name"`
	Detail      string                 `json:"detail,omitempty"`
	ImpactLevel dependency.ImpactLevel `json:"impact_level"`
}

func (c SchemaChange) String() string {
	name := c.Name
	if c.Table != "" && c.Table != c.Name {
		name = c.Table + "." + c.Name
	}
	s := fmt.Sprintf("%s %s %s", c.Type, c.ObjectKind, name)
	if c.Detail != "" {
		s += ": " + c.Detail
	}
	return s
}

// EvolutionReport lists every difference between two snapshots.
type EvolutionReport struct {
	From          string                 `json:"from"`
	To            string                 `json:"to"`
	Changes       []SchemaChange         `json:"changes"`
	Summary       map[ChangeType]int     `json:"summary"`
	HighestImpact dependency.ImpactLevel `json:"highest_impact"`
}

// IsEmpty reports whether the snapshots are structurally identical.
func (r *EvolutionReport) IsEmpty() bool { return r == nil || len(r.Changes) == 0 }

// Diff compares two snapshots by object name, ignoring case. When from has
// a scope only tables inside it are compared.
func Diff(from, to *Snapshot) *EvolutionReport {
	d := &differ{}

	fromTables := tablesByName(from.Tables, from.InScope)
	toTables := tablesByName(to.Tables, from.InScope)
	for _, key := range sortedKeys(fromTables, toTables) {
		ft, inFrom := fromTables[key]
		tt, inTo := toTables[key]
		switch {
		case !inTo:
			d.add(ChangeRemoved, migrate.KindTable, ft.Name, ft.Name, fmt.Sprintf("%d columns", len(ft.Columns)), dependency.ImpactCritical)
		case !inFrom:
			d.add(ChangeAdded, migrate.KindTable, tt.Name, tt.Name, "", dependency.ImpactLow)
		default:
			d.table(ft, tt)
		}
	}

	d.definitions(migrate.KindView, viewDefs(from.Views), viewDefs(to.Views), dependency.ImpactMedium)
	d.definitions(migrate.KindTrigger, triggerDefs(from.Triggers, from.InScope), triggerDefs(to.Triggers, from.InScope), dependency.ImpactMedium)
	d.definitions(migrate.KindProcedure, procedureDefs(from.Procedures), procedureDefs(to.Procedures), dependency.ImpactMedium)
	d.definitions(migrate.KindConstraint, checkDefs(from.Constraints, from.InScope), checkDefs(to.Constraints, from.InScope), dependency.ImpactMedium)

	sort.SliceStable(d.changes, func(i, j int) bool {
		a, b := d.changes[i], d.changes[j]
		if a.Table != b.Table {
			return strings.ToLower(a.Table) < strings.ToLower(b.Table)
		}
		if a.ObjectKind != b.ObjectKind {
			return a.ObjectKind < b.ObjectKind
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Type < b.Type
	})

	report := &EvolutionReport{
		From:          from.ID,
		To:            to.ID,
		Changes:       d.changes,
		Summary:       map[ChangeType]int{},
		HighestImpact: dependency.ImpactNone,
	}
	if report.Changes == nil {
		report.Changes = []SchemaChange{}
	}
	for _, c := range report.Changes {
		report.Summary[c.Type]++
		if c.ImpactLevel.Rank() > report.HighestImpact.Rank() {
			report.HighestImpact = c.ImpactLevel
		}
	}
	return report
}

type differ struct {
	changes []SchemaChange
}

func (d *differ) add(typ ChangeType, kind migrate.ObjectKind, table, name, detail string, level dependency.ImpactLevel) {
	d.changes = append(d.changes, SchemaChange{
		Type:        typ,
		ObjectKind:  kind,
		Table:       table,
		Name:        name,
		Detail:      detail,
		ImpactLevel: level,
	})
}

func (d *differ) table(from, to introspect.Table) {
	for _, fc := range from.Columns {
		tc := to.Column(fc.Name)
		if tc == nil {
			d.add(ChangeRemoved, migrate.KindColumn, from.Name, fc.Name, fc.Type, dependency.ImpactHigh)
			continue
		}
		if detail := columnDelta(fc, *tc); detail != "" {
			level := dependency.ImpactMedium
			if sameType(fc.Type, tc.Type) && fc.Nullable == tc.Nullable {
				level = dependency.ImpactLow
			}
			d.add(ChangeModified, migrate.KindColumn, from.Name, fc.Name, detail, level)
		}
	}
	for _, tc := range to.Columns {
		if !from.HasColumn(tc.Name) {
			d.add(ChangeAdded, migrate.KindColumn, from.Name, tc.Name, tc.Type, dependency.ImpactLow)
		}
	}

	if a, b := primaryKeyColumns(from), primaryKeyColumns(to); !strings.EqualFold(a, b) {
		d.add(ChangeModified, KindPrimaryKey, from.Name, from.Name, fmt.Sprintf("(%s) -> (%s)", a, b), dependency.ImpactHigh)
	}

	fromIdx, toIdx := indexSignatures(from), indexSignatures(to)
	for _, key := range sortedKeys(fromIdx, toIdx) {
		fi, inFrom := fromIdx[key]
		ti, inTo := toIdx[key]
		switch {
		case !inTo:
			d.add(ChangeRemoved, migrate.KindIndex, from.Name, fi.name, fi.sig, dependency.ImpactLow)
		case !inFrom:
			d.add(ChangeAdded, migrate.KindIndex, from.Name, ti.name, ti.sig, dependency.ImpactLow)
		case fi.sig != ti.sig:
			d.add(ChangeModified, migrate.KindIndex, from.Name, fi.name, fi.sig+" -> "+ti.sig, dependency.ImpactLow)
		}
	}

	fromFK, toFK := foreignKeySignatures(from), foreignKeySignatures(to)
	for _, sig := range sortedKeys(fromFK, toFK) {
		_, inFrom := fromFK[sig]
		_, inTo := toFK[sig]
		switch {
		case !inTo:
			d.add(ChangeRemoved, KindForeignKey, from.Name, sig, "", dependency.ImpactMedium)
		case !inFrom:
			d.add(ChangeAdded, KindForeignKey, from.Name, sig, "", dependency.ImpactLow)
		}
	}
}

func (d *differ) definitions(kind migrate.ObjectKind, from, to map[string]named, removed dependency.ImpactLevel) {
	for _, key := range sortedKeys(from, to) {
		f, inFrom := from[key]
		t, inTo := to[key]
		switch {
		case !inTo:
			d.add(ChangeRemoved, kind, f.table, f.name, "", removed)
		case !inFrom:
			d.add(ChangeAdded, kind, t.table, t.name, "", dependency.ImpactLow)
		case normalizeSQL(f.sig) != normalizeSQL(t.sig):
			d.add(ChangeModified, kind, f.table, f.name, "definition changed", dependency.ImpactMedium)
		}
	}
}

// named is an object reduced to what the differ compares.
type named struct {
	name  string
	table string
	sig   string
}

func columnDelta(a, b introspect.Column) string {
	var parts []string
	if !sameType(a.Type, b.Type) {
		parts = append(parts, fmt.Sprintf("type %s -> %s", a.Type, b.Type))
	}
	if a.Nullable != b.Nullable {
		parts = append(parts, fmt.Sprintf("nullable %t -> %t", a.Nullable, b.Nullable))
	}
	if da, db := deref(a.DefaultValue), deref(b.DefaultValue); da != db {
		parts = append(parts, fmt.Sprintf("default %q -> %q", da, db))
	}
	return strings.Join(parts, ", ")
}

func sameType(a, b string) bool {
	return introspect.SameType(a, b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func primaryKeyColumns(t introspect.Table) string {
	if t.PrimaryKey == nil {
		return ""
	}
	return strings.Join(t.PrimaryKey.Columns, ", ")
}

func indexSignatures(t introspect.Table) map[string]named {
	out := make(map[string]named, len(t.Indexes))
	for _, idx := range t.Indexes {
		sig := "(" + strings.ToLower(strings.Join(idx.Columns, ", ")) + ")"
		if idx.IsUnique {
			sig = "unique " + sig
		}
		out[strings.ToLower(idx.Name)] = named{name: idx.Name, table: t.Name, sig: sig}
	}
	return out
}

// foreignKeySignatures keys foreign keys by shape; catalogs name them
// inconsistently.
func foreignKeySignatures(t introspect.Table) map[string]named {
	out := make(map[string]named, len(t.ForeignKeys))
	for _, fk := range t.ForeignKeys {
		sig := foreignKeySignature(fk)
		out[sig] = named{name: fk.Name, table: t.Name, sig: sig}
	}
	return out
}

func foreignKeySignature(fk introspect.ForeignKey) string {
	return strings.ToLower(fmt.Sprintf("(%s) -> %s(%s)",
		strings.Join(fk.Columns, ", "), fk.ReferencedTable, strings.Join(fk.ReferencedColumns, ", ")))
}

func viewDefs(views []introspect.View) map[string]named {
	out := make(map[string]named, len(views))
	for _, v := range views {
		out[strings.ToLower(v.Name)] = named{name: v.Name, sig: v.Definition}
	}
	return out
}

func triggerDefs(triggers []introspect.Trigger, in func(string) bool) map[string]named {
	out := make(map[string]named, len(triggers))
	for _, tr := range triggers {
		if in(tr.TableName) {
			out[strings.ToLower(tr.Name)] = named{name: tr.Name, table: tr.TableName, sig: tr.Definition}
		}
	}
	return out
}

func procedureDefs(procs []introspect.StoredProcedure) map[string]named {
	out := make(map[string]named, len(procs))
	for _, p := range procs {
		out[strings.ToLower(p.Name)] = named{name: p.Name, sig: p.Definition}
	}
	return out
}

func checkDefs(checks []introspect.CheckConstraint, in func(string) bool) map[string]named {
	out := make(map[string]named, len(checks))
	for _, c := range checks {
		if in(c.TableName) {
			out[strings.ToLower(c.TableName+"."+c.Name)] = named{name: c.Name, table: c.TableName, sig: c.Definition}
		}
	}
	return out
}

func tablesByName(tables []introspect.Table, in func(string) bool) map[string]introspect.Table {
	out := make(map[string]introspect.Table, len(tables))
	for _, t := range tables {
		if in(t.Name) {
			out[strings.ToLower(t.Name)] = t
		}
	}
	return out
}

func normalizeSQL(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimRight(strings.TrimSpace(s), ";")), " "))
}

func sortedKeys[V any](maps ...map[string]V) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
