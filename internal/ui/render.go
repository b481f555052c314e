package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/dependency"
	"github.com/satishbabariya/schemaguard/migrate/lock"
	"github.com/satishbabariya/schemaguard/migrate/mitigation"
	"github.com/satishbabariya/schemaguard/migrate/risk"
	"github.com/satishbabariya/schemaguard/migrate/safety"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
	"github.com/satishbabariya/schemaguard/migrate/staging"
	"github.com/satishbabariya/schemaguard/migrate/validation"
)

// LevelColor picks the color of a risk level.
func LevelColor(l risk.Level) *color.Color {
	switch {
	case l.AtLeast(risk.LevelCritical):
		return color.New(color.FgHiWhite, color.BgRed, color.Bold)
	case l.AtLeast(risk.LevelHigh):
		return color.New(color.FgRed, color.Bold)
	case l.AtLeast(risk.LevelMedium):
		return color.New(color.FgYellow, color.Bold)
	}
	return color.New(color.FgGreen)
}

// Level renders a risk level with its color.
func Level(l risk.Level) string { return LevelColor(l).Sprint(l.String()) }

func statusColor(s migrate.Status) *color.Color {
	switch s {
	case migrate.StatusSucceeded:
		return color.New(color.FgGreen, color.Bold)
	case migrate.StatusAborted:
		return color.New(color.FgYellow, color.Bold)
	}
	return color.New(color.FgRed, color.Bold)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// Impact prints the dependency analysis.
func (p *Printer) Impact(impact *dependency.ImpactReport, fk *dependency.ForeignKeyReport, rename *dependency.RenameReport) {
	if impact == nil {
		return
	}
	p.Section("Impact")
	p.KeyValues([][2]string{
		{"target", impact.Target.String()},
		{"impact", string(impact.ImpactLevel)},
		{"safe to proceed", yesNo(impact.IsSafeToProceed)},
		{"affected objects", fmt.Sprint(len(impact.AffectedObjects))},
		{"views", fmt.Sprint(impact.ViewCount)},
		{"foreign keys", fmt.Sprintf("%d (%d cascading)", impact.ForeignKeyCount, impact.CascadeCount)},
		{"triggers", fmt.Sprint(impact.TriggerCount)},
		{"procedures", fmt.Sprint(impact.ProcedureCount)},
		{"indexes", fmt.Sprint(impact.IndexCount)},
	})
	if len(impact.AffectedObjects) > 0 {
		rows := make([][]string, 0, len(impact.AffectedObjects))
		for _, obj := range impact.AffectedObjects {
			rows = append(rows, []string{string(obj.Kind), obj.QualifiedName()})
		}
		_ = p.Table([]string{"Kind", "Object"}, rows)
	}
	for _, c := range impact.Cycles {
		p.Warning("dependency cycle: %s", strings.Join(c, " -> "))
	}
	if fk != nil && (len(fk.Inbound)+len(fk.Outbound)+len(fk.SelfReferences)) > 0 {
		var rows [][]string
		add := func(dir string, refs []dependency.ForeignKeyRef) {
			for _, r := range refs {
				rows = append(rows, []string{dir, r.String()})
			}
		}
		add("inbound", fk.Inbound)
		add("outbound", fk.Outbound)
		add("self", fk.SelfReferences)
		_ = p.Table([]string{"Direction", "Foreign key"}, rows)
		for _, chain := range fk.CascadeChains {
			p.Warning("cascade chain: %s", strings.Join(chain, " -> "))
		}
	}
	if rename != nil {
		p.KeyValues([][2]string{
			{"rename", rename.OldName + " -> " + rename.NewName},
			{"references", fmt.Sprint(len(rename.References))},
			{"conflict", yesNo(rename.Conflict)},
		})
	}
}

// Risk prints an assessment with its category breakdown.
func (p *Printer) Risk(a *risk.Assessment) {
	if a == nil {
		return
	}
	p.Section("Risk")
	p.KeyValues([][2]string{
		{"overall", fmt.Sprintf("%s (%.1f)", Level(a.OverallLevel), a.OverallScore)},
		{"dominant", string(a.DominantCategory)},
	})
	rows := make([][]string, 0, len(risk.Categories))
	for _, cat := range risk.Categories {
		cs := a.CategoryScores[cat]
		if cs == nil {
			continue
		}
		codes := make([]string, 0, len(cs.Factors))
		for _, f := range cs.Factors {
			codes = append(codes, f.Code)
		}
		rows = append(rows, []string{string(cat), fmt.Sprintf("%.1f", cs.Score), Level(cs.Level), strings.Join(codes, ", ")})
	}
	_ = p.Table([]string{"Category", "Score", "Level", "Factors"}, rows)
}

// Plan prints the mitigation plan as markdown.
func (p *Printer) Plan(plan *mitigation.Plan) {
	if plan == nil {
		return
	}
	p.Section("Mitigation")
	if plan.IsEmpty() {
		p.Info("no mitigation needed")
		return
	}
	p.Markdown(plan.Markdown())
}

// StagingResult prints a dry run.
func (p *Printer) StagingResult(res *staging.TestResult) {
	if res == nil {
		return
	}
	p.Section("Staging dry run")
	p.KeyValues([][2]string{
		{"environment", res.EnvironmentID},
		{"success", yesNo(res.Success)},
		{"statements", fmt.Sprint(res.PerformanceMetrics.Statements)},
		{"duration", res.PerformanceMetrics.Duration.Round(time.Millisecond).String()},
		{"integrity", yesNo(res.DataIntegrityCheck.Passed)},
	})
	if !res.Success {
		p.Error("%s", res.Failure())
	}
}

// Checkpoints prints every checkpoint run.
func (p *Printer) Checkpoints(res *validation.Result) {
	if res == nil || len(res.Checkpoints) == 0 {
		return
	}
	p.Section("Checkpoints")
	rows := make([][]string, 0, len(res.Checkpoints))
	for _, cp := range res.Checkpoints {
		rows = append(rows, []string{string(cp.Stage), cp.Name, yesNo(cp.Required), string(cp.State), strings.Join(cp.Errors, "; ")})
	}
	_ = p.Table([]string{"Stage", "Checkpoint", "Required", "State", "Errors"}, rows)
}

// Evolution prints the changes between two snapshots.
func (p *Printer) Evolution(r *snapshot.EvolutionReport) {
	if r == nil {
		return
	}
	p.Section("Schema changes")
	if r.IsEmpty() {
		p.Info("no structural changes")
		return
	}
	rows := make([][]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		name := c.Name
		if c.Table != "" && c.Table != c.Name {
			name = c.Table + "." + c.Name
		}
		rows = append(rows, []string{string(c.Type), string(c.ObjectKind), name, string(c.ImpactLevel), c.Detail})
	}
	_ = p.Table([]string{"Change", "Kind", "Object", "Impact", "Detail"}, rows)
}

// Report prints a full run report.
func (p *Printer) Report(r *safety.Report) error {
	if p.JSON() {
		return p.WriteJSON(r)
	}
	title := "schemaguard " + r.Operation.Name()
	status := "assessment"
	if r.Status != "" {
		status = statusColor(r.Status).Sprint(strings.ToUpper(string(r.Status)))
	}
	p.Header(title, status)

	p.Impact(r.Impact, r.ForeignKeys, r.Rename)
	p.Risk(r.Risk)
	p.Plan(r.Mitigation)
	if r.Staging != nil {
		if r.Staging.Ran {
			p.StagingResult(r.Staging.Result)
		} else if r.Staging.Skipped != "" {
			p.Info("staging skipped: %s", r.Staging.Skipped)
		}
		if r.Staging.Overridden {
			p.Warning("staging problem overridden by operator")
		}
	}
	p.Checkpoints(r.Validation)
	p.Evolution(r.Evolution)

	if len(r.Warnings) > 0 {
		p.Section("Warnings")
		p.List(r.Warnings)
	}
	if r.Error != "" {
		p.Section("Failure")
		p.Error("%s", r.Error)
		p.List(r.FailedChecks)
		if r.RollbackOutcome != migrate.RollbackNotAttempted {
			p.KeyValues([][2]string{{"rollback", string(r.RollbackOutcome)}})
		}
	} else if r.Succeeded() {
		p.Success("%s applied in %s", r.Operation.Name(), r.Duration().Round(time.Millisecond))
	}
	return nil
}

// Snapshots prints snapshot summaries.
func (p *Printer) Snapshots(snaps []*snapshot.Snapshot) error {
	if p.JSON() {
		return p.WriteJSON(snaps)
	}
	if len(snaps) == 0 {
		p.Info("no snapshots")
		return nil
	}
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, []string{s.ID, s.TakenAt.Local().Format(time.DateTime), s.Provider, fmt.Sprint(len(s.Tables)), s.Description})
	}
	return p.Table([]string{"ID", "Taken", "Provider", "Tables", "Description"}, rows)
}

// Snapshot prints one snapshot.
func (p *Printer) Snapshot(s *snapshot.Snapshot) error {
	if p.JSON() {
		return p.WriteJSON(s)
	}
	p.Header("snapshot "+s.ID, s.Description)
	p.KeyValues([][2]string{
		{"taken", s.TakenAt.Local().Format(time.RFC3339)},
		{"provider", s.Provider},
		{"server", s.ServerVersion},
		{"scope", strings.Join(s.Scope, ", ")},
		{"backup", yesNo(s.Backup != nil)},
	})
	rows := make([][]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		count := ""
		if n, ok := s.RowCounts[t.Name]; ok {
			count = fmt.Sprint(n)
		}
		rows = append(rows, []string{t.Name, fmt.Sprint(len(t.Columns)), fmt.Sprint(len(t.Indexes)), fmt.Sprint(len(t.ForeignKeys)), count, s.DataChecksums[t.Name]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	return p.Table([]string{"Table", "Columns", "Indexes", "Foreign keys", "Rows", "Checksum"}, rows)
}

// Rollback prints a rollback result.
func (p *Printer) Rollback(res *snapshot.RollbackResult) error {
	if p.JSON() {
		return p.WriteJSON(res)
	}
	p.Section("Rollback")
	p.KeyValues([][2]string{
		{"snapshot", res.SnapshotID},
		{"outcome", string(res.Outcome)},
		{"statements", fmt.Sprintf("%d/%d", res.StatementsApplied, len(res.Statements))},
		{"structure restored", yesNo(res.StructureRestored)},
		{"data restored", yesNo(res.DataRestored)},
	})
	for _, l := range res.Limitations {
		p.Warning("%s", l)
	}
	for _, c := range res.Remaining {
		p.Error("still different: %s", c)
	}
	return nil
}

// Locks prints active locks.
func (p *Printer) Locks(recs []lock.Record, now time.Time) error {
	if p.JSON() {
		return p.WriteJSON(recs)
	}
	if len(recs) == 0 {
		p.Info("no active locks")
		return nil
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		expires := "never"
		if exp := r.ExpiresAt(); !exp.IsZero() {
			expires = exp.Sub(now).Round(time.Second).String()
		}
		rows = append(rows, []string{r.ID, string(r.Scope), r.ResourceKey, r.Holder["owner"], r.Holder["actor"], string(r.State), expires})
	}
	return p.Table([]string{"Lock", "Scope", "Resource", "Owner", "Actor", "State", "Expires in"}, rows)
}
