package snapshot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/executor"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/sqlgen"
	"github.com/satishbabariya/schemaguard/migrate/sqlref"
)

// OpRollback is the history kind of rollback runs.
const OpRollback migrate.OperationKind = "rollback"

const insertBatch = 100

// RollbackPlan is the ordered statement list that returns a database to a
// snapshot, with what it cannot restore.
type RollbackPlan struct {
	SnapshotID  string   `json:"snapshot_id"`
	Statements  []string `json:"statements"`
	Limitations []string `json:"limitations,omitempty"`
	// RestoresData is set when the plan rewrites table contents from a backup.
	RestoresData bool `json:"restores_data"`
}

// RollbackResult reports a rollback run.
type RollbackResult struct {
	SnapshotID        string                  `json:"snapshot_id"`
	Outcome           migrate.RollbackOutcome `json:"outcome"`
	Statements        []string                `json:"statements"`
	StatementsApplied int                     `json:"statements_applied"`
	StructureRestored bool                    `json:"structure_restored"`
	DataRestored      bool                    `json:"data_restored"`
	Limitations       []string                `json:"limitations,omitempty"`
	Remaining         []SchemaChange          `json:"remaining,omitempty"`
	Duration          time.Duration           `json:"duration"`
}

// PlanRollback computes the statements that turn current back into snap.
// Both must come from the same provider.
func PlanRollback(snap, current *Snapshot) (*RollbackPlan, error) {
	d, err := sqlgen.ForProvider(snap.Provider)
	if err != nil {
		return nil, err
	}
	p := &rollbackPlanner{d: d, snap: snap, current: current, plan: &RollbackPlan{SnapshotID: snap.ID, Statements: []string{}}}
	p.build()
	return p.plan, nil
}

type rollbackPlanner struct {
	d       sqlgen.Dialect
	snap    *Snapshot
	current *Snapshot
	plan    *RollbackPlan
}

func (p *rollbackPlanner) emit(stmts ...string) {
	for _, s := range stmts {
		if strings.TrimSpace(s) != "" {
			p.plan.Statements = append(p.plan.Statements, s)
		}
	}
}

func (p *rollbackPlanner) limit(format string, args ...any) {
	p.plan.Limitations = append(p.plan.Limitations, fmt.Sprintf(format, args...))
}

func (p *rollbackPlanner) sqlite() bool { return p.d.Name() == introspect.ProviderSQLite }

func (p *rollbackPlanner) build() {
	want := tablesByName(p.snap.Tables, p.snap.InScope)
	have := tablesByName(p.current.Tables, p.snap.InScope)

	var missing, extra []introspect.Table
	var changed [][2]introspect.Table
	for _, key := range sortedKeys(want, have) {
		w, inWant := want[key]
		h, inHave := have[key]
		switch {
		case !inHave:
			missing = append(missing, w)
		case !inWant:
			extra = append(extra, h)
		case !tablesEqual(w, h):
			changed = append(changed, [2]introspect.Table{w, h})
		}
	}
	backup := p.snap.Backup
	structural := len(missing)+len(extra)+len(changed) > 0 || (backup != nil && len(backup.Tables) > 0)

	// Renames and drops validate every view and trigger in SQLite, so with
	// table work pending they all come down first and go back up last.
	if structural {
		for _, v := range reverse(ViewsInOrder(p.current.Views)) {
			p.emit(p.d.DropView(v.Name))
		}
		for _, tr := range p.current.Triggers {
			if p.snap.InScope(tr.TableName) {
				p.emit(p.d.DropTrigger(tr))
			}
		}
	}

	if !p.sqlite() {
		for _, pair := range changed {
			p.dropForeignKeys(pair[0], pair[1])
		}
	}

	for _, t := range reverse(TablesParentsFirst(extra)) {
		p.emit(p.d.DropTable(t.Name))
	}
	for _, t := range TablesParentsFirst(missing) {
		p.createTable(t)
		if backup == nil || !hasBackup(backup, t.Name) {
			p.limit("table %s is recreated empty", t.Name)
		}
	}
	for _, pair := range changed {
		if p.sqlite() {
			p.rebuild(pair[0], pair[1])
		} else {
			p.alter(pair[0], pair[1])
		}
		if backup == nil || !hasBackup(backup, pair[0].Name) {
			for _, col := range pair[0].Columns {
				if !pair[1].HasColumn(col.Name) {
					p.limit("column %s.%s is restored without its data", pair[0].Name, col.Name)
				}
			}
		}
	}
	if !p.sqlite() {
		for _, pair := range changed {
			p.addForeignKeys(pair[0], pair[1])
		}
	}

	if backup != nil {
		p.restoreData(backup)
	}

	if structural {
		for _, v := range ViewsInOrder(p.snap.Views) {
			p.emit(p.d.CreateView(v))
		}
		for _, tr := range p.snap.Triggers {
			if p.snap.InScope(tr.TableName) {
				p.emit(TriggerDDL(p.d, tr))
			}
		}
	} else {
		p.diffViews()
		p.diffTriggers()
	}
	p.diffProcedures()
}

func (p *rollbackPlanner) createTable(t introspect.Table) {
	if p.sqlite() && t.Definition != "" {
		p.emit(t.Definition)
		for _, idx := range t.Indexes {
			p.emit(p.d.CreateIndex(t.Name, idx))
		}
		return
	}
	p.emit(sqlgen.CreateTableWithIndexes(p.d, t)...)
}

var createTableHeader = regexp.MustCompile("(?is)^\\s*CREATE\\s+TABLE\\s+(?:IF\\s+NOT\\s+EXISTS\\s+)?(?:\"(?:[^\"]|\"\")+\"|`[^`]+`|\\[[^\\]]+\\]|[^\\s(]+)")

// rebuild recreates a SQLite table from its stored definition, keeping the
// rows of every column both shapes share.
func (p *rollbackPlanner) rebuild(want, have introspect.Table) {
	if want.Definition == "" || !createTableHeader.MatchString(want.Definition) {
		p.emit(sqlgen.RebuildTable(p.d, want, have.ColumnNames())...)
		return
	}
	tmp := want.Name + "__sg_rebuild"
	p.emit(createTableHeader.ReplaceAllLiteralString(want.Definition, "CREATE TABLE "+p.d.Quote(tmp)))

	var shared []string
	for _, col := range want.Columns {
		if have.HasColumn(col.Name) {
			shared = append(shared, p.d.Quote(col.Name))
		}
	}
	if len(shared) > 0 {
		cols := strings.Join(shared, ", ")
		p.emit(fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", p.d.Quote(tmp), cols, cols, p.d.Quote(want.Name)))
	}
	p.emit(p.d.DropTable(want.Name), p.d.RenameTable(tmp, want.Name))
	for _, idx := range want.Indexes {
		p.emit(p.d.CreateIndex(want.Name, idx))
	}
}

// alter reshapes a table in place. Index and column changes are applied
// with ALTER statements; primary key changes are reported instead.
func (p *rollbackPlanner) alter(want, have introspect.Table) {
	wantIdx, haveIdx := indexSignatures(want), indexSignatures(have)
	for _, key := range sortedKeys(haveIdx) {
		if w, ok := wantIdx[key]; !ok || w.sig != haveIdx[key].sig {
			p.emit(sqlgen.DropIndex(p.d, have.Name, haveIdx[key].name))
		}
	}

	for _, col := range have.Columns {
		if !want.HasColumn(col.Name) {
			p.emit(p.d.DropColumn(want.Name, col.Name))
		}
	}
	for _, col := range want.Columns {
		hc := have.Column(col.Name)
		if hc == nil {
			p.emit(p.d.AddColumn(want.Name, col))
			continue
		}
		if columnDelta(col, *hc) == "" {
			continue
		}
		stmt := p.d.AlterColumn(want.Name, col)
		if stmt == "" {
			p.limit("column %s.%s cannot be altered in place", want.Name, col.Name)
			continue
		}
		p.emit(stmt)
	}

	if primaryKeyColumns(want) != primaryKeyColumns(have) {
		p.limit("primary key of %s changed from (%s); restore it manually", want.Name, primaryKeyColumns(want))
	}

	for _, idx := range want.Indexes {
		key := strings.ToLower(idx.Name)
		if h, ok := haveIdx[key]; !ok || h.sig != wantIdx[key].sig {
			p.emit(p.d.CreateIndex(want.Name, idx))
		}
	}
}

func (p *rollbackPlanner) dropForeignKeys(want, have introspect.Table) {
	wantFK := foreignKeySignatures(want)
	for _, fk := range have.ForeignKeys {
		if _, ok := wantFK[foreignKeySignature(fk)]; ok {
			continue
		}
		stmt := sqlgen.DropForeignKey(p.d, have.Name, fk)
		if stmt == "" {
			p.limit("unnamed foreign key %s on %s cannot be dropped", foreignKeySignature(fk), have.Name)
			continue
		}
		p.emit(stmt)
	}
}

func (p *rollbackPlanner) addForeignKeys(want, have introspect.Table) {
	haveFK := foreignKeySignatures(have)
	for _, fk := range want.ForeignKeys {
		if _, ok := haveFK[foreignKeySignature(fk)]; !ok {
			p.emit(sqlgen.AddForeignKey(p.d, want.Name, fk))
		}
	}
}

func (p *rollbackPlanner) diffViews() {
	want, have := viewDefs(p.snap.Views), viewDefs(p.current.Views)
	var create []introspect.View
	for _, v := range reverse(ViewsInOrder(p.current.Views)) {
		w, ok := want[strings.ToLower(v.Name)]
		if !ok || normalizeSQL(w.sig) != normalizeSQL(v.Definition) {
			p.emit(p.d.DropView(v.Name))
		}
	}
	for _, v := range ViewsInOrder(p.snap.Views) {
		h, ok := have[strings.ToLower(v.Name)]
		if !ok || normalizeSQL(h.sig) != normalizeSQL(v.Definition) {
			create = append(create, v)
		}
	}
	for _, v := range create {
		p.emit(p.d.CreateView(v))
	}
}

func (p *rollbackPlanner) diffTriggers() {
	want := triggerDefs(p.snap.Triggers, p.snap.InScope)
	have := triggerDefs(p.current.Triggers, p.snap.InScope)
	for _, tr := range p.current.Triggers {
		key := strings.ToLower(tr.Name)
		if _, scoped := have[key]; !scoped {
			continue
		}
		if w, ok := want[key]; !ok || normalizeSQL(w.sig) != normalizeSQL(tr.Definition) {
			p.emit(p.d.DropTrigger(tr))
		}
	}
	for _, tr := range p.snap.Triggers {
		key := strings.ToLower(tr.Name)
		if _, scoped := want[key]; !scoped {
			continue
		}
		if h, ok := have[key]; !ok || normalizeSQL(h.sig) != normalizeSQL(tr.Definition) {
			p.emit(TriggerDDL(p.d, tr))
		}
	}
}

// diffProcedures recreates missing routines whose full definition was
// captured. Changed routines are only reported.
func (p *rollbackPlanner) diffProcedures() {
	have := procedureDefs(p.current.Procedures)
	for _, proc := range p.snap.Procedures {
		h, ok := have[strings.ToLower(proc.Name)]
		switch {
		case ok && normalizeSQL(h.sig) == normalizeSQL(proc.Definition):
		case !ok && isCreate(proc.Definition):
			p.emit(proc.Definition)
		default:
			p.limit("procedure %s differs from the snapshot; restore it manually", proc.Name)
		}
	}
}

// restoreData replaces the contents of every backed up table. Deletes run
// children first and inserts parents first.
func (p *rollbackPlanner) restoreData(b *Backup) {
	var tables []introspect.Table
	for _, t := range p.snap.Tables {
		if hasBackup(b, t.Name) {
			tables = append(tables, t)
		}
	}
	ordered := TablesParentsFirst(tables)
	for _, t := range reverse(ordered) {
		p.emit("DELETE FROM " + p.d.Quote(t.Name))
	}
	for _, t := range ordered {
		data := b.Tables[t.Name]
		cols := make([]string, 0, len(data.Columns))
		for _, c := range data.Columns {
			if t.HasColumn(c) {
				cols = append(cols, c)
			}
		}
		if len(cols) == 0 {
			continue
		}
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = p.d.Quote(c)
		}
		head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", p.d.Quote(t.Name), strings.Join(quoted, ", "))
		for start := 0; start < len(data.Rows); start += insertBatch {
			end := min(start+insertBatch, len(data.Rows))
			tuples := make([]string, 0, end-start)
			for _, row := range data.Rows[start:end] {
				tuples = append(tuples, "("+p.renderRow(data.Columns, cols, row)+")")
			}
			p.emit(head + strings.Join(tuples, ", "))
		}
	}
	for _, name := range b.Truncated {
		p.limit("table %s exceeded the backup row limit; its data is not restored", name)
	}
	p.plan.RestoresData = len(ordered) > 0
}

func (p *rollbackPlanner) renderRow(all, cols []string, row []any) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		var v any
		for j, name := range all {
			if name == c && j < len(row) {
				v = row[j]
				break
			}
		}
		out[i] = literal(p.d.Name(), v)
	}
	return strings.Join(out, ", ")
}

// literal renders a backed up value as SQL.
func literal(provider string, v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case json.Number:
		return x.String()
	case bool:
		if provider == introspect.ProviderPostgres {
			return strings.ToUpper(strconv.FormatBool(x))
		}
		if x {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []byte:
		if provider == introspect.ProviderPostgres {
			return `'\x` + hex.EncodeToString(x) + `'`
		}
		return "X'" + hex.EncodeToString(x) + "'"
	case time.Time:
		return quoteString(provider, x.Format("2006-01-02 15:04:05.999999999-07:00"))
	case string:
		return quoteString(provider, x)
	default:
		return quoteString(provider, fmt.Sprint(x))
	}
}

func quoteString(provider, s string) string {
	if provider == introspect.ProviderMySQL {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// TriggerDDL renders the CREATE TRIGGER statement for tr.
func TriggerDDL(d sqlgen.Dialect, tr introspect.Trigger) string {
	if isCreate(tr.Definition) {
		return strings.TrimSpace(tr.Definition)
	}
	return fmt.Sprintf("CREATE TRIGGER %s %s %s ON %s FOR EACH ROW %s",
		d.Quote(tr.Name), tr.Timing, tr.Event, d.Quote(tr.TableName), strings.TrimSpace(tr.Definition))
}

func isCreate(def string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(def)), "CREATE ")
}

func hasBackup(b *Backup, table string) bool {
	_, ok := b.Tables[table]
	return ok
}

func tablesEqual(a, b introspect.Table) bool {
	d := &differ{}
	d.table(a, b)
	return len(d.changes) == 0
}

// TablesParentsFirst orders tables so every referenced table precedes its
// referencing tables. Members of a cycle keep name order at the end.
func TablesParentsFirst(tables []introspect.Table) []introspect.Table {
	byName := make(map[string]introspect.Table, len(tables))
	for _, t := range tables {
		byName[strings.ToLower(t.Name)] = t
	}
	deps := make(map[string][]string, len(tables))
	for key, t := range byName {
		for _, fk := range t.ForeignKeys {
			parent := strings.ToLower(fk.ReferencedTable)
			if _, ok := byName[parent]; ok && parent != key {
				deps[key] = append(deps[key], parent)
			}
		}
	}
	order := topoSort(sortedKeys(byName), deps)
	out := make([]introspect.Table, len(order))
	for i, key := range order {
		out[i] = byName[key]
	}
	return out
}

// ViewsInOrder orders views so a view follows the views it selects from.
func ViewsInOrder(views []introspect.View) []introspect.View {
	byName := make(map[string]introspect.View, len(views))
	for _, v := range views {
		byName[strings.ToLower(v.Name)] = v
	}
	keys := sortedKeys(byName)
	deps := make(map[string][]string, len(views))
	for _, key := range keys {
		for _, other := range keys {
			if other != key && sqlref.References(byName[key].Definition, byName[other].Name) {
				deps[key] = append(deps[key], other)
			}
		}
	}
	order := topoSort(keys, deps)
	out := make([]introspect.View, len(order))
	for i, key := range order {
		out[i] = byName[key]
	}
	return out
}

func topoSort(keys []string, deps map[string][]string) []string {
	done := make(map[string]bool, len(keys))
	var out []string
	for len(out) < len(keys) {
		progressed := false
		for _, key := range keys {
			if done[key] {
				continue
			}
			ready := true
			for _, dep := range deps[key] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[key] = true
				out = append(out, key)
				progressed = true
			}
		}
		if !progressed {
			for _, key := range keys {
				if !done[key] {
					done[key] = true
					out = append(out, key)
				}
			}
		}
	}
	return out
}

func reverse[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// RollbackTo returns the database to snap. Structure is always restored;
// table data only when snap carries a backup. The database is re-read
// afterwards and anything still differing is reported as remaining.
func (m *Manager) RollbackTo(ctx context.Context, snap *Snapshot) (*RollbackResult, error) {
	began := m.clock()
	logger := m.logger.With(zap.String("snapshot_id", snap.ID))
	result := &RollbackResult{SnapshotID: snap.ID, Outcome: migrate.RollbackFailed}

	fail := func(err error) (*RollbackResult, error) {
		result.Duration = m.clock().Sub(began)
		m.metrics.Rollback(string(result.Outcome))
		logger.Error("rollback failed", zap.String("outcome", string(result.Outcome)), zap.Error(err))
		return result, &migrate.RollbackError{SnapshotID: snap.ID, Outcome: result.Outcome, Err: err}
	}

	current, err := m.Capture(ctx, Options{Scope: snap.Scope})
	if err != nil {
		return fail(err)
	}
	if !strings.EqualFold(current.Provider, snap.Provider) {
		return fail(fmt.Errorf("snapshot was taken on %s, database is %s", snap.Provider, current.Provider))
	}
	plan, err := PlanRollback(snap, current)
	if err != nil {
		return fail(err)
	}
	result.Statements = plan.Statements
	result.Limitations = plan.Limitations

	if len(plan.Statements) > 0 {
		res, err := m.exec.ExecuteStatements(ctx, "rollback "+snap.ID, plan.Statements, executor.StatementOptions{
			DisableForeignKeys: m.dialect.Name() != introspect.ProviderPostgres,
			Kind:               OpRollback,
		})
		if res != nil {
			result.StatementsApplied = res.Statements
			if err != nil && res.Transactional {
				result.StatementsApplied = 0
			}
		}
		if err != nil {
			if result.StatementsApplied > 0 {
				result.Outcome = migrate.RollbackPartial
			}
			return fail(err)
		}
	}

	after, err := m.Capture(ctx, Options{Scope: snap.Scope})
	if err != nil {
		result.Outcome = migrate.RollbackPartial
		return fail(fmt.Errorf("failed to verify rollback: %w", err))
	}
	report := Diff(snap, after)
	result.Remaining = report.Changes
	result.StructureRestored = report.IsEmpty()
	result.DataRestored = plan.RestoresData && len(snap.Backup.Truncated) == 0
	result.Duration = m.clock().Sub(began)

	if !result.StructureRestored {
		result.Outcome = migrate.RollbackPartial
		return fail(errors.New("schema still differs from the snapshot: " + report.Changes[0].String()))
	}
	result.Outcome = migrate.RollbackSucceeded
	m.metrics.Rollback(string(result.Outcome))
	logger.Info("rollback finished",
		zap.Int("statements", result.StatementsApplied),
		zap.Bool("data_restored", result.DataRestored),
		zap.Strings("limitations", result.Limitations),
	)
	return result, nil
}
