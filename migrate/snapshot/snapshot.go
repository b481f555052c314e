// Package snapshot captures the schema state before a change, diffs states
// and plans the statements that bring a database back to a snapshot.
//
// Rollback restores structure. Table data is only restored when the
// snapshot carries a Backup, which has to be requested explicitly.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// Options selects what a snapshot captures.
type Options struct {
	// Scope limits the snapshot to these tables and the views, triggers and
	// constraints attached to them. Empty captures everything.
	Scope []string
	// DataChecksums hashes the rows of every captured table.
	DataChecksums bool
	// PerformanceBaseline times a full scan of every captured table.
	PerformanceBaseline bool
	// Backup copies table rows so a rollback can restore data.
	Backup bool
	// BackupRowLimit caps the rows copied per table. Tables above the cap
	// are left out of the backup and reported as truncated.
	BackupRowLimit int
}

// DefaultBackupRowLimit applies when Options.BackupRowLimit is zero.
const DefaultBackupRowLimit = 10000

// Snapshot is an immutable record of schema state. Stores hand out copies.
type Snapshot struct {
	ID            string                       `json:"id"`
	Description   string                       `json:"description"`
	TakenAt       time.Time                    `json:"taken_at"`
	Provider      string                       `json:"provider"`
	ServerVersion string                       `json:"server_version,omitempty"`
	Scope         []string                     `json:"scope,omitempty"`
	Tables        []introspect.Table           `json:"tables"`
	Constraints   []introspect.CheckConstraint `json:"constraints,omitempty"`
	Views         []introspect.View            `json:"views,omitempty"`
	Triggers      []introspect.Trigger         `json:"triggers,omitempty"`
	Procedures    []introspect.StoredProcedure `json:"procedures,omitempty"`
	RowCounts     map[string]int64             `json:"row_counts,omitempty"`
	DataChecksums map[string]string            `json:"data_checksums,omitempty"`
	Baseline      *Baseline                    `json:"baseline,omitempty"`
	Backup        *Backup                      `json:"backup,omitempty"`
}

// Baseline holds per-table timings captured with the snapshot.
type Baseline struct {
	CapturedAt time.Time                `json:"captured_at"`
	TableScans map[string]time.Duration `json:"table_scans"`
}

// Backup holds table rows for data restore.
type Backup struct {
	Tables    map[string]TableData `json:"tables"`
	Truncated []string             `json:"truncated,omitempty"`
}

// TableData is the content of one table.
type TableData struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// IndexRef is an index with its table.
type IndexRef struct {
	Table string           `json:"table"`
	Index introspect.Index `json:"index"`
}

// Table returns the captured table with the given name, ignoring case.
func (s *Snapshot) Table(name string) *introspect.Table {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

// Indexes lists every captured index.
func (s *Snapshot) Indexes() []IndexRef {
	var out []IndexRef
	for _, t := range s.Tables {
		for _, idx := range t.Indexes {
			out = append(out, IndexRef{Table: t.Name, Index: idx})
		}
	}
	return out
}

// InScope reports whether table belongs to the snapshot's scope.
func (s *Snapshot) InScope(table string) bool {
	if len(s.Scope) == 0 {
		return true
	}
	return introspect.ContainsColumn(s.Scope, table)
}

// Schema returns the structural part of the snapshot as a catalog view.
func (s *Snapshot) Schema() *introspect.DatabaseSchema {
	return &introspect.DatabaseSchema{
		Provider:         s.Provider,
		ServerVersion:    s.ServerVersion,
		Tables:           s.Tables,
		Views:            s.Views,
		CheckConstraints: s.Constraints,
		Triggers:         s.Triggers,
		StoredProcedures: s.Procedures,
	}
}

// Clone returns a deep copy. Backup rows holding values JSON cannot carry,
// such as non-finite floats, make it fail.
func (s *Snapshot) Clone() (*Snapshot, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("copy snapshot %s: %w", s.ID, err)
	}
	out, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("copy snapshot %s: %w", s.ID, err)
	}
	return out, nil
}

// decode keeps backup numbers as json.Number so integers survive a round
// trip without turning into floats.
func decode(data []byte) (*Snapshot, error) {
	var out Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
