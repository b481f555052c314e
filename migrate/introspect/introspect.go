// Package introspect reads the live database catalog: tables, columns,
// keys, indexes, views, triggers and stored procedures. It is the catalog
// accessor every analyzer and the schema state manager read from.
package introspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
)

// Introspector reads the database catalog in one consistent pass.
type Introspector interface {
	Introspect(ctx context.Context) (*DatabaseSchema, error)
}

// Supported providers after normalization.
const (
	ProviderPostgres = "postgres"
	ProviderMySQL    = "mysql"
	ProviderSQLite   = "sqlite"
)

// DatabaseSchema is a point-in-time view of the catalog.
type DatabaseSchema struct {
	Provider         string            `json:"provider"`
	ServerVersion    string            `json:"server_version,omitempty"`
	Tables           []Table           `json:"tables"`
	Views            []View            `json:"views,omitempty"`
	CheckConstraints []CheckConstraint `json:"check_constraints,omitempty"`
	Triggers         []Trigger         `json:"triggers,omitempty"`
	StoredProcedures []StoredProcedure `json:"stored_procedures,omitempty"`
}

// Table represents a database table
type Table struct {
	Name        string       `json:"name"`
	Schema      string       `json:"schema,omitempty"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  *PrimaryKey  `json:"primary_key,omitempty"`
	Indexes     []Index      `json:"indexes,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
	// Definition is the stored CREATE TABLE text where the catalog keeps
	// one (SQLite).
	Definition string `json:"definition,omitempty"`
}

// Column represents a table column
type Column struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Nullable      bool    `json:"nullable"`
	DefaultValue  *string `json:"default_value,omitempty"`
	AutoIncrement bool    `json:"auto_increment,omitempty"`
}

// PrimaryKey represents a primary key constraint
type PrimaryKey struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
}

// Index represents a database index
type Index struct {
	Name     string   `json:"name"`
	Columns  []string `json:"columns"`
	IsUnique bool     `json:"is_unique"`
}

// ForeignKey represents a foreign key constraint
type ForeignKey struct {
	Name              string   `json:"name"`
	Columns           []string `json:"columns"`
	ReferencedTable   string   `json:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns"`
	OnDelete          string   `json:"on_delete,omitempty"`
	OnUpdate          string   `json:"on_update,omitempty"`
}

// Cascades reports whether deleting or updating a parent row propagates.
func (fk ForeignKey) Cascades() bool {
	return strings.EqualFold(fk.OnDelete, "CASCADE") || strings.EqualFold(fk.OnUpdate, "CASCADE")
}

// View represents a database view
type View struct {
	Name       string `json:"name"`
	Schema     string `json:"schema,omitempty"`
	Definition string `json:"definition"`
}

// CheckConstraint represents a check constraint
type CheckConstraint struct {
	Name       string `json:"name"`
	TableName  string `json:"table_name"`
	Definition string `json:"definition"`
}

// Trigger represents a database trigger
type Trigger struct {
	Name       string `json:"name"`
	Schema     string `json:"schema,omitempty"`
	TableName  string `json:"table_name"`
	Event      string `json:"event,omitempty"`  // INSERT, UPDATE, DELETE
	Timing     string `json:"timing,omitempty"` // BEFORE, AFTER, INSTEAD OF
	Definition string `json:"definition"`
}

// StoredProcedure represents a stored procedure or function
type StoredProcedure struct {
	Name       string `json:"name"`
	Schema     string `json:"schema,omitempty"`
	Definition string `json:"definition"`
}

// NewIntrospector creates a new introspector for the given database
func NewIntrospector(db *sql.DB, provider string) (Introspector, error) {
	switch NormalizeProvider(provider) {
	case ProviderPostgres:
		return &PostgresIntrospector{db: db}, nil
	case ProviderMySQL:
		return &MySQLIntrospector{db: db}, nil
	case ProviderSQLite:
		return &SQLiteIntrospector{db: db}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

// NormalizeProvider folds provider aliases into the canonical names.
func NormalizeProvider(provider string) string {
	switch strings.ToLower(provider) {
	case "postgresql", "postgres", "pg":
		return ProviderPostgres
	case "mysql", "mariadb":
		return ProviderMySQL
	case "sqlite", "sqlite3":
		return ProviderSQLite
	default:
		return strings.ToLower(provider)
	}
}

// DriverName maps a provider to its database/sql driver name.
func DriverName(provider string) string {
	switch NormalizeProvider(provider) {
	case ProviderPostgres:
		return "postgres"
	case ProviderMySQL:
		return "mysql"
	case ProviderSQLite:
		return "sqlite3"
	default:
		return ""
	}
}

// Table returns the table with the given name, ignoring case.
func (s *DatabaseSchema) Table(name string) *Table {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

// HasTable reports whether the table exists.
func (s *DatabaseSchema) HasTable(name string) bool {
	return s.Table(name) != nil
}

// View returns the view with the given name, ignoring case.
func (s *DatabaseSchema) View(name string) *View {
	for i := range s.Views {
		if strings.EqualFold(s.Views[i].Name, name) {
			return &s.Views[i]
		}
	}
	return nil
}

// TableNames returns the sorted table names.
func (s *DatabaseSchema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// TriggersOn returns the triggers attached to a table.
func (s *DatabaseSchema) TriggersOn(table string) []Trigger {
	var out []Trigger
	for _, tr := range s.Triggers {
		if strings.EqualFold(tr.TableName, table) {
			out = append(out, tr)
		}
	}
	return out
}

// Clone returns a deep copy of the schema.
func (s *DatabaseSchema) Clone() *DatabaseSchema {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out DatabaseSchema
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// Column returns the column with the given name, ignoring case.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// HasColumn reports whether the table has the column.
func (t *Table) HasColumn(name string) bool {
	return t.Column(name) != nil
}

// ColumnNames returns the column names in ordinal order.
func (t *Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

// ForeignKeysTo returns the table's foreign keys that reference parent.
func (t *Table) ForeignKeysTo(parent string) []ForeignKey {
	var out []ForeignKey
	for _, fk := range t.ForeignKeys {
		if strings.EqualFold(fk.ReferencedTable, parent) {
			out = append(out, fk)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// ContainsColumn reports whether an index or key column list mentions name.
func ContainsColumn(columns []string, name string) bool {
	return containsFold(columns, name)
}
