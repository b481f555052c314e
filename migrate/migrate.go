// Package migrate holds the domain types shared by every stage of the
// schema-migration safety pipeline: schema objects, migration operations,
// run statuses and the error taxonomy.
package migrate

import (
	"database/sql"
	"fmt"
	"strings"
)

// ObjectKind identifies the kind of a schema object.
type ObjectKind string

const (
	KindTable      ObjectKind = "table"
	KindColumn     ObjectKind = "column"
	KindView       ObjectKind = "view"
	KindConstraint ObjectKind = "constraint"
	KindTrigger    ObjectKind = "trigger"
	KindProcedure  ObjectKind = "procedure"
	KindIndex      ObjectKind = "index"
)

// SchemaObject is a resolved, immutable reference to a database object.
// For columns, indexes, constraints and triggers Table names the owning table.
type SchemaObject struct {
	Kind   ObjectKind `json:"kind"`
	Schema string     `json:"schema,omitempty"`
	Table  string     `json:"table,omitempty"`
	Name   string     `json:"name"`
}

// Table returns a table reference.
func Table(schema, name string) SchemaObject {
	return SchemaObject{Kind: KindTable, Schema: schema, Name: name}
}

// Column returns a column reference.
func Column(schema, table, name string) SchemaObject {
	return SchemaObject{Kind: KindColumn, Schema: schema, Table: table, Name: name}
}

// View returns a view reference.
func View(schema, name string) SchemaObject {
	return SchemaObject{Kind: KindView, Schema: schema, Name: name}
}

// Trigger returns a trigger reference.
func Trigger(schema, table, name string) SchemaObject {
	return SchemaObject{Kind: KindTrigger, Schema: schema, Table: table, Name: name}
}

// Procedure returns a stored procedure reference.
func Procedure(schema, name string) SchemaObject {
	return SchemaObject{Kind: KindProcedure, Schema: schema, Name: name}
}

// Constraint returns a constraint reference.
func Constraint(schema, table, name string) SchemaObject {
	return SchemaObject{Kind: KindConstraint, Schema: schema, Table: table, Name: name}
}

// Index returns an index reference.
func Index(schema, table, name string) SchemaObject {
	return SchemaObject{Kind: KindIndex, Schema: schema, Table: table, Name: name}
}

// QualifiedName returns the dotted name of the object.
func (o SchemaObject) QualifiedName() string {
	parts := make([]string, 0, 3)
	if o.Schema != "" {
		parts = append(parts, o.Schema)
	}
	if o.Table != "" {
		parts = append(parts, o.Table)
	}
	parts = append(parts, o.Name)
	return strings.Join(parts, ".")
}

// Key returns a case-folded identity usable as a map key.
func (o SchemaObject) Key() string {
	return string(o.Kind) + ":" + strings.ToLower(o.QualifiedName())
}

// TableName returns the table the object lives in, or its own name for tables.
func (o SchemaObject) TableName() string {
	if o.Kind == KindTable {
		return o.Name
	}
	return o.Table
}

func (o SchemaObject) String() string {
	return fmt.Sprintf("%s %s", o.Kind, o.QualifiedName())
}

// OperationKind is the kind of schema change being applied.
type OperationKind string

const (
	OpCreateTable     OperationKind = "create_table"
	OpDropTable       OperationKind = "drop_table"
	OpRenameTable     OperationKind = "rename_table"
	OpAddColumn       OperationKind = "add_column"
	OpDropColumn      OperationKind = "drop_column"
	OpRenameColumn    OperationKind = "rename_column"
	OpAlterColumnType OperationKind = "alter_column_type"
	OpAddConstraint   OperationKind = "add_constraint"
	OpDropConstraint  OperationKind = "drop_constraint"
	OpAddIndex        OperationKind = "add_index"
	OpDropIndex       OperationKind = "drop_index"

	// AnyOperation matches every operation kind in lookup tables.
	AnyOperation OperationKind = "*"
)

// OperationKinds lists every concrete operation kind.
var OperationKinds = []OperationKind{
	OpCreateTable, OpDropTable, OpRenameTable,
	OpAddColumn, OpDropColumn, OpRenameColumn, OpAlterColumnType,
	OpAddConstraint, OpDropConstraint, OpAddIndex, OpDropIndex,
}

// ParseOperationKind validates a textual operation kind.
func ParseOperationKind(s string) (OperationKind, error) {
	k := OperationKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range OperationKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// IsDestructive reports whether the operation can remove data or objects.
func (k OperationKind) IsDestructive() bool {
	switch k {
	case OpDropTable, OpDropColumn, OpAlterColumnType, OpDropConstraint:
		return true
	}
	return false
}

// IsRename reports whether the operation renames an object.
func (k OperationKind) IsRename() bool {
	return k == OpRenameTable || k == OpRenameColumn
}

// CreatesTarget reports whether the target does not exist before the operation.
func (k OperationKind) CreatesTarget() bool {
	switch k {
	case OpCreateTable, OpAddColumn, OpAddConstraint, OpAddIndex:
		return true
	}
	return false
}

// TargetKind returns the object kind an operation of this kind acts on.
func (k OperationKind) TargetKind() ObjectKind {
	switch k {
	case OpAddColumn, OpDropColumn, OpRenameColumn, OpAlterColumnType:
		return KindColumn
	case OpAddConstraint, OpDropConstraint:
		return KindConstraint
	case OpAddIndex, OpDropIndex:
		return KindIndex
	default:
		return KindTable
	}
}

// Operation is an already-decided schema change. Statements hold the DDL
// that the executor will run; this system never designs them.
type Operation struct {
	ID            string             `json:"id"`
	Kind          OperationKind      `json:"kind"`
	Target        SchemaObject       `json:"target"`
	NewName       string             `json:"new_name,omitempty"`
	Statements    []string           `json:"statements"`
	Description   string             `json:"description,omitempty"`
	Isolation     sql.IsolationLevel `json:"-"`
	EstimatedRows int64              `json:"estimated_rows,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

// Validate checks that the operation is internally consistent.
func (o Operation) Validate() error {
	if o.Kind == "" {
		return fmt.Errorf("operation kind is required")
	}
	if o.Target.Name == "" {
		return fmt.Errorf("operation target is required")
	}
	if o.Target.Kind != o.Kind.TargetKind() {
		return fmt.Errorf("operation %s expects a %s target, got %s", o.Kind, o.Kind.TargetKind(), o.Target.Kind)
	}
	if o.Target.Kind != KindTable && o.Target.Table == "" {
		return fmt.Errorf("%s target %q must name its table", o.Target.Kind, o.Target.Name)
	}
	if o.Kind.IsRename() && o.NewName == "" {
		return fmt.Errorf("%s requires a new name", o.Kind)
	}
	return nil
}

// Name returns a human readable label for logs and history records.
func (o Operation) Name() string {
	if o.ID != "" {
		return o.ID
	}
	return fmt.Sprintf("%s_%s", o.Kind, strings.ReplaceAll(o.Target.QualifiedName(), ".", "_"))
}

// Status is the final state of a migration run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// RollbackOutcome records what happened when a rollback was evaluated.
type RollbackOutcome string

const (
	RollbackNotAttempted RollbackOutcome = "not_attempted"
	RollbackSucceeded    RollbackOutcome = "succeeded"
	RollbackFailed       RollbackOutcome = "failed"
	RollbackPartial      RollbackOutcome = "partial"
)
