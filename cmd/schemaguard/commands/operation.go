package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/satishbabariya/schemaguard/internal/config"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/safety"
)

// operationFile is the YAML form of an operation.
//
//	id: drop_customer_region
//	kind: drop_column
//	schema: public
//	table: customers
//	column: region
//	statements:
//	  - ALTER TABLE customers DROP COLUMN region
type operationFile struct {
	ID            string            `yaml:"id"`
	Kind          string            `yaml:"kind"`
	Schema        string            `yaml:"schema"`
	Table         string            `yaml:"table"`
	Column        string            `yaml:"column"`
	Name          string            `yaml:"name"`
	NewName       string            `yaml:"new_name"`
	Description   string            `yaml:"description"`
	EstimatedRows int64             `yaml:"estimated_rows"`
	Statements    []string          `yaml:"statements"`
	Metadata      map[string]string `yaml:"metadata"`
	// Also lists further tables the change touches.
	Also []string `yaml:"also"`
}

// operationFlags describe the operation a command acts on, either inline
// or through --file.
type operationFlags struct {
	file string
	operationFile
	sql []string
}

func (f *operationFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "YAML file describing the operation")
	fl.StringVar(&f.ID, "id", "", "Operation ID recorded in history")
	fl.StringVarP(&f.Kind, "kind", "k", "", "Operation kind, e.g. drop_column, add_index, rename_table")
	fl.StringVar(&f.Schema, "schema", "", "Schema of the target")
	fl.StringVarP(&f.Table, "table", "t", "", "Table of the target")
	fl.StringVarP(&f.Column, "column", "c", "", "Column of the target")
	fl.StringVar(&f.Name, "name", "", "Index or constraint name")
	fl.StringVar(&f.NewName, "new-name", "", "New name for rename operations")
	fl.StringVar(&f.Description, "description", "", "Free text recorded with the operation")
	fl.Int64Var(&f.EstimatedRows, "estimated-rows", 0, "Rows the change touches, when known")
	fl.StringArrayVar(&f.sql, "sql", nil, "DDL statement to run (repeatable)")
	fl.StringSliceVar(&f.Also, "also", nil, "Further tables the change touches")
}

// request builds the request from the flags. Flags given on the command
// line win over the file.
func (f *operationFlags) request() (safety.Request, error) {
	spec := f.operationFile
	if f.file != "" {
		fromFile, err := readOperationFile(config.AppFs, f.file)
		if err != nil {
			return safety.Request{}, err
		}
		spec = mergeOperation(fromFile, spec)
	}
	if len(f.sql) > 0 {
		spec.Statements = f.sql
	}
	op, err := spec.operation()
	if err != nil {
		return safety.Request{}, err
	}
	req := safety.Request{Operation: op, RollbackOnFailure: true}
	for _, t := range spec.Also {
		req.Targets = append(req.Targets, migrate.Table(spec.Schema, t))
	}
	return req, nil
}

func readOperationFile(fs afero.Fs, path string) (operationFile, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return operationFile{}, fmt.Errorf("failed to read operation file: %w", err)
	}
	var spec operationFile
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return operationFile{}, fmt.Errorf("failed to parse operation file %s: %w", path, err)
	}
	return spec, nil
}

func mergeOperation(base, over operationFile) operationFile {
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&base.ID, over.ID)
	pick(&base.Kind, over.Kind)
	pick(&base.Schema, over.Schema)
	pick(&base.Table, over.Table)
	pick(&base.Column, over.Column)
	pick(&base.Name, over.Name)
	pick(&base.NewName, over.NewName)
	pick(&base.Description, over.Description)
	if over.EstimatedRows > 0 {
		base.EstimatedRows = over.EstimatedRows
	}
	if len(over.Statements) > 0 {
		base.Statements = over.Statements
	}
	if len(over.Also) > 0 {
		base.Also = over.Also
	}
	return base
}

func (s operationFile) operation() (migrate.Operation, error) {
	if s.Kind == "" {
		return migrate.Operation{}, errors.New("operation kind is required: use --kind or --file")
	}
	kind, err := migrate.ParseOperationKind(s.Kind)
	if err != nil {
		return migrate.Operation{}, err
	}

	var target migrate.SchemaObject
	switch kind.TargetKind() {
	case migrate.KindColumn:
		target = migrate.Column(s.Schema, s.Table, s.Column)
	case migrate.KindIndex:
		target = migrate.Index(s.Schema, s.Table, s.Name)
	case migrate.KindConstraint:
		target = migrate.Constraint(s.Schema, s.Table, s.Name)
	default:
		target = migrate.Table(s.Schema, s.Table)
	}

	statements := make([]string, 0, len(s.Statements))
	for _, stmt := range s.Statements {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}

	op := migrate.Operation{
		ID:            s.ID,
		Kind:          kind,
		Target:        target,
		NewName:       s.NewName,
		Statements:    statements,
		Description:   s.Description,
		EstimatedRows: s.EstimatedRows,
		Metadata:      s.Metadata,
	}
	if err := op.Validate(); err != nil {
		return migrate.Operation{}, err
	}
	return op, nil
}
