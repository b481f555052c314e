package staging

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/sqlgen"
)

// Row is one sampled row, in SampleRequest.Columns order.
type Row []any

// KeyFilter restricts a sample to rows whose Column is NULL or one of
// Values.
type KeyFilter struct {
	Column string
	Values []any
}

// SampleRequest describes the rows to read from one table.
type SampleRequest struct {
	Table    string
	Columns  []string
	Limit    int
	Strategy SamplingStrategy
	// StratifyColumn partitions a Stratified sample.
	StratifyColumn string
	Filters        []KeyFilter
}

// SampleSource reads sample rows from the source database.
type SampleSource interface {
	SampleRows(ctx context.Context, req SampleRequest) ([]Row, error)
}

// SQLSampleSource samples with plain SQL against a database/sql handle.
type SQLSampleSource struct {
	db      *sql.DB
	dialect sqlgen.Dialect
}

// NewSQLSampleSource creates a sample source for provider.
func NewSQLSampleSource(db *sql.DB, provider string) (*SQLSampleSource, error) {
	d, err := sqlgen.ForProvider(provider)
	if err != nil {
		return nil, err
	}
	return &SQLSampleSource{db: db, dialect: d}, nil
}

func (s *SQLSampleSource) random() string {
	if s.dialect.Name() == introspect.ProviderMySQL {
		return "RAND()"
	}
	return "RANDOM()"
}

// SampleRows returns up to req.Limit rows in random order. Stratified
// requests take an equal share from every value of StratifyColumn.
func (s *SQLSampleSource) SampleRows(ctx context.Context, req SampleRequest) ([]Row, error) {
	if len(req.Columns) == 0 {
		return nil, fmt.Errorf("sample of %s names no columns", req.Table)
	}
	if req.Limit <= 0 {
		return nil, nil
	}
	cols := make([]string, len(req.Columns))
	for i, c := range req.Columns {
		cols[i] = s.dialect.Quote(c)
	}
	where, args := s.where(req.Filters)
	table := s.dialect.Quote(req.Table)

	var query string
	if req.Strategy == Stratified && req.StratifyColumn != "" {
		strata, err := s.countStrata(ctx, table, req.StratifyColumn, where, args)
		if err != nil {
			return nil, err
		}
		if strata == 0 {
			return nil, nil
		}
		per := (req.Limit + strata - 1) / strata
		query = fmt.Sprintf(
			"SELECT %s FROM (SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS sg_rn FROM %s%s) sg_strata WHERE sg_rn <= %d ORDER BY sg_rn LIMIT %d",
			strings.Join(cols, ", "), strings.Join(cols, ", "), s.dialect.Quote(req.StratifyColumn),
			s.random(), table, where, per, req.Limit)
	} else {
		query = fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT %d",
			strings.Join(cols, ", "), table, where, s.random(), req.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", req.Table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row := make(Row, len(cols))
		dest := make([]any, len(cols))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan sample of %s: %w", req.Table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLSampleSource) countStrata(ctx context.Context, table, column, where string, args []any) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s%s", s.dialect.Quote(column), table, where)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count strata of %s: %w", table, err)
	}
	// NULL is a stratum of its own but COUNT(DISTINCT) skips it.
	return n + 1, nil
}

func (s *SQLSampleSource) where(filters []KeyFilter) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	var (
		clauses []string
		args    []any
	)
	for _, f := range filters {
		col := s.dialect.Quote(f.Column)
		if len(f.Values) == 0 {
			clauses = append(clauses, col+" IS NULL")
			continue
		}
		marks := make([]string, len(f.Values))
		for i, v := range f.Values {
			args = append(args, v)
			marks[i] = s.dialect.Placeholder(len(args))
		}
		clauses = append(clauses, fmt.Sprintf("(%s IS NULL OR %s IN (%s))", col, col, strings.Join(marks, ", ")))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// estimateSize approximates the stored size of a row.
func estimateSize(row Row) int64 {
	size := int64(16)
	for _, v := range row {
		switch x := v.(type) {
		case nil:
			size++
		case string:
			size += int64(len(x))
		case []byte:
			size += int64(len(x))
		default:
			size += 8
		}
	}
	return size
}

// keyOf renders a tuple of values as a comparable map key.
func keyOf(values ...any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case []byte:
			parts[i] = string(x)
		default:
			parts[i] = fmt.Sprint(x)
		}
	}
	return strings.Join(parts, "\x00")
}
