package dependency

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// Report bundles every analyzer output for one operation. It is what the
// risk engine consumes.
type Report struct {
	Impact        *ImpactReport     `json:"impact"`
	ForeignKeys   *ForeignKeyReport `json:"foreign_keys,omitempty"`
	Rename        *RenameReport     `json:"rename,omitempty"`
	Related       []*ImpactReport   `json:"related,omitempty"`
	Graph         *Graph            `json:"graph,omitempty"`
	Provider      string            `json:"provider"`
	ServerVersion string            `json:"server_version,omitempty"`
}

// Suite runs the dependency, foreign key and rename analyzers against a
// single catalog read.
type Suite struct {
	catalog introspect.Introspector
	deps    *Analyzer
	fks     *ForeignKeyAnalyzer
	renames *RenameAnalyzer
	logger  *zap.Logger
}

// NewSuite creates a suite over catalog.
func NewSuite(catalog introspect.Introspector, logger *zap.Logger, opts ...Option) *Suite {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]Option{WithLogger(logger)}, opts...)
	return &Suite{
		catalog: catalog,
		deps:    NewAnalyzer(catalog, opts...),
		fks:     NewForeignKeyAnalyzer(catalog, logger),
		renames: NewRenameAnalyzer(catalog, logger),
		logger:  logger.Named("analysis"),
	}
}

// Analyze reports on op and on any extra targets it touches. Extra targets
// are analyzed in parallel and folded into Related.
func (s *Suite) Analyze(ctx context.Context, op migrate.Operation, extra ...migrate.SchemaObject) (*Report, error) {
	schema, err := s.deps.Catalog(ctx, op.Target)
	if err != nil {
		return nil, err
	}
	return s.AnalyzeSchema(ctx, schema, op, extra...)
}

// AnalyzeSchema is Analyze over an already loaded catalog.
func (s *Suite) AnalyzeSchema(ctx context.Context, schema *introspect.DatabaseSchema, op migrate.Operation, extra ...migrate.SchemaObject) (*Report, error) {
	report := &Report{Provider: schema.Provider, ServerVersion: schema.ServerVersion}

	res, err := s.deps.AnalyzeSchema(ctx, schema, op.Target, op.Kind)
	if err != nil {
		return nil, err
	}
	report.Impact = res.Impact
	report.Graph = res.Graph

	report.ForeignKeys, err = s.fks.AnalyzeSchema(schema, op.Target, op.Kind)
	if err != nil {
		return nil, err
	}

	if op.Kind.IsRename() {
		report.Rename, err = s.renames.AnalyzeSchema(schema, op.Target, op.NewName)
		if err != nil {
			return nil, err
		}
		report.Impact.IsSafeToProceed = report.Impact.IsSafeToProceed && report.Rename.IsSafeToProceed
	}

	if len(extra) > 0 {
		related := make([]*ImpactReport, len(extra))
		g, gctx := errgroup.WithContext(ctx)
		if s.deps.parallelism > 0 {
			g.SetLimit(s.deps.parallelism)
		}
		for i, target := range extra {
			g.Go(func() error {
				r, err := s.deps.AnalyzeSchema(gctx, schema, target, op.Kind)
				if err != nil {
					return err
				}
				related[i] = r.Impact
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		report.Related = related
	}

	s.logger.Info("analysis complete",
		zap.String("operation", op.Name()),
		zap.String("impact", string(report.Impact.ImpactLevel)),
		zap.Bool("safe", report.Impact.IsSafeToProceed),
		zap.Int("related", len(report.Related)),
	)
	return report, nil
}

// Combined returns the target impact merged with every related impact.
func (r *Report) Combined() *ImpactReport {
	if r == nil || r.Impact == nil {
		return nil
	}
	out := *r.Impact
	out.AffectedObjects = append([]migrate.SchemaObject(nil), r.Impact.AffectedObjects...)
	out.Warnings = append([]string(nil), r.Impact.Warnings...)
	out.Cycles = append([][]string(nil), r.Impact.Cycles...)
	for _, rel := range r.Related {
		out.Merge(rel)
	}
	return &out
}
