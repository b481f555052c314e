package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/internal/container"
	"github.com/satishbabariya/schemaguard/internal/watch"
	"github.com/satishbabariya/schemaguard/migrate/safety"
)

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(app *App) *cobra.Command {
	var op operationFlags

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Show what a schema change would affect",
		Long: `Analyze walks the dependency graph of the change target and reports the
views, foreign keys, triggers, procedures and indexes that depend on it.`,
		Example: `  schemaguard analyze --kind drop_column --table customers --column region
  schemaguard analyze -f migrations/drop_region.yaml -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := op.request()
			if err != nil {
				return err
			}
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				return runAnalyze(ctx, app, c, req)
			})
		},
	}
	op.bind(cmd)

	return cmd
}

func runAnalyze(ctx context.Context, app *App, c *container.Container, req safety.Request) error {
	report, err := c.Analyzer.Analyze(ctx, req.Operation, req.Targets...)
	if err != nil {
		return fmt.Errorf("failed to analyze %s: %w", req.Operation.Name(), err)
	}
	p := app.printer
	if p.JSON() {
		return p.WriteJSON(report)
	}
	p.Header("schemaguard analyze", req.Operation.Name())
	impact := report.Combined()
	p.Impact(impact, report.ForeignKeys, report.Rename)
	for _, w := range impact.Warnings {
		p.Warning("%s", w)
	}
	return nil
}

// NewAssessCommand creates the assess command.
func NewAssessCommand(app *App) *cobra.Command {
	var (
		op       operationFlags
		watchRun bool
	)

	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Score the risk of a schema change and plan mitigations",
		Long: `Assess analyzes the change, scores its risk in every category and builds
the mitigation plan. Nothing is executed.

With --watch the operation file is assessed again on every save.`,
		Example: `  schemaguard assess --kind rename_column -t customers -c email --new-name contact_email
  schemaguard assess -f migrations/drop_region.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := op.request(); err != nil {
				return err
			}
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				assess := func(ctx context.Context) error {
					req, err := op.request()
					if err != nil {
						return err
					}
					report, err := c.Orchestrator.Assess(ctx, req)
					if perr := app.printer.Report(report); perr != nil {
						return perr
					}
					return err
				}
				if !watchRun {
					return assess(ctx)
				}
				return runWatch(ctx, app, op.file, assess)
			})
		},
	}
	op.bind(cmd)
	cmd.Flags().BoolVarP(&watchRun, "watch", "w", false, "Assess again whenever the operation file changes")

	return cmd
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(app *App) *cobra.Command {
	var op operationFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the mitigation plan for a schema change",
		Long:  "Plan prints the mitigation strategies the assessment selects, as markdown or JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := op.request()
			if err != nil {
				return err
			}
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				report, err := c.Orchestrator.Assess(ctx, req)
				if err != nil {
					return err
				}
				p := app.printer
				if p.JSON() {
					return p.WriteJSON(report.Mitigation)
				}
				p.Header("schemaguard plan", fmt.Sprintf("%s risk %s", req.Operation.Name(), report.Risk.OverallLevel))
				p.Plan(report.Mitigation)
				return nil
			})
		},
	}
	op.bind(cmd)

	return cmd
}

func runWatch(ctx context.Context, app *App, file string, fn func(context.Context) error) error {
	if file == "" {
		return fmt.Errorf("--watch needs an operation file (--file)")
	}
	w, err := watch.New([]string{file}, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			app.printer.Error("%v", err)
		}
		return nil
	}, watch.WithLogger(app.logger))
	if err != nil {
		return err
	}
	app.logger.Info("watching for changes", zap.String("file", file))
	return w.Run(ctx)
}
