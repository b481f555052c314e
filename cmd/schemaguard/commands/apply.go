package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaguard/internal/container"
	"github.com/satishbabariya/schemaguard/internal/ui"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/risk"
	"github.com/satishbabariya/schemaguard/migrate/safety"
	"github.com/satishbabariya/schemaguard/migrate/staging"
)

// stagingFlags select the dry run environment.
type stagingFlags struct {
	sampling         string
	maxStorageGB     float64
	maxDurationHours float64
}

func (f *stagingFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.sampling, "sampling", "", "Sampling strategy: representative, random or stratified")
	fl.Float64Var(&f.maxStorageGB, "max-storage-gb", 0, "Storage cap of the staging copy")
	fl.Float64Var(&f.maxDurationHours, "max-duration-hours", 0, "Lifetime cap of the staging environment")
}

// resolve applies the flags over the configured defaults.
func (f *stagingFlags) resolve(c *container.Container) (staging.SamplingStrategy, staging.ResourceLimits, error) {
	strategy, limits := c.StagingDefaults()
	if f.sampling != "" {
		s, err := staging.ParseSamplingStrategy(f.sampling)
		if err != nil {
			return "", limits, err
		}
		strategy = s
	}
	if f.maxStorageGB > 0 {
		limits.MaxStorageGB = f.maxStorageGB
	}
	if f.maxDurationHours > 0 {
		limits.MaxDurationHours = f.maxDurationHours
	}
	return strategy, limits, limits.Validate()
}

// NewStageCommand creates the stage command.
func NewStageCommand(app *App) *cobra.Command {
	var (
		op operationFlags
		sf stagingFlags
	)

	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Dry-run a schema change against a sampled staging copy",
		Long: `Stage provisions a staging environment, copies a sample of the data,
runs the change there and checks the data afterwards. Production is not
touched. The environment is removed when the dry run ends.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := op.request()
			if err != nil {
				return err
			}
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				if c.Staging == nil {
					return &migrate.StagingProvisionError{Reason: "no staging environment is available for " + c.Provider}
				}
				strategy, limits, err := sf.resolve(c)
				if err != nil {
					return err
				}

				spinner := app.printer.Spinner("Running dry run of " + req.Operation.Name())
				res, err := c.Staging.Run(ctx, strategy, limits, staging.TestPlan{Operation: req.Operation})
				ui.StopSpinner(spinner)
				if err != nil {
					return err
				}

				p := app.printer
				if p.JSON() {
					if err := p.WriteJSON(res); err != nil {
						return err
					}
				} else {
					p.Header("schemaguard stage", fmt.Sprintf("%s (%s sampling)", req.Operation.Name(), strategy))
					p.StagingResult(res)
				}
				if !res.Success {
					return fmt.Errorf("%w: %s", safety.ErrStagingFailed, res.Failure())
				}
				return nil
			})
		},
	}
	op.bind(cmd)
	sf.bind(cmd)

	return cmd
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(app *App) *cobra.Command {
	var (
		op            operationFlags
		sf            stagingFlags
		yes           bool
		stagingMode   string
		allowNoStage  bool
		proceedOnFail bool
		noRollback    bool
		lockTimeout   time.Duration
		lockTTL       time.Duration
		failFast      bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a schema change under the full safety protocol",
		Long: `Apply analyzes and scores the change, dry-runs it in staging when the
plan calls for it, takes the migration lock and runs it with validation
checkpoints. A failed required checkpoint rolls the change back.

High and critical risk changes ask for confirmation unless --yes is given.`,
		Example: `  schemaguard apply -f migrations/drop_region.yaml
  schemaguard apply -k add_index -t orders --name idx_orders_total \
    --sql "CREATE INDEX idx_orders_total ON orders(total)" --staging never --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := op.request()
			if err != nil {
				return err
			}
			mode, err := safety.ParseStagingMode(stagingMode)
			if err != nil {
				return err
			}
			if len(req.Operation.Statements) == 0 {
				return errors.New("nothing to apply: give the DDL with --sql or in the operation file")
			}

			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				strategy, limits, err := sf.resolve(c)
				if err != nil {
					return err
				}
				req.Staging = safety.StagingPolicy{
					Mode:                mode,
					AllowWithoutStaging: allowNoStage,
					ProceedOnFailure:    proceedOnFail,
					Strategy:            strategy,
					Limits:              limits,
				}
				req.Lock = safety.LockPolicy{Timeout: lockTimeout, TTL: lockTTL, FailFast: failFast}
				req.RollbackOnFailure = !noRollback
				req.Actor = app.cfg.Actor

				if !yes {
					ok, err := confirmApply(ctx, app, c, req)
					if err != nil || !ok {
						return err
					}
				}

				spinner := app.printer.Spinner("Applying " + req.Operation.Name())
				report, runErr := c.Orchestrator.Run(ctx, req)
				ui.StopSpinner(spinner)
				if report == nil {
					return runErr
				}
				if err := app.printer.Report(report); err != nil {
					return errors.Join(runErr, err)
				}
				return runErr
			})
		},
	}
	op.bind(cmd)
	sf.bind(cmd)
	fl := cmd.Flags()
	fl.BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	fl.StringVar(&stagingMode, "staging", string(safety.StagingAuto), "When to dry-run: auto, always or never")
	fl.BoolVar(&allowNoStage, "allow-no-staging", false, "Go on when no staging environment can be provisioned")
	fl.BoolVar(&proceedOnFail, "proceed-on-staging-failure", false, "Go on after a failed dry run")
	fl.BoolVar(&noRollback, "no-rollback", false, "Leave the change in place when validation fails")
	fl.DurationVar(&lockTimeout, "lock-timeout", 0, "How long to wait for the migration lock (default from config)")
	fl.DurationVar(&lockTTL, "lock-ttl", 0, "How long the migration lock may be held (default from config)")
	fl.BoolVar(&failFast, "fail-fast", false, "Fail at once when the migration lock is held")

	return cmd
}

// confirmApply assesses req and asks before a high risk change. JSON
// output cannot prompt, so high risk changes need --yes there.
func confirmApply(ctx context.Context, app *App, c *container.Container, req safety.Request) (bool, error) {
	report, err := c.Orchestrator.Assess(ctx, req)
	if err != nil {
		_ = app.printer.Report(report)
		return false, err
	}
	level := report.Risk.OverallLevel
	if !level.AtLeast(risk.LevelHigh) {
		return true, nil
	}
	if app.printer.JSON() {
		return false, fmt.Errorf("refusing to apply a %s risk change without --yes", level)
	}

	p := app.printer
	p.Risk(report.Risk)
	p.Plan(report.Mitigation)
	ok, err := ui.Confirm(fmt.Sprintf("%s is %s risk. Apply it?", req.Operation.Name(), level), false)
	if err != nil {
		return false, err
	}
	if !ok {
		p.Warning("aborted by operator")
	}
	return ok, nil
}
