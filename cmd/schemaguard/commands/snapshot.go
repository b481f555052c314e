package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaguard/internal/container"
	"github.com/satishbabariya/schemaguard/internal/ui"
	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/lock"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
)

// NewSnapshotCommand creates the snapshot command with subcommands.
func NewSnapshotCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snap"},
		Short:   "Capture, compare and restore schema snapshots",
	}

	cmd.AddCommand(newSnapshotCreateCommand(app))
	cmd.AddCommand(newSnapshotListCommand(app))
	cmd.AddCommand(newSnapshotShowCommand(app))
	cmd.AddCommand(newSnapshotDiffCommand(app))
	cmd.AddCommand(newSnapshotRollbackCommand(app))

	return cmd
}

func newSnapshotCreateCommand(app *App) *cobra.Command {
	var (
		description string
		opts        snapshot.Options
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Capture the current schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				snap, err := c.Snapshots.Snapshot(ctx, description, opts)
				if err != nil {
					return err
				}
				if !app.printer.JSON() {
					app.printer.Success("snapshot %s captured", snap.ID)
				}
				return app.printer.Snapshot(snap)
			})
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&description, "description", "d", "manual snapshot", "Description stored with the snapshot")
	fl.StringSliceVar(&opts.Scope, "table", nil, "Limit the snapshot to these tables")
	fl.BoolVar(&opts.DataChecksums, "checksums", false, "Hash the rows of every table")
	fl.BoolVar(&opts.PerformanceBaseline, "baseline", false, "Time a full scan of every table")
	fl.BoolVar(&opts.Backup, "backup", false, "Copy table rows so a rollback can restore data")
	fl.IntVar(&opts.BackupRowLimit, "backup-rows", 0, "Rows copied per table (default 10000)")

	return cmd
}

func newSnapshotListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				snaps, err := c.Snapshots.List(ctx)
				if err != nil {
					return err
				}
				return app.printer.Snapshots(snaps)
			})
		},
	}
}

func newSnapshotShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				snap, err := c.Snapshots.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return app.printer.Snapshot(snap)
			})
		},
	}
}

func newSnapshotDiffCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <id>",
		Short: "Compare a snapshot with the current schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				snap, err := c.Snapshots.Get(ctx, args[0])
				if err != nil {
					return err
				}
				report, err := c.Snapshots.DiffCurrent(ctx, snap)
				if err != nil {
					return err
				}
				if app.printer.JSON() {
					return app.printer.WriteJSON(report)
				}
				app.printer.Header("schemaguard snapshot diff", snap.ID+" -> current")
				app.printer.Evolution(report)
				return nil
			})
		},
	}
}

func newSnapshotRollbackCommand(app *App) *cobra.Command {
	var (
		yes    bool
		schema string
	)

	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Restore the schema captured by a snapshot",
		Long: `Rollback returns the database structure to the snapshot. Table data is
restored only when the snapshot carries a backup. The schema lock is held
while the rollback runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				snap, err := c.Snapshots.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !yes {
					if app.printer.JSON() {
						return fmt.Errorf("refusing to roll back without --yes")
					}
					ok, err := ui.Confirm(fmt.Sprintf("Roll the database back to %s (%s)?", snap.ID, snap.Description), false)
					if err != nil || !ok {
						return err
					}
				}

				// Rollback may recreate tables, so it holds the schema lock.
				scope, key := lock.ResourceKeyFor(migrate.Operation{Kind: migrate.OpCreateTable, Target: migrate.Table(schema, "")})
				var res *snapshot.RollbackResult
				err = c.Locks.WithLock(ctx, scope, key, lock.AcquireOptions{
					Holder: map[string]string{"owner": "rollback " + snap.ID, "actor": app.cfg.Actor},
				}, func(ctx context.Context, _ *lock.Lock) error {
					var rerr error
					res, rerr = c.Snapshots.RollbackTo(ctx, snap)
					return rerr
				})
				if res != nil {
					if perr := app.printer.Rollback(res); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if res.Outcome != migrate.RollbackSucceeded {
					return fmt.Errorf("rollback to %s %s", snap.ID, res.Outcome)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().StringVar(&schema, "schema", "", "Schema whose lock is taken")

	return cmd
}
