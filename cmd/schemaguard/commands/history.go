package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaguard/internal/container"
	"github.com/satishbabariya/schemaguard/migrate/history"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(app *App) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show executed schema changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				if err := c.History.InitTable(ctx); err != nil {
					return err
				}
				var (
					records []history.Record
					err     error
				)
				if runID != "" {
					records, err = c.History.GetByRun(ctx, runID)
				} else {
					records, err = c.History.GetAll(ctx)
				}
				if err != nil {
					return fmt.Errorf("failed to read history: %w", err)
				}
				return printHistory(app, records)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Only show records of this run")

	return cmd
}

func printHistory(app *App, records []history.Record) error {
	p := app.printer
	if p.JSON() {
		return p.WriteJSON(records)
	}
	if len(records) == 0 {
		p.Info("no schema changes recorded")
		return nil
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		status := string(r.Status)
		if r.RolledBack {
			status += " (rolled back)"
		}
		rows = append(rows, []string{
			r.AppliedAt.Local().Format(time.DateTime),
			r.RunID,
			r.Operation,
			string(r.Kind),
			r.Target,
			status,
			(time.Duration(r.ExecutionTime) * time.Millisecond).String(),
			r.ErrorMessage,
		})
	}
	return p.Table([]string{"Applied", "Run", "Operation", "Kind", "Target", "Status", "Took", "Error"}, rows)
}
