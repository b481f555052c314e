package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaguard/internal/config"
	"github.com/satishbabariya/schemaguard/internal/container"
)

// NewLocksCommand creates the locks command.
func NewLocksCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect migration locks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List active migration locks",
		Long: `List prints the locks currently held in the lock backend. With the
memory backend only locks of this process are visible.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				if c.Config.Lock.Backend == config.BackendMemory && !app.printer.JSON() {
					app.printer.Info("memory lock backend: only locks held by this process are listed")
				}
				recs, err := c.Locks.ListActive(ctx)
				if err != nil {
					return fmt.Errorf("failed to list locks: %w", err)
				}
				return app.printer.Locks(recs, time.Now())
			})
		},
	})

	return cmd
}
