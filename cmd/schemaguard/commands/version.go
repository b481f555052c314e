package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaguard/internal/version"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(app *App) *cobra.Command {
	var (
		latest  string
		require string
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Display version information for the schemaguard CLI.

--latest compares against a known release, --require fails unless the
running version satisfies a constraint such as ">= 1.2, < 2".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			p := app.printer
			if p.JSON() {
				if err := p.WriteJSON(info); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(p.Out, info.FullString())
			}

			if latest != "" {
				newer, err := version.UpdateAvailable(info.Version, latest)
				if err != nil {
					return err
				}
				switch {
				case p.JSON():
				case newer:
					p.Warning("schemaguard %s is available (running %s)", latest, info.Version)
				default:
					p.Success("up to date")
				}
			}
			if require != "" {
				ok, err := version.Satisfies(info.Version, require)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("schemaguard %s does not satisfy %q", info.Version, require)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&latest, "latest", "", "Latest released version to compare against")
	cmd.Flags().StringVar(&require, "require", "", "Version constraint the binary must satisfy")

	return cmd
}
