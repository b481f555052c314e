package commands

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/satishbabariya/schemaguard/internal/config"
	"github.com/satishbabariya/schemaguard/internal/logging"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or write the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := redact(*app.cfg)
			if app.printer.JSON() {
				return app.printer.WriteJSON(cfg)
			}
			if cfg.File != "" {
				app.printer.Info("read from %s", cfg.File)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = app.printer.Out.Write(out)
			return err
		},
	})

	var path string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := config.Save(config.AppFs, app.cfg, path)
			if err != nil {
				return err
			}
			app.printer.Success("wrote %s", written)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", config.FileName+".yaml", "Where to write the file (empty for ~/.config/schemaguard)")
	cmd.AddCommand(initCmd)

	return cmd
}

func redact(cfg config.Config) config.Config {
	cfg.Database.URL = logging.RedactDSN(cfg.Database.URL)
	cfg.Database.ShadowURL = logging.RedactDSN(cfg.Database.ShadowURL)
	if cfg.Lock.RedisPassword != "" {
		cfg.Lock.RedisPassword = "xxxxx"
	}
	return cfg
}
