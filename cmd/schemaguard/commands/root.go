// Package commands implements CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/internal/config"
	"github.com/satishbabariya/schemaguard/internal/container"
	"github.com/satishbabariya/schemaguard/internal/logging"
	"github.com/satishbabariya/schemaguard/internal/ui"
)

// App carries the global flags and the loaded configuration shared by
// every command.
type App struct {
	configPath string
	logLevel   string
	logFormat  string
	output     string
	actor      string

	cfg     *config.Config
	logger  *zap.Logger
	printer *ui.Printer

	// options are passed to container.New; tests inject databases here.
	options []container.Option
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand(opts ...container.Option) *cobra.Command {
	app := &App{options: opts}

	rootCmd := &cobra.Command{
		Use:   "schemaguard",
		Short: "Safety net for production schema migrations",
		Long: `schemaguard analyzes a schema change before it runs, scores its risk,
plans mitigations, dry-runs it against a sampled staging copy and applies it
under a migration lock with validation checkpoints and automatic rollback.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "Path to the config file (default .schemaguard.yaml)")
	flags.StringVar(&app.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&app.logFormat, "log-format", "", "Log format: console or json")
	flags.StringVarP(&app.output, "output", "o", ui.FormatText, "Output format: text or json")
	flags.StringVar(&app.actor, "actor", "", "Name recorded in audit events")

	rootCmd.AddCommand(NewAnalyzeCommand(app))
	rootCmd.AddCommand(NewAssessCommand(app))
	rootCmd.AddCommand(NewPlanCommand(app))
	rootCmd.AddCommand(NewStageCommand(app))
	rootCmd.AddCommand(NewApplyCommand(app))
	rootCmd.AddCommand(NewSnapshotCommand(app))
	rootCmd.AddCommand(NewLocksCommand(app))
	rootCmd.AddCommand(NewHistoryCommand(app))
	rootCmd.AddCommand(NewConfigCommand(app))
	rootCmd.AddCommand(NewVersionCommand(app))

	return rootCmd
}

func (a *App) init(out, errOut io.Writer) error {
	format, err := ui.ParseFormat(a.output)
	if err != nil {
		return err
	}
	a.printer = &ui.Printer{Out: out, Err: errOut, Format: format}

	cfg, err := config.Load(config.AppFs, a.configPath)
	if err != nil {
		return err
	}
	if a.actor != "" {
		cfg.Actor = a.actor
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	a.cfg = cfg

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	logging.Init(logger)
	a.logger = logger
	if cfg.File != "" {
		logger.Debug("loaded config", zap.String("file", cfg.File))
	}
	return nil
}

// withContainer builds the components for one command and releases them
// when fn returns. Commands that never touch the database skip this.
func (a *App) withContainer(cmd *cobra.Command, fn func(ctx context.Context, c *container.Container) error) (err error) {
	ctx := cmd.Context()
	c, err := container.New(ctx, a.cfg, a.logger, a.options...)
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	defer func() {
		err = errors.Join(err, c.Close(context.WithoutCancel(ctx)))
	}()
	return fn(ctx, c)
}
