// Package cli provides the command-line interface for the trading application.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"auto-trader/internal/config"
	"auto-trader/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-06-01"
)

// skipConfig marks commands that run without a loaded configuration.
const skipConfig = "skip-config"

// App holds the application dependencies.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "autotrader",
		Short: "Rule-based intraday trade plan executor",
		Long: `autotrader watches live or replayed market bars and executes trade plans
when their entry and exit functions fire.

Orders go through a circuit breaker whose state survives restarts. Plan
progress and the execution history live in a local SQLite store.

Use 'autotrader init' to create configuration templates.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			app.ConfigDir = dir

			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}

			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg

			// Only the long-running command logs to the console; the
			// others print their own output.
			debug, _ := cmd.Flags().GetBool("debug")
			app.Logger = newLogger(cfg.Logging, cmd.Name() == "run", debug)
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/auto-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newInitCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newPlansCmd(app))

	return rootCmd
}

func newLogger(cfg config.LoggingConfig, console, debug bool) zerolog.Logger {
	lc := logging.LogConfig{
		Level:      cfg.Level,
		Console:    console && cfg.Console,
		File:       cfg.File,
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	}
	if debug {
		lc.Level = "debug"
	}
	if !lc.Console && !lc.File {
		return zerolog.Nop()
	}
	return logging.NewLoggerWithConfig(lc)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("autotrader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newInitCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Create configuration, credentials and plan templates",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			written, err := config.WriteTemplates(app.ConfigDir)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"dir": app.ConfigDir, "written": written})
			}
			if len(written) == 0 {
				output.Info("All templates already exist in %s", app.ConfigDir)
				return nil
			}
			for _, path := range written {
				output.Success("✓ Created %s", path)
			}
			return nil
		},
	}
}
