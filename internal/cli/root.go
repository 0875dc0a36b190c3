// Package cli provides the autoppm command-line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autoppm/internal/config"
	"autoppm/internal/logging"
	"autoppm/internal/store"
)

// Version information
const (
	Version   = "0.4.0"
	BuildDate = "2024-06-01"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI. The configuration is
// loaded before any subcommand runs.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "autoppm",
		Short: "Strategy execution and risk-gated order pipeline",
		Long: `autoppm runs trading strategies over market data, nets their signals,
sizes the result through a risk gate and routes orders to a simulated or
live execution adapter.

Backtests and paper sessions share the same pipeline; a replay with the same
data, configuration and seed always produces the same orders.

Use 'autoppm commands' to list commands by category.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipConfig(cmd) {
				return nil
			}
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.ConfigDir = dir
			app.Logger = logging.NewLoggerWithConfig(cfg.Logging)

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/autoppm)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addRunCommands(rootCmd, app)
	addOpsCommands(rootCmd, app)
	addHelpCommands(rootCmd, app)

	return rootCmd
}

// skipConfig reports commands that work without a loaded configuration.
func skipConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "init", "commands", "examples", "help":
		return true
	}
	return false
}

// openStore opens the configured persistence backend.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return store.NewSQLiteStore(cfg.Store.Path)
}

func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("autoppm v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "Create, view and validate config.toml and strategies.toml.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write default configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if _, err := config.Load(dir); err != nil {
				return err
			}
			output.Success("Configuration written to %s", dir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.ConfigDir})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Engine")
	output.Printf("  Mode:             %s\n", cfg.Engine.Mode)
	output.Printf("  Starting Capital: %s\n", FormatCurrency(cfg.Engine.StartingCapital))
	output.Printf("  Workers:          %d\n", cfg.Engine.Workers)
	output.Printf("  Seed:             %d\n", cfg.Engine.Seed)
	output.Printf("  Deadband:         %.2f\n", cfg.Engine.Deadband)
	output.Printf("  Gap Threshold:    %s\n", cfg.Engine.GapThreshold)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Max Position:     %.1f%%\n", cfg.Risk.MaxPositionFraction*100)
	output.Printf("  Max Exposure:     %.1f%%\n", cfg.Risk.MaxPortfolioExposure*100)
	output.Printf("  Max Sector:       %.1f%%\n", cfg.Risk.MaxSectorExposure*100)
	output.Printf("  Max Drawdown:     %.1f%%\n", cfg.Risk.MaxDrawdown*100)
	output.Printf("  Risk per Trade:   %.2f%%\n", cfg.Risk.PerTradeRiskFraction*100)
	output.Printf("  Sizing:           %s\n", cfg.Risk.Sizing)
	output.Printf("  Default Stop:     %s %.3f\n", cfg.Risk.StopKind, cfg.Risk.StopParam)
	output.Printf("  Allow Short:      %v\n", cfg.Risk.AllowShort)
	output.Println()

	output.Bold("Execution")
	output.Printf("  Adapter:          %s\n", cfg.Execution.Adapter)
	output.Printf("  Fill Model:       %s\n", cfg.Execution.FillModel)
	output.Printf("  Slippage:         %.1f bps\n", cfg.Execution.SlippageBps)
	output.Printf("  Entry Orders:     %s\n", cfg.Execution.EntryOrderType)
	output.Println()

	output.Bold("Strategies")
	t := NewTable(output, "ID", "KIND", "WEIGHT", "ENABLED", "INSTRUMENTS")
	for _, s := range cfg.Strategies {
		insts := "all"
		if len(s.Instruments) > 0 {
			insts = fmt.Sprint(s.Instruments)
		}
		t.AddRow(s.ID, s.Kind, fmt.Sprintf("%.2f", s.Weight), fmt.Sprint(s.Enabled), insts)
	}
	t.Render()
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:          %v\n", cfg.Notifications.Enabled)
	output.Printf("  Min Severity:     %s\n", cfg.Notifications.MinSeverity)
	output.Printf("  Webhook:          %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Metrics:          %v (%s%s)\n", cfg.Metrics.Enabled, cfg.Metrics.Addr, cfg.Metrics.Path)
}
