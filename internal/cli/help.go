package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func addHelpCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newCommandsCmd(app))
	rootCmd.AddCommand(newExamplesCmd(app))
}

type commandHelp struct {
	cmd  string
	desc string
}

func newCommandsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List all commands by category",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			output.Bold("autoppm Commands")
			output.Println()

			categories := []struct {
				name     string
				commands []commandHelp
			}{
				{
					name: "Running",
					commands: []commandHelp{
						{"backtest", "Replay bars through the pipeline"},
						{"paper", "Paced session on the live adapter with a sandbox broker"},
						{"parity", "Compare simulated and live adapter traces"},
						{"synth <instrument>...", "Write synthetic bars as CSV"},
					},
				},
				{
					name: "Operations",
					commands: []commandHelp{
						{"orders [--as-of]", "Orders rebuilt from the store"},
						{"orders history <id>", "State transitions of one order"},
						{"fills", "Persisted fills"},
						{"journal", "Rejections, halts, breaker trips, reloads"},
						{"breaker reset --operator", "Clear a running session's breaker"},
					},
				},
				{
					name: "Configuration",
					commands: []commandHelp{
						{"config init", "Write default config files"},
						{"config show/path/validate", "Inspect configuration"},
					},
				},
				{
					name: "Help",
					commands: []commandHelp{
						{"help <command>", "Detailed help"},
						{"commands", "List all commands"},
						{"examples", "Common workflows"},
						{"version", "Version information"},
					},
				},
			}

			for _, cat := range categories {
				output.Bold(cat.name)
				for _, c := range cat.commands {
					output.Printf("  %-34s %s\n", output.Cyan(c.cmd), c.desc)
				}
				output.Println()
			}

			output.Dim("Use 'autoppm help <command>' for detailed help on any command")
			return nil
		},
	}
}

func newExamplesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "examples",
		Short: "Show common workflow examples",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			output.Bold("Common Workflow Examples")
			output.Println()

			examples := []struct {
				title    string
				commands []string
			}{
				{
					title: "First Run",
					commands: []string{
						"autoppm config init                         # Write config.toml and strategies.toml",
						"autoppm synth ACME XYZ --bars 750 -o bars.csv # Generate sample data",
						"autoppm backtest --data bars.csv --chart    # Replay it",
					},
				},
				{
					title: "Check Determinism",
					commands: []string{
						"autoppm parity --data bars.csv              # Simulated vs live adapter",
						"autoppm backtest --data bars.csv --json > a.json",
						"autoppm backtest --data bars.csv --json > b.json",
					},
				},
				{
					title: "Paper Session",
					commands: []string{
						"autoppm paper --data bars.csv --pace 2s     # Serve /metrics and /healthz",
						"curl localhost:9464/healthz                 # Component health",
						"autoppm breaker reset --operator alice      # After a drawdown trip",
					},
				},
				{
					title: "Audit",
					commands: []string{
						"autoppm backtest --data bars.csv --persist  # Keep orders in sqlite",
						"autoppm orders --as-of 2024-06-28           # Order book at a date",
						"autoppm journal --kind risk_rejection       # Why intents were refused",
					},
				},
			}

			for _, ex := range examples {
				output.Bold(ex.title)
				for _, c := range ex.commands {
					parts := strings.SplitN(c, "#", 2)
					if len(parts) == 2 {
						output.Printf("  %s %s\n", output.Cyan(strings.TrimSpace(parts[0])), output.DimText(strings.TrimSpace(parts[1])))
					} else {
						output.Printf("  %s\n", output.Cyan(c))
					}
				}
				output.Println()
			}
			return nil
		},
	}
}
