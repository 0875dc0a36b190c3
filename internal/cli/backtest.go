package cli

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autoppm/internal/broker"
	"autoppm/internal/clock"
	"autoppm/internal/config"
	"autoppm/internal/engine"
	"autoppm/internal/feed"
	"autoppm/internal/models"
	"autoppm/internal/notify"
	"autoppm/internal/store"
)

func addRunCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newBacktestCmd(app))
	rootCmd.AddCommand(newParityCmd(app))
	rootCmd.AddCommand(newPaperCmd(app))
	rootCmd.AddCommand(newSynthCmd(app))
}

// dataFlags registers the market data source flags shared by run commands.
func dataFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("data", nil, "CSV files of bars (instrument,timestamp,open,high,low,close,volume)")
	cmd.Flags().StringSlice("synthetic", nil, "generate random-walk bars for these instruments instead of reading files")
	cmd.Flags().Int("bars", 500, "bars per synthetic instrument")
	cmd.Flags().String("start", "2024-01-02", "first synthetic bar date")
}

// loadRecords reads the data named by the flags and merges it into one
// timestamp-ordered stream.
func loadRecords(cmd *cobra.Command, cfg *config.Config) ([]models.RawRecord, error) {
	files, _ := cmd.Flags().GetStringSlice("data")
	synth, _ := cmd.Flags().GetStringSlice("synthetic")

	var streams [][]models.RawRecord
	for _, path := range files {
		recs, err := feed.LoadCSVFile(path)
		if err != nil {
			return nil, err
		}
		streams = append(streams, recs)
	}
	if len(synth) > 0 {
		bars, _ := cmd.Flags().GetInt("bars")
		startStr, _ := cmd.Flags().GetString("start")
		start, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --start: %w", err)
		}
		for i, inst := range synth {
			streams = append(streams, feed.Synthetic(feed.SyntheticConfig{
				Instrument: strings.ToUpper(inst),
				Start:      start,
				Bars:       bars,
				Interval:   24 * time.Hour,
				Price:      50 + 25*float64(i),
				Drift:      0.0003,
				Volatility: 0.018,
				Volume:     1e6,
				Seed:       cfg.Engine.Seed + int64(i),
			}))
		}
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("no market data: pass --data or --synthetic")
	}
	return feed.Merge(streams...), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newBacktestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay market data through the pipeline",
		Long: `Replay historical bars through strategies, the risk gate and the
simulated venue, then report performance.

Examples:
  autoppm backtest --data spy.csv --data qqq.csv
  autoppm backtest --synthetic ACME,XYZ --bars 750 --chart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := *app.Config
			cfg.Engine.Mode = "backtest"
			cfg.Execution.Adapter = "simulated"
			if persist, _ := cmd.Flags().GetBool("persist"); !persist {
				cfg.Store.Driver = "memory"
			}

			records, err := loadRecords(cmd, &cfg)
			if err != nil {
				return err
			}
			st, err := openStore(&cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := signalContext()
			defer cancel()

			eng, err := newReplayEngine(&cfg, nil, st, notify.Nop{}, app.Logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			if !output.IsJSON() {
				output.Info("Replaying %d records...", len(records))
			}
			res, err := eng.Run(ctx, records, 0)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(resultSummary(res))
			}
			printResult(output, res)
			if chart, _ := cmd.Flags().GetBool("chart"); chart {
				output.Println()
				output.Println(res.EquityChart(70, 15))
			}
			return nil
		},
	}
	dataFlags(cmd)
	cmd.Flags().Bool("chart", false, "draw the equity curve")
	cmd.Flags().Bool("persist", false, "write orders, fills and the journal to the configured store")
	return cmd
}

// finite maps the infinities some ratios take to JSON-safe values.
func finite(v float64) interface{} {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return v
}

func resultSummary(res *engine.Result) map[string]interface{} {
	m := res.Metrics
	return map[string]interface{}{
		"cycles":        res.Cycles,
		"events":        res.Events,
		"dropped":       res.Dropped,
		"signals":       res.Signals,
		"intents":       res.Intents,
		"orders":        res.Orders,
		"fills":         res.Fills,
		"rejections":    res.Rejections,
		"order_states":  res.OrderStates,
		"final":         res.Final,
		"breaker":       res.Breaker,
		"total_return":  finite(m.TotalReturn),
		"cagr":          finite(m.CAGR),
		"max_drawdown":  finite(m.MaxDrawdown),
		"sharpe":        finite(m.Sharpe),
		"calmar":        finite(m.Calmar),
		"var95":         finite(m.VaR95Amount),
		"trades":        m.Trades,
		"win_rate":      finite(m.WinRate),
		"profit_factor": finite(m.ProfitFactor),
		"net_pnl":       finite(m.NetPnL),
	}
}

// newReplayEngine builds an engine on a simulated clock. A nil broker
// selects the simulated adapter.
func newReplayEngine(cfg *config.Config, b broker.Broker, st store.Store, n notify.Notifier, logger zerolog.Logger) (*engine.Engine, error) {
	clk := clock.NewSimulated(time.Time{})
	adapter, err := engine.BuildAdapter(cfg, clk, b, logger)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		Config:   cfg,
		Adapter:  adapter,
		Clock:    clk,
		Store:    st,
		Notifier: n,
		Logger:   logger,
	})
}

func printResult(output *Output, res *engine.Result) {
	m := res.Metrics
	output.Box("Backtest Results", []string{
		fmt.Sprintf("Cycles:         %d (%d events, %d dropped)", res.Cycles, res.Events, res.Dropped),
		fmt.Sprintf("Signals:        %d -> %d intents -> %d orders", res.Signals, res.Intents, res.Orders),
		fmt.Sprintf("Fills:          %d", res.Fills),
		fmt.Sprintf("Final Equity:   %s", FormatCurrency(res.Final.Equity)),
		fmt.Sprintf("Total Return:   %s", output.Percent(m.TotalReturn*100)),
		fmt.Sprintf("CAGR:           %s", output.Percent(m.CAGR*100)),
		fmt.Sprintf("Max Drawdown:   %s", output.Red(fmt.Sprintf("%.2f%%", m.MaxDrawdown*100))),
		fmt.Sprintf("Sharpe:         %s", FormatRatio(m.Sharpe)),
		fmt.Sprintf("Calmar:         %s", FormatRatio(m.Calmar)),
		fmt.Sprintf("VaR 95%%:        %s", FormatCurrency(m.VaR95Amount)),
		fmt.Sprintf("Trades:         %d (win rate %.1f%%)", m.Trades, m.WinRate*100),
		fmt.Sprintf("Profit Factor:  %s", FormatRatio(m.ProfitFactor)),
		fmt.Sprintf("Net P&L:        %s", output.PnL(m.NetPnL)),
	})

	if len(res.Rejections) > 0 {
		output.Println()
		output.Bold("Risk Rejections")
		reasons := make([]string, 0, len(res.Rejections))
		for r := range res.Rejections {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		t := NewTable(output, "REASON", "COUNT")
		for _, r := range reasons {
			t.AddRow(r, fmt.Sprint(res.Rejections[models.RejectReason(r)]))
		}
		t.Render()
	}

	output.Println()
	output.Bold("Orders by State")
	states := make([]string, 0, len(res.OrderStates))
	for s := range res.OrderStates {
		states = append(states, string(s))
	}
	sort.Strings(states)
	t := NewTable(output, "STATE", "COUNT")
	for _, s := range states {
		t.AddRow(output.State(s), fmt.Sprint(res.OrderStates[models.OrderState(s)]))
	}
	t.Render()

	if res.Quality.Executions > 0 {
		output.Println()
		output.Printf("Execution cost: avg %.2f bps, worst %.2f bps over %d fills\n",
			res.Quality.AvgCostBps, res.Quality.MaxCostBps, res.Quality.Executions)
	}
	if res.Breaker.Tripped {
		output.Println()
		output.Warning("Drawdown breaker tripped at %s (%.2f%% from peak)", FormatTime(res.Breaker.TrippedAt), res.Breaker.Drawdown*100)
	}
}

func newParityCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parity",
		Short: "Check the simulated and live adapters agree",
		Long: `Replay the same data twice, once through the simulated adapter and once
through the live adapter talking to an in-process sandbox broker, and compare
every order, fill and position change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			base := *app.Config
			base.Store.Driver = "memory"
			base.Execution.RateLimit = 0

			records, err := loadRecords(cmd, &base)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			sim := base
			sim.Execution.Adapter = "simulated"
			simEng, err := newReplayEngine(&sim, nil, store.NewMemoryStore(), notify.Nop{}, app.Logger)
			if err != nil {
				return err
			}
			defer simEng.Close()
			if _, err := simEng.Run(ctx, records, 0); err != nil {
				return err
			}

			live := base
			live.Execution.Adapter = "live"
			clk := clock.NewSimulated(time.Time{})
			sandbox := broker.NewSandbox(engine.MatcherConfig(live.Execution), clk.Now)
			adapter, err := engine.BuildAdapter(&live, clk, sandbox, app.Logger)
			if err != nil {
				return err
			}
			liveEng, err := engine.New(engine.Options{Config: &live, Adapter: adapter, Clock: clk, Logger: app.Logger})
			if err != nil {
				return err
			}
			defer liveEng.Close()
			if _, err := liveEng.Run(ctx, records, 0); err != nil {
				return err
			}

			a, b := simEng.Trace(), liveEng.Trace()
			diffs := a.Diff(b, 20)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"orders":      len(a.Orders),
					"fills":       len(a.Fills),
					"mutations":   len(a.Ledger),
					"differences": diffs,
				})
			}
			output.Printf("Compared %d orders, %d fills and %d position changes\n", len(a.Orders), len(a.Fills), len(a.Ledger))
			if len(diffs) == 0 {
				output.Success("✓ Simulated and live adapters produced identical traces")
				return nil
			}
			for _, d := range diffs {
				output.Error("  %s", d)
			}
			return fmt.Errorf("adapters diverged (%d differences shown)", len(diffs))
		},
	}
	dataFlags(cmd)
	return cmd
}

func newSynthCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synth <instrument>...",
		Short: "Write synthetic bars as CSV",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Flags().Set("synthetic", strings.Join(args, ",")); err != nil {
				return err
			}
			records, err := loadRecords(cmd, app.Config)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" || out == "-" {
				return feed.WriteCSV(cmd.OutOrStdout(), records)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := feed.WriteCSV(f, records); err != nil {
				return err
			}
			NewOutput(cmd).Success("Wrote %d bars to %s", len(records), out)
			return nil
		},
	}
	dataFlags(cmd)
	cmd.Flags().StringP("out", "o", "", "output file (default stdout)")
	return cmd
}
