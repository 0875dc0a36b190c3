package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"autoppm/internal/store"
)

func addOpsCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newFillsCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))
	rootCmd.AddCommand(newBreakerCmd(app))
}

// parseAsOf accepts RFC 3339 or a plain date; empty means now.
func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t.Add(24*time.Hour - time.Nanosecond), nil
}

func newOrdersCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Show persisted orders as of a point in time",
		Long: `Rebuild every order from the store as it stood at --as-of, using the
recorded state transitions.

Examples:
  autoppm orders
  autoppm orders --as-of 2024-03-15
  autoppm orders history 01HT3K6Z8QH5R2J7W9B4N1XVCE`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			asOfStr, _ := cmd.Flags().GetString("as-of")
			asOf, err := parseAsOf(asOfStr)
			if err != nil {
				return err
			}
			st, err := openStore(app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.OrdersAsOf(context.Background(), asOf)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(list)
			}
			if len(list) == 0 {
				output.Dim("No orders as of %s", FormatTime(asOf))
				return nil
			}
			t := NewTable(output, "ORDER", "INSTRUMENT", "SIDE", "PURPOSE", "QTY", "FILLED", "AVG PRICE", "STATE", "CREATED")
			for _, o := range list {
				t.AddRow(o.ID, o.Instrument, string(o.Side), string(o.Purpose),
					FormatQuantity(o.Quantity), FormatQuantity(o.FilledQty), FormatPrice(o.AvgFillPrice),
					output.State(string(o.State)), FormatTime(o.CreatedAt))
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().String("as-of", "", "point in time (RFC 3339 or YYYY-MM-DD, default now)")

	cmd.AddCommand(&cobra.Command{
		Use:   "history <order-id>",
		Short: "Show an order's state transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := openStore(app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			trs, err := st.Transitions(context.Background(), args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(trs)
			}
			if len(trs) == 0 {
				return fmt.Errorf("no transitions recorded for %s", args[0])
			}
			t := NewTable(output, "TIME", "FROM", "TO", "REASON")
			for _, tr := range trs {
				t.AddRow(FormatTime(tr.Timestamp), string(tr.From), output.State(string(tr.To)), tr.Reason)
			}
			t.Render()
			return nil
		},
	})
	return cmd
}

func newFillsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fills",
		Short: "Show persisted fills",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			inst, _ := cmd.Flags().GetString("instrument")
			limit, _ := cmd.Flags().GetInt("limit")
			st, err := openStore(app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			fills, err := st.Fills(context.Background(), store.FillFilter{Instrument: inst, Limit: limit})
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(fills)
			}
			t := NewTable(output, "FILL", "INSTRUMENT", "SIDE", "QTY", "PRICE", "COMMISSION", "TIME")
			for _, f := range fills {
				t.AddRow(f.ID, f.Instrument, string(f.Side), FormatQuantity(f.Quantity),
					FormatPrice(f.Price), FormatCurrency(f.Commission), FormatTime(f.Timestamp))
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().String("instrument", "", "only this instrument")
	cmd.Flags().Int("limit", 50, "maximum fills to show")
	return cmd
}

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show the operator journal",
		Long: `Show rejections, suspensions, breaker trips, halts, escalations, data gaps
and configuration reloads recorded by the pipeline.

Kinds: risk_rejection, strategy_suspended, drawdown_breaker, instrument_halted,
order_escalation, reconfigure, data_gap`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			kind, _ := cmd.Flags().GetString("kind")
			inst, _ := cmd.Flags().GetString("instrument")
			limit, _ := cmd.Flags().GetInt("limit")
			st, err := openStore(app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.Journal(context.Background(), store.JournalFilter{Kind: kind, Instrument: inst, Limit: limit})
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(entries)
			}
			t := NewTable(output, "TIME", "KIND", "INSTRUMENT", "REASON", "MESSAGE")
			for _, e := range entries {
				t.AddRow(FormatTime(e.Timestamp), e.Kind, e.Instrument, e.Reason, TruncateString(e.Message, 60))
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().String("kind", "", "only this entry kind")
	cmd.Flags().String("instrument", "", "only this instrument")
	cmd.Flags().Int("limit", 100, "maximum entries to show")
	return cmd
}

func newBreakerCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Drawdown circuit breaker",
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset the breaker of a running paper session",
		Long: `Ask a running session to clear its drawdown breaker. New entries resume
from the next cycle; the peak is re-anchored at current equity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			operator, _ := cmd.Flags().GetString("operator")
			addr, _ := cmd.Flags().GetString("addr")
			if operator == "" {
				return fmt.Errorf("--operator is required")
			}
			if addr == "" {
				addr = app.Config.Metrics.Addr
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := postBreakerReset(ctx, addr, operator); err != nil {
				output.Error("Breaker reset failed: %v", err)
				return err
			}
			output.Success("✓ Drawdown breaker reset by %s", operator)
			return nil
		},
	}
	reset.Flags().String("operator", "", "name recorded in the journal")
	reset.Flags().String("addr", "", "control address of the session (default metrics.addr)")
	cmd.AddCommand(reset)
	return cmd
}
