package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autoppm/internal/broker"
	"autoppm/internal/clock"
	"autoppm/internal/config"
	"autoppm/internal/engine"
	"autoppm/internal/notify"
	"autoppm/internal/stream"
)

func newPaperCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paper",
		Short: "Run a paced paper-trading session",
		Long: `Run the pipeline against the live adapter and an in-process sandbox
broker, feeding bars at a fixed pace. While it runs the session serves
Prometheus metrics, a health endpoint and a breaker reset endpoint, and it
reloads config.toml and strategies.toml when they change.

Endpoints (on metrics.addr):
  GET  /metrics          Prometheus metrics
  GET  /healthz          component health as JSON
  GET  /portfolio        current portfolio snapshot
  GET  /positions        open positions
  GET  /stream           websocket feed of cycle updates (?topic=portfolio)
  POST /breaker/reset    reset the drawdown breaker (?operator=name)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := *app.Config
			cfg.Engine.Mode = "paper"
			cfg.Execution.Adapter = "live"

			records, err := loadRecords(cmd, &cfg)
			if err != nil {
				return err
			}
			pace, _ := cmd.Flags().GetDuration("pace")

			st, err := openStore(&cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := signalContext()
			defer cancel()

			dispatcher := notify.NewDispatcher(cfg.Notifications, app.Logger)
			if !cfg.Notifications.Terminal {
				term := notify.NewTerminalChannel(cmd.ErrOrStderr(), output.colorEnabled)
				bell, _ := cmd.Flags().GetBool("bell")
				term.SetBellEnabled(bell)
				dispatcher.AddChannel(term)
			}
			dispatcher.Start(ctx)
			defer dispatcher.Stop()

			hub := stream.NewHub()
			hub.Start(ctx)
			defer hub.Stop()
			hub.RegisterConsumer(stream.NewConsumerFunc([]string{stream.TopicPortfolio}, func(u stream.Update) {
				if u.Portfolio == nil || output.IsJSON() {
					return
				}
				output.Printf("%s  cycle %-5d equity %s  exposure %s  drawdown %.2f%%\n",
					FormatTime(u.Timestamp), u.Cycle, FormatCurrency(u.Portfolio.Equity),
					FormatCurrency(u.Portfolio.Exposure), u.Portfolio.Drawdown*100)
			}))

			clk := clock.NewSimulated(time.Time{})
			sandbox := broker.NewSandbox(engine.MatcherConfig(cfg.Execution), clk.Now)
			adapter, err := engine.BuildAdapter(&cfg, clk, sandbox, app.Logger)
			if err != nil {
				return err
			}
			eng, err := engine.New(engine.Options{
				Config:   &cfg,
				Adapter:  adapter,
				Clock:    clk,
				Store:    st,
				Notifier: dispatcher,
				Hub:      hub,
				Logger:   app.Logger,
			})
			if err != nil {
				return err
			}
			defer eng.Close()

			watcher := config.Watch(app.ConfigDir, app.Logger, func(next *config.Config) {
				if err := eng.Reconfigure(next); err != nil {
					app.Logger.Error().Err(err).Msg("Reloaded configuration rejected")
				}
			})

			srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: controlMux(eng, hub, cfg.Metrics.Path, app.Logger), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					app.Logger.Error().Err(err).Str("addr", srv.Addr).Msg("Control server stopped")
				}
			}()
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = srv.Shutdown(shutdownCtx)
			}()

			output.Info("Paper session: %d records at %s per cycle, control on %s", len(records), pace, cfg.Metrics.Addr)
			res, err := eng.Run(ctx, records, pace)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			output.Println()
			if output.IsJSON() {
				return output.JSON(resultSummary(res))
			}
			printResult(output, res)
			health := eng.Health().Last()
			output.Printf("Health: %s\n", output.State(string(health.Status)))
			stats := dispatcher.Stats()
			output.Dim("Notifications: %d sent, %d dropped, %d failed; config reloads: %d",
				stats.Sent, stats.Dropped, stats.Failed, watcher.Reloads())
			return nil
		},
	}
	dataFlags(cmd)
	cmd.Flags().Duration("pace", time.Second, "wall-clock delay between cycles")
	cmd.Flags().Bool("bell", false, "ring the terminal bell on critical events")
	return cmd
}

// controlMux serves the operator endpoints of a running session.
func controlMux(eng *engine.Engine, hub *stream.Hub, metricsPath string, logger zerolog.Logger) *http.ServeMux {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(metricsPath, eng.Exporter().Handler())
	mux.Handle("/healthz", eng.Health().HTTPHandler())
	mux.Handle("/stream", stream.WebsocketHandler(hub, logger))
	mux.HandleFunc("/portfolio", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Snapshot())
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Positions())
	})
	mux.HandleFunc("/breaker/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		operator := r.URL.Query().Get("operator")
		if err := eng.ResetBreaker(operator); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Breaker())
	})
	return mux
}

// postBreakerReset asks a running session to reset its breaker.
func postBreakerReset(ctx context.Context, addr, operator string) error {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	target := fmt.Sprintf("http://%s/breaker/reset?operator=%s", addr, url.QueryEscape(operator))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body [512]byte
		n, _ := resp.Body.Read(body[:])
		return fmt.Errorf("reset refused (%s): %s", resp.Status, string(body[:n]))
	}
	return nil
}
