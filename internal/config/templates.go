package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Strategy execution pipeline configuration

[engine]
# Run mode: "backtest", "paper" or "live"
mode = "backtest"
starting_capital = 100000.0
# Parallel instrument workers
workers = 4
# Seed for deterministic order ids
seed = 42
# |net signal| below this yields no order
deadband = 0.2
lookback_window = 200
# Interval above which a DataGap diagnostic is raised
gap_threshold = "72h"
ack_timeout = "5s"
snapshot_interval = "24h"
stale_check_interval = "1h"
periods_per_year = 252.0
# Bar closes within one window are processed as a single cycle
batch_window = "0s"

[risk]
max_position_fraction = 0.10
max_portfolio_exposure = 1.0
max_sector_exposure = 0.30
# Drawdown circuit breaker threshold (fraction of peak equity)
max_drawdown = 0.20
per_trade_risk_fraction = 0.02
# "fixed_fractional" or "kelly"
sizing = "fixed_fractional"
kelly_ceiling = 0.5
# Default stop: "fixed", "trailing", "atr" or "none"
stop_kind = "atr"
stop_param = 2.0
min_stop_fraction = 0.005
risk_reward_ratio = 2.0
pause_entries_on_stale = true
allow_short = true

[risk.sectors]
# AAPL = "tech"

[risk.sector_limits]
# tech = 0.25

[execution]
# "simulated" or "live"
adapter = "simulated"
# "next_bar_open" or "tick_cross"
fill_model = "next_bar_open"
slippage_bps = 5.0
commission_bps = 1.0
min_commission = 0.0
# Max fraction of bar volume per fill, 0 disables partial fills
max_participation = 0.0
entry_order_type = "market"

[store]
# "sqlite" or "memory"
driver = "sqlite"

[logging]
level = "info"
console = true
file = false

[notifications]
enabled = true
min_severity = "info"

[notifications.webhook]
enabled = false
url = ""

[metrics]
enabled = false
addr = ":9464"
`

const strategiesTemplate = `# Strategy instances, evaluated in declaration order

[[strategy]]
id = "momentum"
kind = "momentum"
weight = 0.5
enabled = true

[strategy.params]
fast_period = 10
slow_period = 30
rsi_period = 14
momentum_threshold = 0.02
stop_loss_pct = 0.02

[[strategy]]
id = "mean_reversion"
kind = "mean_reversion"
weight = 0.5
enabled = true

[strategy.params]
bb_period = 20
bb_std = 2.0
rsi_period = 14
rsi_oversold = 30
rsi_overbought = 70

[[strategy]]
id = "multi_factor"
kind = "multi_factor"
weight = 0.3
enabled = false

[strategy.params]
ma_short_window = 20
ma_long_window = 50
volume_threshold = 1.5
volatility_threshold = 0.02
momentum_threshold = 0.01
`

func createTemplate(configDir, name string) error {
	var content string
	switch name {
	case "config":
		content = configTemplate
	case "strategies":
		content = strategiesTemplate
	default:
		return fmt.Errorf("no template for %s", name)
	}
	return writeTemplate(configDir, name+".toml", content)
}

func writeTemplate(configDir, fileName, content string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, fileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", fileName, err)
	}
	return nil
}

// InitDir writes template files into configDir without overwriting.
func InitDir(configDir string) error {
	for _, name := range []string{"config", "strategies"} {
		if err := createTemplate(configDir, name); err != nil {
			return err
		}
	}
	return nil
}
