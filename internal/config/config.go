// Package config provides configuration management for the pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"autoppm/internal/logging"
	"autoppm/internal/models"
)

// Config holds all pipeline configuration.
type Config struct {
	Engine        EngineConfig       `mapstructure:"engine"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Execution     ExecutionConfig    `mapstructure:"execution"`
	Store         StoreConfig        `mapstructure:"store"`
	Logging       logging.LogConfig  `mapstructure:"logging"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Strategies    []StrategyConfig   `mapstructure:"-"` // Loaded from strategies.toml
}

// EngineConfig holds pipeline cycle configuration.
type EngineConfig struct {
	Mode               string        `mapstructure:"mode"` // backtest, paper, live
	StartingCapital    float64       `mapstructure:"starting_capital"`
	Workers            int           `mapstructure:"workers"`
	Seed               int64         `mapstructure:"seed"`
	Deadband           float64       `mapstructure:"deadband"`
	LookbackWindow     int           `mapstructure:"lookback_window"`
	GapThreshold       time.Duration `mapstructure:"gap_threshold"`
	AckTimeout         time.Duration `mapstructure:"ack_timeout"`
	SnapshotInterval   time.Duration `mapstructure:"snapshot_interval"`
	StaleCheckInterval time.Duration `mapstructure:"stale_check_interval"`
	TimeoutSweep       time.Duration `mapstructure:"timeout_sweep"`
	PeriodsPerYear     float64       `mapstructure:"periods_per_year"`
	RiskFreeRate       float64       `mapstructure:"risk_free_rate"`
	// BatchWindow groups bar closes whose timestamps fall in the same slice
	// into one cycle. Zero groups only identical timestamps.
	BatchWindow time.Duration `mapstructure:"batch_window"`
}

// RiskConfig holds risk gate configuration. Fractions are of capital.
type RiskConfig struct {
	MaxPositionFraction  float64            `mapstructure:"max_position_fraction"`
	MaxPortfolioExposure float64            `mapstructure:"max_portfolio_exposure"`
	MaxSectorExposure    float64            `mapstructure:"max_sector_exposure"`
	SectorLimits         map[string]float64 `mapstructure:"sector_limits"`
	Sectors              map[string]string  `mapstructure:"sectors"`
	MaxDrawdown          float64            `mapstructure:"max_drawdown"`
	PerTradeRiskFraction float64            `mapstructure:"per_trade_risk_fraction"`
	Sizing               string             `mapstructure:"sizing"` // fixed_fractional, kelly
	KellyWinRate         float64            `mapstructure:"kelly_win_rate"`
	KellyWinLossRatio    float64            `mapstructure:"kelly_win_loss_ratio"`
	KellyCeiling         float64            `mapstructure:"kelly_ceiling"`
	KellyMinTrades       int                `mapstructure:"kelly_min_trades"`
	StopKind             string             `mapstructure:"stop_kind"` // fixed, trailing, atr, none
	StopParam            float64            `mapstructure:"stop_param"`
	MinStopFraction      float64            `mapstructure:"min_stop_fraction"`
	RiskRewardRatio      float64            `mapstructure:"risk_reward_ratio"`
	QuantityStep         float64            `mapstructure:"quantity_step"`
	ExposurePriceBuffer  float64            `mapstructure:"exposure_price_buffer"`
	PauseEntriesOnStale  bool               `mapstructure:"pause_entries_on_stale"`
	AllowShort           bool               `mapstructure:"allow_short"`
}

// ExecutionConfig holds execution adapter configuration.
type ExecutionConfig struct {
	Adapter            string        `mapstructure:"adapter"`    // simulated, live
	FillModel          string        `mapstructure:"fill_model"` // next_bar_open, tick_cross
	SlippageBps        float64       `mapstructure:"slippage_bps"`
	CommissionPerShare float64       `mapstructure:"commission_per_share"`
	CommissionBps      float64       `mapstructure:"commission_bps"`
	MinCommission      float64       `mapstructure:"min_commission"`
	MaxParticipation   float64       `mapstructure:"max_participation"`
	EntryOrderType     string        `mapstructure:"entry_order_type"` // market, limit
	LimitOffsetBps     float64       `mapstructure:"limit_offset_bps"`
	MaxSlippageAlert   float64       `mapstructure:"max_slippage_alert"` // percent
	RateLimit          float64       `mapstructure:"rate_limit"`         // broker calls per second
	RateBurst          int           `mapstructure:"rate_burst"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, memory
	Path   string `mapstructure:"path"`
}

// NotificationConfig holds operator alert configuration.
type NotificationConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	QueueSize   int           `mapstructure:"queue_size"`
	MinSeverity string        `mapstructure:"min_severity"` // info, warning, critical
	Webhook     WebhookConfig `mapstructure:"webhook"`
	Terminal    bool          `mapstructure:"terminal"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// StrategyConfig declares one strategy instance.
type StrategyConfig struct {
	ID          string             `mapstructure:"id"`
	Kind        string             `mapstructure:"kind"`
	Weight      float64            `mapstructure:"weight"`
	Enabled     bool               `mapstructure:"enabled"`
	Instruments []string           `mapstructure:"instruments"`
	Params      map[string]float64 `mapstructure:"params"`
}

type strategiesFile struct {
	Strategies []StrategyConfig `mapstructure:"strategy"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/autoppm"
	}
	return filepath.Join(home, ".config", "autoppm")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. Missing files
// are created from templates and then read back.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", setDefaults, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	var sf strategiesFile
	if err := loadConfigFile(configDir, "strategies", nil, &sf); err != nil {
		return nil, fmt.Errorf("loading strategies.toml: %w", err)
	}
	cfg.Strategies = normalizeStrategies(sf.Strategies)

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration produced by an empty config directory.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	cfg.Strategies = []StrategyConfig{
		{ID: "momentum", Kind: "momentum", Weight: 0.5, Enabled: true},
		{ID: "mean_reversion", Kind: "mean_reversion", Weight: 0.5, Enabled: true},
	}
	return cfg
}

func newViper(configDir, name string, defaults func(*viper.Viper)) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("AUTOPPM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if defaults != nil {
		defaults(v)
	}
	return v
}

func loadConfigFile(configDir, name string, defaults func(*viper.Viper), target interface{}) error {
	v := newViper(configDir, name, defaults)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplate(configDir, name); err != nil {
			return err
		}
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	return v.Unmarshal(target)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.mode", "backtest")
	v.SetDefault("engine.starting_capital", 100000.0)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.seed", 42)
	v.SetDefault("engine.deadband", 0.2)
	v.SetDefault("engine.lookback_window", 200)
	v.SetDefault("engine.gap_threshold", "72h")
	v.SetDefault("engine.ack_timeout", "5s")
	v.SetDefault("engine.snapshot_interval", "24h")
	v.SetDefault("engine.stale_check_interval", "1h")
	v.SetDefault("engine.timeout_sweep", "1s")
	v.SetDefault("engine.periods_per_year", 252.0)
	v.SetDefault("engine.risk_free_rate", 0.0)
	v.SetDefault("engine.batch_window", "0s")

	v.SetDefault("risk.max_position_fraction", 0.10)
	v.SetDefault("risk.max_portfolio_exposure", 1.0)
	v.SetDefault("risk.max_sector_exposure", 0.30)
	v.SetDefault("risk.max_drawdown", 0.20)
	v.SetDefault("risk.per_trade_risk_fraction", 0.02)
	v.SetDefault("risk.sizing", string(models.SizingFixedFractional))
	v.SetDefault("risk.kelly_win_rate", 0.55)
	v.SetDefault("risk.kelly_win_loss_ratio", 1.5)
	v.SetDefault("risk.kelly_ceiling", 0.5)
	v.SetDefault("risk.kelly_min_trades", 30)
	v.SetDefault("risk.stop_kind", "atr")
	v.SetDefault("risk.stop_param", 2.0)
	v.SetDefault("risk.min_stop_fraction", 0.005)
	v.SetDefault("risk.risk_reward_ratio", 2.0)
	v.SetDefault("risk.quantity_step", 1.0)
	v.SetDefault("risk.exposure_price_buffer", 0.01)
	v.SetDefault("risk.pause_entries_on_stale", true)
	v.SetDefault("risk.allow_short", true)

	v.SetDefault("execution.adapter", "simulated")
	v.SetDefault("execution.fill_model", "next_bar_open")
	v.SetDefault("execution.slippage_bps", 5.0)
	v.SetDefault("execution.commission_per_share", 0.0)
	v.SetDefault("execution.commission_bps", 1.0)
	v.SetDefault("execution.min_commission", 0.0)
	v.SetDefault("execution.max_participation", 0.0)
	v.SetDefault("execution.entry_order_type", "market")
	v.SetDefault("execution.limit_offset_bps", 10.0)
	v.SetDefault("execution.max_slippage_alert", 0.5)
	v.SetDefault("execution.rate_limit", 10.0)
	v.SetDefault("execution.rate_burst", 5)
	v.SetDefault("execution.breaker_failures", 5)
	v.SetDefault("execution.breaker_cooldown", "30s")
	v.SetDefault("execution.poll_interval", "1s")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(DefaultConfigDir(), "data", "pipeline.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "pipeline.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.min_severity", "info")
	v.SetDefault("notifications.terminal", false)
	v.SetDefault("notifications.webhook.timeout", "5s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("metrics.path", "/metrics")
}

func normalizeStrategies(in []StrategyConfig) []StrategyConfig {
	out := make([]StrategyConfig, 0, len(in))
	for _, s := range in {
		if s.ID == "" {
			s.ID = s.Kind
		}
		for i, inst := range s.Instruments {
			s.Instruments[i] = strings.ToUpper(strings.TrimSpace(inst))
		}
		out = append(out, s)
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOPPM_MODE"); v != "" {
		cfg.Engine.Mode = v
	}
	if v := os.Getenv("AUTOPPM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Engine.Mode {
	case "backtest", "paper", "live":
	default:
		return fmt.Errorf("invalid engine mode: %s (must be 'backtest', 'paper' or 'live')", c.Engine.Mode)
	}
	if c.Engine.StartingCapital <= 0 {
		return fmt.Errorf("starting_capital must be positive")
	}
	if c.Engine.Deadband < 0 || c.Engine.Deadband >= 1 {
		return fmt.Errorf("deadband must be in [0, 1)")
	}
	if c.Engine.LookbackWindow < 1 {
		return fmt.Errorf("lookback_window must be at least 1")
	}
	if c.Engine.BatchWindow < 0 {
		return fmt.Errorf("batch_window must not be negative")
	}
	if c.Engine.AckTimeout <= 0 {
		return fmt.Errorf("ack_timeout must be positive")
	}

	if err := fraction("max_position_fraction", c.Risk.MaxPositionFraction, 10); err != nil {
		return err
	}
	if err := fraction("max_portfolio_exposure", c.Risk.MaxPortfolioExposure, 10); err != nil {
		return err
	}
	if err := fraction("max_sector_exposure", c.Risk.MaxSectorExposure, 10); err != nil {
		return err
	}
	if err := fraction("max_drawdown", c.Risk.MaxDrawdown, 1); err != nil {
		return err
	}
	if err := fraction("per_trade_risk_fraction", c.Risk.PerTradeRiskFraction, 1); err != nil {
		return err
	}
	switch models.SizingMethod(c.Risk.Sizing) {
	case models.SizingFixedFractional, models.SizingKelly:
	default:
		return fmt.Errorf("invalid sizing method: %s", c.Risk.Sizing)
	}
	if c.Risk.KellyCeiling < 0 || c.Risk.KellyCeiling > 1 {
		return fmt.Errorf("kelly_ceiling must be between 0 and 1")
	}
	if _, err := parseStopKind(c.Risk.StopKind); err != nil {
		return err
	}
	if c.Risk.QuantityStep <= 0 {
		return fmt.Errorf("quantity_step must be positive")
	}

	switch c.Execution.Adapter {
	case "simulated", "live":
	default:
		return fmt.Errorf("invalid execution adapter: %s", c.Execution.Adapter)
	}
	switch c.Execution.FillModel {
	case "next_bar_open", "tick_cross":
	default:
		return fmt.Errorf("invalid fill model: %s", c.Execution.FillModel)
	}
	if c.Execution.MaxParticipation < 0 || c.Execution.MaxParticipation > 1 {
		return fmt.Errorf("max_participation must be between 0 and 1")
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}

	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy without id or kind")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate strategy id: %s", s.ID)
		}
		seen[s.ID] = true
		if s.Weight < 0 {
			return fmt.Errorf("strategy %s: weight must be non-negative", s.ID)
		}
	}

	return nil
}

func fraction(name string, v, max float64) error {
	if v <= 0 || v > max {
		return fmt.Errorf("%s must be in (0, %g]", name, max)
	}
	return nil
}

func parseStopKind(kind string) (models.StopKind, error) {
	switch strings.ToLower(kind) {
	case "fixed":
		return models.StopFixed, nil
	case "trailing":
		return models.StopTrailing, nil
	case "atr":
		return models.StopATR, nil
	case "none", "":
		return "", nil
	}
	return "", fmt.Errorf("invalid stop kind: %s", kind)
}

// Limits builds the immutable risk snapshot for the given version.
func (c *Config) Limits(version int64) models.RiskLimits {
	kind, _ := parseStopKind(c.Risk.StopKind)
	return models.RiskLimits{
		Version:              version,
		MaxPositionFraction:  c.Risk.MaxPositionFraction,
		MaxPortfolioExposure: c.Risk.MaxPortfolioExposure,
		MaxSectorExposure:    c.Risk.MaxSectorExposure,
		SectorLimits:         lowerKeys(c.Risk.SectorLimits),
		Sectors:              sectorMap(c.Risk.Sectors),
		MaxDrawdown:          c.Risk.MaxDrawdown,
		PerTradeRiskFraction: c.Risk.PerTradeRiskFraction,
		Sizing:               models.SizingMethod(c.Risk.Sizing),
		KellyWinRate:         c.Risk.KellyWinRate,
		KellyWinLossRatio:    c.Risk.KellyWinLossRatio,
		KellyCeiling:         c.Risk.KellyCeiling,
		KellyMinTrades:       c.Risk.KellyMinTrades,
		DefaultStop:          models.StopSpec{Kind: kind, Param: c.Risk.StopParam},
		MinStopFraction:      c.Risk.MinStopFraction,
		RiskRewardRatio:      c.Risk.RiskRewardRatio,
		QuantityStep:         c.Risk.QuantityStep,
		ExposurePriceBuffer:  c.Risk.ExposurePriceBuffer,
		PauseEntriesOnStale:  c.Risk.PauseEntriesOnStale,
		AllowShort:           c.Risk.AllowShort,
	}
}

// Weights returns enabled strategy weights keyed by id.
func (c *Config) Weights() map[string]float64 {
	w := make(map[string]float64, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.Enabled {
			w[s.ID] = s.Weight
		}
	}
	return w
}

// StrategyIDs returns enabled strategy ids in declaration order.
func (c *Config) StrategyIDs() []string {
	var ids []string
	for _, s := range c.Strategies {
		if s.Enabled {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// SectorNames returns configured sector names sorted.
func (c *Config) SectorNames() []string {
	set := make(map[string]bool)
	for _, s := range c.Risk.Sectors {
		set[strings.ToLower(s)] = true
	}
	names := make([]string, 0, len(set))
	for s := range set {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// Viper lower-cases map keys, so sector names are compared in lower case and
// instruments in upper case.
func lowerKeys(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func sectorMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = strings.ToLower(v)
	}
	return out
}

// IsBacktest returns true when running over historical data.
func (c *Config) IsBacktest() bool {
	return c.Engine.Mode == "backtest"
}
