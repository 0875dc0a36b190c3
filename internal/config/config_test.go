package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoppm/internal/models"
)

func TestLoadCreatesTemplates(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.FileExists(t, filepath.Join(dir, "strategies.toml"))

	assert.Equal(t, "backtest", cfg.Engine.Mode)
	assert.Equal(t, 100000.0, cfg.Engine.StartingCapital)
	assert.Equal(t, 72*time.Hour, cfg.Engine.GapThreshold)
	assert.Equal(t, 0.02, cfg.Risk.PerTradeRiskFraction)
	require.Len(t, cfg.Strategies, 2)
	assert.Equal(t, "momentum", cfg.Strategies[0].ID)
	assert.Equal(t, 10.0, cfg.Strategies[0].Params["fast_period"])
	assert.Equal(t, []string{"momentum", "mean_reversion"}, cfg.StrategyIDs())
}

func TestLoadReadsSectorsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	content := `
[engine]
mode = "paper"
starting_capital = 50000.0

[risk]
max_sector_exposure = 0.4

[risk.sectors]
aapl = "Tech"
xom = "Energy"

[risk.sector_limits]
tech = 0.25
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	limits := cfg.Limits(3)
	assert.Equal(t, int64(3), limits.Version)
	assert.Equal(t, "tech", limits.SectorOf("AAPL"))
	assert.Equal(t, 0.25, limits.SectorLimit("tech"))
	assert.Equal(t, 0.4, limits.SectorLimit("energy"))
	assert.Equal(t, models.StopATR, limits.DefaultStop.Kind)
	assert.Equal(t, []string{"energy", "tech"}, cfg.SectorNames())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Engine.Mode = "yolo" }},
		{"zero capital", func(c *Config) { c.Engine.StartingCapital = 0 }},
		{"deadband one", func(c *Config) { c.Engine.Deadband = 1 }},
		{"risk fraction", func(c *Config) { c.Risk.PerTradeRiskFraction = 0 }},
		{"drawdown", func(c *Config) { c.Risk.MaxDrawdown = 1.5 }},
		{"sizing", func(c *Config) { c.Risk.Sizing = "martingale" }},
		{"stop kind", func(c *Config) { c.Risk.StopKind = "hope" }},
		{"fill model", func(c *Config) { c.Execution.FillModel = "vwap" }},
		{"duplicate strategy", func(c *Config) { c.Strategies = append(c.Strategies, c.Strategies[0]) }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AUTOPPM_ENGINE_DEADBAND", "0.35")
	t.Setenv("AUTOPPM_MODE", "live")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0.35, cfg.Engine.Deadband)
	assert.Equal(t, "live", cfg.Engine.Mode)
}

func TestWatchDeliversValidReloads(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.NoError(t, err)

	var deadband atomic.Value
	w := Watch(dir, zerolog.Nop(), func(cfg *Config) { deadband.Store(cfg.Engine.Deadband) })

	path := filepath.Join(dir, "config.toml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	good := strings.Replace(string(data), "deadband = 0.2", "deadband = 0.35", 1)
	require.NoError(t, os.WriteFile(path, []byte(good), 0o644))
	require.Eventually(t, func() bool {
		v, ok := deadband.Load().(float64)
		return ok && v == 0.35
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, w.Reloads(), 1)
}
