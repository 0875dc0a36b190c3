// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	JSON       bool   `mapstructure:"json"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       false,
		FilePath:   filepath.Join(home, ".config", "autoppm", "logs", "pipeline.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:         os.Stderr,
				TimeFormat:  time.RFC3339,
				FormatLevel: levelLabel,
			})
		}
	}

	// File writer with rotation
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

var levelTags = map[string]struct {
	tag   string
	color *color.Color
}{
	"trace": {"TRC", color.New(color.Faint)},
	"debug": {"DBG", color.New(color.FgCyan)},
	"info":  {"INF", color.New(color.FgGreen)},
	"warn":  {"WRN", color.New(color.FgYellow)},
	"error": {"ERR", color.New(color.FgRed)},
	"fatal": {"FTL", color.New(color.FgRed, color.Bold)},
}

// levelLabel renders the three-letter console level tag.
func levelLabel(i interface{}) string {
	ll, ok := i.(string)
	if !ok {
		return "???"
	}
	if lt, ok := levelTags[ll]; ok {
		return lt.color.Sprint(lt.tag)
	}
	return strings.ToUpper(ll)
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithComponent tags the logger with a pipeline component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithInstrument adds an instrument to the logger context.
func WithInstrument(logger zerolog.Logger, instrument string) zerolog.Logger {
	return logger.With().Str("instrument", instrument).Logger()
}

// WithStrategy adds a strategy id to the logger context.
func WithStrategy(logger zerolog.Logger, strategyID string) zerolog.Logger {
	return logger.With().Str("strategy_id", strategyID).Logger()
}

// LogOrder logs an order event.
func LogOrder(logger zerolog.Logger, orderID, instrument, side, state string, qty float64) {
	logger.Info().
		Str("event", "order").
		Str("order_id", orderID).
		Str("instrument", instrument).
		Str("side", side).
		Str("state", state).
		Float64("quantity", qty).
		Msg("Order update")
}

// LogFill logs a committed fill.
func LogFill(logger zerolog.Logger, orderID, instrument, side string, qty, price, slippage float64) {
	logger.Info().
		Str("event", "fill").
		Str("order_id", orderID).
		Str("instrument", instrument).
		Str("side", side).
		Float64("quantity", qty).
		Float64("price", price).
		Float64("slippage", slippage).
		Msg("Fill applied")
}

// LogTransition logs an order state transition.
func LogTransition(logger zerolog.Logger, orderID, from, to, reason string) {
	logger.Debug().
		Str("event", "transition").
		Str("order_id", orderID).
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("Order transition")
}

// LogRejection logs a risk gate rejection.
func LogRejection(logger zerolog.Logger, instrument, reason, message string, current, limit float64) {
	logger.Warn().
		Str("event", "rejection").
		Str("instrument", instrument).
		Str("reason", reason).
		Float64("current", current).
		Float64("limit", limit).
		Msg(message)
}
