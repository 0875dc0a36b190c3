package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration when config.toml or strategies.toml
// change on disk and hands each valid result to a callback. Invalid edits are
// logged and ignored so the running snapshot stays in force.
type Watcher struct {
	dir      string
	logger   zerolog.Logger
	onChange func(*Config)

	mu      sync.Mutex
	reloads int
}

// Watch starts watching configDir.
func Watch(configDir string, logger zerolog.Logger, onChange func(*Config)) *Watcher {
	w := &Watcher{
		dir:      configDir,
		logger:   logger.With().Str("component", "config").Logger(),
		onChange: onChange,
	}
	for _, name := range []string{"config", "strategies"} {
		v := newViper(configDir, name, nil)
		if err := v.ReadInConfig(); err != nil {
			w.logger.Warn().Err(err).Str("file", name).Msg("Not watching config file")
			continue
		}
		v.OnConfigChange(w.handle)
		v.WatchConfig()
	}
	return w
}

func (w *Watcher) handle(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := Load(w.dir)
	if err != nil {
		w.logger.Error().Err(err).Str("file", e.Name).Msg("Config reload rejected")
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info().Str("file", e.Name).Msg("Config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Reloads returns how many successful reloads were delivered.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}
