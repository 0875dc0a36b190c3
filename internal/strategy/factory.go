package strategy

import (
	"fmt"

	apperrors "autoppm/internal/errors"
)

// Constructor builds an uninitialised strategy instance.
type Constructor func(id string) Strategy

// Factory builds strategies by kind.
type Factory struct {
	kinds map[string]Constructor
}

// NewFactory returns a factory that knows the built-in strategies.
func NewFactory() *Factory {
	f := &Factory{kinds: make(map[string]Constructor)}
	f.Register("momentum", func(id string) Strategy { return NewMomentum(id) })
	f.Register("mean_reversion", func(id string) Strategy { return NewMeanReversion(id) })
	f.Register("multi_factor", func(id string) Strategy { return NewMultiFactor(id) })
	return f
}

// Register adds or replaces a kind.
func (f *Factory) Register(kind string, ctor Constructor) {
	f.kinds[kind] = ctor
}

// Build creates and initialises a strategy from its configuration.
func (f *Factory) Build(cfg Config) (Strategy, error) {
	ctor, ok := f.kinds[cfg.Kind]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrUnknownStrategy, "kind %q", cfg.Kind)
	}
	s := ctor(cfg.ID)
	if err := s.Initialize(cfg); err != nil {
		return nil, fmt.Errorf("initializing strategy %s: %w", cfg.ID, err)
	}
	return s, nil
}
