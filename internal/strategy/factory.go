package strategy

import (
	"github.com/valet-ai/valet/internal/domain"
)

// Factory resolves strategies by name from a small fixed registry.
type Factory struct {
	strategies map[string]Strategy
}

// NewFactory creates a factory holding the given strategies.
func NewFactory(strategies ...Strategy) *Factory {
	f := &Factory{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		f.strategies[s.Name()] = s
	}
	return f
}

// Get resolves a strategy. An unknown name is a wiring mistake: the
// typed error must abort the caller, never be retried.
func (f *Factory) Get(name string) (Strategy, error) {
	s, ok := f.strategies[name]
	if !ok {
		return nil, &domain.UnknownStrategyError{Name: name}
	}
	return s, nil
}
