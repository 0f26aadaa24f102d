package strategy

import (
	"fmt"

	"leverage-worker/internal/indicators"
)

// Registry maps a strategy name (spec.md's StrategyConfig.Name) to its
// Factory. Built once at program start by the composition root and passed
// down explicitly — no package-level mutable registry, so the set of
// available strategies is always visible at the call site that builds it.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds name -> factory. Panics on duplicate registration, since
// that can only happen from a programming error at startup.
func (r *Registry) Register(name string, factory Factory) {
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("strategy: duplicate registration for %q", name))
	}
	r.factories[name] = factory
}

// Build instantiates the named strategy with params.
func (r *Registry) Build(name string, params map[string]interface{}, indicatorEngine *indicators.Engine) (Strategy, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("strategy: no factory registered for %q", name)
	}
	return factory(params, indicatorEngine)
}
