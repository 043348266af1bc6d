package strategy

import (
	"fmt"
	"sync"

	"binary-trader/internal/config"
)

// Factory constructs a strategy instance with the given ID.
type Factory func(id string) Strategy

// Registry maps strategy types to factories and their default configs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	defaults  map[string]config.StrategyConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		defaults:  make(map[string]config.StrategyConfig),
	}
}

// DefaultRegistry returns a registry with the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeMeanReversion, NewMeanReversion, config.StrategyConfig{
		Type:          TypeMeanReversion,
		MinEdge:       3,
		MinConfidence: 0.5,
		Params: map[string]float64{
			"reversion_threshold": 5,
			"base_contracts":      10,
		},
	})
	r.Register(TypeMomentum, NewMomentum, config.StrategyConfig{
		Type:          TypeMomentum,
		MinEdge:       2,
		MinConfidence: 0.5,
		Params: map[string]float64{
			"window":         5,
			"min_move":       3,
			"base_contracts": 10,
		},
	})
	return r
}

// Register adds a strategy type with its factory and default config.
func (r *Registry) Register(typ string, f Factory, defaults config.StrategyConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
	r.defaults[typ] = defaults
}

// Lookup returns the factory for a type.
func (r *Registry) Lookup(typ string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", typ)
	}
	return f, nil
}

// Merged returns the instance config with zero fields filled from the
// type's registered defaults.
func (r *Registry) Merged(cfg config.StrategyConfig) config.StrategyConfig {
	r.mu.RLock()
	def, ok := r.defaults[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return cfg
	}

	out := cfg
	if out.MaxOrdersPerHour == 0 {
		out.MaxOrdersPerHour = def.MaxOrdersPerHour
	}
	if out.MaxPositionSize == 0 {
		out.MaxPositionSize = def.MaxPositionSize
	}
	if out.MaxNotionalPerTrade == 0 {
		out.MaxNotionalPerTrade = def.MaxNotionalPerTrade
	}
	if out.MinEdge == 0 {
		out.MinEdge = def.MinEdge
	}
	if out.MinConfidence == 0 {
		out.MinConfidence = def.MinConfidence
	}
	if out.MaxSpread == 0 {
		out.MaxSpread = def.MaxSpread
	}
	if out.MinLiquidity == 0 {
		out.MinLiquidity = def.MinLiquidity
	}
	if len(out.AllowedCategories) == 0 {
		out.AllowedCategories = def.AllowedCategories
	}
	if len(out.BlockedCategories) == 0 {
		out.BlockedCategories = def.BlockedCategories
	}
	if len(out.BlockedMarkets) == 0 {
		out.BlockedMarkets = def.BlockedMarkets
	}
	if out.Params == nil {
		out.Params = make(map[string]float64)
	}
	for k, v := range def.Params {
		if _, set := out.Params[k]; !set {
			out.Params[k] = v
		}
	}
	return out
}

// Types returns the registered strategy types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}
