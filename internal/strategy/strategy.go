// Package strategy defines the contract trading strategies satisfy, a
// Registry of strategy definitions with parameter metadata, and the
// Backtester that drives a strategy bar by bar.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"quantlab/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
// OnBar is called once per bar; actions taken through the Context are
// queued and executed after OnBar returns.
type Strategy interface {
	OnBar(ctx *Context) error
}

// Initializer is implemented by strategies that need setup before bar 0.
// The Context is bound to an empty account with no current bar.
type Initializer interface {
	Init(ctx *Context) error
}

// OrderFilledHandler is implemented by strategies that react to fills.
type OrderFilledHandler interface {
	OnOrderFilled(ctx *Context, order domain.Order, trade domain.Trade) error
}

// Finalizer is implemented by strategies that need a hook after the last
// processed bar. Actions queued from OnEnd are discarded.
type Finalizer interface {
	OnEnd(ctx *Context) error
}

// ParamType describes how a parameter value is interpreted.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamChoice ParamType = "choice"
)

// ParamSpec describes one tunable strategy parameter. Min, Max and Step are
// used for validation and as the optimizer's default search range.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Default     float64   `json:"default"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Step        float64   `json:"step,omitempty"`
	Options     []float64 `json:"options,omitempty"`
	Description string    `json:"description,omitempty"`
}

func (p ParamSpec) check(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s must be finite", domain.ErrInvalidParam, p.Name)
	}
	switch p.Type {
	case ParamInt:
		if v != math.Trunc(v) {
			return fmt.Errorf("%w: %s must be an integer, got %v", domain.ErrInvalidParam, p.Name, v)
		}
	case ParamBool:
		if v != 0 && v != 1 {
			return fmt.Errorf("%w: %s must be 0 or 1, got %v", domain.ErrInvalidParam, p.Name, v)
		}
		return nil
	case ParamChoice:
		for _, o := range p.Options {
			if o == v {
				return nil
			}
		}
		return fmt.Errorf("%w: %s must be one of %v, got %v", domain.ErrInvalidParam, p.Name, p.Options, v)
	}
	if p.Min < p.Max && (v < p.Min || v > p.Max) {
		return fmt.Errorf("%w: %s must be in [%v, %v], got %v", domain.ErrInvalidParam, p.Name, p.Min, p.Max, v)
	}
	return nil
}

// Params holds resolved parameter values keyed by name.
type Params map[string]float64

// Float returns the named value, or 0.
func (p Params) Float(name string) float64 { return p[name] }

// Int returns the named value rounded to the nearest integer.
func (p Params) Int(name string) int { return int(math.Round(p[name])) }

// Bool reports whether the named value is non-zero.
func (p Params) Bool(name string) bool { return p[name] != 0 }

// Clone returns a copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Factory builds a fresh strategy instance from resolved parameters. Each
// run gets its own instance.
type Factory func(p Params) (Strategy, error)

// Definition describes a registered strategy.
type Definition struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params"`
	New         Factory     `json:"-"`
}

// Spec returns the metadata for the named parameter.
func (d Definition) Spec(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Resolve merges overrides onto the declared defaults and validates the
// result. Unknown names and out-of-range values wrap ErrInvalidParam.
func (d Definition) Resolve(overrides map[string]float64) (Params, error) {
	out := make(Params, len(d.Params))
	for _, p := range d.Params {
		out[p.Name] = p.Default
	}
	names := make([]string, 0, len(overrides))
	for k := range overrides {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		spec, ok := d.Spec(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no parameter %q", domain.ErrInvalidParam, d.ID, k)
		}
		if err := spec.check(overrides[k]); err != nil {
			return nil, err
		}
		out[k] = overrides[k]
	}
	return out, nil
}

// Build resolves overrides and constructs a strategy instance.
func (d Definition) Build(overrides map[string]float64) (Strategy, Params, error) {
	p, err := d.Resolve(overrides)
	if err != nil {
		return nil, nil, err
	}
	s, err := d.New(p.Clone())
	if err != nil {
		return nil, nil, fmt.Errorf("building %s: %w", d.ID, err)
	}
	return s, p, nil
}

// Registry holds a named collection of strategy definitions for lookup and
// enumeration. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]Definition),
	}
}

// Register adds a definition to the registry, keyed by its ID. A later
// registration with the same ID replaces the earlier one.
func (r *Registry) Register(d Definition) {
	r.mu.Lock()
	r.defs[d.ID] = d
	r.mu.Unlock()
}

// Get retrieves a definition by ID. The second return value indicates
// whether it was found.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// Lookup is Get with an ErrStrategyNotFound error for unknown IDs.
func (r *Registry) Lookup(id string) (Definition, error) {
	d, ok := r.Get(id)
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", domain.ErrStrategyNotFound, id)
	}
	return d, nil
}

// List returns all registered definitions sorted by ID.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
