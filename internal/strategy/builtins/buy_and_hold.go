package builtins

import (
	"encoding/json"

	"quantlab/internal/domain"
	"quantlab/internal/strategy"
)

// BuyAndHoldDefinition registers the buy-and-hold benchmark.
var BuyAndHoldDefinition = strategy.Definition{
	ID:          "buy-and-hold",
	Name:        "Buy and Hold",
	Description: "Buys on the first bar and holds until the end of the run.",
	Params: []strategy.ParamSpec{
		{Name: "size", Type: strategy.ParamFloat, Default: 0.99, Min: 0.01, Max: 1, Step: 0.01, Description: "fraction of equity to invest"},
	},
	New: func(p strategy.Params) (strategy.Strategy, error) {
		return &BuyAndHold{size: p.Float("size")}, nil
	},
}

// BuyAndHold buys once and never sells.
type BuyAndHold struct {
	size   float64
	placed bool
}

// Init resets the entry flag so an instance can be reused.
func (s *BuyAndHold) Init(_ *strategy.Context) error {
	s.placed = false
	return nil
}

// OnBar implements strategy.Strategy.
func (s *BuyAndHold) OnBar(ctx *strategy.Context) error {
	if s.placed {
		return nil
	}
	ctx.Buy(s.size, strategy.WithUnit(domain.SizeEquityFraction), strategy.WithTag("entry"))
	s.placed = true
	return nil
}

// Snapshot implements strategy.Stateful.
func (s *BuyAndHold) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s.placed)
}

// Restore implements strategy.Stateful.
func (s *BuyAndHold) Restore(state json.RawMessage) error {
	return json.Unmarshal(state, &s.placed)
}

// Register adds every builtin definition to r.
func Register(r *strategy.Registry) {
	r.Register(SMACrossDefinition)
	r.Register(RSIReversionDefinition)
	r.Register(BuyAndHoldDefinition)
}
