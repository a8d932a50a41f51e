// Package builtins provides the strategy implementations that ship with
// quantlab.
package builtins

import (
	"fmt"

	"quantlab/internal/domain"
	"quantlab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACrossDefinition registers the moving average crossover strategy.
var SMACrossDefinition = strategy.Definition{
	ID:          "sma-cross",
	Name:        "SMA Crossover",
	Description: "Long when the fast SMA crosses above the slow SMA, flat when it crosses below.",
	Params: []strategy.ParamSpec{
		{Name: "fast", Type: strategy.ParamInt, Default: 10, Min: 2, Max: 100, Step: 1, Description: "fast SMA period"},
		{Name: "slow", Type: strategy.ParamInt, Default: 30, Min: 5, Max: 300, Step: 5, Description: "slow SMA period"},
		{Name: "size", Type: strategy.ParamFloat, Default: 0.95, Min: 0.05, Max: 1, Step: 0.05, Description: "fraction of equity per entry"},
	},
	New: func(p strategy.Params) (strategy.Strategy, error) {
		return NewSMACross(p.Int("fast"), p.Int("slow"), p.Float("size"))
	},
}

// SMACross implements a simple moving average crossover strategy. It buys
// when the short-period SMA crosses above the long-period SMA, and closes
// when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	size        float64
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(short, long int, size float64) (*SMACross, error) {
	if short >= long {
		return nil, fmt.Errorf("%w: fast period %d must be below slow period %d", domain.ErrInvalidParam, short, long)
	}
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		size:        size,
	}, nil
}

// OnBar detects crossovers between the two averages.
func (s *SMACross) OnBar(ctx *strategy.Context) error {
	closes := ctx.Closes(s.longPeriod + 1)
	if len(closes) < s.longPeriod+1 {
		return nil
	}
	prev := closes[:len(closes)-1]
	fastPrev, _ := SMA(prev, s.shortPeriod)
	slowPrev, _ := SMA(prev, s.longPeriod)
	fast, _ := SMA(closes, s.shortPeriod)
	slow, _ := SMA(closes, s.longPeriod)

	flat := domain.IsZeroQty(ctx.PositionQty())
	switch {
	case fastPrev <= slowPrev && fast > slow && flat:
		ctx.Buy(s.size, strategy.WithUnit(domain.SizeEquityFraction), strategy.WithTag("cross_up"))
	case fastPrev >= slowPrev && fast < slow && !flat:
		ctx.Close(strategy.WithTag("cross_down"))
	}
	return nil
}
