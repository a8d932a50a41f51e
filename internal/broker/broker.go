// Package broker provides the simulated execution venue used by backtests:
// order bookkeeping, fill pricing, slippage, commission, volume caps and
// bracket (OCO) children.
package broker

import (
	"github.com/shopspring/decimal"

	"quantlab/internal/domain"
)

// Account is the portfolio the simulator executes against.
type Account interface {
	// PositionQty returns the signed quantity held in symbol.
	PositionQty(symbol string) float64

	// Account returns a snapshot used for pre-trade risk checks.
	Account() domain.AccountInfo

	// CanFill returns a rejection reason if the fill cannot be afforded, or "".
	CanFill(symbol string, side domain.OrderSide, qty, price, commission float64) string

	// Apply books a fill and returns the resulting trade.
	Apply(f domain.Fill) domain.Trade
}

// Phase selects which working orders a Process call is allowed to fill.
type Phase int

const (
	// PhaseOpen runs before the strategy sees the bar. Orders created on
	// earlier bars are eligible: next_open market orders, limit and stop
	// triggers, bracket children and expiry.
	PhaseOpen Phase = iota
	// PhaseClose runs after the strategy's commands for the bar have been
	// submitted. Market orders under the close and vwap models fill here.
	PhaseClose
)

func (p Phase) String() string {
	if p == PhaseOpen {
		return "open"
	}
	return "close"
}

// Execution is one fill together with the order state after it and the
// trade the account booked for it.
type Execution struct {
	Order domain.Order
	Fill  domain.Fill
	Trade domain.Trade
}

// Report is the outcome of one Process call.
type Report struct {
	Executions []Execution
	// Updates lists orders that changed state without filling (rejected,
	// cancelled, expired) and bracket children created during the call.
	Updates []domain.Order
}

func (r *Report) merge(o Report) {
	r.Executions = append(r.Executions, o.Executions...)
	r.Updates = append(r.Updates, o.Updates...)
}

// RoundQuantity floors qty to a multiple of step. A non-positive step
// returns qty unchanged.
func RoundQuantity(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty).Add(decimal.NewFromFloat(domain.QtyEpsilon))
	s := decimal.NewFromFloat(step)
	f, _ := q.Div(s).Floor().Mul(s).Float64()
	return f
}
