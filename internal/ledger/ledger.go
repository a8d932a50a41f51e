// Package ledger owns the portfolio state of one backtest run: cash, open
// positions, the trade history and the equity curve.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"quantlab/internal/domain"
)

// Ledger applies fills and records equity snapshots. It is not safe for
// concurrent use; each run owns exactly one Ledger.
type Ledger struct {
	cfg       domain.BacktestConfig
	cash      float64
	positions map[string]*domain.Position
	marks     map[string]float64
	trades    []domain.Trade
	curve     []domain.EquityPoint
	peak      float64

	realized   float64
	commission float64
	slippage   float64
}

// New creates a Ledger funded with cfg.InitialCapital.
func New(cfg domain.BacktestConfig) *Ledger {
	return &Ledger{
		cfg:       cfg,
		cash:      cfg.InitialCapital,
		positions: make(map[string]*domain.Position),
		marks:     make(map[string]float64),
	}
}

// Cash returns the cash balance. It may be negative when MarginRate < 1.
func (l *Ledger) Cash() float64 { return l.cash }

// Mark sets the valuation price for symbol.
func (l *Ledger) Mark(symbol string, price float64, ts time.Time) {
	l.marks[symbol] = price
	if p, ok := l.positions[symbol]; ok {
		p.MarkPrice = price
		p.UpdatedAt = ts
	}
}

// MarkPrice returns the last valuation price for symbol, or 0.
func (l *Ledger) MarkPrice(symbol string) float64 { return l.marks[symbol] }

// PositionValue returns the signed mark-to-market value of all positions.
func (l *Ledger) PositionValue() float64 {
	var v float64
	for _, p := range l.positions {
		v += p.Qty * p.MarkPrice
	}
	return v
}

// GrossExposure returns the absolute mark-to-market value of all positions.
func (l *Ledger) GrossExposure() float64 {
	var v float64
	for _, p := range l.positions {
		v += math.Abs(p.Qty * p.MarkPrice)
	}
	return v
}

// Equity returns cash plus the value of open positions.
func (l *Ledger) Equity() float64 { return l.cash + l.PositionValue() }

// BuyingPower returns the additional gross exposure that can be opened given
// the configured margin rate.
func (l *Ledger) BuyingPower() float64 {
	return l.Equity()/l.cfg.MarginRate - l.GrossExposure()
}

// PositionQty returns the signed quantity held in symbol.
func (l *Ledger) PositionQty(symbol string) float64 {
	if p, ok := l.positions[symbol]; ok {
		return p.Qty
	}
	return 0
}

// Position returns a copy of the open position in symbol.
func (l *Ledger) Position(symbol string) (domain.Position, bool) {
	p, ok := l.positions[symbol]
	if !ok {
		return domain.Position{Symbol: symbol}, false
	}
	return *p, true
}

// Positions returns copies of all open positions sorted by symbol.
func (l *Ledger) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CanFill checks whether a fill of qty at price is affordable and allowed
// at the moment of execution. It returns a rejection reason or "".
func (l *Ledger) CanFill(symbol string, side domain.OrderSide, qty, price, commission float64) string {
	q := l.PositionQty(symbol)
	after := q + side.Sign()*qty
	if !l.cfg.AllowShort && after < -domain.QtyEpsilon && after < q {
		return domain.RejectShortNotAllowed
	}
	added := (math.Abs(after) - math.Abs(q)) * price
	if added <= 0 {
		return ""
	}
	available := l.Equity() - l.GrossExposure()*l.cfg.MarginRate
	if added*l.cfg.MarginRate+commission > available+1e-9 {
		return domain.RejectBuyingPower
	}
	return ""
}

// Apply books a fill and returns the resulting trade record. Increasing a
// position updates its volume-weighted average price; reducing it realizes
// PnL against that average. A fill that crosses zero is split into a closing
// portion and an opening portion at the fill price, recorded as one trade.
func (l *Ledger) Apply(f domain.Fill) domain.Trade {
	signed := f.Side.Sign() * f.Qty
	l.cash -= signed*f.Price + f.Commission
	l.commission += f.Commission
	l.slippage += f.Slippage

	tr := domain.Trade{
		ID:         fmt.Sprintf("trd-%06d", len(l.trades)+1),
		OrderID:    f.OrderID,
		Symbol:     f.Symbol,
		Side:       f.Side,
		Price:      f.Price,
		Qty:        f.Qty,
		Commission: f.Commission,
		Slippage:   f.Slippage,
		BarIndex:   f.BarIndex,
		Timestamp:  f.Timestamp,
	}

	mark, marked := l.marks[f.Symbol]
	if !marked {
		mark = f.Price
		l.marks[f.Symbol] = mark
	}

	pos, ok := l.positions[f.Symbol]
	if !ok || pos.Qty*signed > 0 {
		// Opening or increasing.
		if !ok {
			pos = &domain.Position{Symbol: f.Symbol, OpenedBar: f.BarIndex, MarkPrice: mark}
			l.positions[f.Symbol] = pos
		}
		newQty := pos.Qty + signed
		pos.AvgPrice = (math.Abs(pos.Qty)*pos.AvgPrice + f.Qty*f.Price) / math.Abs(newQty)
		pos.Qty = newQty
		pos.UpdatedAt = f.Timestamp
		tr.OpenedQty = f.Qty
		l.trades = append(l.trades, tr)
		return tr
	}

	// Reducing, closing or flipping.
	closeQty := math.Min(f.Qty, math.Abs(pos.Qty))
	direction := 1.0
	if pos.Qty < 0 {
		direction = -1
	}
	pnl := (f.Price - pos.AvgPrice) * closeQty * direction
	tr.ClosedQty = closeQty
	tr.EntryPrice = pos.AvgPrice
	tr.PnL = pnl
	l.realized += pnl
	pos.RealizedPnL += pnl
	pos.UpdatedAt = f.Timestamp

	newQty := pos.Qty + signed
	opened := f.Qty - closeQty
	switch {
	case domain.IsZeroQty(newQty):
		delete(l.positions, f.Symbol)
	case opened > domain.QtyEpsilon:
		l.positions[f.Symbol] = &domain.Position{
			Symbol:    f.Symbol,
			Qty:       newQty,
			AvgPrice:  f.Price,
			MarkPrice: mark,
			OpenedBar: f.BarIndex,
			UpdatedAt: f.Timestamp,
		}
		tr.OpenedQty = opened
	default:
		pos.Qty = newQty
	}
	l.trades = append(l.trades, tr)
	return tr
}

// Record appends an equity snapshot using the current marks.
func (l *Ledger) Record(barIndex int, ts time.Time) domain.EquityPoint {
	posValue := l.PositionValue()
	equity := l.cash + posValue
	if len(l.curve) == 0 || equity > l.peak {
		l.peak = equity
	}
	dd := math.Max(0, l.peak-equity)
	var ddPct float64
	if l.peak > 0 {
		ddPct = dd / l.peak
	}
	pt := domain.EquityPoint{
		BarIndex:      barIndex,
		Timestamp:     ts,
		Equity:        equity,
		Cash:          l.cash,
		PositionValue: posValue,
		GrossExposure: l.GrossExposure(),
		Drawdown:      dd,
		DrawdownPct:   ddPct,
	}
	l.curve = append(l.curve, pt)
	return pt
}

// Drawdown returns the most recent snapshot's drawdown fraction.
func (l *Ledger) Drawdown() float64 {
	if len(l.curve) == 0 {
		return 0
	}
	return l.curve[len(l.curve)-1].DrawdownPct
}

// Trades returns a copy of the trade history.
func (l *Ledger) Trades() []domain.Trade {
	out := make([]domain.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Curve returns a copy of the equity curve.
func (l *Ledger) Curve() []domain.EquityPoint {
	out := make([]domain.EquityPoint, len(l.curve))
	copy(out, l.curve)
	return out
}

// RealizedPnL returns the PnL realized by all closing trades.
func (l *Ledger) RealizedPnL() float64 { return l.realized }

// UnrealizedPnL returns the open PnL of all positions at current marks.
func (l *Ledger) UnrealizedPnL() float64 {
	var u float64
	for _, p := range l.positions {
		u += p.UnrealizedPnL()
	}
	return u
}

// TotalCommission returns all commission paid.
func (l *Ledger) TotalCommission() float64 { return l.commission }

// TotalSlippage returns the accumulated cost of slippage.
func (l *Ledger) TotalSlippage() float64 { return l.slippage }

// Account returns a snapshot of the account at current marks.
func (l *Ledger) Account() domain.AccountInfo {
	return domain.AccountInfo{
		Equity:        l.Equity(),
		Cash:          l.cash,
		BuyingPower:   l.BuyingPower(),
		PositionValue: l.PositionValue(),
		GrossExposure: l.GrossExposure(),
		RealizedPnL:   l.realized,
		UnrealizedPnL: l.UnrealizedPnL(),
	}
}
