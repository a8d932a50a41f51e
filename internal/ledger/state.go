package ledger

import (
	"quantlab/internal/domain"
)

// State is a serialisable copy of a Ledger at a bar boundary.
type State struct {
	Cash       float64              `json:"cash"`
	Positions  []domain.Position    `json:"positions,omitempty"`
	Marks      map[string]float64   `json:"marks,omitempty"`
	Trades     []domain.Trade       `json:"trades,omitempty"`
	Curve      []domain.EquityPoint `json:"curve,omitempty"`
	Peak       float64              `json:"peak"`
	Realized   float64              `json:"realized"`
	Commission float64              `json:"commission"`
	Slippage   float64              `json:"slippage"`
}

// State returns a deep copy of the ledger's state.
func (l *Ledger) State() State {
	marks := make(map[string]float64, len(l.marks))
	for k, v := range l.marks {
		marks[k] = v
	}
	return State{
		Cash:       l.cash,
		Positions:  l.Positions(),
		Marks:      marks,
		Trades:     l.Trades(),
		Curve:      l.Curve(),
		Peak:       l.peak,
		Realized:   l.realized,
		Commission: l.commission,
		Slippage:   l.slippage,
	}
}

// Restore creates a Ledger for cfg holding st.
func Restore(cfg domain.BacktestConfig, st State) *Ledger {
	l := New(cfg)
	l.cash = st.Cash
	for _, p := range st.Positions {
		l.positions[p.Symbol] = &p
	}
	for k, v := range st.Marks {
		l.marks[k] = v
	}
	l.trades = append([]domain.Trade(nil), st.Trades...)
	l.curve = append([]domain.EquityPoint(nil), st.Curve...)
	l.peak = st.Peak
	l.realized = st.Realized
	l.commission = st.Commission
	l.slippage = st.Slippage
	return l
}
