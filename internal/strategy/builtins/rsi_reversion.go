package builtins

import (
	"encoding/json"
	"fmt"

	"quantlab/internal/domain"
	"quantlab/internal/strategy"
)

var (
	_ strategy.OrderFilledHandler = (*RSIReversion)(nil)
	_ strategy.Stateful           = (*RSIReversion)(nil)
)

// RSIReversionDefinition registers the RSI mean reversion strategy.
var RSIReversionDefinition = strategy.Definition{
	ID:          "rsi-reversion",
	Name:        "RSI Mean Reversion",
	Description: "Buys oversold dips with bracket exits; exits early when overbought.",
	Params: []strategy.ParamSpec{
		{Name: "period", Type: strategy.ParamInt, Default: 14, Min: 2, Max: 50, Step: 1},
		{Name: "oversold", Type: strategy.ParamFloat, Default: 30, Min: 5, Max: 50, Step: 5},
		{Name: "overbought", Type: strategy.ParamFloat, Default: 70, Min: 50, Max: 95, Step: 5},
		{Name: "stop_loss", Type: strategy.ParamFloat, Default: 0.05, Min: 0, Max: 0.5, Step: 0.01, Description: "stop distance as a fraction of entry, 0 disables"},
		{Name: "take_profit", Type: strategy.ParamFloat, Default: 0.1, Min: 0, Max: 1, Step: 0.01, Description: "target distance as a fraction of entry, 0 disables"},
		{Name: "size", Type: strategy.ParamFloat, Default: 0.5, Min: 0.05, Max: 1, Step: 0.05},
	},
	New: func(p strategy.Params) (strategy.Strategy, error) {
		if p.Float("oversold") >= p.Float("overbought") {
			return nil, fmt.Errorf("%w: oversold must be below overbought", domain.ErrInvalidParam)
		}
		return &RSIReversion{
			period:     p.Int("period"),
			oversold:   p.Float("oversold"),
			overbought: p.Float("overbought"),
			stopLoss:   p.Float("stop_loss"),
			takeProfit: p.Float("take_profit"),
			size:       p.Float("size"),
		}, nil
	},
}

// RSIReversion enters long when RSI drops below the oversold level. Every
// entry carries stop-loss and take-profit legs priced off the bar close.
type RSIReversion struct {
	period     int
	oversold   float64
	overbought float64
	stopLoss   float64
	takeProfit float64
	size       float64

	pending string
	entries int
}

// OnBar implements strategy.Strategy.
func (s *RSIReversion) OnBar(ctx *strategy.Context) error {
	rsi, ok := RSI(ctx.Closes(s.period+1), s.period)
	if !ok {
		return nil
	}
	flat := domain.IsZeroQty(ctx.PositionQty())
	price := ctx.Bar().Close

	switch {
	case flat && s.pending == "" && rsi < s.oversold:
		opts := []strategy.OrderOption{strategy.WithUnit(domain.SizeEquityFraction), strategy.WithTag("oversold")}
		if s.stopLoss > 0 {
			opts = append(opts, strategy.WithStopLoss(price*(1-s.stopLoss)))
		}
		if s.takeProfit > 0 {
			opts = append(opts, strategy.WithTakeProfit(price*(1+s.takeProfit)))
		}
		s.pending = ctx.Buy(s.size, opts...)
	case !flat && rsi > s.overbought:
		ctx.CancelAll()
		ctx.Close(strategy.WithTag("overbought"))
	}
	if s.pending != "" {
		if o, ok := ctx.Order(s.pending); ok && o.Status.Terminal() {
			s.pending = ""
		}
	}
	return nil
}

// OnOrderFilled counts filled entries.
func (s *RSIReversion) OnOrderFilled(_ *strategy.Context, order domain.Order, _ domain.Trade) error {
	if order.ID == s.pending && order.Status == domain.OrderStatusFilled {
		s.entries++
		s.pending = ""
	}
	return nil
}

type rsiState struct {
	Pending string `json:"pending,omitempty"`
	Entries int    `json:"entries"`
}

// Snapshot implements strategy.Stateful.
func (s *RSIReversion) Snapshot() (json.RawMessage, error) {
	return json.Marshal(rsiState{Pending: s.pending, Entries: s.entries})
}

// Restore implements strategy.Stateful.
func (s *RSIReversion) Restore(state json.RawMessage) error {
	var st rsiState
	if err := json.Unmarshal(state, &st); err != nil {
		return err
	}
	s.pending, s.entries = st.Pending, st.Entries
	return nil
}
