package broker

import (
	"errors"
	"fmt"
	"math"
	"time"

	"quantlab/internal/domain"
	"quantlab/internal/ledger"
)

// Simulator fills orders against historical bars. It is deterministic for a
// given config, bar sequence and submission order, and is not safe for
// concurrent use.
type Simulator struct {
	cfg    domain.BacktestConfig
	risk   *ledger.RiskManager
	orders map[string]*domain.Order
	seq    []string
	nextID int

	// volume consumed by fills on volBar, shared by all orders on that bar
	volBar  int
	volUsed float64
}

// NewSimulator creates a Simulator for one run.
func NewSimulator(cfg domain.BacktestConfig) *Simulator {
	return &Simulator{
		cfg:    cfg,
		risk:   ledger.NewRiskManager(cfg.MaxPositionSize, cfg.AllowShort),
		orders: make(map[string]*domain.Order),
		volBar: -1,
	}
}

// NextID reserves the next sequential order id.
func (s *Simulator) NextID() string {
	s.nextID++
	return fmt.Sprintf("ord-%06d", s.nextID)
}

// Submit validates o, runs pre-trade risk checks against bar's close (or the
// order's own limit/stop price) and records it. The returned copy is
// submitted for market orders, pending for limit and stop orders waiting on
// their trigger, or rejected.
func (s *Simulator) Submit(o domain.Order, bar domain.Bar, barIndex int, acct Account) domain.Order {
	if o.ID == "" {
		o.ID = s.NextID()
	}
	o.FilledQty, o.AvgFillPrice, o.Commission = 0, 0, 0
	o.CreatedBar = barIndex
	o.CreatedAt = bar.Timestamp
	o.UpdatedAt = bar.Timestamp
	o.Status = acceptedStatus(o.Type)
	if o.Qty > 0 && s.cfg.QuantityStep > 0 {
		o.Qty = RoundQuantity(o.Qty, s.cfg.QuantityStep)
	}

	stored := &o
	s.orders[o.ID] = stored
	s.seq = append(s.seq, o.ID)

	if reason := validate(&o); reason != "" {
		s.reject(stored, reason, bar.Timestamp)
		return *stored
	}
	if err := s.risk.CheckOrder(stored, referencePrice(stored, bar), acct.PositionQty(o.Symbol), acct.Account()); err != nil {
		reason := domain.RejectInvalidOrder
		var rej *ledger.RejectError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		s.reject(stored, reason, bar.Timestamp)
	}
	return *stored
}

func acceptedStatus(t domain.OrderType) domain.OrderStatus {
	if t == domain.OrderTypeMarket {
		return domain.OrderStatusSubmitted
	}
	return domain.OrderStatusPending
}

func validate(o *domain.Order) string {
	if o.Qty <= domain.QtyEpsilon || o.Symbol == "" {
		return domain.RejectNothingToTrade
	}
	if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
		return domain.RejectInvalidOrder
	}
	switch o.Type {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if o.LimitPrice <= 0 {
			return domain.RejectInvalidOrder
		}
	case domain.OrderTypeStop:
		if o.StopPrice <= 0 {
			return domain.RejectInvalidOrder
		}
	case domain.OrderTypeStopLimit:
		if o.LimitPrice <= 0 || o.StopPrice <= 0 {
			return domain.RejectInvalidOrder
		}
	default:
		return domain.RejectInvalidOrder
	}
	return ""
}

func referencePrice(o *domain.Order, bar domain.Bar) float64 {
	switch o.Type {
	case domain.OrderTypeLimit, domain.OrderTypeStopLimit:
		return o.LimitPrice
	case domain.OrderTypeStop:
		return o.StopPrice
	}
	return bar.Close
}

// Cancel cancels a working order. It reports whether the order was working.
func (s *Simulator) Cancel(id, reason string, ts time.Time) (domain.Order, bool) {
	o, ok := s.orders[id]
	if !ok || o.Status.Terminal() {
		if ok {
			return *o, false
		}
		return domain.Order{}, false
	}
	s.finish(o, domain.OrderStatusCancelled, reason, ts)
	return *o, true
}

// CancelAll cancels every working order and returns their final state.
func (s *Simulator) CancelAll(reason string, ts time.Time) []domain.Order {
	var out []domain.Order
	for _, o := range s.working() {
		s.finish(o, domain.OrderStatusCancelled, reason, ts)
		out = append(out, *o)
	}
	return out
}

// Order returns the order with the given id.
func (s *Simulator) Order(id string) (domain.Order, bool) {
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// Open returns the working orders in submission order.
func (s *Simulator) Open() []domain.Order {
	w := s.working()
	out := make([]domain.Order, len(w))
	for i, o := range w {
		out[i] = *o
	}
	return out
}

// Orders returns every order in submission order.
func (s *Simulator) Orders() []domain.Order {
	out := make([]domain.Order, len(s.seq))
	for i, id := range s.seq {
		out[i] = *s.orders[id]
	}
	return out
}

func (s *Simulator) working() []*domain.Order {
	var out []*domain.Order
	for _, id := range s.seq {
		if o := s.orders[id]; !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// Process evaluates the working orders eligible in phase against bar.
func (s *Simulator) Process(bar domain.Bar, barIndex int, phase Phase, acct Account) Report {
	var rep Report
	if s.volBar != barIndex {
		s.volBar, s.volUsed = barIndex, 0
	}

	for _, o := range s.working() {
		if o.Status.Terminal() {
			// cancelled by an OCO sibling earlier in this pass
			continue
		}
		if phase == PhaseOpen && o.ExpireBar > 0 && barIndex > o.ExpireBar {
			s.finish(o, domain.OrderStatusExpired, "", bar.Timestamp)
			rep.Updates = append(rep.Updates, *o)
			continue
		}
		base, ok := s.eligible(o, bar, barIndex, phase)
		if !ok {
			continue
		}
		if o.ParentID != "" {
			if !s.clampChild(o, acct, bar.Timestamp) {
				rep.Updates = append(rep.Updates, *o)
				continue
			}
		}
		rep.merge(s.execute(o, bar, barIndex, base, acct))
	}
	return rep
}

// eligible reports whether o may fill in this phase and returns the model
// price before slippage.
func (s *Simulator) eligible(o *domain.Order, bar domain.Bar, barIndex int, phase Phase) (float64, bool) {
	if o.Type == domain.OrderTypeMarket {
		if s.cfg.FillModel == domain.FillNextOpen {
			return bar.Open, phase == PhaseOpen && o.CreatedBar < barIndex
		}
		if phase != PhaseClose {
			return 0, false
		}
		if s.cfg.FillModel == domain.FillVWAP {
			return (bar.High + bar.Low + 2*bar.Close) / 4, true
		}
		return bar.Close, true
	}

	// Resting orders are first evaluated on the bar after submission.
	if phase != PhaseOpen || o.CreatedBar >= barIndex {
		return 0, false
	}
	buy := o.Side == domain.OrderSideBuy
	switch o.Type {
	case domain.OrderTypeLimit:
		return limitPrice(buy, o.LimitPrice, bar)
	case domain.OrderTypeStop:
		return stopPrice(buy, o.StopPrice, bar)
	case domain.OrderTypeStopLimit:
		if !o.Triggered {
			if _, hit := stopPrice(buy, o.StopPrice, bar); !hit {
				return 0, false
			}
			o.Triggered = true
			o.Status = domain.OrderStatusSubmitted
			o.UpdatedAt = bar.Timestamp
		}
		return limitPrice(buy, o.LimitPrice, bar)
	}
	return 0, false
}

func limitPrice(buy bool, limit float64, bar domain.Bar) (float64, bool) {
	if buy {
		return math.Min(limit, bar.Open), bar.Low <= limit
	}
	return math.Max(limit, bar.Open), bar.High >= limit
}

func stopPrice(buy bool, stop float64, bar domain.Bar) (float64, bool) {
	if buy {
		return math.Max(stop, bar.Open), bar.High >= stop
	}
	return math.Min(stop, bar.Open), bar.Low <= stop
}

// clampChild limits a bracket child to the position it protects. It returns
// false and cancels the child when that position no longer exists.
func (s *Simulator) clampChild(o *domain.Order, acct Account, ts time.Time) bool {
	pos := acct.PositionQty(o.Symbol)
	closable := -o.Side.Sign() * pos
	if closable <= domain.QtyEpsilon {
		s.finish(o, domain.OrderStatusCancelled, domain.CancelReasonParentDone, ts)
		return false
	}
	if o.Remaining() > closable {
		o.Qty = o.FilledQty + closable
	}
	return true
}

func (s *Simulator) execute(o *domain.Order, bar domain.Bar, barIndex int, base float64, acct Account) Report {
	var rep Report
	qty := o.Remaining()

	if s.cfg.CheckVolume {
		capacity := math.Max(0, bar.Volume*s.cfg.MaxVolumePercent-s.volUsed)
		if capacity < qty {
			if !s.cfg.AllowPartialFills {
				s.reject(o, domain.RejectVolumeLimit, bar.Timestamp)
				rep.Updates = append(rep.Updates, *o)
				return rep
			}
			qty = RoundQuantity(capacity, s.cfg.QuantityStep)
		}
	}
	if qty <= domain.QtyEpsilon {
		return rep
	}

	price := base
	if o.Type == domain.OrderTypeMarket || o.Type == domain.OrderTypeStop {
		price = base * (1 + o.Side.Sign()*s.cfg.SlippageRate)
	}
	commission := qty * price * s.cfg.CommissionRate

	if reason := acct.CanFill(o.Symbol, o.Side, qty, price, commission); reason != "" {
		s.reject(o, reason, bar.Timestamp)
		rep.Updates = append(rep.Updates, *o)
		return rep
	}

	f := domain.Fill{
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        qty,
		Price:      price,
		BasePrice:  base,
		Commission: commission,
		Slippage:   math.Abs(price-base) * qty,
		BarIndex:   barIndex,
		Timestamp:  bar.Timestamp,
	}
	tr := acct.Apply(f)
	s.volUsed += qty

	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + price*qty) / (o.FilledQty + qty)
	o.FilledQty += qty
	o.Commission += commission
	o.UpdatedAt = bar.Timestamp
	if o.Remaining() == 0 {
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartial
	}
	rep.Executions = append(rep.Executions, Execution{Order: *o, Fill: f, Trade: tr})

	if o.ParentID != "" {
		rep.Updates = append(rep.Updates, s.cancelSiblings(o, bar.Timestamp)...)
	} else if o.Status == domain.OrderStatusFilled {
		rep.Updates = append(rep.Updates, s.spawnBracket(o, barIndex, bar.Timestamp)...)
	}
	return rep
}

// spawnBracket creates the stop-loss and take-profit children of a filled
// parent. They close the parent's quantity and cancel each other on fill.
func (s *Simulator) spawnBracket(parent *domain.Order, barIndex int, ts time.Time) []domain.Order {
	var out []domain.Order
	add := func(typ domain.OrderType, stop, limit float64, tag string) {
		child := &domain.Order{
			ID:         s.NextID(),
			Symbol:     parent.Symbol,
			Side:       parent.Side.Opposite(),
			Type:       typ,
			Qty:        parent.FilledQty,
			StopPrice:  stop,
			LimitPrice: limit,
			Status:     domain.OrderStatusPending,
			ParentID:   parent.ID,
			Tag:        tag,
			CreatedBar: barIndex,
			CreatedAt:  ts,
			UpdatedAt:  ts,
		}
		s.orders[child.ID] = child
		s.seq = append(s.seq, child.ID)
		out = append(out, *child)
	}
	if parent.StopLoss > 0 {
		add(domain.OrderTypeStop, parent.StopLoss, 0, "stop_loss")
	}
	if parent.TakeProfit > 0 {
		add(domain.OrderTypeLimit, 0, parent.TakeProfit, "take_profit")
	}
	return out
}

func (s *Simulator) cancelSiblings(child *domain.Order, ts time.Time) []domain.Order {
	var out []domain.Order
	for _, o := range s.working() {
		if o.ID != child.ID && o.ParentID == child.ParentID {
			s.finish(o, domain.OrderStatusCancelled, domain.CancelReasonOCO, ts)
			out = append(out, *o)
		}
	}
	return out
}

// Liquidate closes every open position at bar's close with slippage and
// commission, bypassing the fill model and volume caps. It is used to
// flatten the book at the end of a run.
func (s *Simulator) Liquidate(positions []domain.Position, bar domain.Bar, barIndex int, acct Account) []Execution {
	var out []Execution
	for _, p := range positions {
		if domain.IsZeroQty(p.Qty) {
			continue
		}
		side := domain.OrderSideSell
		if p.Qty < 0 {
			side = domain.OrderSideBuy
		}
		qty := math.Abs(p.Qty)
		base := bar.Close
		if p.Symbol != bar.Symbol && p.MarkPrice > 0 {
			base = p.MarkPrice
		}
		price := base * (1 + side.Sign()*s.cfg.SlippageRate)
		commission := qty * price * s.cfg.CommissionRate

		o := &domain.Order{
			ID:           s.NextID(),
			Symbol:       p.Symbol,
			Side:         side,
			Type:         domain.OrderTypeMarket,
			Qty:          qty,
			Status:       domain.OrderStatusFilled,
			FilledQty:    qty,
			AvgFillPrice: price,
			Commission:   commission,
			Tag:          "close_on_end",
			CreatedBar:   barIndex,
			CreatedAt:    bar.Timestamp,
			UpdatedAt:    bar.Timestamp,
		}
		s.orders[o.ID] = o
		s.seq = append(s.seq, o.ID)

		f := domain.Fill{
			OrderID:    o.ID,
			Symbol:     p.Symbol,
			Side:       side,
			Qty:        qty,
			Price:      price,
			BasePrice:  base,
			Commission: commission,
			Slippage:   math.Abs(price-base) * qty,
			BarIndex:   barIndex,
			Timestamp:  bar.Timestamp,
		}
		out = append(out, Execution{Order: *o, Fill: f, Trade: acct.Apply(f)})
	}
	return out
}

func (s *Simulator) reject(o *domain.Order, reason string, ts time.Time) {
	s.finish(o, domain.OrderStatusRejected, reason, ts)
}

func (s *Simulator) finish(o *domain.Order, status domain.OrderStatus, reason string, ts time.Time) {
	o.Status = status
	o.Reason = reason
	o.UpdatedAt = ts
}
