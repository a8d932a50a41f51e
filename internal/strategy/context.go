package strategy

import (
	"log/slog"
	"math"

	"quantlab/internal/broker"
	"quantlab/internal/domain"
	"quantlab/internal/feed"
	"quantlab/internal/ledger"
)

// OrderOption adjusts the signal produced by Buy or Sell.
type OrderOption func(*domain.Signal)

// WithLimit makes the order a limit order at price.
func WithLimit(price float64) OrderOption {
	return func(s *domain.Signal) {
		s.Type = domain.OrderTypeLimit
		s.LimitPrice = price
	}
}

// WithStop makes the order a stop (market on trigger) order.
func WithStop(price float64) OrderOption {
	return func(s *domain.Signal) {
		s.Type = domain.OrderTypeStop
		s.StopPrice = price
	}
}

// WithStopLimit makes the order a stop-limit order.
func WithStopLimit(stop, limit float64) OrderOption {
	return func(s *domain.Signal) {
		s.Type = domain.OrderTypeStopLimit
		s.StopPrice = stop
		s.LimitPrice = limit
	}
}

// WithStopLoss attaches a protective stop leg created once the order fills.
func WithStopLoss(price float64) OrderOption {
	return func(s *domain.Signal) { s.StopLoss = price }
}

// WithTakeProfit attaches a profit-taking limit leg created once the order
// fills.
func WithTakeProfit(price float64) OrderOption {
	return func(s *domain.Signal) { s.TakeProfit = price }
}

// WithExpiry expires the order if it is still working n bars after the bar
// that created it.
func WithExpiry(bars int) OrderOption {
	return func(s *domain.Signal) { s.ExpireBars = bars }
}

// WithTag labels the order.
func WithTag(tag string) OrderOption {
	return func(s *domain.Signal) { s.Tag = tag }
}

// WithUnit selects how the quantity passed to Buy or Sell is interpreted.
func WithUnit(u domain.SizeUnit) OrderOption {
	return func(s *domain.Signal) { s.Unit = u }
}

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdCancel
	cmdCancelAll
)

type command struct {
	kind    commandKind
	orderID string
	signal  domain.Signal
}

// Context is a strategy's view of the run at the current bar: read-only
// snapshots of market and account state plus a queue of actions. Actions
// return the id the resulting order will carry; they take effect after the
// current hook returns.
type Context struct {
	params Params
	feed   *feed.Feed
	index  int
	bar    domain.Bar
	cfg    domain.BacktestConfig
	ledger *ledger.Ledger
	sim    *broker.Simulator
	logger *slog.Logger
	queue  []command
}

func newContext(p Params, f *feed.Feed, cfg domain.BacktestConfig, l *ledger.Ledger, sim *broker.Simulator, logger *slog.Logger) *Context {
	return &Context{
		params: p,
		feed:   f,
		index:  -1,
		cfg:    cfg,
		ledger: l,
		sim:    sim,
		logger: logger,
	}
}

func (c *Context) advance(i int) {
	c.index = i
	c.bar = c.feed.At(i)
}

// Params returns the run's resolved parameters.
func (c *Context) Params() Params { return c.params }

// Config returns the run's configuration.
func (c *Context) Config() domain.BacktestConfig { return c.cfg }

// Logger returns the run logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Symbol returns the traded symbol.
func (c *Context) Symbol() string { return c.feed.Symbol() }

// Index returns the current bar index, or -1 during Init.
func (c *Context) Index() int { return c.index }

// Bar returns the current bar. It is the zero Bar during Init.
func (c *Context) Bar() domain.Bar { return c.bar }

// TotalBars returns the length of the feed.
func (c *Context) TotalBars() int { return c.feed.Len() }

// Lookback returns up to n bars ending at the current bar.
func (c *Context) Lookback(n int) []domain.Bar { return c.feed.Lookback(c.index, n) }

// Closes returns up to n close prices ending at the current bar.
func (c *Context) Closes(n int) []float64 { return c.feed.Closes(c.index, n) }

// Equity returns cash plus the marked value of open positions.
func (c *Context) Equity() float64 { return c.ledger.Equity() }

// Cash returns the cash balance.
func (c *Context) Cash() float64 { return c.ledger.Cash() }

// BuyingPower returns the exposure that may still be added.
func (c *Context) BuyingPower() float64 { return c.ledger.BuyingPower() }

// Position returns the open position in the traded symbol.
func (c *Context) Position() (domain.Position, bool) { return c.ledger.Position(c.Symbol()) }

// PositionQty returns the signed quantity held in the traded symbol.
func (c *Context) PositionQty() float64 { return c.ledger.PositionQty(c.Symbol()) }

// Positions returns all open positions.
func (c *Context) Positions() []domain.Position { return c.ledger.Positions() }

// OpenOrders returns working orders in submission order.
func (c *Context) OpenOrders() []domain.Order { return c.sim.Open() }

// Orders returns every order submitted so far.
func (c *Context) Orders() []domain.Order { return c.sim.Orders() }

// Order returns the order with the given id.
func (c *Context) Order(id string) (domain.Order, bool) { return c.sim.Order(id) }

// Buy queues a buy order for qty (in units unless WithUnit says otherwise).
func (c *Context) Buy(qty float64, opts ...OrderOption) string {
	return c.enqueue(domain.OrderSideBuy, qty, opts)
}

// Sell queues a sell order for qty.
func (c *Context) Sell(qty float64, opts ...OrderOption) string {
	return c.enqueue(domain.OrderSideSell, qty, opts)
}

// Close queues a market order that flattens the current position. It
// returns "" when there is nothing to close.
func (c *Context) Close(opts ...OrderOption) string {
	q := c.PositionQty()
	if domain.IsZeroQty(q) {
		return ""
	}
	side := domain.OrderSideSell
	if q < 0 {
		side = domain.OrderSideBuy
	}
	return c.enqueue(side, math.Abs(q), append(opts, WithUnit(domain.SizeUnits)))
}

// Cancel queues cancellation of a working order.
func (c *Context) Cancel(orderID string) {
	c.queue = append(c.queue, command{kind: cmdCancel, orderID: orderID})
}

// CancelAll queues cancellation of every working order.
func (c *Context) CancelAll() {
	c.queue = append(c.queue, command{kind: cmdCancelAll})
}

func (c *Context) enqueue(side domain.OrderSide, qty float64, opts []OrderOption) string {
	sig := domain.Signal{
		Symbol:    c.Symbol(),
		Side:      side,
		Type:      domain.OrderTypeMarket,
		Qty:       qty,
		Unit:      domain.SizeUnits,
		BarIndex:  c.index,
		Timestamp: c.bar.Timestamp,
	}
	for _, opt := range opts {
		opt(&sig)
	}
	id := c.sim.NextID()
	c.queue = append(c.queue, command{kind: cmdSubmit, orderID: id, signal: sig})
	return id
}

func (c *Context) takeQueue() []command {
	q := c.queue
	c.queue = nil
	return q
}

// orderFromSignal converts a signal into an order, translating cash and
// equity-fraction sizes into units at the reference price. The cost factor
// leaves room for commission and slippage.
func (c *Context) orderFromSignal(id string, sig domain.Signal) domain.Order {
	qty := sig.Qty
	if sig.Unit == domain.SizeCash || sig.Unit == domain.SizeEquityFraction {
		ref := c.bar.Close
		if sig.Type == domain.OrderTypeLimit || sig.Type == domain.OrderTypeStopLimit {
			ref = sig.LimitPrice
		} else if sig.Type == domain.OrderTypeStop {
			ref = sig.StopPrice
		}
		notional := sig.Qty
		if sig.Unit == domain.SizeEquityFraction {
			notional = sig.Qty * c.ledger.Equity()
		}
		cost := ref * (1 + c.cfg.CommissionRate + c.cfg.SlippageRate)
		qty = 0
		if cost > 0 {
			qty = notional / cost
		}
	}
	o := domain.Order{
		ID:         id,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Type:       sig.Type,
		Qty:        qty,
		LimitPrice: sig.LimitPrice,
		StopPrice:  sig.StopPrice,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Tag:        sig.Tag,
	}
	if sig.ExpireBars > 0 {
		o.ExpireBar = c.index + sig.ExpireBars
	}
	return o
}
