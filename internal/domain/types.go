// Package domain defines the core data model shared by the backtest engine:
// bars, signals, orders, fills, positions, equity snapshots and results.
package domain

import (
	"math"
	"time"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

// OrderType selects how an order becomes eligible for a fill.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus tracks an order through its lifecycle:
//
//	pending -> submitted -> {partial -> filled | cancelled | rejected | expired}
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// SizeUnit selects how a signal's quantity is interpreted.
type SizeUnit string

const (
	// SizeUnits is a plain quantity of the instrument.
	SizeUnits SizeUnit = "units"
	// SizeCash is a notional amount in account currency.
	SizeCash SizeUnit = "cash"
	// SizeEquityFraction is a fraction of current equity (0.25 = 25%).
	SizeEquityFraction SizeUnit = "equity_fraction"
)

// Order rejection reasons.
const (
	RejectMaxPositionSize  = "max_position_size"
	RejectBuyingPower      = "insufficient_buying_power"
	RejectShortNotAllowed  = "short_not_allowed"
	RejectVolumeLimit      = "volume_limit"
	RejectInvalidOrder     = "invalid_order"
	RejectNothingToTrade   = "zero_quantity"
	CancelReasonOCO        = "oco_sibling_filled"
	CancelReasonStrategy   = "strategy"
	CancelReasonEndOfRun   = "end_of_run"
	CancelReasonParentDone = "parent_closed"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV sample for a fixed interval.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// Signal is a trading intent emitted by a strategy. The runner converts each
// signal into exactly one Order.
type Signal struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Type       OrderType `json:"type"`
	Qty        float64   `json:"qty"`
	Unit       SizeUnit  `json:"unit,omitempty"`
	LimitPrice float64   `json:"limitPrice,omitempty"`
	StopPrice  float64   `json:"stopPrice,omitempty"`
	StopLoss   float64   `json:"stopLoss,omitempty"`
	TakeProfit float64   `json:"takeProfit,omitempty"`
	ExpireBars int       `json:"expireBars,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	BarIndex   int       `json:"barIndex"`
	Timestamp  time.Time `json:"timestamp"`
}

// Order is a simulated order. Its state is mutated only by the fill engine.
type Order struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Qty          float64     `json:"qty"`
	LimitPrice   float64     `json:"limitPrice,omitempty"`
	StopPrice    float64     `json:"stopPrice,omitempty"`
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filledQty"`
	AvgFillPrice float64     `json:"avgFillPrice"`
	Commission   float64     `json:"commission"`
	ParentID     string      `json:"parentId,omitempty"`
	Tag          string      `json:"tag,omitempty"`
	Reason       string      `json:"reason,omitempty"`

	// Bracket legs requested by the signal; children are created from these
	// once the order is completely filled.
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`

	// Triggered is set when the stop price of a stop_limit order has been hit
	// and the order now works as a limit order.
	Triggered bool `json:"triggered,omitempty"`

	CreatedBar int       `json:"createdBar"`
	ExpireBar  int       `json:"expireBar,omitempty"` // 0 means good till cancelled
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < QtyEpsilon {
		return 0
	}
	return r
}

// Fill is one execution produced by the fill engine for the ledger to apply.
type Fill struct {
	OrderID    string    `json:"orderId"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price"`     // executed price, slippage included
	BasePrice  float64   `json:"basePrice"` // model price before slippage
	Commission float64   `json:"commission"`
	Slippage   float64   `json:"slippage"` // cost of slippage in account currency
	BarIndex   int       `json:"barIndex"`
	Timestamp  time.Time `json:"timestamp"`
}

// Trade is the immutable ledger record of one fill. PnL is realized only by
// the closing portion (ClosedQty) of the fill.
type Trade struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Price      float64   `json:"price"`
	Qty        float64   `json:"qty"`
	Commission float64   `json:"commission"`
	Slippage   float64   `json:"slippage"`
	BarIndex   int       `json:"barIndex"`
	Timestamp  time.Time `json:"timestamp"`

	ClosedQty  float64 `json:"closedQty"`
	OpenedQty  float64 `json:"openedQty"`
	EntryPrice float64 `json:"entryPrice,omitempty"` // average entry of the closed portion
	PnL        float64 `json:"pnl"`
}

// Closing reports whether the trade reduced or closed a position.
func (t Trade) Closing() bool { return t.ClosedQty > 0 }

// ReturnPct is the closing portion's PnL relative to its entry notional,
// as a fraction.
func (t Trade) ReturnPct() float64 {
	basis := t.EntryPrice * t.ClosedQty
	if basis == 0 {
		return 0
	}
	return t.PnL / basis
}

// Position is the open exposure in one symbol. Qty is signed: positive long,
// negative short.
type Position struct {
	Symbol      string    `json:"symbol"`
	Qty         float64   `json:"qty"`
	AvgPrice    float64   `json:"avgPrice"`
	RealizedPnL float64   `json:"realizedPnl"`
	MarkPrice   float64   `json:"markPrice"`
	OpenedBar   int       `json:"openedBar"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Long reports whether the position is long.
func (p Position) Long() bool { return p.Qty > 0 }

// MarketValue is the signed mark-to-market value.
func (p Position) MarketValue() float64 { return p.Qty * p.MarkPrice }

// UnrealizedPnL is the open profit against the average entry price.
func (p Position) UnrealizedPnL() float64 { return (p.MarkPrice - p.AvgPrice) * p.Qty }

// EquityPoint is one ledger snapshot taken at a bar close.
type EquityPoint struct {
	BarIndex      int       `json:"barIndex"`
	Timestamp     time.Time `json:"timestamp"`
	Equity        float64   `json:"equity"`
	Cash          float64   `json:"cash"`
	PositionValue float64   `json:"positionValue"`
	GrossExposure float64   `json:"grossExposure"`
	Drawdown      float64   `json:"drawdown"`
	DrawdownPct   float64   `json:"drawdownPct"` // fraction of the running peak
}

// QtyEpsilon is the tolerance below which a quantity is treated as zero.
const QtyEpsilon = 1e-9

// IsZeroQty reports whether q is zero within QtyEpsilon.
func IsZeroQty(q float64) bool { return math.Abs(q) < QtyEpsilon }

// AccountInfo is a point-in-time view of the account.
type AccountInfo struct {
	Equity        float64 `json:"equity"`
	Cash          float64 `json:"cash"`
	BuyingPower   float64 `json:"buyingPower"`
	PositionValue float64 `json:"positionValue"`
	GrossExposure float64 `json:"grossExposure"`
	RealizedPnL   float64 `json:"realizedPnl"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
}
