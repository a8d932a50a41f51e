package broker

import (
	"math"
	"testing"
	"time"

	"quantlab/internal/domain"
	"quantlab/internal/ledger"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, open, high, low, close, volume float64) domain.Bar {
	return domain.Bar{
		Symbol:    "AAPL",
		Timestamp: t0.AddDate(0, 0, i),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}
}

func newTestSim(mutate func(*domain.BacktestConfig)) (*Simulator, *ledger.Ledger) {
	cfg := domain.DefaultBacktestConfig()
	cfg.InitialCapital = 100000
	cfg.CommissionRate = 0
	cfg.SlippageRate = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSimulator(cfg), ledger.New(cfg)
}

func market(side domain.OrderSide, qty float64) domain.Order {
	return domain.Order{Symbol: "AAPL", Side: side, Type: domain.OrderTypeMarket, Qty: qty}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRoundQuantity(t *testing.T) {
	cases := []struct{ qty, step, want float64 }{
		{10.7, 1, 10},
		{0.3, 0.1, 0.3},
		{1.23456, 0.01, 1.23},
		{5.5, 0, 5.5},
		{0.04, 0.1, 0},
	}
	for _, c := range cases {
		if got := RoundQuantity(c.qty, c.step); !approx(got, c.want) {
			t.Errorf("RoundQuantity(%v, %v) = %v, want %v", c.qty, c.step, got, c.want)
		}
	}
}

func TestMarketFillAtClose(t *testing.T) {
	sim, l := newTestSim(func(c *domain.BacktestConfig) {
		c.CommissionRate = 0.001
		c.SlippageRate = 0.01
	})
	b := bar(0, 99, 101, 98, 100, 1e6)

	o := sim.Submit(market(domain.OrderSideBuy, 10), b, 0, l)
	if o.Status != domain.OrderStatusSubmitted || o.ID != "ord-000001" {
		t.Fatalf("Submit = %+v, want submitted ord-000001", o)
	}
	rep := sim.Process(b, 0, PhaseClose, l)
	if len(rep.Executions) != 1 {
		t.Fatalf("executions = %d, want 1", len(rep.Executions))
	}
	f := rep.Executions[0].Fill
	if !approx(f.Price, 101) || f.BasePrice != 100 {
		t.Errorf("fill price = %v (base %v), want 101 (100)", f.Price, f.BasePrice)
	}
	if !approx(f.Commission, 10*101*0.001) {
		t.Errorf("commission = %v, want %v", f.Commission, 10*101*0.001)
	}
	if !approx(f.Slippage, 10) {
		t.Errorf("slippage cost = %v, want 10", f.Slippage)
	}
	if got, _ := sim.Order(o.ID); got.Status != domain.OrderStatusFilled || got.FilledQty != 10 {
		t.Errorf("order after fill = %+v", got)
	}
	if l.PositionQty("AAPL") != 10 {
		t.Errorf("position = %v, want 10", l.PositionQty("AAPL"))
	}
}

func TestSellSlippageLowersPrice(t *testing.T) {
	sim, l := newTestSim(func(c *domain.BacktestConfig) { c.SlippageRate = 0.01 })
	b := bar(0, 100, 100, 100, 100, 1e6)
	sim.Submit(market(domain.OrderSideSell, 1), b, 0, l)
	rep := sim.Process(b, 0, PhaseClose, l)
	if got := rep.Executions[0].Fill.Price; !approx(got, 99) {
		t.Errorf("sell fill price = %v, want 99", got)
	}
}

func TestNextOpenWaitsForNextBar(t *testing.T) {
	sim, l := newTestSim(func(c *domain.BacktestConfig) { c.FillModel = domain.FillNextOpen })
	b0 := bar(0, 100, 100, 100, 100, 1e6)
	b1 := bar(1, 105, 106, 104, 105, 1e6)

	sim.Submit(market(domain.OrderSideBuy, 1), b0, 0, l)
	if rep := sim.Process(b0, 0, PhaseClose, l); len(rep.Executions) != 0 {
		t.Fatal("next_open order filled on its own bar")
	}
	rep := sim.Process(b1, 1, PhaseOpen, l)
	if len(rep.Executions) != 1 || rep.Executions[0].Fill.Price != 105 {
		t.Fatalf("next_open fill = %+v, want one fill at 105", rep.Executions)
	}
}

func TestVWAPModel(t *testing.T) {
	sim, l := newTestSim(func(c *domain.BacktestConfig) { c.FillModel = domain.FillVWAP })
	b := bar(0, 100, 110, 90, 104, 1e6)
	sim.Submit(market(domain.OrderSideBuy, 1), b, 0, l)
	rep := sim.Process(b, 0, PhaseClose, l)
	if got := rep.Executions[0].Fill.Price; !approx(got, (110+90+2*104)/4.0) {
		t.Errorf("vwap fill = %v, want %v", got, (110+90+2*104)/4.0)
	}
}

func TestLimitAndStopTriggers(t *testing.T) {
	sim, l := newTestSim(nil)
	b0 := bar(0, 100, 100, 100, 100, 1e6)

	buyLimit := sim.Submit(domain.Order{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: 95}, b0, 0, l)
	buyStop := sim.Submit(domain.Order{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeStop, Qty: 1, StopPrice: 108}, b0, 0, l)

	if buyLimit.Status != domain.OrderStatusPending || buyStop.Status != domain.OrderStatusPending {
		t.Fatalf("resting status = %s/%s, want pending", buyLimit.Status, buyStop.Status)
	}

	// Resting orders never fill on the bar that created them.
	if rep := sim.Process(b0, 0, PhaseClose, l); len(rep.Executions) != 0 {
		t.Fatal("resting orders filled on submission bar")
	}

	// Gap down through the limit: filled at the better open.
	b1 := bar(1, 93, 96, 92, 95, 1e6)
	rep := sim.Process(b1, 1, PhaseOpen, l)
	if len(rep.Executions) != 1 || rep.Executions[0].Fill.OrderID != buyLimit.ID || rep.Executions[0].Fill.Price != 93 {
		t.Fatalf("limit execution = %+v, want fill at open 93", rep.Executions)
	}

	// Rally through the stop: filled at the stop price.
	b2 := bar(2, 104, 110, 103, 109, 1e6)
	rep = sim.Process(b2, 2, PhaseOpen, l)
	if len(rep.Executions) != 1 || rep.Executions[0].Fill.OrderID != buyStop.ID || rep.Executions[0].Fill.Price != 108 {
		t.Fatalf("stop execution = %+v, want fill at 108", rep.Executions)
	}
}

func TestStopLimitTriggersThenWorksAsLimit(t *testing.T) {
	sim, l := newTestSim(nil)
	l.Apply(domain.Fill{Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: 5, Price: 100})
	b0 := bar(0, 100, 100, 100, 100, 1e6)
	o := sim.Submit(domain.Order{
		Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeStopLimit,
		Qty: 5, StopPrice: 95, LimitPrice: 96,
	}, b0, 0, l)

	// Stop hit but the bar never trades back up to the limit.
	b1 := bar(1, 94, 95, 90, 91, 1e6)
	if rep := sim.Process(b1, 1, PhaseOpen, l); len(rep.Executions) != 0 {
		t.Fatal("stop-limit filled below its limit")
	}
	if got, _ := sim.Order(o.ID); !got.Triggered || got.Status != domain.OrderStatusSubmitted {
		t.Fatalf("stop-limit after trigger = %s triggered %v, want submitted", got.Status, got.Triggered)
	}

	b2 := bar(2, 92, 97, 91, 96, 1e6)
	rep := sim.Process(b2, 2, PhaseOpen, l)
	if len(rep.Executions) != 1 || rep.Executions[0].Fill.Price != 96 {
		t.Fatalf("stop-limit execution = %+v, want fill at limit 96", rep.Executions)
	}
}

func TestPartialFillAcrossBars(t *testing.T) {
	sim, l := newTestSim(func(c *domain.BacktestConfig) {
		c.CheckVolume = true
		c.MaxVolumePercent = 0.1
		c.AllowPartialFills = true
	})
	b0 := bar(0, 10, 10, 10, 10, 500)
	o := sim.Submit(market(domain.OrderSideBuy, 100), b0, 0, l)

	rep := sim.Process(b0, 0, PhaseClose, l)
	if len(rep.Executions) != 1 || rep.Executions[0].Fill.Qty != 50 {
		t.Fatalf("first fill = %+v, want 50 units", rep.Executions)
	}
	if got, _ := sim.Order(o.ID); got.Status != domain.OrderStatusPartial || got.FilledQty != 50 {
		t.Fatalf("after first bar = %+v, want partial with 50 filled", got)
	}

	b1 := bar(1, 10, 10, 10, 10, 5000)
	sim.Process(b1, 1, PhaseOpen, l)
	rep = sim.Process(b1, 1, PhaseClose, l)
	if len(rep.Executions) != 1 || rep.Executions[0].Fill.Qty != 50 {
		t.Fatalf("second fill = %+v, want remaining 50", rep.Executions)
	}
	if got, _ := sim.Order(o.ID); got.Status != domain.OrderStatusFilled {
		t.Fatalf("after second bar status = %s, want filled", got.Status)
	}
	if l.PositionQty("AAPL") != 100 {
		t.Errorf("position = %v, want 100", l.PositionQty("AAPL"))
	}
}

func TestVolumeCapRejectsWithoutPartials(t *testing.T) {
	sim, l := newTestSim(func(c *domain.BacktestConfig) {
		c.CheckVolume = true
		c.MaxVolumePercent = 0.1
	})
	b0 := bar(0, 10, 10, 10, 10, 500)
	o := sim.Submit(market(domain.OrderSideBuy, 100), b0, 0, l)
	rep := sim.Process(b0, 0, PhaseClose, l)
	if len(rep.Executions) != 0 {
		t.Fatal("order filled despite volume cap")
	}
	got, _ := sim.Order(o.ID)
	if got.Status != domain.OrderStatusRejected || got.Reason != domain.RejectVolumeLimit {
		t.Errorf("order = %s/%s, want rejected/%s", got.Status, got.Reason, domain.RejectVolumeLimit)
	}
}

func TestSubmitRejections(t *testing.T) {
	sim, l := newTestSim(func(c *domain.BacktestConfig) {
		c.AllowShort = false
		c.MaxPositionSize = 0.5
	})
	b := bar(0, 100, 100, 100, 100, 1e6)

	cases := []struct {
		name   string
		order  domain.Order
		reason string
	}{
		{"zero qty", market(domain.OrderSideBuy, 0), domain.RejectNothingToTrade},
		{"limit without price", domain.Order{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 1}, domain.RejectInvalidOrder},
		{"short", market(domain.OrderSideSell, 1), domain.RejectShortNotAllowed},
		{"oversized", market(domain.OrderSideBuy, 600), domain.RejectMaxPositionSize},
	}
	for _, c := range cases {
		got := sim.Submit(c.order, b, 0, l)
		if got.Status != domain.OrderStatusRejected || got.Reason != c.reason {
			t.Errorf("%s: status %s reason %q, want rejected %q", c.name, got.Status, got.Reason, c.reason)
		}
	}
	if n := len(sim.Orders()); n != len(cases) {
		t.Errorf("Orders() = %d, want rejected orders recorded too", n)
	}
}

func TestBracketChildrenAndOCO(t *testing.T) {
	sim, l := newTestSim(nil)
	b0 := bar(0, 100, 100, 100, 100, 1e6)
	parent := market(domain.OrderSideBuy, 10)
	parent.StopLoss = 95
	parent.TakeProfit = 110
	sim.Submit(parent, b0, 0, l)

	rep := sim.Process(b0, 0, PhaseClose, l)
	if len(rep.Updates) != 2 {
		t.Fatalf("bracket children = %d, want 2", len(rep.Updates))
	}
	stop, take := rep.Updates[0], rep.Updates[1]
	if stop.Type != domain.OrderTypeStop || stop.StopPrice != 95 || stop.Side != domain.OrderSideSell {
		t.Errorf("stop-loss child = %+v", stop)
	}
	if take.Type != domain.OrderTypeLimit || take.LimitPrice != 110 || take.ParentID != "ord-000001" {
		t.Errorf("take-profit child = %+v", take)
	}
	if stop.Status != domain.OrderStatusPending || take.Status != domain.OrderStatusPending {
		t.Errorf("children status = %s/%s, want pending", stop.Status, take.Status)
	}

	b1 := bar(1, 105, 112, 104, 111, 1e6)
	rep = sim.Process(b1, 1, PhaseOpen, l)
	if len(rep.Executions) != 1 || rep.Executions[0].Fill.OrderID != take.ID || rep.Executions[0].Fill.Price != 110 {
		t.Fatalf("take-profit execution = %+v", rep.Executions)
	}
	if got, _ := sim.Order(stop.ID); got.Status != domain.OrderStatusCancelled || got.Reason != domain.CancelReasonOCO {
		t.Errorf("stop-loss after OCO = %s/%s", got.Status, got.Reason)
	}
	if len(sim.Open()) != 0 {
		t.Errorf("open orders = %d, want 0", len(sim.Open()))
	}
	if l.PositionQty("AAPL") != 0 {
		t.Errorf("position = %v, want flat", l.PositionQty("AAPL"))
	}
}

func TestBracketChildCancelledWhenFlat(t *testing.T) {
	sim, l := newTestSim(nil)
	b0 := bar(0, 100, 100, 100, 100, 1e6)
	parent := market(domain.OrderSideBuy, 10)
	parent.StopLoss = 95
	sim.Submit(parent, b0, 0, l)
	sim.Process(b0, 0, PhaseClose, l)

	// The strategy exits on its own.
	sim.Submit(market(domain.OrderSideSell, 10), b0, 0, l)
	sim.Process(b0, 0, PhaseClose, l)

	b1 := bar(1, 90, 91, 89, 90, 1e6)
	rep := sim.Process(b1, 1, PhaseOpen, l)
	if len(rep.Executions) != 0 {
		t.Fatal("orphaned stop-loss opened a short")
	}
	if len(rep.Updates) != 1 || rep.Updates[0].Reason != domain.CancelReasonParentDone {
		t.Errorf("updates = %+v, want stop-loss cancelled", rep.Updates)
	}
}

func TestExpiry(t *testing.T) {
	sim, l := newTestSim(nil)
	b0 := bar(0, 100, 100, 100, 100, 1e6)
	o := domain.Order{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: 50, ExpireBar: 2}
	o = sim.Submit(o, b0, 0, l)

	for i := 1; i <= 2; i++ {
		sim.Process(bar(i, 100, 100, 100, 100, 1e6), i, PhaseOpen, l)
	}
	if got, _ := sim.Order(o.ID); got.Status != domain.OrderStatusPending {
		t.Fatalf("status at expire bar = %s, want pending", got.Status)
	}
	rep := sim.Process(bar(3, 100, 100, 100, 100, 1e6), 3, PhaseOpen, l)
	if len(rep.Updates) != 1 || rep.Updates[0].Status != domain.OrderStatusExpired {
		t.Errorf("updates = %+v, want order expired", rep.Updates)
	}
}

func TestCancel(t *testing.T) {
	sim, l := newTestSim(nil)
	b0 := bar(0, 100, 100, 100, 100, 1e6)
	o := sim.Submit(domain.Order{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: 50}, b0, 0, l)

	got, ok := sim.Cancel(o.ID, domain.CancelReasonStrategy, b0.Timestamp)
	if !ok || got.Status != domain.OrderStatusCancelled {
		t.Fatalf("Cancel = %+v, %v", got, ok)
	}
	if _, ok := sim.Cancel(o.ID, domain.CancelReasonStrategy, b0.Timestamp); ok {
		t.Error("second Cancel reported success")
	}
	if _, ok := sim.Cancel("missing", domain.CancelReasonStrategy, b0.Timestamp); ok {
		t.Error("Cancel of unknown id reported success")
	}
}

func TestLiquidate(t *testing.T) {
	sim, l := newTestSim(nil)
	l.Apply(domain.Fill{Symbol: "AAPL", Side: domain.OrderSideSell, Qty: 3, Price: 100})
	b := bar(5, 90, 90, 90, 90, 1e6)
	execs := sim.Liquidate(l.Positions(), b, 5, l)
	if len(execs) != 1 || execs[0].Fill.Side != domain.OrderSideBuy || execs[0].Fill.Qty != 3 {
		t.Fatalf("Liquidate = %+v", execs)
	}
	if !approx(execs[0].Trade.PnL, 30) {
		t.Errorf("cover PnL = %v, want 30", execs[0].Trade.PnL)
	}
	if len(l.Positions()) != 0 {
		t.Error("positions remain after Liquidate")
	}
}

func TestStateRestore(t *testing.T) {
	sim, l := newTestSim(nil)
	b0 := bar(0, 100, 100, 100, 100, 1e6)
	sim.Submit(market(domain.OrderSideBuy, 10), b0, 0, l)
	sim.Process(b0, 0, PhaseClose, l)
	resting := sim.Submit(domain.Order{Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Qty: 10, LimitPrice: 105}, b0, 0, l)

	r := RestoreSimulator(sim.cfg, sim.State())
	if len(r.Orders()) != 2 || len(r.Open()) != 1 || r.Open()[0].ID != resting.ID {
		t.Fatalf("restored orders = %+v", r.Orders())
	}
	if id := r.NextID(); id != "ord-000003" {
		t.Errorf("next id = %q, want ord-000003", id)
	}

	rep := r.Process(bar(1, 104, 106, 103, 105, 1e6), 1, PhaseOpen, l)
	if len(rep.Executions) != 1 || rep.Executions[0].Fill.Price != 105 {
		t.Fatalf("restored limit execution = %+v", rep.Executions)
	}
	if got, _ := sim.Order(resting.ID); got.Status != domain.OrderStatusPending {
		t.Errorf("original order status = %s, want pending", got.Status)
	}
}
