package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"quantlab/internal/domain"
	"quantlab/internal/events"
	"quantlab/internal/feed"
)

// scripted runs a per-bar function and optionally records fills.
type scripted struct {
	onBar  func(ctx *Context) error
	onEnd  func(ctx *Context) error
	fills  []domain.Trade
	ended  bool
	inited bool
}

func (s *scripted) Init(_ *Context) error {
	s.inited = true
	return nil
}

func (s *scripted) OnBar(ctx *Context) error {
	if s.onBar == nil {
		return nil
	}
	return s.onBar(ctx)
}

func (s *scripted) OnOrderFilled(_ *Context, _ domain.Order, tr domain.Trade) error {
	s.fills = append(s.fills, tr)
	return nil
}

func (s *scripted) OnEnd(ctx *Context) error {
	s.ended = true
	if s.onEnd != nil {
		return s.onEnd(ctx)
	}
	return nil
}

func closesFeed(t *testing.T, closes ...float64) *feed.Feed {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      c, High: c, Low: c, Close: c, Volume: 1e6,
		}
	}
	f, err := feed.New("TEST", "1d", bars)
	if err != nil {
		t.Fatalf("feed.New: %v", err)
	}
	return f
}

func frictionless(capital float64) domain.BacktestConfig {
	cfg := domain.DefaultBacktestConfig()
	cfg.InitialCapital = capital
	cfg.CommissionRate = 0
	cfg.SlippageRate = 0
	return cfg
}

func runJob(t *testing.T, s Strategy, f *feed.Feed, cfg domain.BacktestConfig, sink events.Sink) *domain.BacktestResult {
	t.Helper()
	res, err := NewBacktester(nil).Run(context.Background(), Job{StrategyID: "test", Strategy: s, Feed: f, Config: cfg, Sink: sink})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestBuyThenSellScenario(t *testing.T) {
	s := &scripted{onBar: func(ctx *Context) error {
		switch ctx.Index() {
		case 0:
			ctx.Buy(10)
		case 2:
			ctx.Close()
		}
		return nil
	}}
	res := runJob(t, s, closesFeed(t, 100, 110, 90), frictionless(10000), nil)

	if res.Status != domain.RunCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Status, res.Error)
	}
	m := res.Metrics
	if m.TotalTrades != 1 || m.WinRate != 0 {
		t.Errorf("totalTrades/winRate = %d/%v, want 1/0", m.TotalTrades, m.WinRate)
	}
	if m.FinalEquity != 9900 {
		t.Errorf("finalEquity = %v, want 9900", m.FinalEquity)
	}
	var closed []domain.Trade
	for _, tr := range res.Trades {
		if tr.Closing() {
			closed = append(closed, tr)
		}
	}
	if len(closed) != 1 || closed[0].PnL != -100 {
		t.Errorf("closing trades = %+v, want one with pnl -100", closed)
	}
	if len(res.EquityCurve) != 3 || res.EquityCurve[1].Equity != 10100 {
		t.Errorf("equity curve = %+v", res.EquityCurve)
	}
	if !s.inited || !s.ended || len(s.fills) != 2 {
		t.Errorf("hooks: init=%v end=%v fills=%d, want true/true/2", s.inited, s.ended, len(s.fills))
	}
	if len(res.FinalPositions) != 0 {
		t.Errorf("final positions = %+v, want none", res.FinalPositions)
	}
}

func TestNoSignalBoundary(t *testing.T) {
	res := runJob(t, &scripted{}, closesFeed(t, 100, 101, 99, 102), frictionless(5000), nil)
	m := res.Metrics
	if len(res.Trades) != 0 || m.SharpeRatio != 0 || math.IsNaN(m.ProfitFactor) {
		t.Errorf("no-signal metrics = %+v", m)
	}
	for _, p := range res.EquityCurve {
		if p.Equity != 5000 {
			t.Fatalf("equity curve not flat: %+v", res.EquityCurve)
		}
	}
}

func TestAccountingIdentityWithCosts(t *testing.T) {
	cfg := domain.DefaultBacktestConfig()
	cfg.InitialCapital = 20000
	s := &scripted{onBar: func(ctx *Context) error {
		switch ctx.Index() % 3 {
		case 0:
			ctx.Buy(0.5, WithUnit(domain.SizeEquityFraction))
		case 2:
			ctx.Sell(5)
		}
		return nil
	}}
	res := runJob(t, s, closesFeed(t, 100, 103, 97, 101, 108, 104, 99, 111), cfg, nil)
	m := res.Metrics

	var realized, unrealized float64
	for _, tr := range res.Trades {
		realized += tr.PnL
	}
	for _, p := range res.FinalPositions {
		unrealized += p.UnrealizedPnL()
	}
	lhs := realized + unrealized - m.TotalCommission
	rhs := m.FinalEquity - m.InitialCapital
	if math.Abs(lhs-rhs) > 1e-6 {
		t.Errorf("realized+unrealized-commission = %v, equity change = %v", lhs, rhs)
	}
	if m.TotalSlippage <= 0 {
		t.Error("expected slippage cost to be recorded")
	}
}

func TestPartialFillScenario(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Timestamp: start, Open: 10, High: 10, Low: 10, Close: 10, Volume: 500},
		{Timestamp: start.AddDate(0, 0, 1), Open: 10, High: 10, Low: 10, Close: 10, Volume: 200},
		{Timestamp: start.AddDate(0, 0, 2), Open: 10, High: 10, Low: 10, Close: 10, Volume: 10000},
	}
	f, _ := feed.New("TEST", "1d", bars)
	cfg := frictionless(100000)
	cfg.CheckVolume = true
	cfg.MaxVolumePercent = 0.1
	cfg.AllowPartialFills = true

	var id string
	var statuses []domain.OrderStatus
	s := &scripted{onBar: func(ctx *Context) error {
		if ctx.Index() == 0 {
			id = ctx.Buy(100)
			return nil
		}
		o, _ := ctx.Order(id)
		statuses = append(statuses, o.Status)
		return nil
	}}
	res := runJob(t, s, f, cfg, nil)

	// Bar 0 fills 50, bar 1 fills 20, bar 2 fills the remaining 30.
	if len(res.Trades) != 3 || res.Trades[0].Qty != 50 || res.Trades[1].Qty != 20 || res.Trades[2].Qty != 30 {
		t.Fatalf("trades = %+v, want fills of 50, 20, 30", res.Trades)
	}
	if statuses[0] != domain.OrderStatusPartial || statuses[1] != domain.OrderStatusPartial {
		t.Errorf("statuses seen by strategy = %v, want partial, partial", statuses)
	}
	if res.Orders[0].Status != domain.OrderStatusFilled {
		t.Errorf("final order status = %s, want filled", res.Orders[0].Status)
	}
}

func TestStrategyErrorKeepsPartialResult(t *testing.T) {
	s := &scripted{onBar: func(ctx *Context) error {
		if ctx.Index() == 2 {
			return errors.New("boom")
		}
		return nil
	}}
	rec := &events.Recorder{}
	res := runJob(t, s, closesFeed(t, 1, 2, 3, 4, 5), frictionless(100), rec)
	if res.Status != domain.RunError || res.Error == "" {
		t.Fatalf("status = %s error %q, want error", res.Status, res.Error)
	}
	if res.BarsProcessed != 2 || len(res.EquityCurve) != 2 {
		t.Errorf("bars processed = %d curve = %d, want 2", res.BarsProcessed, len(res.EquityCurve))
	}
	if s.ended {
		t.Error("OnEnd called after a strategy error")
	}
	if rec.Count(events.Error) != 1 {
		t.Errorf("error events = %d, want 1", rec.Count(events.Error))
	}
}

func TestStrategyPanicBecomesError(t *testing.T) {
	s := &scripted{onBar: func(ctx *Context) error {
		var m map[string]int
		m["x"] = 1
		return nil
	}}
	res := runJob(t, s, closesFeed(t, 1, 2), frictionless(100), nil)
	if res.Status != domain.RunError {
		t.Errorf("status = %s, want error", res.Status)
	}
}

func TestCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &scripted{onBar: func(c *Context) error {
		if c.Index() == 1 {
			cancel()
		}
		return nil
	}}
	res, err := NewBacktester(nil).Run(ctx, Job{Strategy: s, Feed: closesFeed(t, 1, 2, 3, 4), Config: frictionless(100)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunStopped || res.BarsProcessed != 2 {
		t.Errorf("status = %s bars = %d, want stopped after 2", res.Status, res.BarsProcessed)
	}
	if res.StopCause != domain.StopCancelled {
		t.Errorf("StopCause = %q, want cancelled", res.StopCause)
	}
}

func TestMaxDrawdownStop(t *testing.T) {
	cfg := frictionless(1000)
	cfg.StopOnMaxDrawdown = true
	cfg.MaxDrawdown = 0.2
	s := &scripted{onBar: func(ctx *Context) error {
		if ctx.Index() == 0 {
			ctx.Buy(10)
		}
		return nil
	}}
	res := runJob(t, s, closesFeed(t, 100, 90, 70, 60, 50), cfg, nil)
	if res.Status != domain.RunStopped || res.StopReason == "" {
		t.Fatalf("status = %s reason %q, want stopped", res.Status, res.StopReason)
	}
	if res.BarsProcessed != 3 {
		t.Errorf("bars processed = %d, want 3", res.BarsProcessed)
	}
	if res.StopCause != domain.StopRisk {
		t.Errorf("StopCause = %q, want risk", res.StopCause)
	}
	if !s.ended {
		t.Error("OnEnd not called after risk stop")
	}
}

func TestConfigErrorsBeforeRun(t *testing.T) {
	bt := NewBacktester(nil)
	bad := frictionless(0)
	if _, err := bt.Run(context.Background(), Job{Strategy: &scripted{}, Feed: closesFeed(t, 1), Config: bad}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("invalid config error = %v", err)
	}
	if _, err := bt.Run(context.Background(), Job{Strategy: &scripted{}, Config: frictionless(1)}); !errors.Is(err, domain.ErrEmptyFeed) {
		t.Errorf("missing feed error = %v", err)
	}
}

func TestNextOpenAndLimitThroughContext(t *testing.T) {
	cfg := frictionless(10000)
	cfg.FillModel = domain.FillNextOpen
	var limitID string
	s := &scripted{onBar: func(ctx *Context) error {
		if ctx.Index() == 0 {
			ctx.Buy(1)
			limitID = ctx.Buy(1, WithLimit(95), WithExpiry(1))
		}
		return nil
	}}
	res := runJob(t, s, closesFeed(t, 100, 101, 90, 89), cfg, nil)
	if len(res.Trades) != 1 || res.Trades[0].Price != 101 || res.Trades[0].BarIndex != 1 {
		t.Fatalf("trades = %+v, want one next_open fill at 101 on bar 1", res.Trades)
	}
	for _, o := range res.Orders {
		if o.ID == limitID && o.Status != domain.OrderStatusExpired {
			t.Errorf("limit order status = %s, want expired", o.Status)
		}
	}
}

func TestIdempotentAndEventsObservational(t *testing.T) {
	mk := func() Strategy {
		return &scripted{onBar: func(ctx *Context) error {
			closes := ctx.Closes(2)
			if len(closes) < 2 {
				return nil
			}
			if closes[1] > closes[0] && domain.IsZeroQty(ctx.PositionQty()) {
				ctx.Buy(0.9, WithUnit(domain.SizeEquityFraction), WithStopLoss(closes[1]*0.97))
			} else if closes[1] < closes[0] {
				ctx.CancelAll()
				ctx.Close()
			}
			return nil
		}}
	}
	f := closesFeed(t, 100, 102, 101, 105, 103, 108, 107, 111, 104, 106)
	cfg := domain.DefaultBacktestConfig()

	a := runJob(t, mk(), f, cfg, nil)
	b := runJob(t, mk(), f, cfg, &events.Recorder{})
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if !bytes.Equal(ja, jb) {
		t.Error("results differ between runs with and without an event sink")
	}
}

func TestEventStream(t *testing.T) {
	rec := &events.Recorder{}
	s := &scripted{onBar: func(ctx *Context) error {
		if ctx.Index() == 0 {
			ctx.Buy(1)
		}
		return nil
	}}
	cfg := frictionless(1000)
	cfg.ProgressEvery = 2
	runJob(t, s, closesFeed(t, 1, 2, 3, 4), cfg, rec)

	evs := rec.Events()
	if evs[0].Type != events.Started || evs[len(evs)-1].Type != events.Completed {
		t.Errorf("stream starts with %s and ends with %s", evs[0].Type, evs[len(evs)-1].Type)
	}
	if got := rec.Count(events.Bar); got != 4 {
		t.Errorf("bar events = %d, want 4", got)
	}
	if got := rec.Count(events.Progress); got != 2 {
		t.Errorf("progress events = %d, want 2", got)
	}
	if rec.Count(events.Signal) != 1 || rec.Count(events.Trade) != 1 {
		t.Errorf("signal/trade events = %d/%d, want 1/1", rec.Count(events.Signal), rec.Count(events.Trade))
	}
}

func TestCloseOnEnd(t *testing.T) {
	cfg := frictionless(1000)
	cfg.CloseOnEnd = true
	s := &scripted{onBar: func(ctx *Context) error {
		if ctx.Index() == 0 {
			ctx.Buy(5)
		}
		return nil
	}}
	res := runJob(t, s, closesFeed(t, 100, 120), cfg, nil)
	if len(res.FinalPositions) != 0 {
		t.Errorf("final positions = %+v, want flattened", res.FinalPositions)
	}
	if res.Metrics.TotalTrades != 1 || res.Metrics.RealizedPnL != 100 {
		t.Errorf("trades/realized = %d/%v, want 1/100", res.Metrics.TotalTrades, res.Metrics.RealizedPnL)
	}
}

func TestOrdersQueuedInOnEndAreCancelled(t *testing.T) {
	var closeID string
	s := &scripted{
		onBar: func(ctx *Context) error {
			if ctx.Index() == 0 {
				ctx.Buy(10)
			}
			return nil
		},
		onEnd: func(ctx *Context) error {
			closeID = ctx.Close()
			return nil
		},
	}
	rec := &events.Recorder{}
	res := runJob(t, s, closesFeed(t, 100, 101, 102), frictionless(5000), rec)
	if closeID == "" {
		t.Fatal("Close returned no order id")
	}

	var found *domain.Order
	for i := range res.Orders {
		if res.Orders[i].ID == closeID {
			found = &res.Orders[i]
		}
	}
	if found == nil {
		t.Fatalf("order %s missing from result orders", closeID)
	}
	if found.Status != domain.OrderStatusCancelled || found.Reason != domain.CancelReasonEndOfRun {
		t.Errorf("order = %s/%s, want cancelled/%s", found.Status, found.Reason, domain.CancelReasonEndOfRun)
	}
	if found.FilledQty != 0 {
		t.Errorf("FilledQty = %v, want 0", found.FilledQty)
	}
	if len(res.FinalPositions) != 1 || res.FinalPositions[0].Qty != 10 {
		t.Errorf("final positions = %+v, want 10 held", res.FinalPositions)
	}

	var emitted bool
	for _, ev := range rec.Events() {
		if ev.Type == events.Order && ev.Order.ID == closeID && ev.Order.Status == domain.OrderStatusCancelled {
			emitted = true
		}
	}
	if !emitted {
		t.Error("no cancelled order event for the end-of-run order")
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64((i*7)%11) - 5
	}
	cfg := domain.DefaultBacktestConfig()
	cfg.InitialCapital = 20000
	trader := func() *scripted {
		return &scripted{onBar: func(ctx *Context) error {
			price := ctx.Bar().Close
			switch ctx.Index() % 4 {
			case 0:
				ctx.Buy(0.3, WithUnit(domain.SizeEquityFraction), WithStopLoss(price*0.95))
			case 1:
				ctx.Buy(2, WithLimit(price*0.97), WithExpiry(3))
			case 3:
				ctx.CancelAll()
				ctx.Close()
			}
			return nil
		}}
	}

	var all []Checkpoint
	full, err := NewBacktester(nil).Run(context.Background(), Job{
		StrategyID: "test", Strategy: trader(), Feed: closesFeed(t, closes...), Config: cfg,
		Checkpoints: &Checkpointing{Every: 10, Save: func(cp Checkpoint) error {
			all = append(all, cp)
			return nil
		}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(all) != 3 || all[0].Bar != 10 || all[2].Bar != 30 {
		t.Fatalf("checkpoints at %d bars, want 10, 20, 30", len(all))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var saved []byte
	partial, err := NewBacktester(nil).Run(ctx, Job{
		StrategyID: "test", Strategy: trader(), Feed: closesFeed(t, closes...), Config: cfg,
		Checkpoints: &Checkpointing{Every: 10, Save: func(cp Checkpoint) error {
			var err error
			saved, err = json.Marshal(cp)
			if cp.Bar == 20 {
				cancel()
			}
			return err
		}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if partial.Status != domain.RunStopped || partial.BarsProcessed != 20 {
		t.Fatalf("interrupted run = %s after %d bars, want stopped after 20", partial.Status, partial.BarsProcessed)
	}

	var cp Checkpoint
	if err := json.Unmarshal(saved, &cp); err != nil {
		t.Fatalf("decoding checkpoint: %v", err)
	}
	resumed, err := NewBacktester(nil).Run(context.Background(), Job{
		StrategyID: "test", Strategy: trader(), Feed: closesFeed(t, closes...), Config: cfg,
		Resume: &cp, Warmup: 5,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resumed.Status != domain.RunCompleted || resumed.BarsProcessed != full.BarsProcessed {
		t.Fatalf("resumed run = %s after %d bars, want completed after %d", resumed.Status, resumed.BarsProcessed, full.BarsProcessed)
	}

	for name, pair := range map[string][2]any{
		"metrics":   {full.Metrics, resumed.Metrics},
		"trades":    {full.Trades, resumed.Trades},
		"orders":    {full.Orders, resumed.Orders},
		"curve":     {full.EquityCurve, resumed.EquityCurve},
		"positions": {full.FinalPositions, resumed.FinalPositions},
	} {
		want, _ := json.Marshal(pair[0])
		got, _ := json.Marshal(pair[1])
		if !bytes.Equal(got, want) {
			t.Errorf("resumed %s differ from uninterrupted run:\n got %s\nwant %s", name, got, want)
		}
	}
	if len(full.Trades) == 0 {
		t.Error("scenario produced no trades")
	}
}

func TestResumeRejectsCheckpointOutsideFeed(t *testing.T) {
	res := runJobResume(t, &Checkpoint{Bar: 9}, closesFeed(t, 1, 2, 3))
	if res.Status != domain.RunError || res.BarsProcessed != 0 {
		t.Errorf("status = %s bars = %d, want error before any bar", res.Status, res.BarsProcessed)
	}
}

func runJobResume(t *testing.T, cp *Checkpoint, f *feed.Feed) *domain.BacktestResult {
	t.Helper()
	res, err := NewBacktester(nil).Run(context.Background(), Job{Strategy: &scripted{}, Feed: f, Config: frictionless(100), Resume: cp})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}
