package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"quantlab/internal/broker"
	"quantlab/internal/domain"
	"quantlab/internal/events"
	"quantlab/internal/feed"
	"quantlab/internal/ledger"
	"quantlab/internal/metrics"
)

// maxCloseRounds bounds how many times fill callbacks may queue new orders
// that are executed on the same bar close.
const maxCloseRounds = 8

// Job describes one backtest run.
type Job struct {
	StrategyID string
	Strategy   Strategy
	Params     Params
	Feed       *feed.Feed
	Config     domain.BacktestConfig
	// Sink receives observational events; nil discards them.
	Sink events.Sink
	// Checkpoints, if set, snapshots the run periodically.
	Checkpoints *Checkpointing
	// Resume continues a run from a checkpoint taken on the same feed,
	// config and parameters. Warmup is the number of bars replayed before
	// it for strategies that are not Stateful.
	Resume *Checkpoint
	Warmup int
}

// Backtester replays a bar feed through a strategy, executing its orders
// against a simulated broker and ledger.
type Backtester struct {
	log *slog.Logger
}

// NewBacktester creates a Backtester. A nil logger uses slog.Default().
func NewBacktester(log *slog.Logger) *Backtester {
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{log: log}
}

// Run executes job. Configuration problems are returned as errors before any
// bar is processed. Everything that happens once the loop starts, including
// strategy errors and panics, is reported through the result's Status; the
// bars processed before a failure or cancellation remain in the result.
func (bt *Backtester) Run(ctx context.Context, job Job) (*domain.BacktestResult, error) {
	if job.Strategy == nil {
		return nil, fmt.Errorf("%w: no strategy", domain.ErrInvalidConfig)
	}
	if job.Feed == nil || job.Feed.Len() == 0 {
		return nil, domain.ErrEmptyFeed
	}
	if err := job.Config.Validate(); err != nil {
		return nil, err
	}
	sink := job.Sink
	if sink == nil {
		sink = events.Discard
	}

	r := &run{
		job:  job,
		sink: sink,
		log:  bt.log.With("strategy", job.StrategyID, "symbol", job.Feed.Symbol()),
		l:    ledger.New(job.Config),
		sim:  broker.NewSimulator(job.Config),
	}
	r.c = newContext(job.Params, job.Feed, job.Config, r.l, r.sim, r.log)
	return r.execute(ctx), nil
}

type run struct {
	job  Job
	sink events.Sink
	log  *slog.Logger
	l    *ledger.Ledger
	sim  *broker.Simulator
	c    *Context

	status    domain.RunStatus
	errMsg    string
	stopWhy   string
	stopCause domain.StopCause
	processed int
}

func (r *run) execute(ctx context.Context) *domain.BacktestResult {
	f := r.job.Feed
	n := f.Len()
	r.status = domain.RunCompleted
	r.log.Info("backtest started", "bars", n)
	r.sink.Emit(events.Event{
		Type:     events.Started,
		BarIndex: -1,
		Progress: &events.ProgressInfo{TotalBars: n, CurrentDate: f.First().Timestamp},
	})

	every := r.job.Config.ProgressEvery
	if every <= 0 {
		every = max(1, n/100)
	}

	if hook, ok := r.job.Strategy.(Initializer); ok {
		if err := guard("init", func() error { return hook.Init(r.c) }); err != nil {
			r.fail(err, -1)
		}
	}
	start := 0
	if r.job.Resume != nil && r.status == domain.RunCompleted {
		var err error
		if start, err = r.restore(r.job.Resume); err != nil {
			r.fail(err, -1)
		} else {
			r.log.Info("backtest resumed", "bar", start)
		}
	}

	for i := start; i < n && r.status == domain.RunCompleted; i++ {
		if err := ctx.Err(); err != nil {
			r.stop(domain.StopCancelled, fmt.Sprintf("cancelled: %v", err))
			break
		}
		if !r.step(i) {
			break
		}
		r.processed = i + 1
		if r.processed%every == 0 || r.processed == n {
			bar := f.At(i)
			r.sink.Emit(events.Event{
				Type:     events.Progress,
				BarIndex: i,
				Progress: &events.ProgressInfo{
					CurrentBar:  r.processed,
					TotalBars:   n,
					Percent:     float64(r.processed) / float64(n) * 100,
					CurrentDate: bar.Timestamp,
				},
			})
		}
		cfg := r.job.Config
		if cfg.StopOnMaxDrawdown && r.l.Drawdown() > cfg.MaxDrawdown {
			r.stop(domain.StopRisk, fmt.Sprintf("max drawdown %.4f exceeded limit %.4f", r.l.Drawdown(), cfg.MaxDrawdown))
			continue
		}
		if r.job.Checkpoints.due(r.processed, n) {
			r.saveCheckpoint()
		}
	}

	last := f.At(max(0, r.processed-1))
	for _, o := range r.sim.CancelAll(domain.CancelReasonEndOfRun, last.Timestamp) {
		r.emitOrder(o)
	}
	if r.status != domain.RunError {
		if fin, ok := r.job.Strategy.(Finalizer); ok {
			if err := guard("on_end", func() error { return fin.OnEnd(r.c) }); err != nil {
				r.fail(err, r.processed-1)
			}
			r.expire(r.c.takeQueue(), last, max(0, r.processed-1))
		}
	}
	return r.result()
}

// expire records orders queued after the last bar. No bar remains to fill
// them, so each is submitted and then cancelled with reason end_of_run;
// orders that fail validation keep their rejection.
func (r *run) expire(cmds []command, bar domain.Bar, i int) {
	for _, cmd := range cmds {
		if cmd.kind != cmdSubmit {
			continue
		}
		sig := cmd.signal
		r.sink.Emit(events.Event{Type: events.Signal, BarIndex: i, Signal: &sig})
		o := r.sim.Submit(r.c.orderFromSignal(cmd.orderID, sig), bar, i, r.l)
		if c, ok := r.sim.Cancel(o.ID, domain.CancelReasonEndOfRun, bar.Timestamp); ok {
			o = c
		}
		r.emitOrder(o)
	}
}

// step processes bar i. It returns false when the run must end.
func (r *run) step(i int) bool {
	r.c.advance(i)
	bar := r.c.Bar()
	sym := r.job.Feed.Symbol()

	// Orders from earlier bars: next_open fills, triggers, expiry.
	r.l.Mark(sym, bar.Open, bar.Timestamp)
	if !r.report(r.sim.Process(bar, i, broker.PhaseOpen, r.l), i) {
		return false
	}

	r.l.Mark(sym, bar.Close, bar.Timestamp)
	b := bar
	r.sink.Emit(events.Event{Type: events.Bar, BarIndex: i, Bar: &b})
	if err := guard("on_bar", func() error { return r.job.Strategy.OnBar(r.c) }); err != nil {
		r.fail(err, i)
		return false
	}

	for round := 0; round < maxCloseRounds; round++ {
		cmds := r.c.takeQueue()
		if len(cmds) == 0 && round > 0 {
			break
		}
		r.drain(cmds, bar, i)
		if !r.report(r.sim.Process(bar, i, broker.PhaseClose, r.l), i) {
			return false
		}
	}

	if r.job.Config.CloseOnEnd && i == r.job.Feed.Len()-1 {
		for _, ex := range r.sim.Liquidate(r.l.Positions(), bar, i, r.l) {
			r.emitOrder(ex.Order)
			tr := ex.Trade
			r.sink.Emit(events.Event{Type: events.Trade, BarIndex: i, Trade: &tr})
		}
	}

	r.l.Mark(sym, bar.Close, bar.Timestamp)
	r.l.Record(i, bar.Timestamp)
	return true
}

// drain executes queued commands in the order they were issued.
func (r *run) drain(cmds []command, bar domain.Bar, i int) {
	for _, cmd := range cmds {
		switch cmd.kind {
		case cmdSubmit:
			sig := cmd.signal
			r.sink.Emit(events.Event{Type: events.Signal, BarIndex: i, Signal: &sig})
			o := r.sim.Submit(r.c.orderFromSignal(cmd.orderID, sig), bar, i, r.l)
			if o.Status == domain.OrderStatusRejected {
				r.log.Debug("order rejected", "order", o.ID, "reason", o.Reason, "bar", i)
			}
			r.emitOrder(o)
		case cmdCancel:
			if o, ok := r.sim.Cancel(cmd.orderID, domain.CancelReasonStrategy, bar.Timestamp); ok {
				r.emitOrder(o)
			}
		case cmdCancelAll:
			for _, o := range r.sim.CancelAll(domain.CancelReasonStrategy, bar.Timestamp) {
				r.emitOrder(o)
			}
		}
	}
}

// report emits events for a Process outcome and runs fill callbacks. It
// returns false if a callback failed.
func (r *run) report(rep broker.Report, i int) bool {
	for _, o := range rep.Updates {
		r.emitOrder(o)
	}
	handler, hasHandler := r.job.Strategy.(OrderFilledHandler)
	for _, ex := range rep.Executions {
		r.emitOrder(ex.Order)
		tr := ex.Trade
		r.sink.Emit(events.Event{Type: events.Trade, BarIndex: i, Trade: &tr})
		if !hasHandler {
			continue
		}
		if err := guard("on_order_filled", func() error { return handler.OnOrderFilled(r.c, ex.Order, ex.Trade) }); err != nil {
			r.fail(err, i)
			return false
		}
	}
	return true
}

func (r *run) saveCheckpoint() {
	cp, err := r.checkpoint()
	if err == nil {
		err = r.job.Checkpoints.Save(cp)
	}
	if err != nil {
		r.log.Warn("checkpoint failed", "bar", r.processed, "error", err)
	}
}

func (r *run) emitOrder(o domain.Order) {
	r.sink.Emit(events.Event{Type: events.Order, BarIndex: o.CreatedBar, Order: &o})
}

func (r *run) fail(err error, i int) {
	r.status = domain.RunError
	r.errMsg = err.Error()
	r.log.Warn("strategy error", "bar", i, "error", err)
}

func (r *run) stop(cause domain.StopCause, reason string) {
	r.status = domain.RunStopped
	r.stopCause = cause
	r.stopWhy = reason
}

func (r *run) result() *domain.BacktestResult {
	f := r.job.Feed
	cfg := r.job.Config
	curve := r.l.Curve()
	trades := r.l.Trades()

	res := &domain.BacktestResult{
		StrategyID:     r.job.StrategyID,
		Params:         r.job.Params,
		Symbol:         f.Symbol(),
		Interval:       f.Interval(),
		Config:         cfg,
		Status:         r.status,
		Error:          r.errMsg,
		StopReason:     r.stopWhy,
		StopCause:      r.stopCause,
		StartTime:      f.First().Timestamp,
		EndTime:        f.At(max(0, r.processed-1)).Timestamp,
		BarsProcessed:  r.processed,
		TotalBars:      f.Len(),
		Metrics:        metrics.Calculate(curve, trades, cfg),
		Trades:         trades,
		Orders:         r.sim.Orders(),
		EquityCurve:    curve,
		MonthlyReturns: metrics.MonthlyReturns(curve, cfg.InitialCapital),
		FinalPositions: r.l.Positions(),
	}

	final := events.Event{BarIndex: r.processed - 1, Metrics: &res.Metrics}
	switch r.status {
	case domain.RunCompleted:
		final.Type = events.Completed
	case domain.RunStopped:
		final.Type = events.Stopped
		final.Message = r.stopWhy
	default:
		final.Type = events.Error
		final.Message = r.errMsg
	}
	r.sink.Emit(final)
	r.log.Info("backtest finished",
		"status", r.status,
		"bars", r.processed,
		"trades", res.Metrics.TotalTrades,
		"final_equity", res.Metrics.FinalEquity,
	)
	return res
}

// guard runs a strategy hook, converting a panic into an error.
func guard(hook string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", hook, p)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", hook, err)
	}
	return nil
}
