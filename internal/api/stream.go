package api

import (
	"context"

	"quantlab/internal/domain"
	"quantlab/internal/engine"
	"quantlab/internal/events"
	"quantlab/internal/util"
)

// streamBuffer is the per-stream event buffer. Events beyond it are dropped
// while the consumer is behind.
const streamBuffer = 4096

// streamedRun is a backtest running in the background. events closes once
// the run has returned, after which report and err are set.
type streamedRun struct {
	events <-chan events.Event
	done   chan struct{}
	report *engine.BacktestReport
	err    error
}

// wait blocks until the run has returned.
func (r *streamedRun) wait() (*engine.BacktestReport, error) {
	<-r.done
	return r.report, r.err
}

// startStream launches req and delivers its events on the returned run.
// Cancelling ctx stops the backtest.
func (s *Server) startStream(ctx context.Context, req domain.BacktestRequest) *streamedRun {
	bus := events.NewBus()
	_, ch := bus.Subscribe(streamBuffer)
	run := &streamedRun{events: ch, done: make(chan struct{})}

	var sink events.Sink = bus
	if s.cfg.StreamBarRate > 0 {
		sink = throttleBars(bus, util.NewRateLimiter(s.cfg.StreamBarRate, 1))
	}
	go func() {
		defer close(run.done)
		run.report, run.err = s.engine.RunBacktest(ctx, req, sink)
		bus.Close()
	}()
	return run
}

// throttleBars drops bar events beyond the limiter's rate. Other event types
// always pass.
func throttleBars(next events.Sink, lim *util.RateLimiter) events.Sink {
	return events.SinkFunc(func(e events.Event) {
		if e.Type == events.Bar && !lim.Allow() {
			return
		}
		next.Emit(e)
	})
}
