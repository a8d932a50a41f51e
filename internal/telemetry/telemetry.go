// Package telemetry exposes Prometheus collectors for backtests and
// optimization searches. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantlab/internal/domain"
)

// Metrics holds the collectors, registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	backtests     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	bars          *prometheus.CounterVec
	trades        *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	trials        *prometheus.CounterVec
	optimizations prometheus.Gauge
	streams       prometheus.Gauge
	bestMetric    *prometheus.GaugeVec
}

// New creates Metrics with Go runtime and process collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		backtests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantlab_backtests_total",
			Help: "Backtest runs by strategy and terminal status",
		}, []string{"strategy", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quantlab_backtest_duration_seconds",
			Help:    "Wall-clock duration of backtest runs",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"strategy"}),
		bars: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantlab_bars_processed_total",
			Help: "Bars replayed through strategies",
		}, []string{"strategy"}),
		trades: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantlab_trades_total",
			Help: "Simulated fills",
		}, []string{"strategy"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantlab_orders_rejected_total",
			Help: "Orders rejected by the simulator, by reason",
		}, []string{"reason"}),
		trials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantlab_optimization_trials_total",
			Help: "Optimization trials by method and status",
		}, []string{"strategy", "method", "status"}),
		optimizations: f.NewGauge(prometheus.GaugeOpts{
			Name: "quantlab_optimizations_running",
			Help: "Optimization searches in progress",
		}),
		streams: f.NewGauge(prometheus.GaugeOpts{
			Name: "quantlab_event_streams_active",
			Help: "Open backtest event streams",
		}),
		bestMetric: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantlab_optimization_best_metric",
			Help: "Best metric value of the last finished search",
		}, []string{"strategy", "metric"}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveBacktest records a finished run.
func (m *Metrics) ObserveBacktest(res *domain.BacktestResult, elapsed time.Duration) {
	if m == nil || res == nil {
		return
	}
	m.backtests.WithLabelValues(res.StrategyID, string(res.Status)).Inc()
	m.duration.WithLabelValues(res.StrategyID).Observe(elapsed.Seconds())
	m.bars.WithLabelValues(res.StrategyID).Add(float64(res.BarsProcessed))
	m.trades.WithLabelValues(res.StrategyID).Add(float64(len(res.Trades)))
	for _, o := range res.Orders {
		if o.Status == domain.OrderStatusRejected {
			m.rejected.WithLabelValues(o.Reason).Inc()
		}
	}
}

// ObserveTrial records one optimization trial. It is safe to call from
// worker goroutines.
func (m *Metrics) ObserveTrial(method domain.OptimizationMethod, res *domain.BacktestResult) {
	if m == nil || res == nil {
		return
	}
	m.trials.WithLabelValues(res.StrategyID, string(method), string(res.Status)).Inc()
	m.bars.WithLabelValues(res.StrategyID).Add(float64(res.BarsProcessed))
}

// OptimizationStarted marks a search as running; call the returned function
// when it ends.
func (m *Metrics) OptimizationStarted() func() {
	if m == nil {
		return func() {}
	}
	m.optimizations.Inc()
	return m.optimizations.Dec
}

// ObserveOptimization records the best metric of a finished search.
func (m *Metrics) ObserveOptimization(res *domain.OptimizationResult) {
	if m == nil || res == nil || res.BestIndex < 0 {
		return
	}
	m.bestMetric.WithLabelValues(res.StrategyID, res.Metric).Set(res.BestMetric)
}

// StreamOpened marks an event stream as open; call the returned function
// when it closes.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.streams.Inc()
	return m.streams.Dec
}
