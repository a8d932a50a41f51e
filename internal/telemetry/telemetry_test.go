package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quantlab/internal/domain"
)

// value returns the summed value of every sample in the named family.
func value(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, s := range mf.GetMetric() {
			switch {
			case s.GetCounter() != nil:
				sum += s.GetCounter().GetValue()
			case s.GetGauge() != nil:
				sum += s.GetGauge().GetValue()
			case s.GetHistogram() != nil:
				sum += float64(s.GetHistogram().GetSampleCount())
			}
		}
	}
	return sum
}

func TestObserveBacktest(t *testing.T) {
	m := New()
	m.ObserveBacktest(&domain.BacktestResult{
		StrategyID:    "sma-cross",
		Status:        domain.RunCompleted,
		BarsProcessed: 250,
		Trades:        make([]domain.Trade, 4),
		Orders: []domain.Order{
			{Status: domain.OrderStatusFilled},
			{Status: domain.OrderStatusRejected, Reason: "volume_limit"},
		},
	}, 30*time.Millisecond)

	for name, want := range map[string]float64{
		"quantlab_backtests_total":           1,
		"quantlab_bars_processed_total":      250,
		"quantlab_trades_total":              4,
		"quantlab_orders_rejected_total":     1,
		"quantlab_backtest_duration_seconds": 1,
	} {
		if got := value(t, m, name); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestGaugesTrackOpenWork(t *testing.T) {
	m := New()
	done := m.OptimizationStarted()
	closeStream := m.StreamOpened()
	if got := value(t, m, "quantlab_optimizations_running"); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}
	done()
	closeStream()
	if got := value(t, m, "quantlab_optimizations_running"); got != 0 {
		t.Errorf("running after done = %v, want 0", got)
	}
	if got := value(t, m, "quantlab_event_streams_active"); got != 0 {
		t.Errorf("streams after close = %v, want 0", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveBacktest(&domain.BacktestResult{}, time.Second)
	m.ObserveTrial(domain.MethodGrid, &domain.BacktestResult{})
	m.ObserveOptimization(&domain.OptimizationResult{})
	m.OptimizationStarted()()
	m.StreamOpened()()
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveTrial(domain.MethodGenetic, &domain.BacktestResult{StrategyID: "rsi-reversion", Status: domain.RunError})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `quantlab_optimization_trials_total{method="genetic",status="error",strategy="rsi-reversion"} 1`) {
		t.Errorf("trial counter missing from exposition:\n%s", body)
	}
}
