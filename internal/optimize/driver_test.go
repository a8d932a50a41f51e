package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"quantlab/internal/domain"
)

// fitness builds an evaluator whose sharpe ratio is f(params).
func fitness(f func(p map[string]float64) float64) Evaluator {
	return func(_ context.Context, p map[string]float64) (*domain.BacktestResult, error) {
		return &domain.BacktestResult{
			StrategyID: "test",
			Params:     p,
			Status:     domain.RunCompleted,
			Metrics:    domain.PerformanceMetrics{SharpeRatio: f(p)},
		}, nil
	}
}

func grid3x3() []domain.ParamRange {
	return []domain.ParamRange{
		{Name: "a", Min: 1, Max: 3, Step: 1},
		{Name: "b", Min: 10, Max: 30, Step: 10},
	}
}

func TestValues(t *testing.T) {
	vals, err := Values(domain.ParamRange{Name: "x", Min: 0, Max: 1, Step: 0.1})
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(vals) != 11 {
		t.Fatalf("len = %d, want 11", len(vals))
	}
	if vals[3] != 0.3 || vals[10] != 1 {
		t.Errorf("vals[3] = %v, vals[10] = %v, want 0.3 and 1", vals[3], vals[10])
	}

	vals, _ = Values(domain.ParamRange{Name: "x", Min: 5, Max: 12, Step: 5})
	if len(vals) != 2 || vals[1] != 10 {
		t.Errorf("vals = %v, want [5 10]", vals)
	}

	if _, err := Values(domain.ParamRange{Name: "x", Min: 0, Max: 1}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("continuous range error = %v, want ErrInvalidConfig", err)
	}
	if _, err := Values(domain.ParamRange{Name: "x", Min: 2, Max: 1, Step: 1}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("reversed range error = %v, want ErrInvalidConfig", err)
	}
}

func TestGridOrder(t *testing.T) {
	combos, err := Grid(grid3x3())
	if err != nil {
		t.Fatalf("Grid: %v", err)
	}
	if len(combos) != 9 {
		t.Fatalf("len = %d, want 9", len(combos))
	}
	if combos[0]["a"] != 1 || combos[0]["b"] != 10 || combos[1]["b"] != 20 || combos[3]["a"] != 2 {
		t.Errorf("unexpected order: %v", combos[:4])
	}
	if n, _ := GridSize(grid3x3()); n != 9 {
		t.Errorf("GridSize = %d, want 9", n)
	}
}

func TestSnap(t *testing.T) {
	r := domain.ParamRange{Name: "x", Min: 10, Max: 50, Step: 5}
	for _, tc := range []struct{ in, want float64 }{
		{3, 10}, {12.4, 10}, {13, 15}, {49, 50}, {99, 50},
	} {
		if got := snap(tc.in, r); got != tc.want {
			t.Errorf("snap(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGridEvaluatesEveryTrial(t *testing.T) {
	var calls atomic.Int32
	eval := fitness(func(p map[string]float64) float64 {
		calls.Add(1)
		return p["a"] + p["b"]/100
	})
	d := NewDriver(nil, Settings{Workers: 4})
	res, err := d.Run(context.Background(), Problem{
		StrategyID: "test",
		Ranges:     grid3x3(),
		Method:     domain.MethodGrid,
		Metric:     "sharpeRatio",
		Evaluate:   eval,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 9 || res.Trials != 9 || len(res.AllResults) != 9 {
		t.Fatalf("calls = %d trials = %d results = %d, want 9", calls.Load(), res.Trials, len(res.AllResults))
	}
	if res.BestIndex != 8 || res.BestParams["a"] != 3 || res.BestParams["b"] != 30 {
		t.Errorf("best = %d %v, want index 8 a=3 b=30", res.BestIndex, res.BestParams)
	}
	if math.Abs(res.BestMetric-3.3) > 1e-12 {
		t.Errorf("BestMetric = %v, want 3.3", res.BestMetric)
	}
	for i, r := range res.AllResults {
		want := fmt.Sprint(1+i/3, 10*(1+i%3))
		if got := fmt.Sprint(r.Params["a"], r.Params["b"]); got != want {
			t.Errorf("trial %d params = %s, want %s", i, got, want)
		}
	}
}

func TestTiesGoToFirstTrial(t *testing.T) {
	d := NewDriver(nil, Settings{Workers: 8})
	res, err := d.Run(context.Background(), Problem{
		Ranges:   grid3x3(),
		Method:   domain.MethodGrid,
		Metric:   "sharpeRatio",
		Evaluate: fitness(func(p map[string]float64) float64 { return p["a"] }),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.BestIndex != 6 {
		t.Errorf("BestIndex = %d, want 6", res.BestIndex)
	}
}

func TestLowerIsBetterMetric(t *testing.T) {
	eval := func(_ context.Context, p map[string]float64) (*domain.BacktestResult, error) {
		return &domain.BacktestResult{Params: p, Status: domain.RunCompleted,
			Metrics: domain.PerformanceMetrics{MaxDrawdownPct: p["a"] / 10}}, nil
	}
	res, err := NewDriver(nil, Settings{}).Run(context.Background(), Problem{
		Ranges:   grid3x3()[:1],
		Method:   domain.MethodGrid,
		Metric:   "maxDrawdownPct",
		Evaluate: eval,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.BestParams["a"] != 1 || res.BestMetric != 0.1 {
		t.Errorf("best = %v metric %v, want a=1 metric 0.1", res.BestParams, res.BestMetric)
	}
}

func TestFailedTrialsAreExcluded(t *testing.T) {
	eval := func(ctx context.Context, p map[string]float64) (*domain.BacktestResult, error) {
		switch p["a"] {
		case 3:
			return nil, errors.New("boom")
		case 2:
			if p["b"] == 30 {
				return &domain.BacktestResult{Params: p, Status: domain.RunStopped, StopCause: domain.StopCancelled,
					Metrics: domain.PerformanceMetrics{SharpeRatio: 100}}, nil
			}
		}
		return fitness(func(p map[string]float64) float64 { return p["a"] + p["b"]/100 })(ctx, p)
	}
	res, err := NewDriver(nil, Settings{Workers: 2}).Run(context.Background(), Problem{
		StrategyID: "test",
		Ranges:     grid3x3(),
		Method:     domain.MethodGrid,
		Metric:     "sharpeRatio",
		Evaluate:   eval,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Trials != 9 {
		t.Fatalf("Trials = %d, want 9", res.Trials)
	}
	if res.BestIndex != 4 {
		t.Errorf("BestIndex = %d, want 4 (a=2 b=20)", res.BestIndex)
	}
	failed := res.AllResults[6]
	if failed.Status != domain.RunError || failed.Error != "boom" || failed.Params["a"] != 3 {
		t.Errorf("failed trial = %+v", failed)
	}
}

func TestRiskStoppedTrialsRank(t *testing.T) {
	eval := func(ctx context.Context, p map[string]float64) (*domain.BacktestResult, error) {
		res, _ := fitness(func(p map[string]float64) float64 { return p["a"] })(ctx, p)
		if p["a"] == 3 {
			res.Status = domain.RunStopped
			res.StopCause = domain.StopRisk
			res.StopReason = "max drawdown exceeded"
		}
		return res, nil
	}
	res, err := NewDriver(nil, Settings{Workers: 2}).Run(context.Background(), Problem{
		StrategyID: "test",
		Ranges:     grid3x3()[:1],
		Method:     domain.MethodGrid,
		Metric:     "sharpeRatio",
		Evaluate:   eval,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.BestIndex != 2 || res.BestParams["a"] != 3 || res.BestMetric != 3 {
		t.Errorf("best = %d %v metric %v, want index 2 a=3 metric 3", res.BestIndex, res.BestParams, res.BestMetric)
	}
	if res.AllResults[2].Status != domain.RunStopped {
		t.Errorf("trial 2 status = %s, want stopped", res.AllResults[2].Status)
	}
}

func TestTimedOutTrialIsMarkedCancelled(t *testing.T) {
	eval := func(ctx context.Context, p map[string]float64) (*domain.BacktestResult, error) {
		<-ctx.Done()
		return &domain.BacktestResult{Params: p, Status: domain.RunCompleted}, nil
	}
	res, err := NewDriver(nil, Settings{Workers: 1, TrialTimeout: 5 * time.Millisecond}).Run(context.Background(), Problem{
		Ranges:   []domain.ParamRange{{Name: "a", Min: 1, Max: 1, Step: 1}},
		Method:   domain.MethodGrid,
		Metric:   "sharpeRatio",
		Evaluate: eval,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := res.AllResults[0]
	if got.Status != domain.RunStopped || got.StopCause != domain.StopCancelled {
		t.Errorf("trial = %s/%s, want stopped/cancelled", got.Status, got.StopCause)
	}
	if res.BestIndex != -1 {
		t.Errorf("BestIndex = %d, want -1", res.BestIndex)
	}
}

func TestFixedParamsAreMerged(t *testing.T) {
	var seen atomic.Value
	eval := func(_ context.Context, p map[string]float64) (*domain.BacktestResult, error) {
		seen.Store(p["size"])
		return &domain.BacktestResult{Params: p, Status: domain.RunCompleted}, nil
	}
	_, err := NewDriver(nil, Settings{Workers: 1}).Run(context.Background(), Problem{
		Ranges:   grid3x3()[:1],
		Method:   domain.MethodGrid,
		Metric:   "sharpeRatio",
		Fixed:    map[string]float64{"size": 0.5},
		Evaluate: eval,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen.Load() != 0.5 {
		t.Errorf("fixed size = %v, want 0.5", seen.Load())
	}
}

func paramsOf(res *domain.OptimizationResult) []string {
	out := make([]string, len(res.AllResults))
	for i, r := range res.AllResults {
		out[i] = fmt.Sprint(r.Params["a"], r.Params["x"])
	}
	return out
}

func TestSeededSearchIsDeterministic(t *testing.T) {
	ranges := []domain.ParamRange{
		{Name: "a", Min: 1, Max: 20, Step: 1},
		{Name: "x", Min: 0, Max: 1},
	}
	eval := fitness(func(p map[string]float64) float64 { return -(p["a"]-12)*(p["a"]-12) - p["x"] })
	for _, method := range []domain.OptimizationMethod{domain.MethodRandom, domain.MethodGenetic} {
		run := func() *domain.OptimizationResult {
			res, err := NewDriver(nil, Settings{Workers: 4}).Run(context.Background(), Problem{
				Ranges:        ranges,
				Method:        method,
				Metric:        "sharpeRatio",
				MaxIterations: 6,
				Seed:          42,
				Evaluate:      eval,
			})
			if err != nil {
				t.Fatalf("%s: Run: %v", method, err)
			}
			return res
		}
		a, b := run(), run()
		pa, pb := paramsOf(a), paramsOf(b)
		if fmt.Sprint(pa) != fmt.Sprint(pb) {
			t.Errorf("%s: trial sequences differ:\n%v\n%v", method, pa, pb)
		}
		if a.BestIndex != b.BestIndex {
			t.Errorf("%s: best index %d vs %d", method, a.BestIndex, b.BestIndex)
		}
		for _, r := range a.AllResults {
			if v := r.Params["a"]; v < 1 || v > 20 || v != float64(int(v)) {
				t.Errorf("%s: a = %v outside stepped range", method, v)
			}
			if v := r.Params["x"]; v < 0 || v > 1 {
				t.Errorf("%s: x = %v outside range", method, v)
			}
		}
	}
}

func TestRandomDefaultTrialCount(t *testing.T) {
	res, err := NewDriver(nil, Settings{}).Run(context.Background(), Problem{
		Ranges:   grid3x3(),
		Method:   domain.MethodRandom,
		Metric:   "sharpeRatio",
		Evaluate: fitness(func(map[string]float64) float64 { return 1 }),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Trials != defaultRandomTrials {
		t.Errorf("Trials = %d, want %d", res.Trials, defaultRandomTrials)
	}
}

func TestGeneticConverges(t *testing.T) {
	// A flat landscape never improves after the first generation.
	res, err := NewDriver(nil, Settings{Workers: 2, PopulationSize: 6, ConvergenceGenerations: 3}).Run(context.Background(), Problem{
		Ranges:        grid3x3(),
		Method:        domain.MethodGenetic,
		Metric:        "sharpeRatio",
		MaxIterations: 50,
		Seed:          1,
		Evaluate:      fitness(func(map[string]float64) float64 { return 1 }),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Generations != 4 {
		t.Errorf("Generations = %d, want 4", res.Generations)
	}
	if res.Trials > 9 {
		t.Errorf("Trials = %d, cache should cap evaluations at 9 distinct sets", res.Trials)
	}
	if res.BestIndex != 0 {
		t.Errorf("BestIndex = %d, want 0", res.BestIndex)
	}
}

func TestCancellationKeepsCompletedTrials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	eval := func(c context.Context, p map[string]float64) (*domain.BacktestResult, error) {
		if calls.Add(1) == 3 {
			cancel()
		}
		return fitness(func(p map[string]float64) float64 { return p["a"] })(c, p)
	}
	res, err := NewDriver(nil, Settings{Workers: 1}).Run(ctx, Problem{
		Ranges:   grid3x3(),
		Method:   domain.MethodGrid,
		Metric:   "sharpeRatio",
		Evaluate: eval,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunStopped {
		t.Errorf("Status = %s, want stopped", res.Status)
	}
	if res.Trials != 3 {
		t.Errorf("Trials = %d, want 3", res.Trials)
	}
	if res.BestIndex != 0 {
		t.Errorf("BestIndex = %d, want 0", res.BestIndex)
	}
}

func TestTrialTimeoutCountsAsStopped(t *testing.T) {
	eval := func(ctx context.Context, p map[string]float64) (*domain.BacktestResult, error) {
		if p["a"] == 3 {
			<-ctx.Done()
			return &domain.BacktestResult{Params: p, Status: domain.RunStopped,
				Metrics: domain.PerformanceMetrics{SharpeRatio: 99}}, nil
		}
		return fitness(func(p map[string]float64) float64 { return p["a"] })(ctx, p)
	}
	res, err := NewDriver(nil, Settings{Workers: 3, TrialTimeout: 20 * time.Millisecond}).Run(context.Background(), Problem{
		Ranges:   grid3x3()[:1],
		Method:   domain.MethodGrid,
		Metric:   "sharpeRatio",
		Evaluate: eval,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunCompleted {
		t.Errorf("Status = %s, want completed", res.Status)
	}
	if res.BestParams["a"] != 2 {
		t.Errorf("best a = %v, want 2", res.BestParams["a"])
	}
}

func TestRunRejectsInvalidProblems(t *testing.T) {
	eval := fitness(func(map[string]float64) float64 { return 0 })
	for name, p := range map[string]Problem{
		"no ranges":      {Method: domain.MethodGrid, Metric: "sharpeRatio", Evaluate: eval},
		"min above max":  {Ranges: []domain.ParamRange{{Name: "a", Min: 3, Max: 1, Step: 1}}, Method: domain.MethodGrid, Metric: "sharpeRatio", Evaluate: eval},
		"duplicate name": {Ranges: []domain.ParamRange{{Name: "a", Max: 1, Step: 1}, {Name: "a", Max: 1, Step: 1}}, Method: domain.MethodGrid, Metric: "sharpeRatio", Evaluate: eval},
		"unknown metric": {Ranges: grid3x3(), Method: domain.MethodGrid, Metric: "luck", Evaluate: eval},
		"unknown method": {Ranges: grid3x3(), Method: "annealing", Metric: "sharpeRatio", Evaluate: eval},
		"no evaluator":   {Ranges: grid3x3(), Method: domain.MethodGrid, Metric: "sharpeRatio"},
		"continuous grid": {Ranges: []domain.ParamRange{{Name: "a", Max: 1}}, Method: domain.MethodGrid,
			Metric: "sharpeRatio", Evaluate: eval},
	} {
		if _, err := NewDriver(nil, Settings{}).Run(context.Background(), p); !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("%s: error = %v, want ErrInvalidConfig", name, err)
		}
	}

	big := []domain.ParamRange{{Name: "a", Max: 999, Step: 1}, {Name: "b", Max: 999, Step: 1}}
	_, err := NewDriver(nil, Settings{MaxGridSize: 100}).Run(context.Background(),
		Problem{Ranges: big, Method: domain.MethodGrid, Metric: "sharpeRatio", Evaluate: eval})
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("oversized grid error = %v, want ErrInvalidConfig", err)
	}
}
