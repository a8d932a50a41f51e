// Package optimize searches a strategy's parameter space by running one
// independent backtest per candidate and ranking the results by a metric.
package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quantlab/internal/domain"
	"quantlab/internal/metrics"
)

// Evaluator runs one trial. Calls may run concurrently and must not share
// mutable state. A returned error is recorded on the trial as status error.
type Evaluator func(ctx context.Context, params map[string]float64) (*domain.BacktestResult, error)

// Settings holds the driver's tuning knobs.
type Settings struct {
	Workers                int
	TrialTimeout           time.Duration
	PopulationSize         int
	MutationRate           float64
	ConvergenceGenerations int
	MaxGridSize            int64
}

// DefaultSettings returns the settings used when a field is left zero.
func DefaultSettings() Settings {
	return Settings{
		Workers:                runtime.NumCPU(),
		PopulationSize:         20,
		MutationRate:           0.2,
		ConvergenceGenerations: 3,
		MaxGridSize:            10000,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Workers <= 0 {
		s.Workers = d.Workers
	}
	if s.PopulationSize < 2 {
		s.PopulationSize = d.PopulationSize
	}
	if s.MutationRate <= 0 {
		s.MutationRate = d.MutationRate
	}
	if s.ConvergenceGenerations <= 0 {
		s.ConvergenceGenerations = d.ConvergenceGenerations
	}
	if s.MaxGridSize <= 0 {
		s.MaxGridSize = d.MaxGridSize
	}
	return s
}

const (
	defaultRandomTrials = 50
	defaultGenerations  = 10
)

// Problem is one search. Fixed values are merged under every candidate.
// OnTrial, if set, is called from worker goroutines after each trial.
type Problem struct {
	StrategyID    string
	Ranges        []domain.ParamRange
	Method        domain.OptimizationMethod
	Metric        string
	MaxIterations int
	Seed          uint64
	Fixed         map[string]float64
	Evaluate      Evaluator
	OnTrial       func(index int, res *domain.BacktestResult)
}

func (p Problem) validate() error {
	if p.Evaluate == nil {
		return fmt.Errorf("%w: no evaluator", domain.ErrInvalidConfig)
	}
	if len(p.Ranges) == 0 {
		return fmt.Errorf("%w: no parameter ranges", domain.ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(p.Ranges))
	for _, r := range p.Ranges {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: parameter %s listed twice", domain.ErrInvalidConfig, r.Name)
		}
		seen[r.Name] = true
	}
	if _, err := metrics.Value(domain.PerformanceMetrics{}, p.Metric); err != nil {
		return err
	}
	if p.MaxIterations < 0 {
		return fmt.Errorf("%w: max iterations must not be negative", domain.ErrInvalidConfig)
	}
	switch p.Method {
	case domain.MethodGrid, domain.MethodRandom, domain.MethodGenetic:
	default:
		return fmt.Errorf("%w: unknown optimization method %q", domain.ErrInvalidConfig, p.Method)
	}
	return nil
}

// Driver runs parameter searches on a bounded worker pool.
type Driver struct {
	log *slog.Logger
	set Settings
}

// NewDriver creates a Driver. Zero settings fields take their defaults.
func NewDriver(log *slog.Logger, set Settings) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{log: log, set: set.withDefaults()}
}

// Run executes the search. Invalid problems fail before any trial runs.
// Cancelling ctx stops in-flight trials and prevents new ones; the trials
// that ran are kept and the result's status is stopped.
func (d *Driver) Run(ctx context.Context, p Problem) (*domain.OptimizationResult, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	s := &search{p: p, set: d.set, best: -1}
	log := d.log.With("strategy", p.StrategyID, "method", p.Method, "metric", p.Metric)
	log.Info("optimization started", "ranges", len(p.Ranges), "workers", d.set.Workers)

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	generations := 0
	switch p.Method {
	case domain.MethodGrid:
		size, err := GridSize(p.Ranges)
		if err != nil {
			return nil, err
		}
		if size > d.set.MaxGridSize {
			return nil, fmt.Errorf("%w: grid has %d combinations, limit is %d", domain.ErrInvalidConfig, size, d.set.MaxGridSize)
		}
		combos, err := Grid(p.Ranges)
		if err != nil {
			return nil, err
		}
		s.evaluate(ctx, combos)
	case domain.MethodRandom:
		n := p.MaxIterations
		if n == 0 {
			n = defaultRandomTrials
		}
		batch := make([]map[string]float64, n)
		for i := range batch {
			batch[i] = sampleAll(p.Ranges, rng)
		}
		s.evaluate(ctx, batch)
	case domain.MethodGenetic:
		generations = s.genetic(ctx, rng)
	}

	res := &domain.OptimizationResult{
		StrategyID:  p.StrategyID,
		Method:      p.Method,
		Metric:      p.Metric,
		Status:      domain.RunCompleted,
		BestIndex:   s.best,
		Trials:      len(s.results),
		Generations: generations,
		AllResults:  s.results,
	}
	if ctx.Err() != nil {
		res.Status = domain.RunStopped
	}
	if s.best >= 0 {
		b := s.results[s.best]
		res.BestParams = cloneParams(b.Params)
		v, _ := metrics.Value(b.Metrics, p.Metric)
		// encoding/json cannot represent infinities.
		if math.IsInf(v, 0) {
			v = math.Copysign(math.MaxFloat64, v)
		}
		res.BestMetric = v
	}
	log.Info("optimization finished",
		"status", res.Status,
		"trials", res.Trials,
		"best_index", res.BestIndex,
		"best_metric", res.BestMetric,
	)
	return res, nil
}

// search is the state of one Run. results is indexed by trial number and
// only grows between batches; best is guarded by mu.
type search struct {
	p       Problem
	set     Settings
	results []domain.BacktestResult

	mu        sync.Mutex
	best      int
	bestScore float64
}

// evaluate runs batch on the worker pool, appending one result per launched
// trial. It returns each candidate's score (-Inf for trials that did not
// complete) and how many were launched before ctx was cancelled.
func (s *search) evaluate(ctx context.Context, batch []map[string]float64) ([]float64, int) {
	start := len(s.results)
	s.results = append(s.results, make([]domain.BacktestResult, len(batch))...)
	scores := make([]float64, len(batch))
	for i := range scores {
		scores[i] = math.Inf(-1)
	}

	// Trials are claimed in index order under mu, so the launched trials are
	// always a prefix of batch.
	var (
		mu   sync.Mutex
		next int
	)
	claim := func() (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(batch) || ctx.Err() != nil {
			return 0, false
		}
		next++
		return next - 1, true
	}

	var g errgroup.Group
	for w := 0; w < min(s.set.Workers, len(batch)); w++ {
		g.Go(func() error {
			for {
				i, ok := claim()
				if !ok {
					return nil
				}
				idx := start + i
				res := s.trial(ctx, batch[i])
				s.results[idx] = *res
				if score, ok := s.score(res); ok {
					scores[i] = score
					s.offer(idx, score)
				}
				if s.p.OnTrial != nil {
					s.p.OnTrial(idx, res)
				}
			}
		})
	}
	_ = g.Wait()
	launched := next
	s.results = s.results[:start+launched]
	return scores[:launched], launched
}

func (s *search) trial(ctx context.Context, cand map[string]float64) *domain.BacktestResult {
	params := make(map[string]float64, len(s.p.Fixed)+len(cand))
	for k, v := range s.p.Fixed {
		params[k] = v
	}
	for k, v := range cand {
		params[k] = v
	}
	if s.set.TrialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.set.TrialTimeout)
		defer cancel()
	}
	res, err := s.p.Evaluate(ctx, params)
	if err != nil {
		return &domain.BacktestResult{
			StrategyID: s.p.StrategyID,
			Params:     params,
			Status:     domain.RunError,
			Error:      err.Error(),
		}
	}
	// A trial cut short by its timeout or by cancellation is stopped no
	// matter what the evaluator reported.
	if ctx.Err() != nil && res.Status != domain.RunError {
		res.Status = domain.RunStopped
		res.StopCause = domain.StopCancelled
		if res.StopReason == "" {
			res.StopReason = fmt.Sprintf("cancelled: %v", ctx.Err())
		}
	}
	return res
}

// score returns the ranking value of a trial. Completed trials and trials
// that stopped on a risk limit rank; errors and interrupted trials do not.
func (s *search) score(res *domain.BacktestResult) (float64, bool) {
	switch {
	case res.Status == domain.RunError:
		return 0, false
	case res.Status == domain.RunStopped && res.StopCause == domain.StopCancelled:
		return 0, false
	}
	v, err := metrics.Score(res.Metrics, s.p.Metric)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// offer replaces the best trial if score is strictly higher, or equal with a
// lower trial index.
func (s *search) offer(idx int, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.best < 0 || score > s.bestScore || (score == s.bestScore && idx < s.best) {
		s.best = idx
		s.bestScore = score
	}
}

func cloneParams(p map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
