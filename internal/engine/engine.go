// Package engine coordinates backtests and parameter searches: it resolves
// strategies, merges request config onto the defaults, loads bars, runs the
// simulation and persists the results.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantlab/internal/config"
	"quantlab/internal/domain"
	"quantlab/internal/events"
	"quantlab/internal/feed"
	"quantlab/internal/optimize"
	"quantlab/internal/store"
	"quantlab/internal/strategy"
	"quantlab/internal/telemetry"
	"quantlab/internal/util"
)

// DefaultInterval is used when a request leaves the interval empty.
const DefaultInterval = "1d"

const (
	saveAttempts = 3
	saveBackoff  = 50 * time.Millisecond
)

// Options wires an Engine. Registry and Bars are required; the other
// collaborators are optional and skipped when nil.
type Options struct {
	Registry  *strategy.Registry
	Bars      store.BarStore
	Results   store.ResultStore
	Exporter  store.ResultExporter
	Telemetry *telemetry.Metrics
	Logger    *slog.Logger
	// Checkpoints keeps snapshots of running backtests. They are taken only
	// when Checkpoint.Enabled is set and a result store records the task.
	Checkpoints store.CheckpointStore
	Checkpoint  config.Checkpoint

	// Backtest is the base config that request overrides apply to.
	Backtest     domain.BacktestConfig
	Optimization optimize.Settings
	// Seed is used by searches whose request leaves it zero.
	Seed uint64
}

// OptionsFromConfig fills the config-derived fields of Options.
func OptionsFromConfig(cfg *config.Config) Options {
	o := cfg.Optimization
	return Options{
		Backtest: cfg.Backtest,
		Optimization: optimize.Settings{
			Workers:                o.Workers,
			TrialTimeout:           o.TrialTimeout,
			PopulationSize:         o.PopulationSize,
			MutationRate:           o.MutationRate,
			ConvergenceGenerations: o.ConvergenceGenerations,
			MaxGridSize:            o.MaxGridSize,
		},
		Seed:       o.Seed,
		Checkpoint: cfg.Checkpoint,
	}
}

// Engine runs backtest and optimization requests.
type Engine struct {
	registry  *strategy.Registry
	bars      store.BarStore
	results   store.ResultStore
	exporter  store.ResultExporter
	telemetry *telemetry.Metrics
	log       *slog.Logger

	checkpoints store.CheckpointStore
	checkpoint  config.Checkpoint

	defaults domain.BacktestConfig
	opt      optimize.Settings
	seed     uint64
	bt       *strategy.Backtester
}

// NewEngine creates an Engine from opts. A zero Backtest config is replaced
// by domain.DefaultBacktestConfig().
func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	defaults := opts.Backtest
	if defaults == (domain.BacktestConfig{}) {
		defaults = domain.DefaultBacktestConfig()
	}
	return &Engine{
		registry:  opts.Registry,
		bars:      opts.Bars,
		results:   opts.Results,
		exporter:  opts.Exporter,
		telemetry: opts.Telemetry,
		log:       log,

		checkpoints: opts.Checkpoints,
		checkpoint:  opts.Checkpoint,

		defaults: defaults,
		opt:      opts.Optimization,
		seed:     opts.Seed,
		bt:       strategy.NewBacktester(log),
	}
}

// BacktestReport is the outcome of RunBacktest. TaskID and RunID are empty
// when no result store is configured.
type BacktestReport struct {
	TaskID  string   `json:"taskId,omitempty"`
	RunID   string   `json:"runId"`
	Exports []string `json:"exports,omitempty"`
	// ResumedFrom is the number of bars restored from a checkpoint.
	ResumedFrom int                    `json:"resumedFrom,omitempty"`
	Result      *domain.BacktestResult `json:"result"`
}

// OptimizationReport is the outcome of Optimize. RunIDs is indexed by trial.
type OptimizationReport struct {
	TaskID string                     `json:"taskId,omitempty"`
	RunIDs []string                   `json:"runIds,omitempty"`
	Result *domain.OptimizationResult `json:"result"`
}

// Strategies returns the registered strategy definitions sorted by ID.
func (e *Engine) Strategies() []strategy.Definition {
	return e.registry.List()
}

// prepared is a validated request: strategy resolved, config merged and
// bars loaded.
type prepared struct {
	def  strategy.Definition
	cfg  domain.BacktestConfig
	feed *feed.Feed
}

func (e *Engine) prepare(ctx context.Context, req domain.BacktestRequest) (*prepared, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	def, err := e.registry.Lookup(req.StrategyID)
	if err != nil {
		return nil, err
	}
	cfg := req.Config.Apply(e.defaults)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	interval := req.Interval
	if interval == "" {
		interval = DefaultInterval
	}
	bars, err := e.bars.ReadBars(ctx, req.Symbol, interval, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("loading bars for %s %s: %w", req.Symbol, interval, err)
	}
	f, err := feed.New(req.Symbol, interval, bars)
	if err != nil {
		return nil, err
	}
	return &prepared{def: def, cfg: cfg, feed: f}, nil
}

// RunBacktest runs one backtest. Request problems are returned as errors
// before any bar is processed; run failures are reported through the
// result's status. sink may be nil.
func (e *Engine) RunBacktest(ctx context.Context, req domain.BacktestRequest, sink events.Sink) (*BacktestReport, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	strat, params, err := p.def.Build(req.Params)
	if err != nil {
		return nil, err
	}
	taskID := e.createTask(ctx, store.TaskBacktest, req, req)
	return e.backtest(ctx, taskID, req, p, strat, params, nil, sink)
}

// Resume continues an interrupted backtest task from its latest checkpoint,
// or from the first bar when none was saved. The task keeps its ID and gets
// a new run. Completed tasks and optimizations cannot be resumed.
func (e *Engine) Resume(ctx context.Context, taskID string, sink events.Sink) (*BacktestReport, error) {
	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch {
	case task.Kind != store.TaskBacktest:
		return nil, fmt.Errorf("%w: %s is an %s task", domain.ErrNotResumable, taskID, task.Kind)
	case task.Status == store.TaskCompleted:
		return nil, fmt.Errorf("%w: %s already completed", domain.ErrNotResumable, taskID)
	}
	var req domain.BacktestRequest
	if err := json.Unmarshal([]byte(task.Request), &req); err != nil {
		return nil, fmt.Errorf("decoding request of task %s: %w", taskID, err)
	}
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	strat, params, err := p.def.Build(req.Params)
	if err != nil {
		return nil, err
	}

	var cp *strategy.Checkpoint
	if e.checkpoints != nil {
		saved, err := e.checkpoints.LatestCheckpoint(ctx, taskID)
		switch {
		case errors.Is(err, domain.ErrCheckpointNotFound):
			e.log.Info("no checkpoint, restarting task", "task", taskID)
		case err != nil:
			return nil, err
		default:
			cp = &strategy.Checkpoint{}
			if err := json.Unmarshal(saved.Data, cp); err != nil {
				return nil, fmt.Errorf("decoding checkpoint of task %s: %w", taskID, err)
			}
		}
	}
	e.finishTask(ctx, taskID, store.TaskRunning, "")
	return e.backtest(ctx, taskID, req, p, strat, params, cp, sink)
}

func (e *Engine) backtest(ctx context.Context, taskID string, req domain.BacktestRequest, p *prepared, strat strategy.Strategy, params strategy.Params, cp *strategy.Checkpoint, sink events.Sink) (*BacktestReport, error) {
	report := &BacktestReport{TaskID: taskID, RunID: uuid.NewString()}
	if cp != nil {
		report.ResumedFrom = cp.Bar
	}
	if sink == nil {
		sink = events.Discard
	}

	start := time.Now()
	res, err := e.bt.Run(ctx, strategy.Job{
		StrategyID:  req.StrategyID,
		Strategy:    strat,
		Params:      params,
		Feed:        p.feed,
		Config:      p.cfg,
		Sink:        events.Tag(sink, report.RunID),
		Checkpoints: e.checkpointing(ctx, taskID),
		Resume:      cp,
		Warmup:      e.checkpoint.Warmup,
	})
	if err != nil {
		e.finishTask(ctx, taskID, store.TaskFailed, err.Error())
		return nil, err
	}
	e.telemetry.ObserveBacktest(res, time.Since(start))
	report.Result = res

	e.saveRun(ctx, taskID, report.RunID, 0, res)
	if e.exporter != nil {
		paths, err := e.exporter.ExportResult(context.WithoutCancel(ctx), report.RunID, res)
		if err != nil {
			e.log.Warn("exporting result failed", "run", report.RunID, "error", err)
		}
		report.Exports = paths
	}
	if res.StopCause != domain.StopCancelled {
		e.cleanupCheckpoints(ctx, taskID)
	}
	e.finishTask(ctx, taskID, store.TaskStatusOf(res.Status), res.Error)
	return report, nil
}

// checkpointing returns the snapshot settings for a run of taskID, or nil
// when checkpoints are off.
func (e *Engine) checkpointing(ctx context.Context, taskID string) *strategy.Checkpointing {
	if e.checkpoints == nil || !e.checkpoint.Enabled || e.checkpoint.Interval <= 0 || taskID == "" {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	return &strategy.Checkpointing{
		Every: e.checkpoint.Interval,
		Save: func(cp strategy.Checkpoint) error {
			data, err := json.Marshal(cp)
			if err != nil {
				return err
			}
			rec := &store.Checkpoint{TaskID: taskID, Bar: cp.Bar, Data: data}
			return util.Retry(ctx, saveAttempts, saveBackoff, func() error {
				return e.checkpoints.SaveCheckpoint(ctx, rec, e.checkpoint.MaxCount)
			})
		},
	}
}

func (e *Engine) cleanupCheckpoints(ctx context.Context, taskID string) {
	if e.checkpoints == nil || !e.checkpoint.CleanupOnComplete || taskID == "" {
		return
	}
	n, err := e.checkpoints.DeleteCheckpoints(context.WithoutCancel(ctx), taskID)
	if err != nil {
		e.log.Warn("deleting checkpoints failed", "task", taskID, "error", err)
		return
	}
	if n > 0 {
		e.log.Debug("checkpoints deleted", "task", taskID, "count", n)
	}
}

// Optimize searches req.Ranges for the parameters that best score
// req.Metric. An empty Ranges searches every numeric parameter over its
// declared bounds. Each trial gets a fresh strategy instance over the same
// shared feed.
func (e *Engine) Optimize(ctx context.Context, req domain.OptimizationRequest) (*OptimizationReport, error) {
	p, err := e.prepare(ctx, req.Backtest)
	if err != nil {
		return nil, err
	}
	ranges, err := searchRanges(p.def, req.Ranges)
	if err != nil {
		return nil, err
	}
	if req.Metric == "" {
		req.Metric = "sharpeRatio"
	}

	set := e.opt
	if req.Workers > 0 {
		set.Workers = req.Workers
	}
	if req.TrialTimeout > 0 {
		set.TrialTimeout = req.TrialTimeout
	}
	seed := req.Seed
	if seed == 0 {
		seed = e.seed
	}

	report := &OptimizationReport{}
	var mu sync.Mutex
	runIDs := map[int]string{}

	prob := optimize.Problem{
		StrategyID:    p.def.ID,
		Ranges:        ranges,
		Method:        req.Method,
		Metric:        req.Metric,
		MaxIterations: req.MaxIterations,
		Seed:          seed,
		Fixed:         req.Backtest.Params,
		Evaluate: func(ctx context.Context, params map[string]float64) (*domain.BacktestResult, error) {
			strat, resolved, err := p.def.Build(params)
			if err != nil {
				return nil, err
			}
			return e.bt.Run(ctx, strategy.Job{
				StrategyID: p.def.ID,
				Strategy:   strat,
				Params:     resolved,
				Feed:       p.feed,
				Config:     p.cfg,
			})
		},
		OnTrial: func(idx int, res *domain.BacktestResult) {
			e.telemetry.ObserveTrial(req.Method, res)
			if e.results == nil {
				return
			}
			id := uuid.NewString()
			e.saveRun(ctx, report.TaskID, id, idx, res)
			mu.Lock()
			runIDs[idx] = id
			mu.Unlock()
		},
	}

	report.TaskID = e.createTask(ctx, store.TaskOptimization, req.Backtest, req)
	done := e.telemetry.OptimizationStarted()
	res, err := optimize.NewDriver(e.log, set).Run(ctx, prob)
	done()
	if err != nil {
		e.finishTask(ctx, report.TaskID, store.TaskFailed, err.Error())
		return nil, err
	}
	e.telemetry.ObserveOptimization(res)
	report.Result = res

	if len(runIDs) > 0 {
		report.RunIDs = make([]string, res.Trials)
		for i := range report.RunIDs {
			report.RunIDs[i] = runIDs[i]
		}
	}
	e.finishTask(ctx, report.TaskID, store.TaskStatusOf(res.Status), "")
	return report, nil
}

// searchRanges validates requested ranges against the strategy's parameter
// specs, or derives them from the specs when none are given. Integer
// parameters without a step are searched in steps of 1.
func searchRanges(def strategy.Definition, ranges []domain.ParamRange) ([]domain.ParamRange, error) {
	if len(ranges) == 0 {
		for _, spec := range def.Params {
			if (spec.Type == strategy.ParamInt || spec.Type == strategy.ParamFloat) && spec.Min < spec.Max {
				ranges = append(ranges, domain.ParamRange{Name: spec.Name, Min: spec.Min, Max: spec.Max, Step: spec.Step})
			}
		}
		if len(ranges) == 0 {
			return nil, fmt.Errorf("%w: %s has no searchable parameters", domain.ErrInvalidConfig, def.ID)
		}
	}
	out := make([]domain.ParamRange, len(ranges))
	for i, r := range ranges {
		spec, ok := def.Spec(r.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no parameter %q", domain.ErrInvalidParam, def.ID, r.Name)
		}
		if spec.Type == strategy.ParamInt && r.Step == 0 {
			r.Step = 1
		}
		out[i] = r
	}
	return out, nil
}

// ImportBars parses CSV bars and writes them to the bar store. It returns
// the number of bars written.
func (e *Engine) ImportBars(ctx context.Context, r io.Reader, symbol, interval string) (int, error) {
	if symbol == "" {
		return 0, fmt.Errorf("%w: symbol is required", domain.ErrInvalidConfig)
	}
	if interval == "" {
		interval = DefaultInterval
	}
	bars, err := store.ReadBarsCSV(r, symbol)
	if err != nil {
		return 0, err
	}
	if err := e.bars.WriteBars(ctx, symbol, interval, bars); err != nil {
		return 0, fmt.Errorf("writing bars: %w", err)
	}
	e.log.Info("bars imported", "symbol", symbol, "interval", interval, "bars", len(bars))
	return len(bars), nil
}

// GetRun returns a persisted run with its full result.
func (e *Engine) GetRun(ctx context.Context, id string) (*store.Run, error) {
	if e.results == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return e.results.GetRun(ctx, id)
}

// ListTrades returns the trades of a persisted run.
func (e *Engine) ListTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	if e.results == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return e.results.ListTrades(ctx, runID)
}

// ListEquity returns the equity curve of a persisted run.
func (e *Engine) ListEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	if e.results == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return e.results.ListEquity(ctx, runID)
}

// GetTask returns a persisted task.
func (e *Engine) GetTask(ctx context.Context, id string) (*store.Task, error) {
	if e.results == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return e.results.GetTask(ctx, id)
}

// ListTasks returns the most recent tasks, newest first.
func (e *Engine) ListTasks(ctx context.Context, limit int) ([]store.Task, error) {
	if e.results == nil {
		return nil, nil
	}
	return e.results.ListTasks(ctx, limit)
}

// createTask records a running task and returns its ID, or "" when there is
// no result store or the write failed.
func (e *Engine) createTask(ctx context.Context, kind store.TaskKind, bt domain.BacktestRequest, req any) string {
	if e.results == nil {
		return ""
	}
	raw, _ := json.Marshal(req)
	interval := bt.Interval
	if interval == "" {
		interval = DefaultInterval
	}
	t := &store.Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		StrategyID: bt.StrategyID,
		Symbol:     bt.Symbol,
		Interval:   interval,
		Status:     store.TaskRunning,
		Request:    string(raw),
	}
	if err := e.results.CreateTask(ctx, t); err != nil {
		e.log.Warn("creating task failed", "kind", kind, "error", err)
		return ""
	}
	return t.ID
}

// finishTask records a task's final status. Persistence outlives request
// cancellation.
func (e *Engine) finishTask(ctx context.Context, id string, status store.TaskStatus, errMsg string) {
	if e.results == nil || id == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := util.Retry(ctx, saveAttempts, saveBackoff, func() error {
		return e.results.UpdateTaskStatus(ctx, id, status, errMsg)
	})
	if err != nil {
		e.log.Warn("updating task failed", "task", id, "status", status, "error", err)
	}
}

// saveRun persists res. Failures are logged; the in-memory result is still
// returned to the caller.
func (e *Engine) saveRun(ctx context.Context, taskID, runID string, trial int, res *domain.BacktestResult) {
	if e.results == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	run := &store.Run{
		ID:         runID,
		TaskID:     taskID,
		Trial:      trial,
		StrategyID: res.StrategyID,
		Symbol:     res.Symbol,
		Interval:   res.Interval,
		Status:     res.Status,
		Params:     res.Params,
		Metrics:    res.Metrics,
		Result:     res,
	}
	err := util.Retry(ctx, saveAttempts, saveBackoff, func() error {
		return e.results.SaveRun(ctx, run)
	})
	if err != nil {
		e.log.Warn("saving run failed", "run", runID, "error", err)
	}
}
