package domain

import (
	"fmt"
	"math"
	"time"
)

// OptimizationMethod selects how the parameter space is searched.
type OptimizationMethod string

const (
	MethodGrid    OptimizationMethod = "grid"
	MethodRandom  OptimizationMethod = "random"
	MethodGenetic OptimizationMethod = "genetic"
)

// ParamRange is the search interval for one strategy parameter. A zero Step
// makes the parameter continuous, which only random and genetic search
// support.
type ParamRange struct {
	Name string  `json:"name" yaml:"name"`
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Step float64 `json:"step,omitempty" yaml:"step"`
}

// Validate reports a malformed range wrapped in ErrInvalidConfig.
func (r ParamRange) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: parameter range without a name", ErrInvalidConfig)
	case math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0):
		return fmt.Errorf("%w: %s range must be finite", ErrInvalidConfig, r.Name)
	case r.Min > r.Max:
		return fmt.Errorf("%w: %s min %v is above max %v", ErrInvalidConfig, r.Name, r.Min, r.Max)
	case r.Step < 0 || math.IsNaN(r.Step):
		return fmt.Errorf("%w: %s step must not be negative, got %v", ErrInvalidConfig, r.Name, r.Step)
	}
	return nil
}

// OptimizationRequest asks the engine to search Ranges for the parameter set
// maximising Metric. The backtest fields are shared by every trial; Params
// in Backtest fixes parameters that are not searched.
type OptimizationRequest struct {
	Backtest      BacktestRequest    `json:"backtest"`
	Ranges        []ParamRange       `json:"ranges"`
	Method        OptimizationMethod `json:"method"`
	Metric        string             `json:"metric"`
	MaxIterations int                `json:"maxIterations,omitempty"`
	Seed          uint64             `json:"seed,omitempty"`
	Workers       int                `json:"workers,omitempty"`
	TrialTimeout  time.Duration      `json:"trialTimeout,omitempty"`
}

// OptimizationResult is the outcome of a parameter search. AllResults holds
// one entry per evaluated trial in trial order. BestIndex is -1 when no
// trial completed.
type OptimizationResult struct {
	StrategyID  string             `json:"strategyId"`
	Method      OptimizationMethod `json:"method"`
	Metric      string             `json:"metric"`
	Status      RunStatus          `json:"status"`
	BestParams  map[string]float64 `json:"bestParams"`
	BestMetric  float64            `json:"bestMetric"`
	BestIndex   int                `json:"bestIndex"`
	Trials      int                `json:"trials"`
	Generations int                `json:"generations,omitempty"`
	AllResults  []BacktestResult   `json:"allResults"`
}
