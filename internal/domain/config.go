package domain

import (
	"fmt"
	"time"
)

// FillModel selects the reference price used to fill market orders.
type FillModel string

const (
	// FillClose fills at the current bar's close.
	FillClose FillModel = "close"
	// FillNextOpen holds the order until the following bar and fills at its open.
	FillNextOpen FillModel = "next_open"
	// FillVWAP approximates the bar's VWAP as (high+low+2*close)/4.
	FillVWAP FillModel = "vwap"
)

// BacktestConfig holds the simulation parameters for one run. It is treated
// as immutable once a run starts. Rates and limits are fractions
// (0.001 = 0.1%).
type BacktestConfig struct {
	InitialCapital float64   `yaml:"initial_capital" json:"initialCapital"`
	CommissionRate float64   `yaml:"commission_rate" json:"commissionRate"`
	SlippageRate   float64   `yaml:"slippage_rate" json:"slippageRate"`
	MarginRate     float64   `yaml:"margin_rate" json:"marginRate"` // 1 = fully funded, 0.5 = 2x
	FillModel      FillModel `yaml:"fill_model" json:"fillModel"`

	CheckVolume       bool    `yaml:"check_volume" json:"checkVolume"`
	MaxVolumePercent  float64 `yaml:"max_volume_percent" json:"maxVolumePercent"`
	AllowPartialFills bool    `yaml:"allow_partial_fills" json:"allowPartialFills"`

	AllowShort        bool    `yaml:"allow_short" json:"allowShort"`
	MaxPositionSize   float64 `yaml:"max_position_size" json:"maxPositionSize"` // 0 = unlimited
	MaxDrawdown       float64 `yaml:"max_drawdown" json:"maxDrawdown"`
	StopOnMaxDrawdown bool    `yaml:"stop_on_max_drawdown" json:"stopOnMaxDrawdown"`

	QuantityStep   float64 `yaml:"quantity_step" json:"quantityStep"` // 0 = fractional quantities
	RiskFreeRate   float64 `yaml:"risk_free_rate" json:"riskFreeRate"`
	PeriodsPerYear float64 `yaml:"periods_per_year" json:"periodsPerYear"` // 0 = inferred from bar spacing
	CloseOnEnd     bool    `yaml:"close_on_end" json:"closeOnEnd"`

	// ProgressEvery emits a progress event every n bars; 0 picks 1% of the run.
	ProgressEvery int `yaml:"progress_every" json:"progressEvery"`
}

// DefaultBacktestConfig returns the defaults used when a request does not
// override a field.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		InitialCapital:   100000,
		CommissionRate:   0.001,
		SlippageRate:     0.0005,
		MarginRate:       1,
		FillModel:        FillClose,
		MaxVolumePercent: 0.1,
		AllowShort:       true,
		RiskFreeRate:     0,
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c BacktestConfig) Validate() error {
	switch {
	case c.InitialCapital <= 0:
		return fmt.Errorf("%w: initial capital must be positive, got %v", ErrInvalidConfig, c.InitialCapital)
	case c.CommissionRate < 0 || c.CommissionRate >= 1:
		return fmt.Errorf("%w: commission rate must be in [0, 1), got %v", ErrInvalidConfig, c.CommissionRate)
	case c.SlippageRate < 0 || c.SlippageRate >= 1:
		return fmt.Errorf("%w: slippage rate must be in [0, 1), got %v", ErrInvalidConfig, c.SlippageRate)
	case c.MarginRate <= 0 || c.MarginRate > 1:
		return fmt.Errorf("%w: margin rate must be in (0, 1], got %v", ErrInvalidConfig, c.MarginRate)
	case c.CheckVolume && (c.MaxVolumePercent <= 0 || c.MaxVolumePercent > 1):
		return fmt.Errorf("%w: max volume percent must be in (0, 1], got %v", ErrInvalidConfig, c.MaxVolumePercent)
	case c.MaxPositionSize < 0:
		return fmt.Errorf("%w: max position size must not be negative, got %v", ErrInvalidConfig, c.MaxPositionSize)
	case c.StopOnMaxDrawdown && (c.MaxDrawdown <= 0 || c.MaxDrawdown > 1):
		return fmt.Errorf("%w: max drawdown must be in (0, 1] when stop_on_max_drawdown is set, got %v", ErrInvalidConfig, c.MaxDrawdown)
	case c.QuantityStep < 0:
		return fmt.Errorf("%w: quantity step must not be negative, got %v", ErrInvalidConfig, c.QuantityStep)
	case c.PeriodsPerYear < 0:
		return fmt.Errorf("%w: periods per year must not be negative, got %v", ErrInvalidConfig, c.PeriodsPerYear)
	case c.ProgressEvery < 0:
		return fmt.Errorf("%w: progress interval must not be negative, got %v", ErrInvalidConfig, c.ProgressEvery)
	}
	switch c.FillModel {
	case FillClose, FillNextOpen, FillVWAP:
	default:
		return fmt.Errorf("%w: unknown fill model %q", ErrInvalidConfig, c.FillModel)
	}
	return nil
}

// ConfigOverride is a partial BacktestConfig. Nil fields keep the base value.
type ConfigOverride struct {
	InitialCapital    *float64   `json:"initialCapital,omitempty"`
	CommissionRate    *float64   `json:"commissionRate,omitempty"`
	SlippageRate      *float64   `json:"slippageRate,omitempty"`
	MarginRate        *float64   `json:"marginRate,omitempty"`
	FillModel         *FillModel `json:"fillModel,omitempty"`
	CheckVolume       *bool      `json:"checkVolume,omitempty"`
	MaxVolumePercent  *float64   `json:"maxVolumePercent,omitempty"`
	AllowPartialFills *bool      `json:"allowPartialFills,omitempty"`
	AllowShort        *bool      `json:"allowShort,omitempty"`
	MaxPositionSize   *float64   `json:"maxPositionSize,omitempty"`
	MaxDrawdown       *float64   `json:"maxDrawdown,omitempty"`
	StopOnMaxDrawdown *bool      `json:"stopOnMaxDrawdown,omitempty"`
	QuantityStep      *float64   `json:"quantityStep,omitempty"`
	RiskFreeRate      *float64   `json:"riskFreeRate,omitempty"`
	PeriodsPerYear    *float64   `json:"periodsPerYear,omitempty"`
	CloseOnEnd        *bool      `json:"closeOnEnd,omitempty"`
}

// Apply returns a copy of base with the non-nil override fields applied.
func (o *ConfigOverride) Apply(base BacktestConfig) BacktestConfig {
	if o == nil {
		return base
	}
	c := base
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setB := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&c.InitialCapital, o.InitialCapital)
	setF(&c.CommissionRate, o.CommissionRate)
	setF(&c.SlippageRate, o.SlippageRate)
	setF(&c.MarginRate, o.MarginRate)
	if o.FillModel != nil {
		c.FillModel = *o.FillModel
	}
	setB(&c.CheckVolume, o.CheckVolume)
	setF(&c.MaxVolumePercent, o.MaxVolumePercent)
	setB(&c.AllowPartialFills, o.AllowPartialFills)
	setB(&c.AllowShort, o.AllowShort)
	setF(&c.MaxPositionSize, o.MaxPositionSize)
	setF(&c.MaxDrawdown, o.MaxDrawdown)
	setB(&c.StopOnMaxDrawdown, o.StopOnMaxDrawdown)
	setF(&c.QuantityStep, o.QuantityStep)
	setF(&c.RiskFreeRate, o.RiskFreeRate)
	setF(&c.PeriodsPerYear, o.PeriodsPerYear)
	setB(&c.CloseOnEnd, o.CloseOnEnd)
	return c
}

// BacktestRequest asks the engine to run one strategy over one symbol and
// interval within [Start, End].
type BacktestRequest struct {
	StrategyID string             `json:"strategyId"`
	Params     map[string]float64 `json:"params,omitempty"`
	Symbol     string             `json:"symbol"`
	Interval   string             `json:"interval"`
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
	Config     *ConfigOverride    `json:"config,omitempty"`
}

// Validate checks the request shape. It does not resolve the strategy.
func (r BacktestRequest) Validate() error {
	if r.StrategyID == "" {
		return fmt.Errorf("%w: strategy id is required", ErrInvalidConfig)
	}
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	}
	if r.Start.IsZero() || r.End.IsZero() || r.End.Before(r.Start) {
		return fmt.Errorf("%w: start %s, end %s", ErrInvalidDateRange,
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}
